package identity

import (
	"context"
	"errors"
	"sync"
)

// ErrUserNotFound is returned when the directory has no row for a user id.
var ErrUserNotFound = errors.New("identity: user not found")

// User is a directory row: stable id, display attributes, active flag.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	Active      bool
}

// Directory resolves user ids to display attributes and active state.
// The lookup is server-authoritative: a disabled user is refused even with a
// structurally valid token.
type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

// MemoryDirectory is the dev/test Directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory constructs an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]User)}
}

// Put inserts or replaces a user row.
func (d *MemoryDirectory) Put(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// Lookup returns the user row for userID.
func (d *MemoryDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()

	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}
