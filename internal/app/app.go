// Package app wires the souk chat server runtime: config, logging, HTTP
// routes, metrics, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"souk/internal/identity"
	"souk/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the souk server runtime: it owns HTTP server wiring and realtime
// gateway dependencies.
type App struct {
	cfg Config
	log *slog.Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws  *realtime.Gateway
	reg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	st, dbPool, dbEnabled, convStore, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg, dbPool, dbEnabled)
	if err != nil {
		if dbPool != nil {
			dbPool.Close()
		}
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := realtime.NewMetrics(reg)

	ws := realtime.NewGateway(log, verifier, convStore, realtime.NewRegistry(log), realtime.NewRoomSet(log), metrics)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		ws:        ws,
		reg:       reg,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal
// server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.reg)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	// Stop accepting persistent-side effects from connections that are about
	// to be torn down, then drain HTTP.
	a.ws.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and in-memory dev store.
func newStore(ctx context.Context, cfg Config, log *slog.Logger) (Store, *pgxpool.Pool, bool, realtime.ConversationStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		mem := realtime.NewInMemoryStore()
		seedConversations(ctx, mem, cfg.DevConversations, log)
		return nopStore{}, nil, false, mem, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	convStore, err := realtime.NewPostgresStore(pool) // default schema "souk"
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, convStore: convStore}, pool, true, convStore, nil
}

type dbStore struct {
	pool      *pgxpool.Pool
	convStore realtime.ConversationStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.convStore != nil {
		_ = s.convStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// newVerifier wires the connect-credential verifier: HS256 token verification
// plus an identity directory so that display attributes and the active flag
// come from the source of record.
func newVerifier(cfg Config, pool *pgxpool.Pool, dbEnabled bool) (identity.Verifier, error) {
	tokens, err := identity.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, err
	}

	var dir identity.Directory
	if dbEnabled {
		pg, err := identity.NewPostgresDirectory(pool)
		if err != nil {
			return nil, err
		}
		dir = pg
	} else {
		dir = seedMemoryDirectory(cfg.DevUsers)
	}

	return identity.NewService(tokens, dir)
}

// seedConversations parses the dev-conversations spec
// "conv-id:user-a:user-b,..." and creates each conversation in the store.
func seedConversations(ctx context.Context, store realtime.ConversationStore, spec string, log *slog.Logger) {
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			log.Warn("dev.conversation.skip", "entry", entry, "reason", "want conv:userA:userB")
			continue
		}
		_, err := store.CreateConversation(ctx, realtime.CreateConversationInput{
			ID:             strings.TrimSpace(parts[0]),
			ParticipantIDs: []string{strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])},
		})
		if err != nil {
			log.Warn("dev.conversation.skip", "entry", entry, "err", err)
		}
	}
}

// seedMemoryDirectory parses the dev-users spec "id:display,id2:display2".
func seedMemoryDirectory(spec string) *identity.MemoryDirectory {
	dir := identity.NewMemoryDirectory()
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, name, _ := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = id
		}
		dir.Put(identity.User{ID: id, DisplayName: name, Active: true})
	}
	return dir
}
