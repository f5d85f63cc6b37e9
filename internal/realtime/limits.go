package realtime

import "time"

// Security/performance limits for the gateway and stores.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max image reference length (bytes). References are URLs or object keys,
	// never raw image data.
	maxImageRefBytes = 2048

	// History paging bounds.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Default deadline for ConversationStore calls made by handlers.
	storeTimeout = 5 * time.Second
)
