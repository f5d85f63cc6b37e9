package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// HMAC secret for connect-token verification; MUST be >= 32 bytes.
	JWTSecret string

	// DevUsers seeds the in-memory directory when no database is configured.
	// Format: "id:display name,id2:display name2".
	DevUsers string

	// DevConversations seeds the in-memory store when no database is
	// configured. Format: "conv-id:user-a:user-b,...".
	DevConversations string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("SOUK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("SOUK_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("SOUK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SOUK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SOUK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SOUK_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SOUK_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SOUK_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("SOUK_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SOUK_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("SOUK_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("SOUK_AUTH_JWT_SECRET", ""),

		DevUsers: EnvString("SOUK_DEV_USERS", ""),

		DevConversations: EnvString("SOUK_DEV_CONVERSATIONS", ""),
	}
}
