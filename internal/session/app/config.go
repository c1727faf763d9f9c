package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBDriver      string // Database driver: sqlite or postgres (default: sqlite)
	DBDSN         string // Connection string / file path (default: ./sessions.db)
	SessionsTable string // Optional: override for the sessions table name
	KeysTable     string // Optional: override for the signing keys table name

	AccessTokenValidity      time.Duration // Access token lifetime (default: 1h)
	SigningKeyDynamic        bool          // Rotate the signing key on an interval (default: false)
	SigningKeyUpdateInterval time.Duration // Rotation interval when dynamic (default: 24h)

	RefreshTokenValidity time.Duration // Session lifetime, extended on each rotation (default: 2400h)

	AntiCSRF              bool // Require the anti-csrf header on verify (default: true)
	AccessTokenBlacklist  bool // Check session liveness on every verify (default: false)
	RevokeSessionOnTheft  bool // Delete the session when theft is detected (default: false)

	CookieDomain     string // Optional: Domain attribute on session cookies
	CookieSecure     bool   // Secure attribute on session cookies (default: true)
	AccessTokenPath  string // Optional: path scope of the access token cookie
	RefreshTokenPath string // Optional: path scope of the refresh token cookie

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Expired session sweep interval (default: 1h)
}

func LoadConfig() Config {
	return Config{
		DBDriver:      getEnvOrDefault("SESSIOND_DB_DRIVER", "sqlite"),
		DBDSN:         getEnvOrDefault("SESSIOND_DB_DSN", "sessions.db"),
		SessionsTable: os.Getenv("SESSIOND_SESSIONS_TABLE"),
		KeysTable:     os.Getenv("SESSIOND_KEYS_TABLE"),

		AccessTokenValidity:      getEnvDurationOrDefault("SESSIOND_ACCESS_TOKEN_VALIDITY", time.Hour),
		SigningKeyDynamic:        getEnvBoolOrDefault("SESSIOND_SIGNING_KEY_DYNAMIC", false),
		SigningKeyUpdateInterval: getEnvDurationOrDefault("SESSIOND_SIGNING_KEY_UPDATE_INTERVAL", 24*time.Hour),

		RefreshTokenValidity: getEnvDurationOrDefault("SESSIOND_REFRESH_TOKEN_VALIDITY", 2400*time.Hour),

		AntiCSRF:             getEnvBoolOrDefault("SESSIOND_ANTI_CSRF", true),
		AccessTokenBlacklist: getEnvBoolOrDefault("SESSIOND_ACCESS_TOKEN_BLACKLISTING", false),
		RevokeSessionOnTheft: getEnvBoolOrDefault("SESSIOND_REVOKE_ON_THEFT", false),

		CookieDomain:     os.Getenv("SESSIOND_COOKIE_DOMAIN"),
		CookieSecure:     getEnvBoolOrDefault("SESSIOND_COOKIE_SECURE", true),
		AccessTokenPath:  os.Getenv("SESSIOND_ACCESS_TOKEN_PATH"),
		RefreshTokenPath: os.Getenv("SESSIOND_REFRESH_TOKEN_PATH"),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes (for backwards compatibility)
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
