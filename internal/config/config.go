package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Server
	ServerAddr     string
	Env            string // "development" or "production"
	AllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "text"

	// History store. Empty disables the history API.
	DatabaseURL   string
	MigrationsDir string

	// PubSub (cluster bridge)
	PubSubType string // "memory", "redis" or "nats"
	RedisURL   string // e.g., "redis://localhost:6379"
	NATSURL    string // e.g., "nats://localhost:4222"
	InstanceID string

	// Presence
	PresenceMultiDevice bool
	PresenceHeartbeat   time.Duration

	// Websocket sessions
	OutboxSize       int
	OverflowPolicy   string // "drop_oldest" or "disconnect"
	MaxMessageBytes  int64
	MaxContentLength int
	SendRate         float64
	SendBurst        int

	// REST
	APIRateLimitPerMin int
}

// Load reads configuration from environment variables. When CONFIG_FILE
// names a YAML file, its values fill in whatever the environment leaves unset.
func Load() (*Config, error) {
	l := &loader{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		l.file = file
	}

	cfg := &Config{
		ServerAddr:     l.str("SERVER_ADDR", "0.0.0.0:4000"),
		Env:            l.str("APP_ENV", "development"),
		AllowedOrigins: splitList(l.str("ALLOWED_ORIGINS", "")),

		LogLevel:  l.str("LOG_LEVEL", "info"),
		LogFormat: l.str("LOG_FORMAT", "json"),

		DatabaseURL:   l.raw("DATABASE_URL", "sqlite://chatrelay.db"),
		MigrationsDir: l.str("MIGRATIONS_DIR", "migrations"),

		PubSubType: l.str("PUBSUB_TYPE", "memory"),
		RedisURL:   l.str("REDIS_URL", ""),
		NATSURL:    l.str("NATS_URL", ""),
		InstanceID: l.str("INSTANCE_ID", ""),

		PresenceMultiDevice: l.boolVal("PRESENCE_MULTI_DEVICE", true),
		PresenceHeartbeat:   l.durationVal("PRESENCE_HEARTBEAT", 15*time.Second),

		OutboxSize:       l.intVal("WS_OUTBOX_SIZE", 256),
		OverflowPolicy:   l.str("WS_OVERFLOW_POLICY", "drop_oldest"),
		MaxMessageBytes:  int64(l.intVal("WS_MAX_MESSAGE_BYTES", 65536)),
		MaxContentLength: l.intVal("MAX_CONTENT_LENGTH", 10000),
		SendRate:         l.floatVal("WS_SEND_RATE", 20),
		SendBurst:        l.intVal("WS_SEND_BURST", 40),

		APIRateLimitPerMin: l.intVal("API_RATE_LIMIT_PER_MIN", 600),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	if len(l.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(l.errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.PubSubType {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PUBSUB_TYPE=redis")
		}
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when PUBSUB_TYPE=nats")
		}
	default:
		return fmt.Errorf("PUBSUB_TYPE must be memory, redis or nats, got %q", c.PubSubType)
	}

	switch c.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("WS_OVERFLOW_POLICY must be drop_oldest or disconnect, got %q", c.OverflowPolicy)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.OutboxSize < 1 || c.MaxMessageBytes < 1 || c.MaxContentLength < 1 {
		return fmt.Errorf("WS_OUTBOX_SIZE, WS_MAX_MESSAGE_BYTES and MAX_CONTENT_LENGTH must be positive")
	}
	if c.SendRate <= 0 || c.SendBurst < 1 {
		return fmt.Errorf("WS_SEND_RATE and WS_SEND_BURST must be positive")
	}
	if c.APIRateLimitPerMin < 1 {
		return fmt.Errorf("API_RATE_LIMIT_PER_MIN must be positive")
	}
	if c.PresenceHeartbeat <= 0 {
		return fmt.Errorf("PRESENCE_HEARTBEAT must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// HistoryEnabled reports whether a history store is configured.
func (c *Config) HistoryEnabled() bool {
	return c.DatabaseURL != ""
}

// ParseLogLevel maps debug, info, warn or error to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// readFile loads a flat YAML mapping. Keys are matched case-insensitively
// against the environment variable names.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(k)
		switch val := v.(type) {
		case nil:
			values[key] = ""
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			values[key] = strings.Join(parts, ",")
		default:
			values[key] = fmt.Sprint(val)
		}
	}
	return values, nil
}

// loader resolves a key from the environment, then the config file, then
// the default, collecting parse errors.
type loader struct {
	file map[string]string
	errs []string
}

// lookup reports the value and whether the key was set anywhere.
func (l *loader) lookup(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	val, ok := l.file[key]
	return val, ok
}

// str treats an empty value as unset.
func (l *loader) str(key, defaultVal string) string {
	if val, ok := l.lookup(key); ok && val != "" {
		return val
	}
	return defaultVal
}

// raw keeps an explicitly empty value.
func (l *loader) raw(key, defaultVal string) string {
	if val, ok := l.lookup(key); ok {
		return strings.TrimSpace(val)
	}
	return defaultVal
}

func (l *loader) intVal(key string, defaultVal int) int {
	val := l.str(key, "")
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: %q is not an integer", key, val))
		return defaultVal
	}
	return n
}

func (l *loader) floatVal(key string, defaultVal float64) float64 {
	val := l.str(key, "")
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: %q is not a number", key, val))
		return defaultVal
	}
	return f
}

func (l *loader) boolVal(key string, defaultVal bool) bool {
	val := l.str(key, "")
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: %q is not a boolean", key, val))
		return defaultVal
	}
	return b
}

func (l *loader) durationVal(key string, defaultVal time.Duration) time.Duration {
	val := l.str(key, "")
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: %q is not a duration", key, val))
		return defaultVal
	}
	return d
}

// splitList splits a comma-separated value into a slice
func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
