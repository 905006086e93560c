package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COLLAB"

	defaultHTTPAddress      = "0.0.0.0:8090"
	defaultAllowedOrigins   = "*"
	defaultAuthMode         = AuthModeRemote
	defaultAuthTimeout      = 5 * time.Second
	defaultAuthIssuer       = "gravity-auth"
	defaultStorageDriver    = StorageDriverSQLite
	defaultDatabasePath     = "collab.db"
	defaultSaveDebounce     = 2 * time.Second
	defaultSaveMaxAttempts  = 5
	defaultSaveBackoff      = 250 * time.Millisecond
	defaultSaveTimeout      = 10 * time.Second
	defaultEvictionGrace    = 5 * time.Second
	defaultLoadTimeout      = 10 * time.Second
	defaultMaxLogEntries    = 1024
	defaultMaxPending       = 256
	defaultMaxMessageBytes  = 1 << 20
	defaultHandshakeTimeout = 10 * time.Second
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultTokenTTL         = 30 * time.Minute
)

const (
	// AuthModeRemote verifies tokens by calling the platform's auth service.
	AuthModeRemote = "remote"
	// AuthModeJWT verifies HS256 tokens with a shared signing secret.
	AuthModeJWT = "jwt"

	// StorageDriverHTTP stores documents through the platform's article API.
	StorageDriverHTTP = "http"
	// StorageDriverSQLite stores documents in a local SQLite database.
	StorageDriverSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the collaboration service.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	AuthMode          string
	AuthEndpoint      string
	AuthTimeout       time.Duration
	AuthSigningSecret string
	AuthIssuer        string
	TokenTTL          time.Duration

	StorageDriver   string
	StorageEndpoint string
	DatabasePath    string

	SaveDebounce       time.Duration
	SaveMaxAttempts    uint
	SaveInitialBackoff time.Duration
	SaveTimeout        time.Duration

	EvictionGrace time.Duration
	LoadTimeout   time.Duration
	MaxLogEntries int
	MaxPending    int

	MaxMessageBytes  int64
	HandshakeTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("auth.mode", defaultAuthMode)
	configViper.SetDefault("auth.endpoint", "")
	configViper.SetDefault("auth.timeout", defaultAuthTimeout)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.endpoint", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("save.debounce", defaultSaveDebounce)
	configViper.SetDefault("save.max_attempts", defaultSaveMaxAttempts)
	configViper.SetDefault("save.initial_backoff", defaultSaveBackoff)
	configViper.SetDefault("save.timeout", defaultSaveTimeout)
	configViper.SetDefault("room.eviction_grace", defaultEvictionGrace)
	configViper.SetDefault("room.load_timeout", defaultLoadTimeout)
	configViper.SetDefault("crdt.max_log_entries", defaultMaxLogEntries)
	configViper.SetDefault("crdt.max_pending_updates", defaultMaxPending)
	configViper.SetDefault("ws.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("ws.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     splitList(configViper.GetString("http.allowed_origins")),
		AuthMode:           strings.ToLower(strings.TrimSpace(configViper.GetString("auth.mode"))),
		AuthEndpoint:       strings.TrimSpace(configViper.GetString("auth.endpoint")),
		AuthTimeout:        configViper.GetDuration("auth.timeout"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
		StorageDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		StorageEndpoint:    strings.TrimSpace(configViper.GetString("storage.endpoint")),
		DatabasePath:       configViper.GetString("database.path"),
		SaveDebounce:       configViper.GetDuration("save.debounce"),
		SaveMaxAttempts:    configViper.GetUint("save.max_attempts"),
		SaveInitialBackoff: configViper.GetDuration("save.initial_backoff"),
		SaveTimeout:        configViper.GetDuration("save.timeout"),
		EvictionGrace:      configViper.GetDuration("room.eviction_grace"),
		LoadTimeout:        configViper.GetDuration("room.load_timeout"),
		MaxLogEntries:      configViper.GetInt("crdt.max_log_entries"),
		MaxPending:         configViper.GetInt("crdt.max_pending_updates"),
		MaxMessageBytes:    configViper.GetInt64("ws.max_message_bytes"),
		HandshakeTimeout:   configViper.GetDuration("ws.handshake_timeout"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.AuthMode {
	case AuthModeRemote:
		if c.AuthEndpoint == "" {
			return fmt.Errorf("auth.endpoint is required when auth.mode is %s", AuthModeRemote)
		}
	case AuthModeJWT:
		if strings.TrimSpace(c.AuthSigningSecret) == "" {
			return fmt.Errorf("auth.signing_secret is required when auth.mode is %s", AuthModeJWT)
		}
		if strings.TrimSpace(c.AuthIssuer) == "" {
			return fmt.Errorf("auth.issuer is required when auth.mode is %s", AuthModeJWT)
		}
	default:
		return fmt.Errorf("auth.mode must be %s or %s, got %q", AuthModeRemote, AuthModeJWT, c.AuthMode)
	}
	switch c.StorageDriver {
	case StorageDriverHTTP:
		if c.StorageEndpoint == "" {
			return fmt.Errorf("storage.endpoint is required when storage.driver is %s", StorageDriverHTTP)
		}
	case StorageDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required when storage.driver is %s", StorageDriverSQLite)
		}
	default:
		return fmt.Errorf("storage.driver must be %s or %s, got %q", StorageDriverHTTP, StorageDriverSQLite, c.StorageDriver)
	}
	if c.SaveMaxAttempts == 0 {
		return fmt.Errorf("save.max_attempts must be positive")
	}
	if c.SaveDebounce <= 0 || c.EvictionGrace <= 0 {
		return fmt.Errorf("save.debounce and room.eviction_grace must be positive")
	}
	if c.MaxLogEntries <= 0 || c.MaxPending <= 0 {
		return fmt.Errorf("crdt.max_log_entries and crdt.max_pending_updates must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("ws.max_message_bytes must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
