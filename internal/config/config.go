package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CONCORD"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "concord.db"
	defaultLogLevel        = "info"
	defaultServerName      = "concord.local"
	defaultPeerKeyPath     = "concord.key"
	defaultPresenceTTL     = 90 * time.Second
	defaultTickInterval    = time.Second
	defaultQueueSize       = 256
	defaultSnapshotEvery   = 5 * time.Minute
	defaultSnapshotHorizon = time.Hour
	defaultSnapshotBackend = SnapshotBackendSQLite
	defaultSnapshotKeep    = 5
	defaultBadgerPath      = "concord-badger"
	defaultDedupeCapacity  = 10_000
	defaultOriginCapacity  = 1_024
	defaultAuthIssuer      = "concord"
	defaultAuthAudience    = "concord-api"
)

const (
	// SnapshotBackendSQLite stores snapshots in the gorm database.
	SnapshotBackendSQLite = "sqlite"
	// SnapshotBackendBadger stores snapshots in a badger directory.
	SnapshotBackendBadger = "badger"
)

// AppConfig captures runtime configuration for the server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	ServerName         string
	PeerKeyPath        string
	PeerKeySeed        string
	Peers              []string
	PeerAllowlist      []string
	PresenceTTL        time.Duration
	TickInterval       time.Duration
	QueueSize          int
	SnapshotInterval   time.Duration
	SnapshotHorizon    time.Duration
	SnapshotBackend    string
	SnapshotKeep       int
	BadgerPath         string
	DedupeCapacity     int
	OriginCapacity     int
	AuthSigningSecret  string
	AuthIssuer         string
	AuthAudience       string
	CORSAllowedOrigins []string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("server.name", defaultServerName)
	configViper.SetDefault("peer.key_path", defaultPeerKeyPath)
	configViper.SetDefault("peer.key_seed", "")
	configViper.SetDefault("peer.addresses", []string{})
	configViper.SetDefault("peer.allowlist", []string{})
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("sync.tick_interval", defaultTickInterval)
	configViper.SetDefault("sync.queue_size", defaultQueueSize)
	configViper.SetDefault("snapshot.interval", defaultSnapshotEvery)
	configViper.SetDefault("snapshot.horizon", defaultSnapshotHorizon)
	configViper.SetDefault("snapshot.backend", defaultSnapshotBackend)
	configViper.SetDefault("snapshot.keep", defaultSnapshotKeep)
	configViper.SetDefault("snapshot.badger_path", defaultBadgerPath)
	configViper.SetDefault("events.dedupe_capacity", defaultDedupeCapacity)
	configViper.SetDefault("events.origin_capacity", defaultOriginCapacity)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("cors.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		ServerName:         configViper.GetString("server.name"),
		PeerKeyPath:        configViper.GetString("peer.key_path"),
		PeerKeySeed:        configViper.GetString("peer.key_seed"),
		Peers:              splitList(configViper.GetStringSlice("peer.addresses")),
		PeerAllowlist:      splitList(configViper.GetStringSlice("peer.allowlist")),
		PresenceTTL:        configViper.GetDuration("presence.ttl"),
		TickInterval:       configViper.GetDuration("sync.tick_interval"),
		QueueSize:          configViper.GetInt("sync.queue_size"),
		SnapshotInterval:   configViper.GetDuration("snapshot.interval"),
		SnapshotHorizon:    configViper.GetDuration("snapshot.horizon"),
		SnapshotBackend:    strings.ToLower(strings.TrimSpace(configViper.GetString("snapshot.backend"))),
		SnapshotKeep:       configViper.GetInt("snapshot.keep"),
		BadgerPath:         configViper.GetString("snapshot.badger_path"),
		DedupeCapacity:     configViper.GetInt("events.dedupe_capacity"),
		OriginCapacity:     configViper.GetInt("events.origin_capacity"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthAudience:       configViper.GetString("auth.audience"),
		CORSAllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ServerName) == "" {
		return fmt.Errorf("server.name is required")
	}
	if strings.TrimSpace(c.PeerKeySeed) == "" && strings.TrimSpace(c.PeerKeyPath) == "" {
		return fmt.Errorf("peer.key_path or peer.key_seed is required")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("sync.tick_interval must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("sync.queue_size must be positive")
	}
	if c.SnapshotInterval <= 0 || c.SnapshotHorizon <= 0 {
		return fmt.Errorf("snapshot.interval and snapshot.horizon must be positive")
	}
	switch c.SnapshotBackend {
	case SnapshotBackendSQLite:
	case SnapshotBackendBadger:
		if strings.TrimSpace(c.BadgerPath) == "" {
			return fmt.Errorf("snapshot.badger_path is required for the badger backend")
		}
	default:
		return fmt.Errorf("snapshot.backend %q is not supported", c.SnapshotBackend)
	}
	return nil
}

// splitList accepts both repeated values and a single comma-separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
