package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Blob      BlobConfig      `yaml:"blob"`
	Publisher PublisherConfig `yaml:"publisher"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Providers ProvidersConfig `yaml:"providers"`
	Sync      SyncConfig      `yaml:"sync"`
}

// ServerConfig contains HTTP trigger configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CronSecret      string        `yaml:"cron_secret"`
	JWKSURL         string        `yaml:"jwks_url"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig contains logger configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the metadata store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// BlobConfig selects the blob storage backend.
type BlobConfig struct {
	Driver string `yaml:"driver"` // "fs" or "gcs"
	Root   string `yaml:"root"`
	Bucket string `yaml:"bucket"`
}

// PublisherConfig selects where analysis requests are published.
type PublisherConfig struct {
	Driver        string `yaml:"driver"` // "nats", "pubsub" or "none"
	NATSURL       string `yaml:"nats_url"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// OutboxConfig controls the outbox dispatcher.
type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// SecretsConfig holds the key used to seal OAuth secrets at rest.
type SecretsConfig struct {
	Key string `yaml:"key"` // hex encoded, 32 bytes
}

// KeyBytes decodes the sealing key.
func (s SecretsConfig) KeyBytes() ([]byte, error) {
	return hex.DecodeString(s.Key)
}

// ProvidersConfig contains per-provider configuration.
type ProvidersConfig struct {
	Gmail   ProviderConfig `yaml:"gmail"`
	Outlook ProviderConfig `yaml:"outlook"`
}

// ProviderConfig contains OAuth client and pacing settings for one provider.
type ProviderConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ClientID          string  `yaml:"client_id"`
	ClientSecret      string  `yaml:"client_secret"`
	Tenant            string  `yaml:"tenant"`
	TokenURL          string  `yaml:"token_url"`
	Endpoint          string  `yaml:"endpoint"`
	Concurrency       int     `yaml:"concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	SearchLimit       int     `yaml:"search_limit"`
}

// SyncConfig controls sweeps.
type SyncConfig struct {
	ScheduleInterval   time.Duration `yaml:"schedule_interval"`
	SweepTimeout       time.Duration `yaml:"sweep_timeout"`
	MaxAttachmentBytes int64         `yaml:"max_attachment_bytes"`
	Keywords           []string      `yaml:"keywords"`
	OnDemand           SweepLimits   `yaml:"on_demand"`
	Scheduled          SweepLimits   `yaml:"scheduled"`
}

// SweepLimits bounds one sweep of one account.
type SweepLimits struct {
	MaxMessages int           `yaml:"max_messages"`
	Lookback    time.Duration `yaml:"lookback"`
}

// Validate validates the complete configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Blob.Validate(); err != nil {
		return fmt.Errorf("blob: %w", err)
	}
	if err := c.Publisher.Validate(); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	if err := c.Secrets.Validate(); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if err := c.Providers.Gmail.Validate(); err != nil {
		return fmt.Errorf("providers.gmail: %w", err)
	}
	if err := c.Providers.Outlook.Validate(); err != nil {
		return fmt.Errorf("providers.outlook: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", s.Port)
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout cannot be negative")
	}
	return nil
}

// Validate validates logger configuration.
func (l *LogConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level %q", l.Level)
	}
	switch l.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid format %q", l.Format)
	}
	return nil
}

// Validate validates store configuration.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case "sqlite":
		if s.Path == "" {
			return fmt.Errorf("path is required for sqlite")
		}
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown driver %q", s.Driver)
	}
	return nil
}

// Validate validates blob configuration.
func (b *BlobConfig) Validate() error {
	switch b.Driver {
	case "fs":
		if b.Root == "" {
			return fmt.Errorf("root is required for fs")
		}
	case "gcs":
		if b.Bucket == "" {
			return fmt.Errorf("bucket is required for gcs")
		}
	default:
		return fmt.Errorf("unknown driver %q", b.Driver)
	}
	return nil
}

// Validate validates publisher configuration.
func (p *PublisherConfig) Validate() error {
	switch p.Driver {
	case "none":
	case "nats":
		if p.NATSURL == "" {
			return fmt.Errorf("nats_url is required for nats")
		}
	case "pubsub":
		if p.PubSubProject == "" || p.PubSubTopic == "" {
			return fmt.Errorf("pubsub_project and pubsub_topic are required for pubsub")
		}
	default:
		return fmt.Errorf("unknown driver %q", p.Driver)
	}
	return nil
}

// Validate validates the sealing key.
func (s *SecretsConfig) Validate() error {
	key, err := s.KeyBytes()
	if err != nil {
		return fmt.Errorf("key must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return nil
}

// Validate validates a provider section.
func (p *ProviderConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if p.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative")
	}
	return nil
}

// Validate validates sweep configuration.
func (s *SyncConfig) Validate() error {
	if s.ScheduleInterval < 0 {
		return fmt.Errorf("schedule_interval cannot be negative")
	}
	if s.SweepTimeout <= 0 {
		return fmt.Errorf("sweep_timeout must be positive")
	}
	if len(s.Keywords) == 0 {
		return fmt.Errorf("at least one keyword is required")
	}
	for name, limits := range map[string]SweepLimits{"on_demand": s.OnDemand, "scheduled": s.Scheduled} {
		if limits.MaxMessages < 1 {
			return fmt.Errorf("%s.max_messages must be at least 1", name)
		}
		if limits.Lookback < 24*time.Hour {
			return fmt.Errorf("%s.lookback must be at least 24h", name)
		}
	}
	return nil
}
