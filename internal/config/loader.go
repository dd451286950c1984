package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Martian-dev/invoice-ingest/internal/errors"
)

// EnvConfigPath names the environment variable holding the config path
const EnvConfigPath = "INVOICE_INGEST_CONFIG"

// Load reads a .env file if present, then the YAML file at path
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &errors.ErrConfigNotFound{Path: path}
		}
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ErrFileRead{Path: path, Err: err}
	}

	return Parse([]byte(os.ExpandEnv(string(content))))
}

// Parse parses configuration from byte slice
func Parse(data []byte) (*Config, error) {
	config := Default()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &errors.ErrConfigParse{Err: err}
	}

	if err := config.Validate(); err != nil {
		return nil, &errors.ErrConfigValidation{Err: err}
	}

	return config, nil
}

// Default returns the configuration defaults applied before parsing
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/ingest.db",
		},
		Blob: BlobConfig{
			Driver: "fs",
			Root:   "data/blobs",
		},
		Publisher: PublisherConfig{
			Driver:        "none",
			StreamName:    "INVOICE_EVENTS",
			SubjectPrefix: "invoices",
		},
		Outbox: OutboxConfig{
			PollInterval: 500 * time.Millisecond,
			BatchSize:    100,
			RetryBackoff: 10 * time.Second,
		},
		Providers: ProvidersConfig{
			Gmail: ProviderConfig{
				Concurrency: 1,
				SearchLimit: 200,
			},
			Outlook: ProviderConfig{
				Tenant:      "common",
				Concurrency: 1,
				SearchLimit: 200,
			},
		},
		Sync: SyncConfig{
			ScheduleInterval:   time.Hour,
			SweepTimeout:       5 * time.Minute,
			MaxAttachmentBytes: 25 << 20,
			Keywords:           []string{"invoice"},
			OnDemand: SweepLimits{
				MaxMessages: 50,
				Lookback:    90 * 24 * time.Hour,
			},
			Scheduled: SweepLimits{
				MaxMessages: 20,
				Lookback:    7 * 24 * time.Hour,
			},
		},
	}
}
