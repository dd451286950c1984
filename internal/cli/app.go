package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/invoice-ingest/internal/artifact"
	"github.com/Martian-dev/invoice-ingest/internal/auth"
	"github.com/Martian-dev/invoice-ingest/internal/blob"
	"github.com/Martian-dev/invoice-ingest/internal/classify"
	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/eventstore"
	"github.com/Martian-dev/invoice-ingest/internal/eventstore/postgres"
	"github.com/Martian-dev/invoice-ingest/internal/eventstore/sqlite"
	"github.com/Martian-dev/invoice-ingest/internal/logging"
	"github.com/Martian-dev/invoice-ingest/internal/metrics"
	"github.com/Martian-dev/invoice-ingest/internal/models"
	natsjs "github.com/Martian-dev/invoice-ingest/internal/nats"
	"github.com/Martian-dev/invoice-ingest/internal/outbox"
	"github.com/Martian-dev/invoice-ingest/internal/providers/gmail"
	"github.com/Martian-dev/invoice-ingest/internal/providers/outlook"
	"github.com/Martian-dev/invoice-ingest/internal/pubsub"
	"github.com/Martian-dev/invoice-ingest/internal/sync"
)

// app holds the components shared by serve and sync
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	store      eventstore.Store
	blobs      blob.Store
	publisher  outbox.Publisher
	manager    *sync.Manager
	dispatcher *outbox.Dispatcher
}

type providerSetup struct {
	cfg     config.ProviderConfig
	oauth   *oauth2.Config
	adapter sync.Provider
}

// newApp opens every backend named by cfg and wires the sweep pipeline
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New("invoice_ingest")}

	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = store

	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		a.close()
		return nil, err
	}
	a.blobs = blobs

	publisher, err := openPublisher(ctx, cfg.Publisher, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.publisher = publisher

	key, err := cfg.Secrets.KeyBytes()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("decode secrets key: %w", err)
	}
	sealer, err := auth.NewSealer(key)
	if err != nil {
		a.close()
		return nil, err
	}

	var enabled []providerSetup
	if pc := cfg.Providers.Gmail; pc.Enabled {
		enabled = append(enabled, providerSetup{cfg: pc, oauth: auth.GoogleOAuthConfig(pc), adapter: gmail.New(pc)})
	}
	if pc := cfg.Providers.Outlook; pc.Enabled {
		enabled = append(enabled, providerSetup{cfg: pc, oauth: auth.MicrosoftOAuthConfig(pc), adapter: outlook.New(pc)})
	}

	oauthConfigs := make(map[models.Provider]*oauth2.Config, len(enabled))
	for _, p := range enabled {
		oauthConfigs[p.adapter.Name()] = p.oauth
	}
	refresher := auth.NewRefresher(a.store, sealer, oauthConfigs)
	persister := artifact.NewPersister(a.store, a.blobs, cfg.Publisher.SubjectPrefix, logger)
	classifier := classify.New(cfg.Sync.Keywords...)

	a.manager = sync.NewManager(a.store, cfg.Sync, logger)
	for _, p := range enabled {
		a.manager.Register(&sync.Runner{
			Store:              a.store,
			Refresher:          refresher,
			Provider:           p.adapter,
			Classifier:         classifier,
			Persister:          persister,
			Metrics:            a.metrics,
			Logger:             logger.With(zap.String("provider", string(p.adapter.Name()))),
			MaxAttachmentBytes: cfg.Sync.MaxAttachmentBytes,
		}, p.cfg.Concurrency)
		logger.Info("provider enabled",
			zap.String("provider", string(p.adapter.Name())),
			zap.Int("concurrency", p.cfg.Concurrency))
	}
	if len(enabled) == 0 {
		logger.Warn("no providers enabled")
	}

	a.dispatcher = outbox.NewDispatcher(a.store, a.publisher, cfg.Outbox, a.metrics, logger)
	return a, nil
}

// close releases backends in reverse order of opening
func (a *app) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close publisher", zap.Error(err))
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("failed to close blob store", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
}

func openStore(cfg config.StoreConfig) (eventstore.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Driver {
	case "gcs":
		g, err := blob.NewGCS(ctx, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "fs":
		f, err := blob.NewFS(cfg.Root)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.PublisherConfig, logger *zap.Logger) (outbox.Publisher, error) {
	switch cfg.Driver {
	case "nats":
		p, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		if err := p.EnsureStream(ctx, cfg.StreamName, cfg.SubjectPrefix); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	case "pubsub":
		p, err := pubsub.NewPublisher(ctx, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "none", "":
		return outbox.Discard{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown publisher driver %q", cfg.Driver)
	}
}

// loadConfig loads the configuration and builds the logger it names
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(globalFlags.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	level := cfg.Log.Level
	if globalFlags.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
