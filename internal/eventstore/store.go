// Package eventstore defines the metadata store shared by the sqlite and
// postgres drivers.
package eventstore

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/Martian-dev/invoice-ingest/internal/models"
)

// ErrNotFound is returned by point lookups that match no row
var ErrNotFound = stderrors.New("not found")

// Store is the complete metadata store contract
type Store interface {
	ListSyncEnabledAccounts(ctx context.Context, provider models.Provider) ([]models.EmailAccount, error)
	ListUserAccounts(ctx context.Context, userID string) ([]models.EmailAccount, error)
	GetAccount(ctx context.Context, id string) (*models.EmailAccount, error)
	UpsertAccount(ctx context.Context, account *models.EmailAccount) error
	UpdateAccessToken(ctx context.Context, accountID, sealedAccess string, expiry time.Time, sealedRefresh string) error
	TouchLastSync(ctx context.Context, accountID string, at time.Time) error

	ListAllowedSenders(ctx context.Context, accountID string) ([]string, error)
	AddAllowedSender(ctx context.Context, entry *models.SupplierAllowEntry) error

	ProcessedMessageIDs(ctx context.Context, userID string, provider models.Provider, messageIDs []string) (map[string]bool, error)
	IsProcessed(ctx context.Context, userID string, provider models.Provider, messageID string) (bool, error)
	GetProcessedMessage(ctx context.Context, userID string, provider models.Provider, messageID string) (*models.ProcessedMessage, error)
	RecordProcessed(ctx context.Context, record *models.ProcessedMessage) error

	FindArtifact(ctx context.Context, userID, fileName, sender string) (*models.InvoiceArtifact, error)
	InsertArtifact(ctx context.Context, artifact *models.InvoiceArtifact, msg *models.OutboxMessage) error
	ListArtifacts(ctx context.Context, userID string) ([]models.InvoiceArtifact, error)

	DequeueOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error

	Close() error
}
