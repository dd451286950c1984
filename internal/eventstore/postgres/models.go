package postgres

import (
	"encoding/json"
	"time"

	"github.com/Martian-dev/invoice-ingest/internal/models"
)

type accountRow struct {
	ID                 string `gorm:"primaryKey;type:varchar(64)"`
	UserID             string `gorm:"type:varchar(64);not null;index;uniqueIndex:idx_account_identity"`
	Provider           string `gorm:"type:varchar(16);not null;index:idx_account_provider;uniqueIndex:idx_account_identity"`
	Address            string `gorm:"type:varchar(320);not null;uniqueIndex:idx_account_identity"`
	SealedRefreshToken string `gorm:"type:text;not null;default:''"`
	SealedAccessToken  string `gorm:"type:text;not null;default:''"`
	AccessTokenExpiry  time.Time
	SyncEnabled        bool `gorm:"not null;index:idx_account_provider"`
	LastSyncAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (accountRow) TableName() string {
	return "email_accounts"
}

func accountFromModel(a *models.EmailAccount) accountRow {
	return accountRow{
		ID:                 a.ID,
		UserID:             a.UserID,
		Provider:           string(a.Provider),
		Address:            a.Address,
		SealedRefreshToken: a.SealedRefreshToken,
		SealedAccessToken:  a.SealedAccessToken,
		AccessTokenExpiry:  a.AccessTokenExpiry,
		SyncEnabled:        a.SyncEnabled,
		LastSyncAt:         a.LastSyncAt,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func (r accountRow) toModel() models.EmailAccount {
	return models.EmailAccount{
		ID:                 r.ID,
		UserID:             r.UserID,
		Provider:           models.Provider(r.Provider),
		Address:            r.Address,
		SealedRefreshToken: r.SealedRefreshToken,
		SealedAccessToken:  r.SealedAccessToken,
		AccessTokenExpiry:  r.AccessTokenExpiry,
		SyncEnabled:        r.SyncEnabled,
		LastSyncAt:         r.LastSyncAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

type allowEntryRow struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	AccountID   string `gorm:"type:varchar(64);not null;uniqueIndex:idx_allow_entry"`
	SenderEmail string `gorm:"type:varchar(320);not null;uniqueIndex:idx_allow_entry"`
	Label       string `gorm:"type:varchar(255);not null;default:''"`
	CreatedAt   time.Time
}

func (allowEntryRow) TableName() string {
	return "supplier_allow_entries"
}

type processedMessageRow struct {
	ID              string `gorm:"primaryKey;type:varchar(64)"`
	UserID          string `gorm:"type:varchar(64);not null;uniqueIndex:idx_ledger_key"`
	AccountID       string `gorm:"type:varchar(64);not null"`
	Provider        string `gorm:"type:varchar(16);not null;uniqueIndex:idx_ledger_key"`
	MessageID       string `gorm:"type:varchar(255);not null;uniqueIndex:idx_ledger_key"`
	ThreadID        string `gorm:"type:varchar(255)"`
	Subject         string `gorm:"type:text"`
	Sender          string `gorm:"type:varchar(320)"`
	AttachmentCount int
	ArtifactIDs     string `gorm:"type:text;not null;default:'[]'"`
	ProcessedAt     time.Time
}

func (processedMessageRow) TableName() string {
	return "processed_messages"
}

func processedFromModel(rec *models.ProcessedMessage) (processedMessageRow, error) {
	ids := rec.ArtifactIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return processedMessageRow{}, err
	}
	return processedMessageRow{
		ID:              rec.ID,
		UserID:          rec.UserID,
		AccountID:       rec.AccountID,
		Provider:        string(rec.Provider),
		MessageID:       rec.MessageID,
		ThreadID:        rec.ThreadID,
		Subject:         rec.Subject,
		Sender:          rec.Sender,
		AttachmentCount: rec.AttachmentCount,
		ArtifactIDs:     string(encoded),
		ProcessedAt:     rec.ProcessedAt,
	}, nil
}

func (r processedMessageRow) toModel() (*models.ProcessedMessage, error) {
	var ids []string
	if err := json.Unmarshal([]byte(r.ArtifactIDs), &ids); err != nil {
		return nil, err
	}
	return &models.ProcessedMessage{
		ID:              r.ID,
		UserID:          r.UserID,
		AccountID:       r.AccountID,
		Provider:        models.Provider(r.Provider),
		MessageID:       r.MessageID,
		ThreadID:        r.ThreadID,
		Subject:         r.Subject,
		Sender:          r.Sender,
		AttachmentCount: r.AttachmentCount,
		ArtifactIDs:     ids,
		ProcessedAt:     r.ProcessedAt,
	}, nil
}

type artifactRow struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	UserID         string `gorm:"type:varchar(64);not null;uniqueIndex:idx_artifact_triple"`
	FileName       string `gorm:"type:varchar(512);not null;uniqueIndex:idx_artifact_triple"`
	StoragePath    string `gorm:"type:text;not null"`
	SizeBytes      int64
	MimeType       string `gorm:"type:varchar(128)"`
	SourceSender   string `gorm:"type:varchar(320);not null;uniqueIndex:idx_artifact_triple"`
	AnalysisStatus string `gorm:"type:varchar(32);not null;default:'pending'"`
	CreatedAt      time.Time
}

func (artifactRow) TableName() string {
	return "invoice_artifacts"
}

func artifactFromModel(a *models.InvoiceArtifact) artifactRow {
	return artifactRow{
		ID:             a.ID,
		UserID:         a.UserID,
		FileName:       a.FileName,
		StoragePath:    a.StoragePath,
		SizeBytes:      a.SizeBytes,
		MimeType:       a.MimeType,
		SourceSender:   a.SourceSender,
		AnalysisStatus: string(a.AnalysisStatus),
		CreatedAt:      a.CreatedAt,
	}
}

func (r artifactRow) toModel() models.InvoiceArtifact {
	return models.InvoiceArtifact{
		ID:             r.ID,
		UserID:         r.UserID,
		FileName:       r.FileName,
		StoragePath:    r.StoragePath,
		SizeBytes:      r.SizeBytes,
		MimeType:       r.MimeType,
		SourceSender:   r.SourceSender,
		AnalysisStatus: models.AnalysisStatus(r.AnalysisStatus),
		CreatedAt:      r.CreatedAt,
	}
}

type outboxRow struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	Subject       string     `gorm:"type:varchar(255);not null"`
	Payload       []byte     `gorm:"not null"`
	MsgID         string     `gorm:"type:varchar(255);not null;uniqueIndex"`
	Retries       int        `gorm:"not null;default:0"`
	NextAttemptAt time.Time  `gorm:"index:idx_outbox_pending"`
	PublishedAt   *time.Time `gorm:"index:idx_outbox_pending"`
	CreatedAt     time.Time
}

func (outboxRow) TableName() string {
	return "outbox"
}
