// Package postgres implements the metadata store on gorm and PostgreSQL.
package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/eventstore"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

var _ eventstore.Store = (*Store)(nil)

// Store is the postgres metadata store
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn and migrates the schema
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}
	return New(db)
}

// New wraps an existing gorm connection and migrates the schema
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&accountRow{}, &allowEntryRow{}, &processedMessageRow{}, &artifactRow{}, &outboxRow{}); err != nil {
		return nil, &errors.ErrDatabaseMigration{Version: 1, Err: err}
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func queryErr(op string, err error) error {
	return &errors.ErrDatabaseQuery{Operation: op, Err: err}
}

// ListSyncEnabledAccounts returns every sync-enabled account of a provider
func (s *Store) ListSyncEnabledAccounts(ctx context.Context, provider models.Provider) ([]models.EmailAccount, error) {
	var rows []accountRow
	err := s.db.WithContext(ctx).
		Where("provider = ? AND sync_enabled = ?", string(provider), true).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, queryErr("list sync enabled accounts", err)
	}
	return toAccounts(rows), nil
}

// ListUserAccounts returns every account owned by a user
func (s *Store) ListUserAccounts(ctx context.Context, userID string) ([]models.EmailAccount, error) {
	var rows []accountRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("provider, created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, queryErr("list user accounts", err)
	}
	return toAccounts(rows), nil
}

func toAccounts(rows []accountRow) []models.EmailAccount {
	accounts := make([]models.EmailAccount, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.toModel())
	}
	return accounts
}

// GetAccount loads one account by id
func (s *Store) GetAccount(ctx context.Context, id string) (*models.EmailAccount, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, eventstore.ErrNotFound
	}
	if err != nil {
		return nil, queryErr("get account", err)
	}
	a := row.toModel()
	return &a, nil
}

// UpsertAccount inserts or replaces an account. An empty ID is generated.
func (s *Store) UpsertAccount(ctx context.Context, account *models.EmailAccount) error {
	now := s.now()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	account.Address = models.NormalizeAddress(account.Address)

	row := accountFromModel(account)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"address", "sealed_refresh_token", "sealed_access_token", "access_token_expiry",
			"sync_enabled", "last_sync_at", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return queryErr("upsert account", err)
	}
	return nil
}

// UpdateAccessToken stores a refreshed credential on the account
func (s *Store) UpdateAccessToken(ctx context.Context, accountID, sealedAccess string, expiry time.Time, sealedRefresh string) error {
	res := s.db.WithContext(ctx).Model(&accountRow{}).Where("id = ?", accountID).Updates(map[string]any{
		"sealed_access_token":  sealedAccess,
		"access_token_expiry":  expiry,
		"sealed_refresh_token": sealedRefresh,
		"updated_at":           s.now(),
	})
	if res.Error != nil {
		return queryErr("update access token", res.Error)
	}
	if res.RowsAffected == 0 {
		return eventstore.ErrNotFound
	}
	return nil
}

// TouchLastSync sets the account's last-sync timestamp
func (s *Store) TouchLastSync(ctx context.Context, accountID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&accountRow{}).Where("id = ?", accountID).Updates(map[string]any{
		"last_sync_at": at,
		"updated_at":   s.now(),
	}).Error
	if err != nil {
		return queryErr("touch last sync", err)
	}
	return nil
}

// ListAllowedSenders returns the normalized allowed sender addresses of an account
func (s *Store) ListAllowedSenders(ctx context.Context, accountID string) ([]string, error) {
	var senders []string
	err := s.db.WithContext(ctx).Model(&allowEntryRow{}).
		Where("account_id = ?", accountID).
		Order("sender_email").
		Pluck("sender_email", &senders).Error
	if err != nil {
		return nil, queryErr("list allowed senders", err)
	}
	return senders, nil
}

// AddAllowedSender adds a sender to an account's allow-list. Re-adding is a no-op.
func (s *Store) AddAllowedSender(ctx context.Context, entry *models.SupplierAllowEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.SenderEmail = models.NormalizeAddress(entry.SenderEmail)

	row := allowEntryRow{
		ID:          entry.ID,
		AccountID:   entry.AccountID,
		SenderEmail: entry.SenderEmail,
		Label:       entry.Label,
		CreatedAt:   entry.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return queryErr("add allowed sender", err)
	}
	return nil
}

// ProcessedMessageIDs returns the subset of messageIDs already in the ledger
func (s *Store) ProcessedMessageIDs(ctx context.Context, userID string, provider models.Provider, messageIDs []string) (map[string]bool, error) {
	processed := make(map[string]bool)
	if len(messageIDs) == 0 {
		return processed, nil
	}

	var found []string
	err := s.db.WithContext(ctx).Model(&processedMessageRow{}).
		Where("user_id = ? AND provider = ? AND message_id IN ?", userID, string(provider), messageIDs).
		Pluck("message_id", &found).Error
	if err != nil {
		return nil, queryErr("processed message ids", err)
	}
	for _, id := range found {
		processed[id] = true
	}
	return processed, nil
}

// IsProcessed reports whether a message is in the ledger
func (s *Store) IsProcessed(ctx context.Context, userID string, provider models.Provider, messageID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&processedMessageRow{}).
		Where("user_id = ? AND provider = ? AND message_id = ?", userID, string(provider), messageID).
		Count(&count).Error
	if err != nil {
		return false, queryErr("is processed", err)
	}
	return count > 0, nil
}

// GetProcessedMessage loads a ledger entry
func (s *Store) GetProcessedMessage(ctx context.Context, userID string, provider models.Provider, messageID string) (*models.ProcessedMessage, error) {
	var row processedMessageRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND message_id = ?", userID, string(provider), messageID).
		First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, eventstore.ErrNotFound
	}
	if err != nil {
		return nil, queryErr("get processed message", err)
	}
	rec, err := row.toModel()
	if err != nil {
		return nil, queryErr("get processed message", err)
	}
	return rec, nil
}

// RecordProcessed writes a ledger entry. An existing entry is left untouched.
func (s *Store) RecordProcessed(ctx context.Context, record *models.ProcessedMessage) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = s.now()
	}
	row, err := processedFromModel(record)
	if err != nil {
		return queryErr("record processed", err)
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return queryErr("record processed", err)
	}
	return nil
}

// FindArtifact returns the artifact with the given triple, or nil if there is none
func (s *Store) FindArtifact(ctx context.Context, userID, fileName, sender string) (*models.InvoiceArtifact, error) {
	var row artifactRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND file_name = ? AND source_sender = ?", userID, fileName, models.NormalizeAddress(sender)).
		First(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("find artifact", err)
	}
	a := row.toModel()
	return &a, nil
}

// InsertArtifact writes the artifact row and its outbox entry in one transaction.
// A conflicting (user, file name, sender) triple returns *errors.ErrDuplicateArtifact.
func (s *Store) InsertArtifact(ctx context.Context, artifact *models.InvoiceArtifact, msg *models.OutboxMessage) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = s.now()
	}
	if artifact.AnalysisStatus == "" {
		artifact.AnalysisStatus = models.AnalysisPending
	}
	artifact.SourceSender = models.NormalizeAddress(artifact.SourceSender)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := artifactFromModel(artifact)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		now := s.now()
		outbox := outboxRow{
			Subject:       msg.Subject,
			Payload:       msg.Payload,
			MsgID:         msg.MsgID,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&outbox).Error
	})
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return &errors.ErrDuplicateArtifact{UserID: artifact.UserID, FileName: artifact.FileName, Sender: artifact.SourceSender}
	}
	if err != nil {
		return queryErr("insert artifact", err)
	}
	return nil
}

// ListArtifacts returns a user's artifacts, oldest first
func (s *Store) ListArtifacts(ctx context.Context, userID string) ([]models.InvoiceArtifact, error) {
	var rows []artifactRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, queryErr("list artifacts", err)
	}
	artifacts := make([]models.InvoiceArtifact, 0, len(rows))
	for _, r := range rows {
		artifacts = append(artifacts, r.toModel())
	}
	return artifacts, nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	var rows []outboxRow
	err := s.db.WithContext(ctx).
		Where("published_at IS NULL AND next_attempt_at <= ?", s.now()).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, queryErr("dequeue outbox", err)
	}

	messages := make([]models.OutboxMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, models.OutboxMessage{
			ID:      r.ID,
			Subject: r.Subject,
			Payload: r.Payload,
			MsgID:   r.MsgID,
			Retries: r.Retries,
		})
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).Model(&outboxRow{}).Where("id = ?", id).Update("published_at", s.now()).Error
	if err != nil {
		return queryErr("mark published", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	err := s.db.WithContext(ctx).Model(&outboxRow{}).Where("id = ?", id).Updates(map[string]any{
		"retries":         gorm.Expr("retries + 1"),
		"next_attempt_at": s.now().Add(backoff),
	}).Error
	if err != nil {
		return queryErr("mark retry", err)
	}
	return nil
}
