package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/eventstore"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// ledger lookups are split so a single query stays well under sqlite's variable limit
const lookupChunk = 500

var _ eventstore.Store = (*Store)(nil)

// Store is the sqlite metadata store
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at dbPath and applies the schema
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseMigration{Version: 1, Err: err}
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func queryErr(op string, err error) error {
	return &errors.ErrDatabaseQuery{Operation: op, Err: err}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// Accounts

const accountColumns = `id, user_id, provider, address, sealed_refresh_token, sealed_access_token,
	access_token_expiry, sync_enabled, last_sync_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.EmailAccount, error) {
	var (
		a         models.EmailAccount
		provider  string
		expiry    int64
		enabled   int
		lastSync  sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&a.ID, &a.UserID, &provider, &a.Address, &a.SealedRefreshToken, &a.SealedAccessToken,
		&expiry, &enabled, &lastSync, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Provider = models.Provider(provider)
	a.AccessTokenExpiry = fromUnix(expiry)
	a.SyncEnabled = enabled != 0
	if lastSync.Valid {
		t := fromUnix(lastSync.Int64)
		a.LastSyncAt = &t
	}
	a.CreatedAt = fromUnix(createdAt)
	a.UpdatedAt = fromUnix(updatedAt)
	return &a, nil
}

func (s *Store) queryAccounts(ctx context.Context, op, query string, args ...any) ([]models.EmailAccount, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryErr(op, err)
	}
	defer rows.Close()

	var accounts []models.EmailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, queryErr(op, err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr(op, err)
	}
	return accounts, nil
}

// ListSyncEnabledAccounts returns every sync-enabled account of a provider
func (s *Store) ListSyncEnabledAccounts(ctx context.Context, provider models.Provider) ([]models.EmailAccount, error) {
	return s.queryAccounts(ctx, "list sync enabled accounts", `
		SELECT `+accountColumns+`
		FROM email_accounts
		WHERE provider = ? AND sync_enabled = 1
		ORDER BY created_at, id
	`, string(provider))
}

// ListUserAccounts returns every account owned by a user
func (s *Store) ListUserAccounts(ctx context.Context, userID string) ([]models.EmailAccount, error) {
	return s.queryAccounts(ctx, "list user accounts", `
		SELECT `+accountColumns+`
		FROM email_accounts
		WHERE user_id = ?
		ORDER BY provider, created_at, id
	`, userID)
}

// GetAccount loads one account by id
func (s *Store) GetAccount(ctx context.Context, id string) (*models.EmailAccount, error) {
	a, err := scanAccount(s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM email_accounts WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, eventstore.ErrNotFound
	}
	if err != nil {
		return nil, queryErr("get account", err)
	}
	return a, nil
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

	var lastSync sql.NullInt64
	if account.LastSyncAt != nil {
		lastSync = sql.NullInt64{Int64: account.LastSyncAt.Unix(), Valid: true}
	}
	enabled := 0
	if account.SyncEnabled {
		enabled = 1
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO email_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			sealed_refresh_token = excluded.sealed_refresh_token,
			sealed_access_token = excluded.sealed_access_token,
			access_token_expiry = excluded.access_token_expiry,
			sync_enabled = excluded.sync_enabled,
			last_sync_at = excluded.last_sync_at,
			updated_at = excluded.updated_at
	`, account.ID, account.UserID, string(account.Provider), account.Address, account.SealedRefreshToken,
		account.SealedAccessToken, unixOrZero(account.AccessTokenExpiry), enabled, lastSync,
		account.CreatedAt.Unix(), account.UpdatedAt.Unix())
	if err != nil {
		return queryErr("upsert account", err)
	}
	return nil
}

// UpdateAccessToken stores a refreshed credential on the account
func (s *Store) UpdateAccessToken(ctx context.Context, accountID, sealedAccess string, expiry time.Time, sealedRefresh string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE email_accounts
		SET sealed_access_token = ?,
		    access_token_expiry = ?,
		    sealed_refresh_token = ?,
		    updated_at = ?
		WHERE id = ?
	`, sealedAccess, unixOrZero(expiry), sealedRefresh, s.now().Unix(), accountID)
	if err != nil {
		return queryErr("update access token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eventstore.ErrNotFound
	}
	return nil
}

// TouchLastSync sets the account's last-sync timestamp
func (s *Store) TouchLastSync(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?
	`, at.Unix(), s.now().Unix(), accountID)
	if err != nil {
		return queryErr("touch last sync", err)
	}
	return nil
}

// Allow-list

// ListAllowedSenders returns the normalized allowed sender addresses of an account
func (s *Store) ListAllowedSenders(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT sender_email FROM supplier_allow_entries WHERE account_id = ? ORDER BY sender_email
	`, accountID)
	if err != nil {
		return nil, queryErr("list allowed senders", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, queryErr("list allowed senders", err)
		}
		senders = append(senders, sender)
	}
	return senders, rows.Err()
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

	_, err := s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO supplier_allow_entries (id, account_id, sender_email, label, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.AccountID, entry.SenderEmail, entry.Label, entry.CreatedAt.Unix())
	if err != nil {
		return queryErr("add allowed sender", err)
	}
	return nil
}

// Ledger

// ProcessedMessageIDs returns the subset of messageIDs already in the ledger
func (s *Store) ProcessedMessageIDs(ctx context.Context, userID string, provider models.Provider, messageIDs []string) (map[string]bool, error) {
	processed := make(map[string]bool)
	for start := 0; start < len(messageIDs); start += lookupChunk {
		end := min(start+lookupChunk, len(messageIDs))
		chunk := messageIDs[start:end]

		args := make([]any, 0, len(chunk)+2)
		args = append(args, userID, string(provider))
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := s.DB.QueryContext(ctx, `
			SELECT message_id FROM processed_messages
			WHERE user_id = ? AND provider = ? AND message_id IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, queryErr("processed message ids", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, queryErr("processed message ids", err)
			}
			processed[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, queryErr("processed message ids", err)
		}
	}
	return processed, nil
}

// IsProcessed reports whether a message is in the ledger
func (s *Store) IsProcessed(ctx context.Context, userID string, provider models.Provider, messageID string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM processed_messages WHERE user_id = ? AND provider = ? AND message_id = ?
	`, userID, string(provider), messageID).Scan(&one)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, queryErr("is processed", err)
	}
	return true, nil
}

// GetProcessedMessage loads a ledger entry
func (s *Store) GetProcessedMessage(ctx context.Context, userID string, provider models.Provider, messageID string) (*models.ProcessedMessage, error) {
	var (
		rec         models.ProcessedMessage
		prov        string
		artifactIDs string
		processedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, user_id, account_id, provider, message_id, thread_id, subject, sender,
		       attachment_count, artifact_ids, processed_at
		FROM processed_messages
		WHERE user_id = ? AND provider = ? AND message_id = ?
	`, userID, string(provider), messageID).Scan(&rec.ID, &rec.UserID, &rec.AccountID, &prov, &rec.MessageID,
		&rec.ThreadID, &rec.Subject, &rec.Sender, &rec.AttachmentCount, &artifactIDs, &processedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, eventstore.ErrNotFound
	}
	if err != nil {
		return nil, queryErr("get processed message", err)
	}
	rec.Provider = models.Provider(prov)
	rec.ProcessedAt = fromUnix(processedAt)
	if err := json.Unmarshal([]byte(artifactIDs), &rec.ArtifactIDs); err != nil {
		return nil, queryErr("get processed message", err)
	}
	return &rec, nil
}

// RecordProcessed writes a ledger entry. An existing entry is left untouched.
func (s *Store) RecordProcessed(ctx context.Context, record *models.ProcessedMessage) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = s.now()
	}
	ids := record.ArtifactIDs
	if ids == nil {
		ids = []string{}
	}
	artifactIDs, err := json.Marshal(ids)
	if err != nil {
		return queryErr("record processed", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_messages
		(id, user_id, account_id, provider, message_id, thread_id, subject, sender,
		 attachment_count, artifact_ids, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.UserID, record.AccountID, string(record.Provider), record.MessageID, record.ThreadID,
		record.Subject, record.Sender, record.AttachmentCount, string(artifactIDs), record.ProcessedAt.Unix())
	if err != nil {
		return queryErr("record processed", err)
	}
	return nil
}

// Artifacts

const artifactColumns = `id, user_id, file_name, storage_path, size_bytes, mime_type, source_sender,
	analysis_status, created_at`

func scanArtifact(row rowScanner) (*models.InvoiceArtifact, error) {
	var (
		a         models.InvoiceArtifact
		status    string
		createdAt int64
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.FileName, &a.StoragePath, &a.SizeBytes, &a.MimeType,
		&a.SourceSender, &status, &createdAt); err != nil {
		return nil, err
	}
	a.AnalysisStatus = models.AnalysisStatus(status)
	a.CreatedAt = fromUnix(createdAt)
	return &a, nil
}

// FindArtifact returns the artifact with the given triple, or nil if there is none
func (s *Store) FindArtifact(ctx context.Context, userID, fileName, sender string) (*models.InvoiceArtifact, error) {
	a, err := scanArtifact(s.DB.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`
		FROM invoice_artifacts
		WHERE user_id = ? AND file_name = ? AND source_sender = ?
	`, userID, fileName, models.NormalizeAddress(sender)))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("find artifact", err)
	}
	return a, nil
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

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return queryErr("insert artifact", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoice_artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, artifact.ID, artifact.UserID, artifact.FileName, artifact.StoragePath, artifact.SizeBytes,
		artifact.MimeType, artifact.SourceSender, string(artifact.AnalysisStatus), artifact.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return &errors.ErrDuplicateArtifact{UserID: artifact.UserID, FileName: artifact.FileName, Sender: artifact.SourceSender}
	}
	if err != nil {
		return queryErr("insert artifact", err)
	}

	if msg != nil {
		now := s.now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO outbox (ts, subject, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?)
		`, now, msg.Subject, msg.Payload, msg.MsgID, now)
		if err != nil {
			return queryErr("insert outbox entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return queryErr("insert artifact", err)
	}
	return nil
}

// ListArtifacts returns a user's artifacts, oldest first
func (s *Store) ListArtifacts(ctx context.Context, userID string) ([]models.InvoiceArtifact, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+artifactColumns+` FROM invoice_artifacts WHERE user_id = ? ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, queryErr("list artifacts", err)
	}
	defer rows.Close()

	var artifacts []models.InvoiceArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, queryErr("list artifacts", err)
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

// Outbox

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, queryErr("dequeue outbox", err)
	}
	defer rows.Close()

	var messages []models.OutboxMessage
	for rows.Next() {
		var msg models.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, queryErr("dequeue outbox", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return queryErr("mark published", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return queryErr("mark retry", err)
	}
	return nil
}
