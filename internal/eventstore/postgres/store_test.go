package postgres

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/eventstore"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

var testClock = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// openTestStore runs the gorm store against a sqlite dialector so the
// queries and constraint mapping are exercised without a postgres server
func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(filepath.Join(t.TempDir(), "store.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s, err := New(db)
	require.NoError(t, err)
	s.now = func() time.Time { return testClock }
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_MigrationIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	_, err := New(s.db)
	require.NoError(t, err)
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a := &models.EmailAccount{UserID: "u1", Provider: models.ProviderGmail, Address: " Owner@Example.com ", SealedRefreshToken: "r1", SyncEnabled: true}
	require.NoError(t, s.UpsertAccount(ctx, a))
	require.NotEmpty(t, a.ID)
	require.NoError(t, s.UpsertAccount(ctx, &models.EmailAccount{UserID: "u1", Provider: models.ProviderOutlook, Address: "owner@example.com"}))

	enabled, err := s.ListSyncEnabledAccounts(ctx, models.ProviderGmail)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "owner@example.com", enabled[0].Address)

	owned, err := s.ListUserAccounts(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	// upsert on id replaces the credential columns
	a.SealedRefreshToken = "r2"
	a.SyncEnabled = false
	require.NoError(t, s.UpsertAccount(ctx, a))
	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "r2", got.SealedRefreshToken)
	assert.False(t, got.SyncEnabled)

	expiry := testClock.Add(time.Hour)
	require.NoError(t, s.UpdateAccessToken(ctx, a.ID, "sealed-access", expiry, "r3"))
	require.NoError(t, s.TouchLastSync(ctx, a.ID, testClock))
	got, err = s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed-access", got.SealedAccessToken)
	assert.True(t, expiry.Equal(got.AccessTokenExpiry))
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, testClock.Equal(*got.LastSyncAt))

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
	assert.ErrorIs(t, s.UpdateAccessToken(ctx, "missing", "x", expiry, "y"), eventstore.ErrNotFound)
}

func TestAllowedSenders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.AddAllowedSender(ctx, &models.SupplierAllowEntry{AccountID: "acc-1", SenderEmail: "Billing@Supplier.com"}))
	require.NoError(t, s.AddAllowedSender(ctx, &models.SupplierAllowEntry{AccountID: "acc-1", SenderEmail: "billing@supplier.com"}))
	require.NoError(t, s.AddAllowedSender(ctx, &models.SupplierAllowEntry{AccountID: "acc-1", SenderEmail: "ap@vendor.io"}))
	require.NoError(t, s.AddAllowedSender(ctx, &models.SupplierAllowEntry{AccountID: "acc-2", SenderEmail: "other@vendor.io"}))

	senders, err := s.ListAllowedSenders(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ap@vendor.io", "billing@supplier.com"}, senders)
}

func TestLedger_NeverOverwrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.RecordProcessed(ctx, &models.ProcessedMessage{
		UserID:          "u1",
		AccountID:       "acc-1",
		Provider:        models.ProviderOutlook,
		MessageID:       "m1",
		Subject:         "Invoice #1204",
		AttachmentCount: 1,
		ArtifactIDs:     []string{"art-1"},
	}))
	require.NoError(t, s.RecordProcessed(ctx, &models.ProcessedMessage{
		UserID: "u1", Provider: models.ProviderOutlook, MessageID: "m1", Subject: "changed", ArtifactIDs: []string{"art-9"},
	}))

	got, err := s.GetProcessedMessage(ctx, "u1", models.ProviderOutlook, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Invoice #1204", got.Subject)
	assert.Equal(t, []string{"art-1"}, got.ArtifactIDs)
	assert.True(t, testClock.Equal(got.ProcessedAt))

	ok, err := s.IsProcessed(ctx, "u1", models.ProviderOutlook, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsProcessed(ctx, "u1", models.ProviderGmail, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	processed, err := s.ProcessedMessageIDs(ctx, "u1", models.ProviderOutlook, []string{"m1", "m2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"m1": true}, processed)

	_, err = s.GetProcessedMessage(ctx, "u1", models.ProviderOutlook, "m2")
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func TestInsertArtifact_DuplicateTriple(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	artifact := &models.InvoiceArtifact{
		ID:           "art-1",
		UserID:       "u1",
		FileName:     "inv-0099.pdf",
		StoragePath:  "u1/01ARZ3NDEKTSV4RRFFQ69G5FAV_inv-0099.pdf",
		SizeBytes:    1024,
		MimeType:     "application/pdf",
		SourceSender: "Billing@Supplier.com",
	}
	require.NoError(t, s.InsertArtifact(ctx, artifact, &models.OutboxMessage{Subject: "invoices.analysis.requested", Payload: []byte(`{}`), MsgID: "analysis|art-1"}))

	found, err := s.FindArtifact(ctx, "u1", "inv-0099.pdf", "BILLING@supplier.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, models.AnalysisPending, found.AnalysisStatus)

	missing, err := s.FindArtifact(ctx, "u1", "other.pdf", "billing@supplier.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	dup := *artifact
	dup.ID = "art-2"
	err = s.InsertArtifact(ctx, &dup, &models.OutboxMessage{Subject: "s", Payload: []byte(`{}`), MsgID: "analysis|art-2"})
	var dupErr *errors.ErrDuplicateArtifact
	require.True(t, stderrors.As(err, &dupErr), "got %v", err)
	assert.Equal(t, "u1", dupErr.UserID)
	assert.Equal(t, "billing@supplier.com", dupErr.Sender)

	all, err := s.ListArtifacts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "art-1", all[0].ID)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the rolled back insert queued nothing")
	assert.Equal(t, "analysis|art-1", pending[0].MsgID)
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"art-1", "art-2", "art-3"} {
		require.NoError(t, s.InsertArtifact(ctx,
			&models.InvoiceArtifact{ID: id, UserID: "u1", FileName: id + ".pdf", StoragePath: "p", SourceSender: "a@b.c"},
			&models.OutboxMessage{Subject: "invoices.analysis.requested", Payload: []byte(`{"artifactId":"` + id + `"}`), MsgID: "analysis|" + id},
		))
	}

	batch, err := s.DequeueOutbox(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, []byte(`{"artifactId":"art-1"}`), batch[0].Payload)

	require.NoError(t, s.MarkPublished(ctx, batch[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, batch[1].ID, time.Hour))

	due, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "analysis|art-3", due[0].MsgID)

	s.now = func() time.Time { return testClock.Add(2 * time.Hour) }
	due, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "analysis|art-2", due[0].MsgID)
	assert.Equal(t, 1, due[0].Retries)
}
