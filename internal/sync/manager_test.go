package sync

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		SweepTimeout: time.Minute,
		OnDemand:     config.SweepLimits{MaxMessages: 50, Lookback: 90 * 24 * time.Hour},
		Scheduled:    config.SweepLimits{MaxMessages: 20, Lookback: 7 * 24 * time.Hour},
	}
}

func newTestManager(env *testEnv, providers ...*fakeProvider) *Manager {
	m := NewManager(env.store, testSyncConfig(), zap.NewNop())
	for _, p := range providers {
		m.Register(env.runner(p), 2)
	}
	return m
}

func TestManager_Options(t *testing.T) {
	env := newTestEnv(t)
	m := newTestManager(env)

	scheduled := m.Options(TriggerScheduled)
	assert.Equal(t, 20, scheduled.MaxMessages)
	assert.Equal(t, 7*24*time.Hour, scheduled.Lookback)
	assert.Equal(t, time.Minute, scheduled.Timeout)

	onDemand := m.Options(TriggerOnDemand)
	assert.Equal(t, 50, onDemand.MaxMessages)
	assert.Equal(t, 90*24*time.Hour, onDemand.Lookback)
}

func TestManager_RunScheduledIsolatesAccountFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.account(t, "alice", models.ProviderGmail, supplier)
	bob := env.account(t, "bob", models.ProviderGmail, supplier)
	env.refresher.fail[alice.ID] = true

	provider := newFakeProvider(models.ProviderGmail)
	provider.addMessage("m1", supplier, map[string]string{"inv.pdf": "Invoice 77"})
	m := newTestManager(env, provider)

	summary := m.RunScheduled(ctx)

	assert.Equal(t, TriggerScheduled, summary.Trigger)
	assert.Equal(t, 2, summary.AccountsProcessed)
	assert.Equal(t, 1, summary.ArtifactsFound)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, alice.ID, summary.Errors[0].AccountID)
	assert.Equal(t, KindAuth, summary.Errors[0].Kind)

	statuses := map[string]Status{}
	for _, r := range summary.Reports {
		statuses[r.AccountID] = r.Status
	}
	assert.Equal(t, StatusFailed, statuses[alice.ID])
	assert.Equal(t, StatusOK, statuses[bob.ID])
	assert.Equal(t, 7*24*time.Hour, provider.lastLookback)

	for _, id := range []string{alice.ID, bob.ID} {
		stored, err := env.store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, stored.LastSyncAt)
	}
}

func TestManager_RunScheduledSkipsDisabledAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.account(t, "alice", models.ProviderGmail, supplier)
	account.SyncEnabled = false
	require.NoError(t, env.store.UpsertAccount(ctx, account))

	provider := newFakeProvider(models.ProviderGmail)
	summary := newTestManager(env, provider).RunScheduled(ctx)

	assert.Equal(t, 0, summary.AccountsProcessed)
	assert.Equal(t, 0, provider.calls())
}

func TestManager_RunForUserNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice", models.ProviderGmail)
	provider := newFakeProvider(models.ProviderGmail)
	m := newTestManager(env, provider)

	summary, err := m.RunForUser(context.Background(), "alice")

	var notConfigured *errors.ErrNotConfigured
	require.True(t, stderrors.As(err, &notConfigured))
	assert.Equal(t, "alice", notConfigured.UserID)
	require.NotNil(t, summary)
	assert.Equal(t, 0, summary.MessagesProcessed)
	assert.Equal(t, 0, provider.calls())
}

func TestManager_RunForUserWithoutAccounts(t *testing.T) {
	env := newTestEnv(t)
	m := newTestManager(env, newFakeProvider(models.ProviderGmail))

	_, err := m.RunForUser(context.Background(), "nobody")

	var notConfigured *errors.ErrNotConfigured
	assert.True(t, stderrors.As(err, &notConfigured))
}

func TestManager_RunForUserSuppressesCrossProviderDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.account(t, "alice", models.ProviderGmail, supplier)
	env.account(t, "alice", models.ProviderOutlook, supplier)
	env.account(t, "bob", models.ProviderGmail, supplier)

	gmail := newFakeProvider(models.ProviderGmail)
	gmail.addMessage("g1", supplier, map[string]string{"inv-9.pdf": "Invoice 9"})
	outlook := newFakeProvider(models.ProviderOutlook)
	outlook.addMessage("o1", supplier, map[string]string{"inv-9.pdf": "Invoice 9"})
	m := newTestManager(env, gmail, outlook)

	summary, err := m.RunForUser(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, TriggerOnDemand, summary.Trigger)
	assert.Equal(t, 2, summary.AccountsProcessed)
	assert.Equal(t, 2, summary.MessagesProcessed)
	assert.Equal(t, 1, summary.ArtifactsFound)
	require.Len(t, summary.Reports, 2)
	assert.Equal(t, models.ProviderGmail, summary.Reports[0].Provider)
	assert.Equal(t, 1, summary.Reports[1].Duplicates)
	assert.Equal(t, 90*24*time.Hour, gmail.lastLookback)

	artifacts, err := env.store.ListArtifacts(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)

	artifacts, err = env.store.ListArtifacts(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, artifacts, "other users are not swept")
}

func TestManager_RunForUserReportsUnregisteredProvider(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice", models.ProviderGmail, supplier)
	outlookAccount := env.account(t, "alice", models.ProviderOutlook, supplier)
	m := newTestManager(env, newFakeProvider(models.ProviderGmail))

	summary, err := m.RunForUser(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AccountsProcessed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, outlookAccount.ID, summary.Errors[0].AccountID)
}

func TestManager_RunForUserOnlyUnregisteredProviders(t *testing.T) {
	env := newTestEnv(t)
	outlookAccount := env.account(t, "alice", models.ProviderOutlook, supplier)
	m := newTestManager(env, newFakeProvider(models.ProviderGmail))

	summary, err := m.RunForUser(context.Background(), "alice")
	require.NoError(t, err, "a disabled provider is not an empty allow-list")

	assert.Equal(t, 0, summary.AccountsProcessed)
	assert.Empty(t, summary.Reports)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, outlookAccount.ID, summary.Errors[0].AccountID)
	assert.Equal(t, ScopeAccount, summary.Errors[0].Scope)
}

func TestManager_RunForUserNotConfiguredBesideUnregisteredProvider(t *testing.T) {
	env := newTestEnv(t)
	env.account(t, "alice", models.ProviderGmail)
	env.account(t, "alice", models.ProviderOutlook, supplier)
	provider := newFakeProvider(models.ProviderGmail)
	m := newTestManager(env, provider)

	summary, err := m.RunForUser(context.Background(), "alice")
	require.NoError(t, err)

	require.Len(t, summary.Reports, 1)
	assert.Equal(t, StatusNotConfigured, summary.Reports[0].Status)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, models.ProviderOutlook, summary.Errors[0].Provider)
	assert.Equal(t, 0, provider.calls())
}

func TestManager_SweepAccountInFlightGuard(t *testing.T) {
	env := newTestEnv(t)
	account := env.account(t, "alice", models.ProviderGmail, supplier)
	provider := newFakeProvider(models.ProviderGmail)
	m := newTestManager(env, provider)

	_, release, err := m.acquire(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, m.IsRunning(account.ID))
	assert.Equal(t, []string{account.ID}, m.Running())

	report := m.SweepAccount(context.Background(), account, TriggerOnDemand)

	assert.Equal(t, StatusSkipped, report.Status)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, KindInProgress, report.Errors[0].Kind)
	assert.Equal(t, 0, provider.calls())

	release()
	assert.False(t, m.IsRunning(account.ID))

	report = m.SweepAccount(context.Background(), account, TriggerOnDemand)
	assert.Equal(t, StatusOK, report.Status)
	assert.Equal(t, 1, provider.searchCalls)
}

func TestManager_StopAllCancelsInFlightSweeps(t *testing.T) {
	env := newTestEnv(t)
	m := newTestManager(env)

	ctx, release, err := m.acquire(context.Background(), "acct-1")
	require.NoError(t, err)
	defer release()

	m.StopAll()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestManager_PoolBoundsConcurrency(t *testing.T) {
	env := newTestEnv(t)
	for _, user := range []string{"u1", "u2", "u3", "u4", "u5"} {
		env.account(t, user, models.ProviderGmail, supplier)
	}

	var active, peak atomic.Int32
	provider := newFakeProvider(models.ProviderGmail)
	provider.onSearch = func() {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
	}
	m := newTestManager(env, provider)

	summary := m.RunScheduled(context.Background())

	assert.Equal(t, 5, summary.AccountsProcessed)
	assert.Equal(t, 5, provider.searchCalls)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRunSummary_AllNotConfigured(t *testing.T) {
	s := newSummary(TriggerOnDemand, time.Now())
	assert.False(t, s.AllNotConfigured())

	s.Add(&SweepReport{Status: StatusNotConfigured})
	assert.True(t, s.AllNotConfigured())

	s.Add(&SweepReport{Status: StatusOK, MessagesProcessed: 3, InvoicesFound: 2})
	assert.False(t, s.AllNotConfigured())
	assert.Equal(t, 2, s.AccountsProcessed)
	assert.Equal(t, 3, s.MessagesProcessed)
	assert.Equal(t, 2, s.ArtifactsFound)
}
