package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

// AccountStore lists the accounts to sweep
type AccountStore interface {
	ListSyncEnabledAccounts(ctx context.Context, provider models.Provider) ([]models.EmailAccount, error)
	ListUserAccounts(ctx context.Context, userID string) ([]models.EmailAccount, error)
}

// Manager runs sweeps across accounts. At most one sweep per account is in
// flight; accounts of one provider share a bounded worker pool.
type Manager struct {
	store   AccountStore
	runners map[models.Provider]*Runner
	pools   map[models.Provider]int
	limits  map[Trigger]config.SweepLimits
	timeout time.Duration
	logger  *zap.Logger

	running      map[string]context.CancelFunc
	runningMutex sync.Mutex
}

// NewManager creates a sync manager
func NewManager(store AccountStore, cfg config.SyncConfig, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		runners: make(map[models.Provider]*Runner),
		pools:   make(map[models.Provider]int),
		limits: map[Trigger]config.SweepLimits{
			TriggerScheduled: cfg.Scheduled,
			TriggerOnDemand:  cfg.OnDemand,
		},
		timeout: cfg.SweepTimeout,
		logger:  logger,
		running: make(map[string]context.CancelFunc),
	}
}

// Register enables a provider. concurrency bounds parallel account sweeps of
// that provider; values below 1 mean sequential.
func (m *Manager) Register(runner *Runner, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	name := runner.Provider.Name()
	m.runners[name] = runner
	m.pools[name] = concurrency
}

// Options returns the sweep bounds for a trigger
func (m *Manager) Options(trigger Trigger) SweepOptions {
	limits := m.limits[trigger]
	return SweepOptions{
		Trigger:     trigger,
		MaxMessages: limits.MaxMessages,
		Lookback:    limits.Lookback,
		Timeout:     m.timeout,
	}
}

// RunScheduled sweeps every sync-enabled account of every registered
// provider. Providers run one after another.
func (m *Manager) RunScheduled(ctx context.Context) *RunSummary {
	summary := newSummary(TriggerScheduled, time.Now())

	for _, provider := range models.Providers {
		if _, ok := m.runners[provider]; !ok {
			continue
		}
		accounts, err := m.store.ListSyncEnabledAccounts(ctx, provider)
		if err != nil {
			m.logger.Error("error listing accounts", zap.String("provider", string(provider)), zap.Error(err))
			summary.Errors = append(summary.Errors, SweepError{
				Provider: provider,
				Scope:    ScopeAccount,
				Kind:     KindStorage,
				Message:  fmt.Sprintf("list accounts: %v", err),
			})
			continue
		}
		for _, r := range m.sweepPool(ctx, provider, accounts, TriggerScheduled) {
			summary.Add(r)
		}
	}

	summary.FinishedAt = time.Now()
	m.logSummary(summary)
	return summary
}

// RunForUser sweeps the sync-enabled accounts of one user. It returns
// *errors.ErrNotConfigured when there is nothing the user has allowed to scan.
// Accounts of a provider that is not enabled are reported in the summary
// errors and never count as not configured.
func (m *Manager) RunForUser(ctx context.Context, userID string) (*RunSummary, error) {
	summary := newSummary(TriggerOnDemand, time.Now())

	accounts, err := m.store.ListUserAccounts(ctx, userID)
	if err != nil {
		return nil, &errors.ErrStorage{Op: "list user accounts", Err: err}
	}

	byProvider := make(map[models.Provider][]models.EmailAccount)
	unrouted := 0
	for _, a := range accounts {
		if !a.SyncEnabled {
			continue
		}
		if _, ok := m.runners[a.Provider]; !ok {
			summary.Errors = append(summary.Errors, SweepError{
				AccountID: a.ID,
				Provider:  a.Provider,
				Scope:     ScopeAccount,
				Kind:      KindInternal,
				Message:   fmt.Sprintf("provider %s is not enabled", a.Provider),
			})
			unrouted++
			continue
		}
		byProvider[a.Provider] = append(byProvider[a.Provider], a)
	}

	for _, provider := range models.Providers {
		for _, r := range m.sweepPool(ctx, provider, byProvider[provider], TriggerOnDemand) {
			summary.Add(r)
		}
	}
	summary.FinishedAt = time.Now()
	m.logSummary(summary)

	if unrouted == 0 && (len(summary.Reports) == 0 || summary.AllNotConfigured()) {
		return summary, &errors.ErrNotConfigured{UserID: userID}
	}
	return summary, nil
}

// sweepPool sweeps accounts with the provider's concurrency bound. Reports are
// returned in account order.
func (m *Manager) sweepPool(ctx context.Context, provider models.Provider, accounts []models.EmailAccount, trigger Trigger) []*SweepReport {
	if len(accounts) == 0 {
		return nil
	}
	reports := make([]*SweepReport, len(accounts))

	var g errgroup.Group
	g.SetLimit(m.pools[provider])
	for i := range accounts {
		account := &accounts[i]
		g.Go(func() error {
			reports[i] = m.SweepAccount(ctx, account, trigger)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// SweepAccount runs one sweep unless the account already has one in flight,
// in which case the report carries an in-progress error.
func (m *Manager) SweepAccount(ctx context.Context, account *models.EmailAccount, trigger Trigger) *SweepReport {
	runner, ok := m.runners[account.Provider]
	if !ok {
		report := newReport(account, trigger, time.Now())
		report.addError(ScopeAccount, "", "", fmt.Errorf("provider %s is not enabled", account.Provider))
		report.Status = StatusFailed
		report.FinishedAt = report.StartedAt
		return report
	}

	sweepCtx, release, err := m.acquire(ctx, account.ID)
	if err != nil {
		report := newReport(account, trigger, time.Now())
		report.addError(ScopeAccount, "", "", err)
		report.Status = StatusSkipped
		report.FinishedAt = report.StartedAt
		m.logger.Info("sweep skipped", zap.String("account_id", account.ID), zap.Error(err))
		return report
	}
	defer release()

	return runner.Sweep(sweepCtx, account, m.Options(trigger))
}

func (m *Manager) acquire(ctx context.Context, accountID string) (context.Context, func(), error) {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()

	if _, exists := m.running[accountID]; exists {
		return nil, nil, &errors.ErrSweepInProgress{AccountID: accountID}
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	m.running[accountID] = cancel

	release := func() {
		cancel()
		m.runningMutex.Lock()
		delete(m.running, accountID)
		m.runningMutex.Unlock()
	}
	return sweepCtx, release, nil
}

// IsRunning checks if a sweep is in flight for an account
func (m *Manager) IsRunning(accountID string) bool {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()

	_, exists := m.running[accountID]
	return exists
}

// Running returns the accounts with a sweep in flight
func (m *Manager) Running() []string {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()

	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll cancels every in-flight sweep. Cancelled sweeps stop at the next
// message boundary.
func (m *Manager) StopAll() {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()

	for id, cancel := range m.running {
		m.logger.Info("stopping sweep", zap.String("account_id", id))
		cancel()
	}
}

func (m *Manager) logSummary(s *RunSummary) {
	m.logger.Info("sync run finished",
		zap.String("trigger", string(s.Trigger)),
		zap.Int("accounts_processed", s.AccountsProcessed),
		zap.Int("messages_processed", s.MessagesProcessed),
		zap.Int("artifacts_found", s.ArtifactsFound),
		zap.Int("errors", len(s.Errors)),
		zap.Duration("duration", s.FinishedAt.Sub(s.StartedAt)))
}
