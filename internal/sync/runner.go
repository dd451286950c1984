package sync

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/invoice-ingest/internal/artifact"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/metrics"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

// State is a step of the per-account sweep
type State string

const (
	StateIdle               State = "idle"
	StateResolvingScope     State = "resolving_scope"
	StateRefreshing         State = "refreshing"
	StateSearching          State = "searching"
	StateProcessingMessages State = "processing_messages"
	StateFinalizing         State = "finalizing"
)

// Store is what a sweep reads and writes
type Store interface {
	ListAllowedSenders(ctx context.Context, accountID string) ([]string, error)
	ProcessedMessageIDs(ctx context.Context, userID string, provider models.Provider, messageIDs []string) (map[string]bool, error)
	RecordProcessed(ctx context.Context, record *models.ProcessedMessage) error
	TouchLastSync(ctx context.Context, accountID string, at time.Time) error
}

// TokenRefresher mints an access secret for an account
type TokenRefresher interface {
	Refresh(ctx context.Context, account *models.EmailAccount) (string, error)
}

// Classifier decides whether attachment bytes are an invoice
type Classifier interface {
	Classify(data []byte) bool
}

// Persister stores an accepted attachment
type Persister interface {
	Persist(ctx context.Context, userID, fileName string, data []byte, sender, mimeType string) (*artifact.Result, error)
}

// SweepOptions bounds one sweep
type SweepOptions struct {
	Trigger     Trigger
	MaxMessages int
	Lookback    time.Duration
	Timeout     time.Duration
}

// Runner sweeps accounts of one provider
type Runner struct {
	Store              Store
	Refresher          TokenRefresher
	Provider           Provider
	Classifier         Classifier
	Persister          Persister
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
	MaxAttachmentBytes int64

	now func() time.Time
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// sweep is the state of one running sweep
type sweep struct {
	r        *Runner
	account  *models.EmailAccount
	opts     SweepOptions
	report   *SweepReport
	logger   *zap.Logger
	deadline time.Time

	senders map[string]bool
	token   string
	pending []MessageRef
}

// Sweep runs one account sweep to completion. It never returns an error;
// failures are recorded in the report at the smallest enclosing scope.
func (r *Runner) Sweep(ctx context.Context, account *models.EmailAccount, opts SweepOptions) *SweepReport {
	start := r.clock()
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &sweep{
		r:       r,
		account: account,
		opts:    opts,
		report:  newReport(account, opts.Trigger, start),
		logger: logger.With(
			zap.String("account_id", account.ID),
			zap.String("user_id", account.UserID),
			zap.String("provider", string(account.Provider)),
			zap.String("trigger", string(opts.Trigger)),
		),
	}
	if opts.Timeout > 0 {
		s.deadline = start.Add(opts.Timeout)
	}

	for state := StateResolvingScope; state != StateIdle; {
		s.logger.Debug("sweep state", zap.String("state", string(state)))
		state = s.step(ctx, state)
	}

	r.Metrics.RecordSweep(string(account.Provider), string(opts.Trigger), string(s.report.Status), s.report.FinishedAt.Sub(start))
	return s.report
}

func (s *sweep) step(ctx context.Context, state State) State {
	switch state {
	case StateResolvingScope:
		return s.resolveScope(ctx)
	case StateRefreshing:
		return s.refresh(ctx)
	case StateSearching:
		return s.search(ctx)
	case StateProcessingMessages:
		return s.processMessages(ctx)
	case StateFinalizing:
		s.finalize(ctx)
		return StateIdle
	default:
		s.fail(ScopeAccount, "", "", fmt.Errorf("unknown sweep state %q", state))
		return StateFinalizing
	}
}

// fail records a caught error
func (s *sweep) fail(scope Scope, messageID, fileName string, err error) {
	e := s.report.addError(scope, messageID, fileName, err)
	s.r.Metrics.RecordSweepError(string(s.account.Provider), string(scope))
	s.logger.Warn("sweep error",
		zap.String("scope", string(scope)),
		zap.String("kind", string(e.Kind)),
		zap.String("message_id", messageID),
		zap.String("file_name", fileName),
		zap.Error(err))
}

func (s *sweep) resolveScope(ctx context.Context) State {
	senders, err := s.r.Store.ListAllowedSenders(ctx, s.account.ID)
	if err != nil {
		s.fail(ScopeAccount, "", "", &errors.ErrStorage{Op: "list allowed senders", Err: err})
		return StateFinalizing
	}

	s.senders = make(map[string]bool, len(senders))
	for _, addr := range senders {
		if addr = models.NormalizeAddress(addr); addr != "" {
			s.senders[addr] = true
		}
	}
	if len(s.senders) == 0 {
		s.report.Status = StatusNotConfigured
		return StateFinalizing
	}
	return StateRefreshing
}

func (s *sweep) refresh(ctx context.Context) State {
	token, err := s.r.Refresher.Refresh(ctx, s.account)
	if err != nil {
		s.fail(ScopeAccount, "", "", err)
		return StateFinalizing
	}
	s.token = token
	return StateSearching
}

func (s *sweep) search(ctx context.Context) State {
	senders := make([]string, 0, len(s.senders))
	for addr := range s.senders {
		senders = append(senders, addr)
	}
	slices.Sort(senders)

	refs, err := s.r.Provider.Search(ctx, s.token, senders, s.opts.Lookback)
	if err != nil {
		s.fail(ScopeAccount, "", "", err)
		return StateFinalizing
	}
	refs = uniqueRefs(refs)
	s.report.MessagesFound = len(refs)
	if len(refs) == 0 {
		return StateFinalizing
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	processed, err := s.r.Store.ProcessedMessageIDs(ctx, s.account.UserID, s.account.Provider, ids)
	if err != nil {
		s.fail(ScopeAccount, "", "", &errors.ErrStorage{Op: "check ledger", Err: err})
		return StateFinalizing
	}

	for _, ref := range refs {
		if processed[ref.ID] {
			s.report.MessagesAlreadySeen++
			continue
		}
		s.pending = append(s.pending, ref)
	}

	if limit := s.opts.MaxMessages; limit > 0 && len(s.pending) > limit {
		s.report.MessagesDeferred = len(s.pending) - limit
		s.pending = s.pending[:limit]
	}
	return StateProcessingMessages
}

func (s *sweep) processMessages(ctx context.Context) State {
	for i, ref := range s.pending {
		if s.budgetExhausted(ctx) {
			s.report.Truncated = true
			s.report.MessagesDeferred += len(s.pending) - i
			s.logger.Info("sweep budget exhausted", zap.Int("remaining", len(s.pending)-i))
			break
		}
		s.processMessage(ctx, ref)
	}
	return StateFinalizing
}

func (s *sweep) budgetExhausted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return !s.deadline.IsZero() && !s.r.clock().Before(s.deadline)
}

// processMessage attempts every attachment of one message and then records it
// in the ledger. Messages that could not be fully attempted are not recorded.
func (s *sweep) processMessage(ctx context.Context, ref MessageRef) {
	detail, err := s.r.Provider.FetchDetail(ctx, s.token, ref)
	if err != nil {
		s.fail(ScopeMessage, ref.ID, "", err)
		return
	}

	sender := models.NormalizeAddress(detail.Sender)
	var attachments []AttachmentRef
	if s.senders[sender] {
		for _, att := range detail.Attachments {
			if IsPDF(att) {
				attachments = append(attachments, att)
			}
		}
	} else {
		s.logger.Debug("sender not on allow-list, skipping attachments", zap.String("message_id", ref.ID))
	}

	artifactIDs := []string{}
	for _, att := range attachments {
		if id, ok := s.processAttachment(ctx, ref, sender, att); ok {
			artifactIDs = append(artifactIDs, id)
		}
	}

	// an interrupted message is retried by the next sweep
	if ctx.Err() != nil {
		s.fail(ScopeMessage, ref.ID, "", ctx.Err())
		return
	}

	err = s.r.Store.RecordProcessed(ctx, &models.ProcessedMessage{
		UserID:          s.account.UserID,
		AccountID:       s.account.ID,
		Provider:        s.account.Provider,
		MessageID:       ref.ID,
		ThreadID:        ref.ThreadID,
		Subject:         detail.Subject,
		Sender:          sender,
		AttachmentCount: len(attachments),
		ArtifactIDs:     artifactIDs,
		ProcessedAt:     s.r.clock(),
	})
	if err != nil {
		s.fail(ScopeMessage, ref.ID, "", &errors.ErrStorage{Op: "record processed message", Err: err})
		return
	}
	s.report.MessagesProcessed++
	s.r.Metrics.RecordMessage(string(s.account.Provider))
}

// processAttachment returns the id of a newly created artifact
func (s *sweep) processAttachment(ctx context.Context, ref MessageRef, sender string, att AttachmentRef) (string, bool) {
	provider := string(s.account.Provider)
	s.report.AttachmentsScanned++

	limit := s.r.MaxAttachmentBytes
	if limit > 0 && att.Size > limit {
		s.fail(ScopeAttachment, ref.ID, att.FileName, fmt.Errorf("attachment is %d bytes, limit is %d", att.Size, limit))
		s.r.Metrics.RecordAttachment(provider, metrics.OutcomeFailed)
		return "", false
	}

	data, err := s.r.Provider.DownloadAttachment(ctx, s.token, ref, att)
	if err != nil {
		s.fail(ScopeAttachment, ref.ID, att.FileName, err)
		s.r.Metrics.RecordAttachment(provider, metrics.OutcomeFailed)
		return "", false
	}
	if limit > 0 && int64(len(data)) > limit {
		s.fail(ScopeAttachment, ref.ID, att.FileName, fmt.Errorf("attachment is %d bytes, limit is %d", len(data), limit))
		s.r.Metrics.RecordAttachment(provider, metrics.OutcomeFailed)
		return "", false
	}

	if !s.r.Classifier.Classify(data) {
		s.report.AttachmentsRejected++
		s.r.Metrics.RecordAttachment(provider, metrics.OutcomeRejected)
		s.logger.Debug("attachment rejected as non-invoice", zap.String("message_id", ref.ID), zap.String("file_name", att.FileName))
		return "", false
	}
	s.report.AttachmentsAccepted++

	mimeType := att.MimeType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = "application/pdf"
	}
	res, err := s.r.Persister.Persist(ctx, s.account.UserID, att.FileName, data, sender, mimeType)
	if err != nil {
		s.fail(ScopeAttachment, ref.ID, att.FileName, err)
		s.r.Metrics.RecordAttachment(provider, metrics.OutcomeFailed)
		return "", false
	}
	if res.Duplicate {
		s.report.Duplicates++
		s.r.Metrics.RecordAttachment(provider, metrics.OutcomeDuplicate)
		s.logger.Debug("duplicate artifact skipped", zap.String("message_id", ref.ID), zap.String("file_name", att.FileName))
		return "", false
	}

	s.report.InvoicesFound++
	s.report.ArtifactIDs = append(s.report.ArtifactIDs, res.Artifact.ID)
	s.r.Metrics.RecordAttachment(provider, metrics.OutcomeAccepted)
	return res.Artifact.ID, true
}

// finalize always advances the account's last-sync timestamp
func (s *sweep) finalize(ctx context.Context) {
	now := s.r.clock()
	if err := s.r.Store.TouchLastSync(context.WithoutCancel(ctx), s.account.ID, now); err != nil {
		s.fail(ScopeAccount, "", "", &errors.ErrStorage{Op: "touch last sync", Err: err})
	} else {
		s.account.LastSyncAt = &now
	}

	switch {
	case s.report.Status == StatusNotConfigured:
	case s.report.hasAccountError():
		s.report.Status = StatusFailed
	case len(s.report.Errors) > 0:
		s.report.Status = StatusPartial
	default:
		s.report.Status = StatusOK
	}
	s.report.FinishedAt = now

	s.logger.Info("sweep finished",
		zap.String("status", string(s.report.Status)),
		zap.Int("messages_found", s.report.MessagesFound),
		zap.Int("messages_processed", s.report.MessagesProcessed),
		zap.Int("invoices_found", s.report.InvoicesFound),
		zap.Int("errors", len(s.report.Errors)),
		zap.Bool("truncated", s.report.Truncated))
}

func uniqueRefs(refs []MessageRef) []MessageRef {
	seen := make(map[string]bool, len(refs))
	out := refs[:0:0]
	for _, ref := range refs {
		if ref.ID == "" || seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		out = append(out, ref)
	}
	return out
}
