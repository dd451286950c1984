package sync

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

// Trigger says who started a sweep
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerOnDemand  Trigger = "on_demand"
)

// Status is the overall outcome of one sweep
type Status string

const (
	StatusOK            Status = "ok"
	StatusPartial       Status = "partial"
	StatusFailed        Status = "failed"
	StatusNotConfigured Status = "not_configured"
	StatusSkipped       Status = "skipped"
)

// Scope is the smallest unit of work an error aborted
type Scope string

const (
	ScopeAccount    Scope = "account"
	ScopeMessage    Scope = "message"
	ScopeAttachment Scope = "attachment"
)

// Kind classifies a caught error
type Kind string

const (
	KindAuth        Kind = "auth"
	KindProviderAPI Kind = "provider_api"
	KindStorage     Kind = "storage"
	KindInProgress  Kind = "in_progress"
	KindTooLarge    Kind = "too_large"
	KindCancelled   Kind = "cancelled"
	KindInternal    Kind = "internal"
)

// SweepError is one caught error in a sweep
type SweepError struct {
	AccountID string          `json:"accountId"`
	Provider  models.Provider `json:"provider"`
	Scope     Scope           `json:"scope"`
	Kind      Kind            `json:"kind"`
	MessageID string          `json:"messageId,omitempty"`
	FileName  string          `json:"fileName,omitempty"`
	Message   string          `json:"message"`
}

// KindOf maps an error onto the error taxonomy
func KindOf(err error) Kind {
	var (
		authErr     *errors.ErrAuth
		apiErr      *errors.ErrProviderAPI
		storageErr  *errors.ErrStorage
		inFlightErr *errors.ErrSweepInProgress
	)
	switch {
	case stderrors.As(err, &authErr):
		return KindAuth
	case stderrors.As(err, &inFlightErr):
		return KindInProgress
	case stderrors.As(err, &apiErr):
		return KindProviderAPI
	case stderrors.As(err, &storageErr):
		return KindStorage
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// SweepReport holds the counters of one account sweep. It is never persisted.
type SweepReport struct {
	AccountID string          `json:"accountId"`
	UserID    string          `json:"userId"`
	Provider  models.Provider `json:"provider"`
	Trigger   Trigger         `json:"trigger"`
	Status    Status          `json:"status"`

	MessagesFound       int `json:"messagesFound"`
	MessagesAlreadySeen int `json:"messagesAlreadySeen"`
	MessagesProcessed   int `json:"processed"`
	MessagesDeferred    int `json:"deferred"`
	AttachmentsScanned  int `json:"attachmentsScanned"`
	AttachmentsAccepted int `json:"accepted"`
	AttachmentsRejected int `json:"rejectedNonInvoice"`
	Duplicates          int `json:"duplicates"`
	InvoicesFound       int `json:"invoicesFound"`

	ArtifactIDs []string     `json:"artifactIds"`
	Truncated   bool         `json:"truncated"`
	Errors      []SweepError `json:"errors"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func newReport(account *models.EmailAccount, trigger Trigger, at time.Time) *SweepReport {
	return &SweepReport{
		AccountID:   account.ID,
		UserID:      account.UserID,
		Provider:    account.Provider,
		Trigger:     trigger,
		Status:      StatusOK,
		ArtifactIDs: []string{},
		Errors:      []SweepError{},
		StartedAt:   at,
	}
}

func (r *SweepReport) addError(scope Scope, messageID, fileName string, err error) SweepError {
	e := SweepError{
		AccountID: r.AccountID,
		Provider:  r.Provider,
		Scope:     scope,
		Kind:      KindOf(err),
		MessageID: messageID,
		FileName:  fileName,
		Message:   err.Error(),
	}
	r.Errors = append(r.Errors, e)
	return e
}

// hasAccountError reports whether the sweep was aborted at account scope
func (r *SweepReport) hasAccountError() bool {
	for _, e := range r.Errors {
		if e.Scope == ScopeAccount {
			return true
		}
	}
	return false
}

// RunSummary aggregates the sweeps of one orchestrator invocation
type RunSummary struct {
	Trigger           Trigger        `json:"trigger"`
	AccountsProcessed int            `json:"accountsProcessed"`
	MessagesProcessed int            `json:"messagesProcessed"`
	ArtifactsFound    int            `json:"artifactsFound"`
	Errors            []SweepError   `json:"errors"`
	Reports           []*SweepReport `json:"reports"`
	StartedAt         time.Time      `json:"startedAt"`
	FinishedAt        time.Time      `json:"finishedAt"`
}

func newSummary(trigger Trigger, at time.Time) *RunSummary {
	return &RunSummary{
		Trigger:   trigger,
		Errors:    []SweepError{},
		Reports:   []*SweepReport{},
		StartedAt: at,
	}
}

// Add folds one sweep report into the summary
func (s *RunSummary) Add(r *SweepReport) {
	s.AccountsProcessed++
	s.MessagesProcessed += r.MessagesProcessed
	s.ArtifactsFound += r.InvoicesFound
	s.Errors = append(s.Errors, r.Errors...)
	s.Reports = append(s.Reports, r)
}

// AllNotConfigured reports whether every sweep stopped at an empty allow-list
func (s *RunSummary) AllNotConfigured() bool {
	if len(s.Reports) == 0 {
		return false
	}
	for _, r := range s.Reports {
		if r.Status != StatusNotConfigured {
			return false
		}
	}
	return true
}
