package errors

import "fmt"

// Sweep errors

// ErrAuth is returned when an account's token refresh fails. It aborts
// only that account's sweep.
type ErrAuth struct {
	AccountID string
	Err       error
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("token refresh failed for account %s: %v", e.AccountID, e.Err)
}

func (e *ErrAuth) Unwrap() error {
	return e.Err
}

// ErrProviderAPI is returned when a provider search, fetch or download fails
type ErrProviderAPI struct {
	Provider string
	Op       string
	Err      error
}

func (e *ErrProviderAPI) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ErrProviderAPI) Unwrap() error {
	return e.Err
}

// ErrStorage is returned when a blob upload or metadata write fails
type ErrStorage struct {
	Op   string
	Path string
	Err  error
}

func (e *ErrStorage) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *ErrStorage) Unwrap() error {
	return e.Err
}

// ErrNotConfigured signals that no allow-list entries exist, so nothing may be scanned
type ErrNotConfigured struct {
	UserID    string
	AccountID string
}

func (e *ErrNotConfigured) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("no allowed senders configured for account %s", e.AccountID)
	}
	return fmt.Sprintf("no allowed senders configured for user %s", e.UserID)
}

// ErrSweepInProgress is returned when an account already has a sweep in flight
type ErrSweepInProgress struct {
	AccountID string
}

func (e *ErrSweepInProgress) Error() string {
	return fmt.Sprintf("sweep already running for account %s", e.AccountID)
}

// ErrDuplicateArtifact is returned when the (user, file name, sender) triple already exists
type ErrDuplicateArtifact struct {
	UserID   string
	FileName string
	Sender   string
}

func (e *ErrDuplicateArtifact) Error() string {
	return fmt.Sprintf("artifact %s from %s already exists for user %s", e.FileName, e.Sender, e.UserID)
}

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}
