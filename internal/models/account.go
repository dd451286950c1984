package models

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies the mailbox provider behind an account
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Providers lists every supported provider in sweep order
var Providers = []Provider{ProviderGmail, ProviderOutlook}

// ParseProvider converts a string into a Provider
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGmail, ProviderOutlook:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// EmailAccount is one connected mailbox and its OAuth credentials.
// Refresh and access secrets are stored sealed; see auth.Sealer.
type EmailAccount struct {
	ID                 string
	UserID             string
	Provider           Provider
	Address            string
	SealedRefreshToken string
	SealedAccessToken  string
	AccessTokenExpiry  time.Time
	SyncEnabled        bool
	LastSyncAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SupplierAllowEntry is one sender address the user has allowed for scanning
type SupplierAllowEntry struct {
	ID          string
	AccountID   string
	SenderEmail string
	Label       string
	CreatedAt   time.Time
}

// NormalizeAddress lowercases and trims an email address for comparison
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
