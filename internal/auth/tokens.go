package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/invoice-ingest/internal/config"
	"github.com/Martian-dev/invoice-ingest/internal/errors"
	"github.com/Martian-dev/invoice-ingest/internal/models"
)

// defaultTokenLifetime is assumed when the token endpoint omits expires_in
const defaultTokenLifetime = 3600 * time.Second

// TokenStore persists refreshed credentials back onto the account
type TokenStore interface {
	UpdateAccessToken(ctx context.Context, accountID, sealedAccess string, expiry time.Time, sealedRefresh string) error
}

// Refresher exchanges an account's refresh secret for a fresh access secret.
// It keeps no state between calls; every call hits the token endpoint.
type Refresher struct {
	configs    map[models.Provider]*oauth2.Config
	store      TokenStore
	sealer     *Sealer
	httpClient *http.Client
	now        func() time.Time
}

// NewRefresher creates a refresher for the given provider OAuth configs
func NewRefresher(store TokenStore, sealer *Sealer, configs map[models.Provider]*oauth2.Config) *Refresher {
	return &Refresher{
		configs:    configs,
		store:      store,
		sealer:     sealer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// GoogleOAuthConfig builds the Gmail OAuth client config
func GoogleOAuthConfig(pc config.ProviderConfig) *oauth2.Config {
	endpoint := google.Endpoint
	if pc.TokenURL != "" {
		endpoint.TokenURL = pc.TokenURL
	}
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}
}

// MicrosoftOAuthConfig builds the Outlook OAuth client config
func MicrosoftOAuthConfig(pc config.ProviderConfig) *oauth2.Config {
	endpoint := microsoft.AzureADEndpoint(pc.Tenant)
	if pc.TokenURL != "" {
		endpoint.TokenURL = pc.TokenURL
	}
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Read"},
	}
}

// Refresh mints a new access secret for the account, persists it sealed and
// returns it. Any failure is reported as *errors.ErrAuth except a failed
// write-back, which is *errors.ErrStorage.
func (r *Refresher) Refresh(ctx context.Context, account *models.EmailAccount) (string, error) {
	cfg, ok := r.configs[account.Provider]
	if !ok {
		return "", &errors.ErrAuth{AccountID: account.ID, Err: fmt.Errorf("provider %s is not configured", account.Provider)}
	}

	refreshToken, err := r.sealer.Open(account.SealedRefreshToken)
	if err != nil {
		return "", &errors.ErrAuth{AccountID: account.ID, Err: err}
	}
	if refreshToken == "" {
		return "", &errors.ErrAuth{AccountID: account.ID, Err: fmt.Errorf("empty refresh token")}
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	// A token with no access secret is never valid, so this always refreshes.
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", &errors.ErrAuth{AccountID: account.ID, Err: err}
	}
	if tok.AccessToken == "" {
		return "", &errors.ErrAuth{AccountID: account.ID, Err: fmt.Errorf("token response missing access_token")}
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = r.now().Add(defaultTokenLifetime)
	}

	sealedAccess, err := r.sealer.Seal(tok.AccessToken)
	if err != nil {
		return "", &errors.ErrAuth{AccountID: account.ID, Err: err}
	}

	sealedRefresh := account.SealedRefreshToken
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if sealedRefresh, err = r.sealer.Seal(tok.RefreshToken); err != nil {
			return "", &errors.ErrAuth{AccountID: account.ID, Err: err}
		}
	}

	if err := r.store.UpdateAccessToken(ctx, account.ID, sealedAccess, expiry, sealedRefresh); err != nil {
		return "", &errors.ErrStorage{Op: "update access token", Err: err}
	}

	account.SealedAccessToken = sealedAccess
	account.SealedRefreshToken = sealedRefresh
	account.AccessTokenExpiry = expiry

	return tok.AccessToken, nil
}
