package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"

	"github.com/surendranb/runsight-web-sub001/internal/syncerr"
)

// refreshLeeway is how close to expiry a token is proactively refreshed.
const refreshLeeway = 5 * time.Minute

// Credential is a stored OAuth credential for one user.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// ErrNoCredential is returned when a user has never connected the provider.
var ErrNoCredential = errors.New("no provider credential for user")

// CredentialStore persists per-user OAuth credentials.
type CredentialStore interface {
	Credential(ctx context.Context, userID string) (*Credential, error)
	SaveCredential(ctx context.Context, cred *Credential) error
}

// CredentialProvider hands out valid access tokens, refreshing as needed.
type CredentialProvider interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// TokenProvider implements CredentialProvider on top of a CredentialStore,
// refreshing tokens via the provider's OAuth endpoint when they are within
// five minutes of expiry.
type TokenProvider struct {
	store  CredentialStore
	conf   *oauth2.Config
	logger *log.Logger
	now    func() time.Time
}

// NewTokenProvider constructs a TokenProvider.
func NewTokenProvider(store CredentialStore, clientID, clientSecret, tokenURL string) *TokenProvider {
	return &TokenProvider{
		store: store,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
		logger: log.New(log.Writer(), "[credentials] ", log.LstdFlags),
		now:    time.Now,
	}
}

// AccessToken returns a valid access token for the user. A missing
// credential is a non-retryable authentication error: the session must fail,
// not retry.
func (p *TokenProvider) AccessToken(ctx context.Context, userID string) (string, error) {
	cred, err := p.store.Credential(ctx, userID)
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindDatabase, syncerr.PhaseGeneral, err)
	}
	if cred == nil {
		return "", syncerr.Wrap(syncerr.KindAuthentication, syncerr.PhaseGeneral,
			fmt.Errorf("%w: %s", ErrNoCredential, userID))
	}

	if p.now().Add(refreshLeeway).Before(cred.ExpiresAt) {
		return cred.AccessToken, nil
	}

	// Only the refresh token is handed to the source so the library always
	// performs the refresh instead of serving the near-expiry token.
	refreshed, err := p.conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
	}).Token()
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindAuthentication, syncerr.PhaseGeneral,
			fmt.Errorf("token refresh failed: %w", err))
	}

	cred.AccessToken = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		cred.RefreshToken = refreshed.RefreshToken
	}
	cred.ExpiresAt = refreshed.Expiry

	if err := p.store.SaveCredential(ctx, cred); err != nil {
		// The refreshed token is still usable this call; persisting it is
		// retried on the next refresh.
		p.logger.Printf("failed to persist refreshed credential for %s: %v", userID, err)
	}
	return cred.AccessToken, nil
}
