package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/surendranb/runsight-web-sub001/internal/provider"
)

// CredentialStore persists per-user provider OAuth credentials.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore constructs a CredentialStore.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

// Credential fetches the credential for a user, or nil when the user never
// connected the provider.
func (s *CredentialStore) Credential(ctx context.Context, userID string) (*provider.Credential, error) {
	var cred provider.Credential
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, access_token, refresh_token, expires_at, scope
		 FROM provider_credentials WHERE user_id=$1`,
		userID,
	).Scan(&cred.UserID, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.Scope)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// SaveCredential upserts the credential for a user.
func (s *CredentialStore) SaveCredential(ctx context.Context, cred *provider.Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_credentials (user_id, access_token, refresh_token, expires_at, scope, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (user_id) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    updated_at=EXCLUDED.updated_at`,
		cred.UserID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.Scope, time.Now().UTC(),
	)
	return err
}
