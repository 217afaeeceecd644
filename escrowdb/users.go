package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustflow/escrowd/escrow"
)

// CreateUser inserts a user row. Callers normalize the wallet address
// beforehand; an empty address stores NULL so the unique index only applies
// to linked wallets.
func (q queries) CreateUser(ctx context.Context, u *escrow.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO users (id, email, wallet_address, oauth_provider, oauth_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, nullString(u.WalletAddress), nullString(u.OAuthProvider),
		nullString(u.OAuthID), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrowdb: create user: %w", err)
	}
	return nil
}

// FindUserByWallet returns the user whose linked wallet equals addr
// (canonical lowercase hex), or ErrNotFound.
func (q queries) FindUserByWallet(ctx context.Context, addr string) (*escrow.User, error) {
	return q.scanUser(q.q.QueryRowContext(ctx, `
		SELECT id, email, wallet_address, oauth_provider, oauth_id, created_at, updated_at
		FROM users WHERE wallet_address = $1`, addr))
}

// FindUser returns the user with the given id, or ErrNotFound.
func (q queries) FindUser(ctx context.Context, id uuid.UUID) (*escrow.User, error) {
	return q.scanUser(q.q.QueryRowContext(ctx, `
		SELECT id, email, wallet_address, oauth_provider, oauth_id, created_at, updated_at
		FROM users WHERE id = $1`, id))
}

func (q queries) scanUser(row *sql.Row) (*escrow.User, error) {
	var (
		u                        escrow.User
		wallet, provider, oauthID sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &wallet, &provider, &oauthID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("escrowdb: scan user: %w", err)
	}
	u.WalletAddress = wallet.String
	u.OAuthProvider = provider.String
	u.OAuthID = oauthID.String
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
