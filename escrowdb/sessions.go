package escrowdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustflow/escrowd/escrow"
)

// CreateSession inserts a refresh session row. The auth surface owns the
// token lifecycle; the cleanup worker only sweeps expirations.
func (q queries) CreateSession(ctx context.Context, s *escrow.Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, refresh_token_hash, created_at,
			expires_at, revoked_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, s.RefreshTokenHash, s.CreatedAt, s.ExpiresAt,
		nullTime(s.RevokedAt), nullTime(s.LastUsedAt))
	if err != nil {
		return fmt.Errorf("escrowdb: create session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry lies before now and
// returns the number of rows deleted.
func (q queries) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("escrowdb: delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("escrowdb: delete expired sessions: %w", err)
	}
	return n, nil
}
