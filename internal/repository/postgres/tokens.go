package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// GmailTokenRepo looks up stored Gmail OAuth refresh tokens. The web tier
// writes this table during account linking; this service only reads it.
type GmailTokenRepo struct{ db *sql.DB }

// NewGmailTokenRepo creates a Postgres-backed refresh token store.
func NewGmailTokenRepo(db *sql.DB) *GmailTokenRepo { return &GmailTokenRepo{db: db} }

// RefreshToken returns the user's stored refresh token, or "" when no
// Gmail account is linked.
func (r *GmailTokenRepo) RefreshToken(ctx context.Context, userID string) (string, error) {
	var token sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT refresh_token FROM gmail_accounts WHERE user_id = $1`,
		userID,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	return token.String, nil
}
