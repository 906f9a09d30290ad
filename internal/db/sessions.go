package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// GetUserIDBySessionToken resolves a bearer token (stored hashed) to the
// owning user. Expired sessions are treated as missing.
func (db *DB) GetUserIDBySessionToken(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	query := `
		SELECT user_id FROM sessions
		WHERE token_hash = $1 AND expires_at > NOW()
	`

	var userID uuid.UUID
	err := db.QueryRowContext(ctx, query, tokenHash).Scan(&userID)

	if err == sql.ErrNoRows {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up session: %w", err)
	}

	return userID, nil
}
