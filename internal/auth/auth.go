package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/driftwell/stillmind/internal/db"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that resolve to no live session.
var ErrInvalidToken = errors.New("invalid or expired token")

// SessionVerifier resolves bearer tokens against the sessions table. Tokens
// are stored hashed; the raw token never touches the database.
type SessionVerifier struct {
	db *db.DB
}

func NewSessionVerifier(database *db.DB) *SessionVerifier {
	return &SessionVerifier{db: database}
}

func (v *SessionVerifier) VerifyToken(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrInvalidToken
	}

	sum := sha256.Sum256([]byte(token))
	userID, err := v.db.GetUserIDBySessionToken(ctx, hex.EncodeToString(sum[:]))
	if errors.Is(err, db.ErrNotFound) {
		return uuid.Nil, ErrInvalidToken
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to verify token: %w", err)
	}

	return userID, nil
}
