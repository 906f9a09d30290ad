package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/driftwell/stillmind/internal/models"
	"github.com/google/uuid"
)

// InsufficientCreditsError is returned by ReserveCredits when the guarded
// decrement matches no row. Required carries the amount that was asked for.
type InsufficientCreditsError struct {
	Required int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d required", e.Required)
}

// ReserveCredits atomically spends amount credits from the user's balance and
// appends the matching generation_spend ledger row. It must run inside the
// caller's transaction so the balance mutation and the request insert commit
// together.
//
// The decrement is guarded server-side (balance >= amount in the WHERE
// clause); re-checking a previously read balance would be a TOCTOU race.
func (db *DB) ReserveCredits(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	var balance int
	err := tx.QueryRowContext(ctx, `
		UPDATE users
		SET credits_balance = credits_balance - $2, updated_at = NOW()
		WHERE id = $1 AND credits_balance >= $2
		RETURNING credits_balance
	`, userID, amount).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, &InsufficientCreditsError{Required: amount}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve credits: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, type, description)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), userID, -amount, models.TransactionTypeGenerationSpend, description)
	if err != nil {
		return 0, fmt.Errorf("failed to append credit transaction: %w", err)
	}

	return balance, nil
}

// GrantCredits atomically increments the user's balance and appends a ledger
// row with a positive amount. Runs in its own transaction.
func (db *DB) GrantCredits(ctx context.Context, userID uuid.UUID, amount int, txnType models.TransactionType, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	var balance int
	err := db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE users
			SET credits_balance = credits_balance + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING credits_balance
		`, userID, amount).Scan(&balance)

		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to grant credits: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, user_id, amount, type, description)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New(), userID, amount, txnType, description)
		if err != nil {
			return fmt.Errorf("failed to append credit transaction: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// GetCreditBalance returns the user's current balance.
func (db *DB) GetCreditBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := db.QueryRowContext(ctx, `SELECT credits_balance FROM users WHERE id = $1`, userID).Scan(&balance)

	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}

	return balance, nil
}

// ListCreditTransactions returns the user's most recent ledger rows, newest first.
func (db *DB) ListCreditTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.CreditTransaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, amount, type, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		txns = append(txns, t)
	}

	return txns, rows.Err()
}
