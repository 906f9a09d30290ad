package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/driftwell/stillmind/internal/models"
	"github.com/google/uuid"
)

const requestColumns = `
	id, user_id, visual_prompt, script_type, script_content, duration_seconds,
	ambient_sound_id, music_track_id, visibility, credits_charged,
	status, progress, video_id, created_at, updated_at
`

func scanRequest(row interface{ Scan(...interface{}) error }, r *models.GenerationRequest) error {
	return row.Scan(
		&r.ID, &r.UserID, &r.VisualPrompt, &r.ScriptType, &r.ScriptContent,
		&r.DurationSeconds, &r.AmbientSoundID, &r.MusicTrackID, &r.Visibility,
		&r.CreditsCharged, &r.Status, &r.Progress, &r.VideoID,
		&r.CreatedAt, &r.UpdatedAt,
	)
}

// CreateGenerationRequest inserts a new request inside the caller's
// transaction — the same one that reserved the credits, so a failed insert
// rolls the spend back too. credits_charged is written here once and never
// updated afterwards.
func (db *DB) CreateGenerationRequest(ctx context.Context, tx *sql.Tx, req *models.GenerationRequest) error {
	query := `
		INSERT INTO generation_requests (
			id, user_id, visual_prompt, script_type, script_content, duration_seconds,
			ambient_sound_id, music_track_id, visibility, credits_charged, status, progress
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	return tx.QueryRowContext(
		ctx, query,
		req.ID, req.UserID, req.VisualPrompt, req.ScriptType, req.ScriptContent,
		req.DurationSeconds, req.AmbientSoundID, req.MusicTrackID, req.Visibility,
		req.CreditsCharged, req.Status, req.Progress,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
}

func (db *DB) GetGenerationRequest(ctx context.Context, id uuid.UUID) (*models.GenerationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM generation_requests WHERE id = $1`

	req := &models.GenerationRequest{}
	err := scanRequest(db.QueryRowContext(ctx, query, id), req)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation request: %w", err)
	}

	return req, nil
}

// GetGenerationRequestForUser is the owner-scoped read used by the progress
// endpoint. A request owned by someone else is indistinguishable from a
// missing one.
func (db *DB) GetGenerationRequestForUser(ctx context.Context, id, userID uuid.UUID) (*models.GenerationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM generation_requests WHERE id = $1 AND user_id = $2`

	req := &models.GenerationRequest{}
	err := scanRequest(db.QueryRowContext(ctx, query, id, userID), req)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation request: %w", err)
	}

	return req, nil
}

// ListGenerationRequests returns the user's requests, newest first.
func (db *DB) ListGenerationRequests(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.GenerationRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM generation_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation requests: %w", err)
	}
	defer rows.Close()

	var requests []models.GenerationRequest
	for rows.Next() {
		var r models.GenerationRequest
		if err := scanRequest(rows, &r); err != nil {
			return nil, fmt.Errorf("failed to scan generation request: %w", err)
		}
		requests = append(requests, r)
	}

	return requests, rows.Err()
}

func (db *DB) CountGenerationRequests(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generation_requests WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count generation requests: %w", err)
	}
	return count, nil
}

// UpdateGenerationRequestStage moves a request to the given pipeline stage.
// GREATEST keeps progress monotone even when the queue redelivers a job and
// the worker replays earlier stages.
func (db *DB) UpdateGenerationRequestStage(ctx context.Context, id uuid.UUID, status models.RequestStatus, progress int) error {
	query := `
		UPDATE generation_requests
		SET status = $2, progress = GREATEST(progress, $3), updated_at = NOW()
		WHERE id = $1
	`
	_, err := db.ExecContext(ctx, query, id, status, progress)
	if err != nil {
		return fmt.Errorf("failed to update request stage: %w", err)
	}
	return nil
}

// SetGenerationRequestScript persists the generated script on the request.
// The worker still regenerates ai_generated scripts on every attempt.
func (db *DB) SetGenerationRequestScript(ctx context.Context, id uuid.UUID, script string) error {
	query := `UPDATE generation_requests SET script_content = $2, updated_at = NOW() WHERE id = $1`
	_, err := db.ExecContext(ctx, query, id, script)
	if err != nil {
		return fmt.Errorf("failed to set request script: %w", err)
	}
	return nil
}

// CompleteGenerationRequest links the published video and moves the request
// to its terminal success state.
func (db *DB) CompleteGenerationRequest(ctx context.Context, id, videoID uuid.UUID) error {
	query := `
		UPDATE generation_requests
		SET status = $2, progress = 100, video_id = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := db.ExecContext(ctx, query, id, models.RequestStatusCompleted, videoID)
	if err != nil {
		return fmt.Errorf("failed to complete generation request: %w", err)
	}
	return nil
}

// FailGenerationRequest marks the request terminally failed. Progress is left
// where it was; video_id stays NULL.
func (db *DB) FailGenerationRequest(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE generation_requests SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := db.ExecContext(ctx, query, id, models.RequestStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to fail generation request: %w", err)
	}
	return nil
}

// ListStalePendingRequests returns requests that have sat in pending longer
// than the grace interval — submissions whose enqueue was lost after commit.
// The sweeper re-enqueues them; enqueue idempotency makes that safe.
func (db *DB) ListStalePendingRequests(ctx context.Context, grace time.Duration) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM generation_requests
		WHERE status = $1 AND created_at < NOW() - ($2 * INTERVAL '1 second')
		ORDER BY created_at
		LIMIT 100
	`

	rows, err := db.QueryContext(ctx, query, models.RequestStatusPending, int(grace.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending requests: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan request id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
