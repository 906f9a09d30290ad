package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/driftwell/stillmind/internal/models"
	"github.com/google/uuid"
)

// CreateVideo inserts the video row published at the tail of a successful
// pipeline. New videos always start in pending_review until moderation
// approves them, regardless of the visibility the user requested.
func (db *DB) CreateVideo(ctx context.Context, video *models.Video) error {
	query := `
		INSERT INTO videos (
			id, user_id, title, storage_key, thumbnail_key, duration_seconds,
			visibility, moderation_status, visual_prompt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		video.ID, video.UserID, video.Title, video.StorageKey, video.ThumbnailKey,
		video.DurationSeconds, video.Visibility, video.ModerationStatus, video.VisualPrompt,
	).Scan(&video.CreatedAt, &video.UpdatedAt)
}

func (db *DB) GetVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	query := `
		SELECT id, user_id, title, storage_key, thumbnail_key, duration_seconds,
		       visibility, moderation_status, visual_prompt, created_at, updated_at
		FROM videos
		WHERE id = $1
	`

	video := &models.Video{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&video.ID, &video.UserID, &video.Title, &video.StorageKey, &video.ThumbnailKey,
		&video.DurationSeconds, &video.Visibility, &video.ModerationStatus,
		&video.VisualPrompt, &video.CreatedAt, &video.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return video, nil
}
