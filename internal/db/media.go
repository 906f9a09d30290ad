package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/driftwell/stillmind/internal/models"
	"github.com/google/uuid"
)

// GetMediaAsset resolves an ambient sound or music track referenced by a
// generation request to its storage key.
func (db *DB) GetMediaAsset(ctx context.Context, id uuid.UUID) (*models.MediaAsset, error) {
	query := `
		SELECT id, kind, title, storage_key, created_at
		FROM media_assets
		WHERE id = $1
	`

	asset := &models.MediaAsset{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&asset.ID, &asset.Kind, &asset.Title, &asset.StorageKey, &asset.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media asset: %w", err)
	}

	return asset, nil
}

// ListMediaAssets returns the catalog clients pick ambient sounds and music
// tracks from.
func (db *DB) ListMediaAssets(ctx context.Context) ([]models.MediaAsset, error) {
	query := `
		SELECT id, kind, title, storage_key, created_at
		FROM media_assets
		ORDER BY kind, title
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list media assets: %w", err)
	}
	defer rows.Close()

	var assets []models.MediaAsset
	for rows.Next() {
		var a models.MediaAsset
		if err := rows.Scan(&a.ID, &a.Kind, &a.Title, &a.StorageKey, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan media asset: %w", err)
		}
		assets = append(assets, a)
	}

	return assets, rows.Err()
}
