package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LanguageRepository persists the language code to remote feed id map.
// Writes merge by key; other languages' entries are never touched.
type LanguageRepository struct {
	db *DB
}

func NewLanguageRepository(db *DB) *LanguageRepository {
	return &LanguageRepository{db: db}
}

// GetLanguageFeedID returns "" when no id is stored for code.
func (r *LanguageRepository) GetLanguageFeedID(ctx context.Context, code string) (string, error) {
	var feedID string
	err := r.db.QueryRowContext(ctx, `SELECT feed_id FROM language_feeds WHERE language_code = ?`, code).Scan(&feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get language feed id: %w", err)
	}
	return feedID, nil
}

func (r *LanguageRepository) GetLanguageFeedMap(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT language_code, feed_id FROM language_feeds ORDER BY language_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list language feeds: %w", err)
	}
	defer rows.Close()

	feeds := make(map[string]string)
	for rows.Next() {
		var code, feedID string
		if err := rows.Scan(&code, &feedID); err != nil {
			return nil, fmt.Errorf("failed to scan language feed row: %w", err)
		}
		feeds[code] = feedID
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating language feed rows: %w", err)
	}

	return feeds, nil
}

func (r *LanguageRepository) StoreLanguageFeedID(ctx context.Context, code, feedID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO language_feeds (language_code, feed_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(language_code) DO UPDATE SET
			feed_id = excluded.feed_id,
			updated_at = excluded.updated_at
	`, code, feedID)
	if err != nil {
		return fmt.Errorf("failed to store language feed id: %w", err)
	}
	return nil
}

func (r *LanguageRepository) DeleteLanguageFeedID(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM language_feeds WHERE language_code = ?`, code)
	if err != nil {
		return fmt.Errorf("failed to delete language feed id: %w", err)
	}
	return nil
}

func (r *LanguageRepository) ClearLanguageFeeds(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM language_feeds`)
	if err != nil {
		return fmt.Errorf("failed to clear language feeds: %w", err)
	}
	return nil
}
