package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const maxSecretAttempts = 5

type SecretRepository struct {
	db *DB
}

func NewSecretRepository(db *DB) *SecretRepository {
	return &SecretRepository{db: db}
}

// GetFeedSecret returns the stored secret for feedType, or "" if none exists yet.
func (r *SecretRepository) GetFeedSecret(ctx context.Context, feedType string) (string, error) {
	var secret string
	err := r.db.QueryRowContext(ctx, `SELECT secret FROM feed_secrets WHERE feed_type = ?`, feedType).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get feed secret: %w", err)
	}
	return secret, nil
}

// CreateFeedSecret stores a generated secret for feedType unless one already
// exists, and returns whichever value ends up stored. A generated value that
// collides with another type's secret is discarded and regenerated.
func (r *SecretRepository) CreateFeedSecret(ctx context.Context, feedType string, generate func() string) (string, error) {
	for attempt := 1; attempt <= maxSecretAttempts; attempt++ {
		secret, err := r.insertSecret(ctx, feedType, generate())
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return "", err
		}
		return secret, nil
	}
	return "", fmt.Errorf("failed to create unique secret for %s after %d attempts", feedType, maxSecretAttempts)
}

func (r *SecretRepository) insertSecret(ctx context.Context, feedType, candidate string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO feed_secrets (feed_type, secret) VALUES (?, ?)
		ON CONFLICT(feed_type) DO NOTHING
	`, feedType, candidate)
	if err != nil {
		return "", err
	}

	var secret string
	if err := tx.QueryRowContext(ctx, `SELECT secret FROM feed_secrets WHERE feed_type = ?`, feedType).Scan(&secret); err != nil {
		return "", fmt.Errorf("failed to read back feed secret: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit feed secret: %w", err)
	}
	return secret, nil
}
