package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lysyi3m/feedsync/app/writer"
)

// ItemRepository handles database operations for catalog items
type ItemRepository struct {
	db *DB
}

func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// UpsertItems inserts or replaces items in one transaction.
func (r *ItemRepository) UpsertItems(ctx context.Context, items []CatalogItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog_items (feed_type, item_id, position, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(feed_type, item_id) DO UPDATE SET
			position = excluded.position,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare item upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, item := range items {
		var payload bytes.Buffer
		if err := json.Compact(&payload, item.Payload); err != nil {
			return fmt.Errorf("failed to encode item %s: %w", item.ItemID, err)
		}
		if _, err := stmt.ExecContext(ctx, item.FeedType, item.ItemID, item.Position, payload.String(), now); err != nil {
			return fmt.Errorf("failed to store item %s: %w", item.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit items: %w", err)
	}
	return nil
}

func (r *ItemRepository) DeleteItem(ctx context.Context, feedType, itemID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM catalog_items WHERE feed_type = ? AND item_id = ?`, feedType, itemID)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ItemRepository) CountItems(ctx context.Context, feedType string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_items WHERE feed_type = ?`, feedType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

// ListItems returns items of feedType ordered by (position, item_id). A
// non-empty ids slice restricts the result to those item ids.
func (r *ItemRepository) ListItems(ctx context.Context, feedType string, offset, limit int, ids []string) ([]CatalogItem, error) {
	query := `SELECT item_id, position, payload, updated_at FROM catalog_items WHERE feed_type = ?`
	args := []any{feedType}

	if len(ids) > 0 {
		query += ` AND item_id IN (?` + strings.Repeat(`, ?`, len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	query += ` ORDER BY position, item_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []CatalogItem
	for rows.Next() {
		item := CatalogItem{FeedType: feedType}
		var payload string
		if err := rows.Scan(&item.ItemID, &item.Position, &payload, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item rows: %w", err)
	}

	return items, nil
}

// ItemSource adapts the repository to batch reads for one feed type.
func (r *ItemRepository) ItemSource(feedType string) *ItemSource {
	return &ItemSource{repo: r, feedType: feedType}
}

type ItemSource struct {
	repo     *ItemRepository
	feedType string
}

// GetItemsForBatch decodes the batch's payloads with numbers kept as
// json.Number and records each payload as the item's source encoding.
func (s *ItemSource) GetItemsForBatch(ctx context.Context, batchNumber, batchSize int, filters []string) ([]writer.Item, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	items, err := s.repo.ListItems(ctx, s.feedType, batchNumber*batchSize, batchSize, filters)
	if err != nil {
		return nil, err
	}

	payloads := make([]writer.Item, len(items))
	for i, item := range items {
		decoder := json.NewDecoder(bytes.NewReader(item.Payload))
		decoder.UseNumber()
		var fields writer.Item
		if err := decoder.Decode(&fields); err != nil {
			return nil, fmt.Errorf("failed to decode item %s: %w", item.ItemID, err)
		}
		if fields == nil {
			fields = writer.Item{}
		}
		payloads[i] = writer.WithSource(fields, item.Payload)
	}
	return payloads, nil
}
