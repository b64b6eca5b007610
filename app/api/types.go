package api

import (
	"context"
	"encoding/json"

	"github.com/lysyi3m/feedsync/app/database"
	"github.com/lysyi3m/feedsync/app/feed"
	"github.com/lysyi3m/feedsync/app/language"
	"github.com/lysyi3m/feedsync/app/writer"
)

type FeedRegistry interface {
	GetActiveFeedTypes() []feed.Type
	GetFeedInstance(feedType feed.Type) (*feed.Feed, error)
	RunAllFeedUploads(ctx context.Context) error
}

var _ FeedRegistry = (*feed.Manager)(nil)

type ItemStore interface {
	UpsertItems(ctx context.Context, items []database.CatalogItem) error
	DeleteItem(ctx context.Context, feedType, itemID string) error
	CountItems(ctx context.Context, feedType string) (int, error)
}

type JobLister interface {
	ListJobRuns(ctx context.Context, limit int) ([]database.JobRun, error)
}

type ActiveJobs interface {
	ActiveJobs() []string
}

type LanguageFeeds interface {
	Directory() string
	FileURL(code string) string
	StoreLanguageFeedID(ctx context.Context, code, feedID string) error
	InvalidateLanguageFeedID(ctx context.Context, code string) error
	LanguageFeedIDs(ctx context.Context) (map[string]string, error)
	ClearLanguageFeedIDs(ctx context.Context) error
	RegenerateLanguageFeed(ctx context.Context, code string, rows []writer.Item) error
}

var _ LanguageFeeds = (*language.Manager)(nil)

type HealthChecker interface {
	Health(ctx context.Context) map[string]any
}

type Handler struct {
	feeds     FeedRegistry
	items     ItemStore
	jobs      JobLister
	active    ActiveJobs
	languages LanguageFeeds
	checks    map[string]HealthChecker
}

// itemRequest keeps data as sent so the stored payload keeps its key order.
type itemRequest struct {
	ID       string          `json:"id" binding:"required"`
	Position int             `json:"position"`
	Data     json.RawMessage `json:"data" binding:"required"`
}

type upsertItemsRequest struct {
	Items      []itemRequest `json:"items" binding:"required,min=1,dive"`
	Regenerate bool          `json:"regenerate"`
}

type regenerateRequest struct {
	Filters []string `json:"filters"`
}

type languageFeedIDRequest struct {
	FeedID string `json:"feed_id" binding:"required"`
}

type languageRegenerateRequest struct {
	Rows []writer.Item `json:"rows" binding:"required,min=1"`
}
