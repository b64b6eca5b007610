package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/feedsync/app/events"
)

type updateNotifier interface {
	NotifyFeedUpdated(ctx context.Context, integrationID, feedType, fileURL string) error
}

// UploadNotifier tells the commerce integration about every regenerated
// feed file. It does nothing until an integration id is configured.
type UploadNotifier struct {
	client        updateNotifier
	integrationID string
	feedURL       func(ctx context.Context, feedType string) (string, error)
}

func NewUploadNotifier(client updateNotifier, integrationID string, feedURL func(ctx context.Context, feedType string) (string, error)) *UploadNotifier {
	return &UploadNotifier{
		client:        client,
		integrationID: integrationID,
		feedURL:       feedURL,
	}
}

func (n *UploadNotifier) Handle(ctx context.Context, e events.Event) error {
	if n.integrationID == "" {
		slog.Debug("No commerce integration configured, skipping upload notification", "feed", e.FeedType)
		return nil
	}

	fileURL, err := n.feedURL(ctx, e.FeedType)
	if err != nil {
		return fmt.Errorf("failed to resolve feed URL for %s: %w", e.FeedType, err)
	}

	if err := n.client.NotifyFeedUpdated(ctx, n.integrationID, e.FeedType, fileURL); err != nil {
		return fmt.Errorf("failed to notify feed update for %s: %w", e.FeedType, err)
	}

	slog.Info("Feed update notified", "feed", e.FeedType, "url", fileURL)
	return nil
}
