package feed

import (
	"context"
	"fmt"

	"github.com/lysyi3m/feedsync/app/events"
	"github.com/lysyi3m/feedsync/app/writer"
)

type Type string

const (
	Promotions        Type = "promotions"
	RatingsAndReviews Type = "ratings_and_reviews"
	ShippingProfiles  Type = "shipping_profiles"
	NavigationMenu    Type = "navigation_menu"
)

// activeFeedTypes is the registration order used by RunAllFeedUploads.
var activeFeedTypes = []Type{Promotions, RatingsAndReviews, ShippingProfiles, NavigationMenu}

func (t Type) String() string {
	return string(t)
}

func (t Type) Valid() bool {
	for _, known := range activeFeedTypes {
		if t == known {
			return true
		}
	}
	return false
}

type InvalidFeedTypeError struct {
	Type string
}

func (e *InvalidFeedTypeError) Error() string {
	return fmt.Sprintf("invalid feed type %q", e.Type)
}

// ItemSource yields the items of one batch. An empty result ends the run.
type ItemSource interface {
	GetItemsForBatch(ctx context.Context, batchNumber, batchSize int, filters []string) ([]writer.Item, error)
}

type SecretStore interface {
	GetFeedSecret(ctx context.Context, feedType string) (string, error)
	// CreateFeedSecret stores a secret produced by generate unless one exists
	// already, and returns whichever secret is stored.
	CreateFeedSecret(ctx context.Context, feedType string, generate func() string) (string, error)
}

// Scheduler runs a generator's steps as separate units of work.
type Scheduler interface {
	CreateJob(generator *Generator, filters []string) (Job, error)
}

type Job interface {
	Dispatch() error
}

type Emitter interface {
	Emit(ctx context.Context, event events.Event)
}
