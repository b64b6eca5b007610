package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Manager is the registry of feed types. It owns at most one Feed per type
// for its lifetime; ClearCache is the only way to drop them.
type Manager struct {
	deps      Dependencies
	mu        sync.Mutex
	instances map[Type]*Feed
}

func NewManager(deps Dependencies) *Manager {
	return &Manager{
		deps:      deps,
		instances: make(map[Type]*Feed),
	}
}

func (m *Manager) GetActiveFeedTypes() []Type {
	types := make([]Type, len(activeFeedTypes))
	copy(types, activeFeedTypes)
	return types
}

// CreateFeed builds a new, uncached Feed for feedType.
func (m *Manager) CreateFeed(feedType Type) (*Feed, error) {
	switch feedType {
	case Promotions, RatingsAndReviews, ShippingProfiles, NavigationMenu:
		return newFeed(feedType, m.deps), nil
	default:
		return nil, &InvalidFeedTypeError{Type: string(feedType)}
	}
}

func (m *Manager) GetFeedInstance(feedType Type) (*Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.instances[feedType]; ok {
		return f, nil
	}

	f, err := m.CreateFeed(feedType)
	if err != nil {
		return nil, err
	}
	m.instances[feedType] = f
	return f, nil
}

// RunAllFeedUploads regenerates every enabled feed type in registration
// order. A failing type is logged and does not stop the others; all
// failures are returned joined.
func (m *Manager) RunAllFeedUploads(ctx context.Context) error {
	var errs []error

	for _, feedType := range m.GetActiveFeedTypes() {
		f, err := m.GetFeedInstance(feedType)
		if err != nil {
			slog.Error("Failed to get feed instance", "feed", feedType, "error", err)
			errs = append(errs, err)
			continue
		}

		if !f.Enabled() {
			slog.Debug("Feed disabled, skipping regeneration", "feed", feedType)
			continue
		}

		if err := f.RegenerateFeed(ctx); err != nil {
			slog.Error("Failed to regenerate feed", "feed", feedType, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", feedType, err))
			continue
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) GetFeedSecret(ctx context.Context, feedType Type) (string, error) {
	f, err := m.GetFeedInstance(feedType)
	if err != nil {
		return "", err
	}
	return f.GetFeedSecret(ctx)
}

func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances = make(map[Type]*Feed)
}
