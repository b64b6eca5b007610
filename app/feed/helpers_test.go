package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lysyi3m/feedsync/app/events"
	"github.com/lysyi3m/feedsync/app/writer"
)

type memorySecrets struct {
	mu      sync.Mutex
	secrets map[string]string
	creates int
}

func newMemorySecrets() *memorySecrets {
	return &memorySecrets{secrets: make(map[string]string)}
}

func (m *memorySecrets) GetFeedSecret(ctx context.Context, feedType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secrets[feedType], nil
}

func (m *memorySecrets) CreateFeedSecret(ctx context.Context, feedType string, generate func() string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.secrets[feedType]; ok {
		return s, nil
	}
	m.creates++
	m.secrets[feedType] = generate()
	return m.secrets[feedType], nil
}

type sliceSource struct {
	items []writer.Item
	err   error
}

func (s *sliceSource) GetItemsForBatch(ctx context.Context, batchNumber, batchSize int, filters []string) ([]writer.Item, error) {
	if s.err != nil {
		return nil, s.err
	}
	start := batchNumber * batchSize
	if start >= len(s.items) {
		return nil, nil
	}
	end := min(start+batchSize, len(s.items))
	return s.items[start:end], nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(ctx context.Context, event events.Event) {
	r.events = append(r.events, event)
}

type stubJob struct {
	dispatch func() error
}

func (j *stubJob) Dispatch() error {
	return j.dispatch()
}

// runningScheduler executes every step inline, the way the task scheduler
// would across several invocations.
type runningScheduler struct {
	fail    map[Type]error
	created []string
}

func (s *runningScheduler) CreateJob(g *Generator, filters []string) (Job, error) {
	s.created = append(s.created, g.Name())
	if err := s.fail[g.FeedType()]; err != nil {
		return nil, err
	}
	return &stubJob{dispatch: func() error {
		return runGeneration(context.Background(), g, filters)
	}}, nil
}

func runGeneration(ctx context.Context, g *Generator, filters []string) error {
	if err := g.HandleStart(ctx); err != nil {
		return err
	}
	for batch := 0; ; batch++ {
		items, err := g.GetItemsForBatch(ctx, batch, filters)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		if err := g.ProcessItems(ctx, items, filters); err != nil {
			return err
		}
		if batch > 10000 {
			return errors.New("runaway generation")
		}
	}
	return g.HandleEnd(ctx)
}

func itemsN(n int) []writer.Item {
	items := make([]writer.Item, n)
	for i := range items {
		items[i] = writer.Item{"offer_id": fmt.Sprintf("o%d", i+1), "title": fmt.Sprintf("Offer %d", i+1)}
	}
	return items
}
