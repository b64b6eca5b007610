package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/feedsync/app/events"
	"github.com/lysyi3m/feedsync/app/writer"
)

// DefaultBatchSize keeps every scheduler invocation down to a single source
// item, so an interrupted run loses at most one item of work.
const DefaultBatchSize = 1

// ItemProcessor is called for every item of a batch before the batch is
// written. Returning an error fails the batch.
type ItemProcessor func(ctx context.Context, item writer.Item, filters []string) error

// Generator drives one regeneration of a feed file as discrete steps:
// HandleStart, then GetItemsForBatch/ProcessItems until a batch comes back
// empty, then HandleEnd. The steps are invoked by a scheduler; the generator
// itself keeps no run state and never swallows a writer error.
type Generator struct {
	feedType    Type
	writer      writer.FileWriter
	source      ItemSource
	emitter     Emitter
	pluginName  string
	batchSize   int
	processItem ItemProcessor
}

type GeneratorOption func(*Generator)

func WithBatchSize(size int) GeneratorOption {
	return func(g *Generator) {
		if size > 0 {
			g.batchSize = size
		}
	}
}

func WithPluginName(name string) GeneratorOption {
	return func(g *Generator) {
		g.pluginName = name
	}
}

func WithItemProcessor(p ItemProcessor) GeneratorOption {
	return func(g *Generator) {
		g.processItem = p
	}
}

func NewGenerator(feedType Type, w writer.FileWriter, source ItemSource, emitter Emitter, opts ...GeneratorOption) *Generator {
	g := &Generator{
		feedType:  feedType,
		writer:    w,
		source:    source,
		emitter:   emitter,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// JobName is the name generation jobs of feedType run under.
func JobName(feedType Type) string {
	return fmt.Sprintf("%s_feed_generator", feedType)
}

// Name is the job name the scheduler registers this generator under.
func (g *Generator) Name() string {
	return JobName(g.feedType)
}

// PluginName groups this generator's jobs apart from unrelated ones.
func (g *Generator) PluginName() string {
	return g.pluginName
}

func (g *Generator) FeedType() Type {
	return g.feedType
}

func (g *Generator) BatchSize() int {
	return g.batchSize
}

func (g *Generator) Writer() writer.FileWriter {
	return g.writer
}

func (g *Generator) HandleStart(ctx context.Context) error {
	if err := g.writer.CreateFeedDirectory(); err != nil {
		return fmt.Errorf("failed to create feed directory: %w", err)
	}

	file, err := g.writer.PrepareTemporaryFeedFile()
	if err != nil {
		return fmt.Errorf("failed to prepare temporary feed file: %w", err)
	}

	if err := g.writer.WriteHeader(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to write feed header: %w", &writer.FileWriteError{Path: file.Name(), Message: "unable to write header", Err: err})
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temporary feed file: %w", &writer.FileWriteError{Path: file.Name(), Message: "unable to close temporary file", Err: err})
	}

	slog.Debug("Feed generation started", "feed", g.feedType, "temp_file", g.writer.TempFilePath())
	return nil
}

func (g *Generator) GetItemsForBatch(ctx context.Context, batchNumber int, filters []string) ([]writer.Item, error) {
	items, err := g.source.GetItemsForBatch(ctx, batchNumber, g.batchSize, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to get items for batch %d: %w", batchNumber, err)
	}
	return items, nil
}

// ProcessItems runs the per-item hook and appends the batch to the
// temporary file with exactly one writer call, even for an empty batch.
func (g *Generator) ProcessItems(ctx context.Context, items []writer.Item, filters []string) error {
	for _, item := range items {
		if err := g.ProcessItem(ctx, item, filters); err != nil {
			return err
		}
	}

	if err := g.writer.WriteTempFeedFile(items); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

func (g *Generator) ProcessItem(ctx context.Context, item writer.Item, filters []string) error {
	if g.processItem == nil {
		return nil
	}
	return g.processItem(ctx, item, filters)
}

// HandleEnd promotes the temporary file and only then announces completion.
func (g *Generator) HandleEnd(ctx context.Context) error {
	if err := g.writer.FinalizeTempFeedFile(); err != nil {
		return fmt.Errorf("failed to finalize temporary feed file: %w", err)
	}

	if err := g.writer.PromoteTempFile(); err != nil {
		return fmt.Errorf("failed to promote feed file: %w", err)
	}

	slog.Info("Feed generation completed", "feed", g.feedType, "file", g.writer.FilePath())

	if g.emitter != nil {
		g.emitter.Emit(ctx, events.Event{
			Name:     events.GenerationCompleted(string(g.feedType)),
			FeedType: string(g.feedType),
		})
	}
	return nil
}
