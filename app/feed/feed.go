package feed

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lysyi3m/feedsync/app/writer"
)

type Dependencies struct {
	// BaseDir is the root under which every feed type gets its own directory.
	BaseDir string
	// BaseURL is the public prefix of the feed file URLs.
	BaseURL    string
	PluginName string
	Settings   *SettingsCache
	Secrets    SecretStore
	Sources    func(Type) ItemSource
	Scheduler  Scheduler
	Emitter    Emitter
}

// Feed is one feed type's identity (secret, file writer, URL) and the entry
// point for regenerating its file.
type Feed struct {
	feedType Type
	deps     Dependencies
	settings *Settings

	mu        sync.Mutex
	secret    string
	writer    writer.FileWriter
	generator *Generator
}

func newFeed(feedType Type, deps Dependencies) *Feed {
	var settings *Settings
	if deps.Settings != nil {
		settings = deps.Settings.Get(feedType)
	} else {
		defaults := DefaultSettings(feedType)
		settings = &defaults
	}

	return &Feed{
		feedType: feedType,
		deps:     deps,
		settings: settings,
	}
}

func (f *Feed) Type() Type {
	return f.feedType
}

func (f *Feed) Settings() Settings {
	return *f.settings
}

func (f *Feed) Enabled() bool {
	return f.settings.Enabled
}

func (f *Feed) Directory() string {
	return filepath.Join(f.deps.BaseDir, string(f.feedType))
}

func newSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetFeedSecret returns the feed's secret, creating and persisting it on
// first use. Once stored it never changes.
func (f *Feed) GetFeedSecret(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getFeedSecretLocked(ctx)
}

func (f *Feed) getFeedSecretLocked(ctx context.Context) (string, error) {
	if f.secret != "" {
		return f.secret, nil
	}

	secret, err := f.deps.Secrets.GetFeedSecret(ctx, string(f.feedType))
	if err != nil {
		return "", fmt.Errorf("failed to read feed secret: %w", err)
	}

	if secret == "" {
		secret, err = f.deps.Secrets.CreateFeedSecret(ctx, string(f.feedType), newSecret)
		if err != nil {
			return "", fmt.Errorf("failed to create feed secret: %w", err)
		}
		slog.Info("Feed secret created", "feed", f.feedType)
	}

	f.secret = secret
	return secret, nil
}

// Writer returns the feed's file writer; its file names embed the secret.
func (f *Feed) Writer(ctx context.Context) (writer.FileWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writerLocked(ctx)
}

func (f *Feed) writerLocked(ctx context.Context) (writer.FileWriter, error) {
	if f.writer != nil {
		return f.writer, nil
	}

	secret, err := f.getFeedSecretLocked(ctx)
	if err != nil {
		return nil, err
	}

	naming := writer.SecretNaming{FeedType: string(f.feedType), Secret: secret, Extension: f.settings.Format}
	switch f.settings.Format {
	case FormatJSON:
		f.writer = writer.NewJSONWriter(f.Directory(), naming)
	default:
		f.writer = writer.NewCSVWriter(f.Directory(), naming, f.settings.WriterColumns(), f.settings.CSVOptions())
	}

	return f.writer, nil
}

func (f *Feed) Generator(ctx context.Context) (*Generator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.generator != nil {
		return f.generator, nil
	}

	w, err := f.writerLocked(ctx)
	if err != nil {
		return nil, err
	}

	var source ItemSource
	if f.deps.Sources != nil {
		source = f.deps.Sources(f.feedType)
	}
	if source == nil {
		return nil, fmt.Errorf("no item source for feed type %s", f.feedType)
	}

	f.generator = NewGenerator(f.feedType, w, source, f.deps.Emitter,
		WithBatchSize(f.settings.BatchSize),
		WithPluginName(f.deps.PluginName),
	)
	return f.generator, nil
}

func (f *Feed) RegenerateFeed(ctx context.Context) error {
	return f.RegenerateFeedWithFilters(ctx, nil)
}

// RegenerateFeedWithFilters dispatches a generation job restricted to the
// given item ids. A nil filter regenerates every item.
func (f *Feed) RegenerateFeedWithFilters(ctx context.Context, filters []string) error {
	if f.deps.Scheduler == nil {
		return fmt.Errorf("no scheduler configured for feed type %s", f.feedType)
	}

	generator, err := f.Generator(ctx)
	if err != nil {
		return err
	}

	job, err := f.deps.Scheduler.CreateJob(generator, filters)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", generator.Name(), err)
	}

	if err := job.Dispatch(); err != nil {
		return fmt.Errorf("failed to dispatch job %s: %w", generator.Name(), err)
	}

	slog.Debug("Feed regeneration dispatched", "feed", f.feedType, "job", generator.Name(), "filters", len(filters))
	return nil
}

func (f *Feed) FileName(ctx context.Context) (string, error) {
	w, err := f.Writer(ctx)
	if err != nil {
		return "", err
	}
	return w.FileName(), nil
}

// URL is where external consumers fetch the public feed file.
func (f *Feed) URL(ctx context.Context) (string, error) {
	name, err := f.FileName(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/feeds/%s/%s", strings.TrimRight(f.deps.BaseURL, "/"), f.feedType, name), nil
}
