package language

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lysyi3m/feedsync/app/catalog"
	"github.com/lysyi3m/feedsync/app/writer"
)

// ErrFeedIDUnavailable means no remote feed id could be resolved yet; the
// caller should try again later.
var ErrFeedIDUnavailable = errors.New("language feed id unavailable")

// ErrRegenerationActive means another process is writing the same language
// feed file.
var ErrRegenerationActive = errors.New("language feed regeneration already running")

const (
	directoryName = "language_feeds"
	overrideType  = "language"
	lockPrefix    = "language_feed:"
	lockTTL       = 5 * time.Minute
)

type CatalogAPI interface {
	ReadFeeds(ctx context.Context, catalogID string) ([]catalog.Feed, error)
	ReadFeed(ctx context.Context, feedID string) (*catalog.Feed, error)
	CreateFeed(ctx context.Context, catalogID string, req catalog.CreateFeedRequest) (*catalog.Feed, error)
	UploadFeed(ctx context.Context, feedID, fileURL string) (*catalog.Upload, error)
}

type CatalogIDProvider interface {
	ProductCatalogID() string
}

type Store interface {
	GetLanguageFeedID(ctx context.Context, code string) (string, error)
	GetLanguageFeedMap(ctx context.Context) (map[string]string, error)
	StoreLanguageFeedID(ctx context.Context, code, feedID string) error
	DeleteLanguageFeedID(ctx context.Context, code string) error
	ClearLanguageFeeds(ctx context.Context) error
}

type Cache interface {
	GetLanguageFeedID(ctx context.Context, code string) (string, bool, error)
	SetLanguageFeedID(ctx context.Context, code, feedID string) error
	DeleteLanguageFeedID(ctx context.Context, code string) error
}

// Locker serializes regeneration of one feed file across processes.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, name, token string) error
}

type Options struct {
	// BaseDir holds the language_feeds directory.
	BaseDir   string
	BaseURL   string
	CatalogID CatalogIDProvider
	// NewAPI builds the catalog client on first use.
	NewAPI func() CatalogAPI
	Store  Store
	// Cache and Locker are optional.
	Cache  Cache
	Locker Locker
	Hooks  Hooks
}

// Manager resolves remote feed ids for language override feeds and writes
// those feeds' files.
type Manager struct {
	baseDir   string
	baseURL   string
	catalogID CatalogIDProvider
	newAPI    func() CatalogAPI
	store     Store
	cache     Cache
	locker    Locker
	hooks     Hooks

	apiOnce sync.Once
	api     CatalogAPI
	group   singleflight.Group

	// fileMu guards fileLocks, one mutex per public file name.
	fileMu    sync.Mutex
	fileLocks map[string]*sync.Mutex
}

func NewManager(opts Options) *Manager {
	return &Manager{
		baseDir:   opts.BaseDir,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		catalogID: opts.CatalogID,
		newAPI:    opts.NewAPI,
		store:     opts.Store,
		cache:     opts.Cache,
		locker:    opts.Locker,
		hooks:     opts.Hooks,
		fileLocks: make(map[string]*sync.Mutex),
	}
}

// GetAPI returns the catalog client, constructing it once.
func (m *Manager) GetAPI() CatalogAPI {
	m.apiOnce.Do(func() {
		m.api = m.newAPI()
	})
	return m.api
}

func (m *Manager) Directory() string {
	return filepath.Join(m.baseDir, directoryName)
}

// FileURL is the public URL the catalog fetches a language feed from.
func (m *Manager) FileURL(code string) string {
	return fmt.Sprintf("%s/language-feeds/%s", m.baseURL, m.GenerateLanguageFeedFilename(code, false, false))
}

// RetrieveOrCreateLanguageFeedID finds the remote feed named for code in
// the product catalog, creating it if none exists, and stores its id.
// Remote failures are logged and reported as "", meaning "try again later".
func (m *Manager) RetrieveOrCreateLanguageFeedID(ctx context.Context, code string) string {
	id, _, _ := m.group.Do(code, func() (any, error) {
		return m.retrieveOrCreate(ctx, code), nil
	})
	return id.(string)
}

func (m *Manager) retrieveOrCreate(ctx context.Context, code string) string {
	catalogID := ""
	if m.catalogID != nil {
		catalogID = m.catalogID.ProductCatalogID()
	}
	if catalogID == "" {
		slog.Debug("No product catalog configured, cannot resolve language feed", "language", code)
		return ""
	}

	api := m.GetAPI()
	name := GenerateLanguageFeedName(code)

	feeds, err := api.ReadFeeds(ctx, catalogID)
	if err != nil {
		slog.Warn("Failed to list catalog feeds", "language", code, "catalog", catalogID, "error", err)
		return ""
	}

	feedID := ""
	for _, f := range feeds {
		meta, err := api.ReadFeed(ctx, f.ID)
		if err != nil {
			slog.Warn("Failed to read catalog feed", "language", code, "feed_id", f.ID, "error", err)
			return ""
		}
		if meta.Name == name {
			feedID = f.ID
			break
		}
	}

	if feedID == "" {
		created, err := api.CreateFeed(ctx, catalogID, catalog.CreateFeedRequest{
			Name:         name,
			FileName:     m.GenerateLanguageFeedFilename(code, true, false),
			OverrideType: overrideType,
		})
		if err != nil {
			slog.Warn("Failed to create language feed", "language", code, "catalog", catalogID, "error", err)
			return ""
		}
		feedID = created.ID
		slog.Info("Language feed created", "language", code, "feed_id", feedID)
	}

	if err := m.StoreLanguageFeedID(ctx, code, feedID); err != nil {
		slog.Warn("Failed to store language feed id", "language", code, "feed_id", feedID, "error", err)
	}

	return feedID
}

// LanguageFeedID returns the known id for code, resolving it remotely when
// neither the cache nor the store has one.
func (m *Manager) LanguageFeedID(ctx context.Context, code string) (string, error) {
	if m.cache != nil {
		id, ok, err := m.cache.GetLanguageFeedID(ctx, code)
		if err != nil {
			slog.Warn("Language feed cache read failed", "language", code, "error", err)
		} else if ok {
			return id, nil
		}
	}

	id, err := m.store.GetLanguageFeedID(ctx, code)
	if err != nil {
		return "", err
	}
	if id != "" {
		m.setCache(ctx, code, id)
		return id, nil
	}

	return m.RetrieveOrCreateLanguageFeedID(ctx, code), nil
}

// StoreLanguageFeedID records id for code without touching other languages.
func (m *Manager) StoreLanguageFeedID(ctx context.Context, code, feedID string) error {
	if err := m.store.StoreLanguageFeedID(ctx, code, feedID); err != nil {
		return err
	}
	m.setCache(ctx, code, feedID)
	return nil
}

func (m *Manager) InvalidateLanguageFeedID(ctx context.Context, code string) error {
	if m.cache != nil {
		if err := m.cache.DeleteLanguageFeedID(ctx, code); err != nil {
			slog.Warn("Language feed cache delete failed", "language", code, "error", err)
		}
	}
	return m.store.DeleteLanguageFeedID(ctx, code)
}

// LanguageFeedIDs returns every stored language code and its feed id.
func (m *Manager) LanguageFeedIDs(ctx context.Context) (map[string]string, error) {
	return m.store.GetLanguageFeedMap(ctx)
}

// ClearLanguageFeedIDs forgets all feed ids, so each language resolves its
// remote feed again on next use.
func (m *Manager) ClearLanguageFeedIDs(ctx context.Context) error {
	if m.cache != nil {
		ids, err := m.store.GetLanguageFeedMap(ctx)
		if err != nil {
			return err
		}
		for code := range ids {
			if err := m.cache.DeleteLanguageFeedID(ctx, code); err != nil {
				slog.Warn("Language feed cache delete failed", "language", code, "error", err)
			}
		}
	}

	if err := m.store.ClearLanguageFeeds(ctx); err != nil {
		return err
	}
	slog.Info("Language feed ids cleared")
	return nil
}

func (m *Manager) setCache(ctx context.Context, code, feedID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetLanguageFeedID(ctx, code, feedID); err != nil {
		slog.Warn("Language feed cache write failed", "language", code, "error", err)
	}
}

// RegenerateLanguageFeed writes rows to the language feed file of code,
// promotes it and asks the catalog to fetch it. Rows are written in one
// pass; the header is the union of the rows' keys with "id" first.
// Regenerations of codes sharing a public file name run one at a time.
func (m *Manager) RegenerateLanguageFeed(ctx context.Context, code string, rows []writer.Item) error {
	feedID, err := m.LanguageFeedID(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to get language feed id: %w", err)
	}
	if feedID == "" {
		return ErrFeedIDUnavailable
	}

	unlock, err := m.lockFile(ctx, m.GenerateLanguageFeedFilename(code, false, false))
	if err != nil {
		return err
	}
	defer unlock()

	columns := languageColumns(rows)
	w := writer.NewCSVWriter(m.Directory(), fileNaming{manager: m, code: code}, nil, writer.DefaultCSVOptions())

	if err := w.CreateFeedDirectory(); err != nil {
		return fmt.Errorf("failed to create language feed directory: %w", err)
	}

	file, err := w.PrepareTemporaryFeedFile()
	if err != nil {
		return fmt.Errorf("failed to prepare language feed file: %w", err)
	}
	headerErr := w.WriteHeaderColumns(file, columns)
	closeErr := file.Close()
	if err := errors.Join(headerErr, closeErr); err != nil {
		return fmt.Errorf("failed to write language feed header: %w", &writer.FileWriteError{Path: w.TempFilePath(), Message: "unable to write header", Err: err})
	}

	if err := w.WriteTempFeedFileWithColumns(rows, columns); err != nil {
		return fmt.Errorf("failed to write language feed rows: %w", err)
	}
	if err := w.PromoteTempFile(); err != nil {
		return fmt.Errorf("failed to promote language feed: %w", err)
	}

	fileURL := m.FileURL(code)
	if _, err := m.GetAPI().UploadFeed(ctx, feedID, fileURL); err != nil {
		return fmt.Errorf("failed to request language feed upload: %w", err)
	}

	slog.Info("Language feed regenerated", "language", code, "feed_id", feedID, "rows", len(rows), "url", fileURL)
	return nil
}

// lockFile takes the in-process mutex of a public file name and, when a
// Locker is configured, the shared lock of the same name.
func (m *Manager) lockFile(ctx context.Context, name string) (func(), error) {
	m.fileMu.Lock()
	mu, ok := m.fileLocks[name]
	if !ok {
		mu = &sync.Mutex{}
		m.fileLocks[name] = mu
	}
	m.fileMu.Unlock()

	mu.Lock()
	if m.locker == nil {
		return mu.Unlock, nil
	}

	lockName := lockPrefix + name
	token, ok, err := m.locker.Lock(ctx, lockName, lockTTL)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("failed to lock language feed %s: %w", name, err)
	}
	if !ok {
		mu.Unlock()
		return nil, ErrRegenerationActive
	}

	return func() {
		// The request context may be gone by now.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.locker.Unlock(unlockCtx, lockName, token); err != nil {
			slog.Warn("Failed to release language feed lock", "file", name, "error", err)
		}
		mu.Unlock()
	}, nil
}

func languageColumns(rows []writer.Item) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for key := range row {
			seen[key] = struct{}{}
		}
	}
	delete(seen, "id")

	names := make([]string, 0, len(seen))
	for key := range seen {
		names = append(names, key)
	}
	sort.Strings(names)

	return append([]string{"id"}, names...)
}
