package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lysyi3m/feedsync/app/writer"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

type Settings struct {
	Enabled   bool             `yaml:"enabled"`
	Format    string           `yaml:"format" validate:"oneof=csv json"`
	BatchSize int              `yaml:"batch_size" validate:"min=1"`
	Delimiter string           `yaml:"delimiter" validate:"len=1"`
	Enclosure string           `yaml:"enclosure" validate:"len=1"`
	Escape    string           `yaml:"escape" validate:"max=1"`
	Columns   []ColumnSettings `yaml:"columns" validate:"required_if=Format csv,dive"`
}

type ColumnSettings struct {
	Name    string   `yaml:"name" validate:"required"`
	Sources []string `yaml:"sources" validate:"dive,required"`
}

func (s *Settings) WriterColumns() []writer.Column {
	columns := make([]writer.Column, len(s.Columns))
	for i, c := range s.Columns {
		columns[i] = writer.Column{Name: c.Name, Sources: c.Sources}
	}
	return columns
}

func (s *Settings) CSVOptions() writer.CSVOptions {
	opts := writer.CSVOptions{}
	if r, _ := utf8.DecodeRuneInString(s.Delimiter); r != utf8.RuneError {
		opts.Delimiter = r
	}
	if r, _ := utf8.DecodeRuneInString(s.Enclosure); r != utf8.RuneError {
		opts.Enclosure = r
	}
	if r, _ := utf8.DecodeRuneInString(s.Escape); r != utf8.RuneError {
		opts.Escape = r
	}
	return opts
}

// SettingsCache holds per feed type settings read from "<dir>/<type>.yml".
// Types without a file use DefaultSettings.
type SettingsCache struct {
	dir      string
	cache    map[Type]*Settings
	validate *validator.Validate
	mu       sync.RWMutex
}

func NewSettingsCache(dir string) *SettingsCache {
	return &SettingsCache{
		dir:      dir,
		cache:    make(map[Type]*Settings),
		validate: validator.New(),
	}
}

func (sc *SettingsCache) Run() error {
	for _, feedType := range activeFeedTypes {
		settings, err := sc.Load(feedType)
		if err != nil {
			return err
		}
		slog.Debug("Feed settings loaded", "feed", feedType, "enabled", settings.Enabled, "format", settings.Format, "batch_size", settings.BatchSize)
	}
	return nil
}

func (sc *SettingsCache) Load(feedType Type) (*Settings, error) {
	settings := DefaultSettings(feedType)

	path := sc.getSettingsFilePath(feedType)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse YAML %s: %w", path, err)
		}
	}

	if err := sc.validate.Struct(settings); err != nil {
		return nil, fmt.Errorf("invalid settings for %s: %w", feedType, err)
	}
	if settings.Format == FormatCSV && len(settings.Columns) == 0 {
		return nil, fmt.Errorf("invalid settings for %s: csv feeds need at least one column", feedType)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cache[feedType] = &settings

	return &settings, nil
}

// Get returns the cached settings, falling back to the defaults.
func (sc *SettingsCache) Get(feedType Type) *Settings {
	sc.mu.RLock()
	settings, ok := sc.cache[feedType]
	sc.mu.RUnlock()
	if ok {
		return settings
	}

	defaults := DefaultSettings(feedType)
	return &defaults
}

func (sc *SettingsCache) getSettingsFilePath(feedType Type) string {
	return filepath.Join(sc.dir, string(feedType)+".yml")
}

func columns(names ...string) []ColumnSettings {
	cs := make([]ColumnSettings, len(names))
	for i, name := range names {
		cs[i] = ColumnSettings{Name: name}
	}
	return cs
}

func DefaultSettings(feedType Type) Settings {
	settings := Settings{
		Enabled:   true,
		Format:    FormatCSV,
		BatchSize: DefaultBatchSize,
		Delimiter: ",",
		Enclosure: `"`,
		Escape:    `\`,
	}

	switch feedType {
	case Promotions:
		settings.Columns = columns("offer_id", "title", "value_type", "percent_off", "fixed_amount_off",
			"target_type", "target_selection", "start_date_time", "end_date_time", "coupon_codes",
			"public_coupon_code", "min_subtotal", "redemption_limit_per_user")
	case RatingsAndReviews:
		settings.Columns = columns("aggregator", "store.name", "store.id", "store.storeUrls", "review_id",
			"rating", "title", "content", "created_at", "reviewer.name", "product.name", "product.url",
			"product.product_ids")
	case ShippingProfiles:
		settings.Columns = columns("shipping_profile_id", "name", "shipping_zones", "shipping_rates",
			"applies_to_all_products", "applies_to_rest_of_world")
	case NavigationMenu:
		settings.Format = FormatJSON
		settings.BatchSize = 1000
	}

	return settings
}
