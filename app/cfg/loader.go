package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DataDir string `long:"data-dir" env:"DATA_DIR" default:"./data" description:"Directory holding the SQLite database"`

	// Feed configuration
	FeedsDir           string `long:"feeds-dir" env:"FEEDS_DIR" default:"./public/feeds" description:"Base directory the feed files are written to"`
	SettingsDir        string `long:"settings-dir" env:"SETTINGS_DIR" default:"./feeds" description:"Directory containing per feed type settings (<type>.yml)"`
	BaseUrl            string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://feeds.example.com)"`
	PluginName         string `long:"plugin-name" env:"PLUGIN_NAME" default:"feedsync" description:"Name jobs are grouped under"`
	RegenerateInterval int    `long:"regenerate-interval" env:"REGENERATE_INTERVAL" default:"3600" description:"Seconds between full regenerations of all feeds (0 disables)"`

	// Application configuration
	Port              string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	WorkerCount       int    `long:"worker-count" env:"WORKER_COUNT" default:"4" description:"Number of background workers for feed generation"`
	RetryBaseDelaySec int    `long:"retry-base-delay" env:"RETRY_BASE_DELAY" default:"1" description:"Seconds before the first retry of a failed job step, doubled on every further retry"`
	APIAccessKey      string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Catalog integration
	CatalogID         string  `long:"catalog-id" env:"CATALOG_ID" description:"Product catalog id language feeds are created in"`
	IntegrationID     string  `long:"integration-id" env:"INTEGRATION_ID" description:"Commerce integration id notified after feed uploads"`
	CatalogAPIURL     string  `long:"catalog-api-url" env:"CATALOG_API_URL" default:"https://graph.facebook.com/v21.0" description:"Catalog API base URL"`
	CatalogAPIToken   string  `long:"catalog-api-token" env:"CATALOG_API_TOKEN" description:"Catalog API access token"`
	CatalogAPIRate    float64 `long:"catalog-api-rate" env:"CATALOG_API_RATE" default:"5" description:"Maximum catalog API requests per second"`
	LanguageCacheTTL  int     `long:"language-cache-ttl" env:"LANGUAGE_CACHE_TTL" default:"86400" description:"Seconds a cached language feed id is kept in Redis"`
	RedisAddr         string  `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the language feed cache and job locks (optional)"`
	NATSURL           string  `long:"nats-url" env:"NATS_URL" description:"NATS server URL for completion events (optional)"`
	NATSSubjectPrefix string  `long:"nats-subject-prefix" env:"NATS_SUBJECT_PREFIX" default:"feedsync" description:"Subject prefix for completion events"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"feedsync/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

func Load() (*Cfg, error) {
	return load(nil)
}

// load parses args, or the process arguments when args is nil.
func load(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	var err error
	if args == nil {
		_, err = parser.Parse()
	} else {
		_, err = parser.ParseArgs(args)
	}
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if raw.WorkerCount < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", raw.WorkerCount)
	}
	if raw.RetryBaseDelaySec < 1 {
		return nil, fmt.Errorf("retry base delay must be at least 1 second, got %d", raw.RetryBaseDelaySec)
	}

	cfg := &Cfg{
		DataDir:            raw.DataDir,
		FeedsDir:           raw.FeedsDir,
		SettingsDir:        raw.SettingsDir,
		BaseUrl:            raw.BaseUrl,
		PluginName:         raw.PluginName,
		RegenerateInterval: raw.RegenerateInterval,
		Port:               raw.Port,
		WorkerCount:        raw.WorkerCount,
		RetryBaseDelaySec:  raw.RetryBaseDelaySec,
		APIAccessKey:       raw.APIAccessKey,
		CatalogID:          raw.CatalogID,
		IntegrationID:      raw.IntegrationID,
		CatalogAPIURL:      raw.CatalogAPIURL,
		CatalogAPIToken:    raw.CatalogAPIToken,
		CatalogAPIRate:     raw.CatalogAPIRate,
		LanguageCacheTTL:   raw.LanguageCacheTTL,
		RedisAddr:          raw.RedisAddr,
		NATSURL:            raw.NATSURL,
		NATSSubjectPrefix:  raw.NATSSubjectPrefix,
		UserAgent:          raw.UserAgent,
		Timezone:           raw.Timezone,
		Debug:              raw.Debug,
		Version:            GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	return cfg, nil
}

func (c *Cfg) RegenerateEvery() time.Duration {
	return time.Duration(c.RegenerateInterval) * time.Second
}

func (c *Cfg) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySec) * time.Second
}

func (c *Cfg) LanguageCacheExpiry() time.Duration {
	return time.Duration(c.LanguageCacheTTL) * time.Second
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
