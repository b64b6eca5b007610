package api

import (
	"bytes"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/feedsync/app/catalog"
	"github.com/lysyi3m/feedsync/app/database"
	"github.com/lysyi3m/feedsync/app/feed"
	"github.com/lysyi3m/feedsync/app/language"
	"github.com/lysyi3m/feedsync/app/tasks"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// NewHandler wires the HTTP handlers. active and checks may be nil.
func NewHandler(feeds FeedRegistry, items ItemStore, jobs JobLister, active ActiveJobs,
	languages LanguageFeeds, checks map[string]HealthChecker) *Handler {
	return &Handler{
		feeds:     feeds,
		items:     items,
		jobs:      jobs,
		active:    active,
		languages: languages,
		checks:    checks,
	}
}

func (h *Handler) getFeed(c *gin.Context) (*feed.Feed, bool) {
	feedType := feed.Type(c.Param("type"))
	f, err := h.feeds.GetFeedInstance(feedType)
	if err != nil {
		var invalid *feed.InvalidFeedTypeError
		if errors.As(err, &invalid) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown feed type", "details": err.Error()})
			return nil, false
		}
		slog.Error("Failed to get feed instance", "feed", feedType, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load feed"})
		return nil, false
	}
	return f, true
}

// GetFeedFile serves the current public file of a feed type. Any other name
// in the feed directory, temporary files included, is a 404.
func (h *Handler) GetFeedFile(c *gin.Context) {
	feedType := feed.Type(c.Param("type"))
	f, err := h.feeds.GetFeedInstance(feedType)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	name, err := f.FileName(c.Request.Context())
	if err != nil {
		slog.Error("Failed to resolve feed file name", "feed", feedType, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	if c.Param("file") != name {
		c.Status(http.StatusNotFound)
		return
	}

	path := filepath.Join(f.Directory(), name)
	if _, err := os.Stat(path); err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	c.Header("Content-Type", contentType(f.Settings().Format))
	c.Header("X-Feed-Type", string(feedType))
	c.File(path)
}

// GetLanguageFeedFile serves a promoted language override feed.
func (h *Handler) GetLanguageFeedFile(c *gin.Context) {
	name := c.Param("file")
	if name != filepath.Base(name) || strings.HasPrefix(name, "temp_") || !strings.HasSuffix(name, ".csv") {
		c.Status(http.StatusNotFound)
		return
	}

	path := filepath.Join(h.languages.Directory(), name)
	if _, err := os.Stat(path); err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	c.Header("Content-Type", contentType(feed.FormatCSV))
	c.File(path)
}

func contentType(format string) string {
	if format == feed.FormatJSON {
		return "application/json; charset=utf-8"
	}
	return "text/csv; charset=utf-8"
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"feeds":     len(h.feeds.GetActiveFeedTypes()),
	}

	if h.active != nil {
		health["active_jobs"] = h.active.ActiveJobs()
	}

	for name, check := range h.checks {
		result := check.Health(c.Request.Context())
		health[name] = result
		if result["status"] != "healthy" {
			health["status"] = "degraded"
		}
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	ctx := c.Request.Context()

	running := make(map[string]bool)
	if h.active != nil {
		for _, name := range h.active.ActiveJobs() {
			running[name] = true
		}
	}

	feedTypes := h.feeds.GetActiveFeedTypes()
	feeds := make([]map[string]interface{}, 0, len(feedTypes))

	for _, feedType := range feedTypes {
		f, err := h.feeds.GetFeedInstance(feedType)
		if err != nil {
			slog.Error("Failed to get feed instance", "feed", feedType, "error", err)
			continue
		}

		settings := f.Settings()
		feedInfo := map[string]interface{}{
			"type":       feedType,
			"enabled":    settings.Enabled,
			"format":     settings.Format,
			"batch_size": settings.BatchSize,
			"generating": running[feed.JobName(feedType)],
		}

		if url, err := f.URL(ctx); err == nil {
			feedInfo["url"] = url
		} else {
			slog.Error("Failed to build feed URL", "feed", feedType, "error", err)
		}

		if itemCount, err := h.items.CountItems(ctx, string(feedType)); err == nil {
			feedInfo["item_count"] = itemCount
		}

		feeds = append(feeds, feedInfo)
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"feeds": feeds,
		"total": len(feeds),
	})
}

func (h *Handler) APIRegenerateAll(c *gin.Context) {
	if err := h.feeds.RunAllFeedUploads(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Some feeds could not be regenerated",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Regeneration dispatched for all enabled feeds",
	})
}

func (h *Handler) APIRegenerateFeed(c *gin.Context) {
	f, ok := h.getFeed(c)
	if !ok {
		return
	}

	var req regenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}
	}

	if err := f.RegenerateFeedWithFilters(c.Request.Context(), req.Filters); err != nil {
		respondDispatchError(c, f.Type(), err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"feed":    f.Type(),
		"job":     feed.JobName(f.Type()),
		"filters": len(req.Filters),
	})
}

func respondDispatchError(c *gin.Context, feedType feed.Type, err error) {
	switch {
	case errors.Is(err, tasks.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": "Feed generation already running", "feed": feedType})
	case errors.Is(err, tasks.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Task queue is full", "feed": feedType})
	default:
		slog.Error("Failed to regenerate feed", "feed", feedType, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to regenerate feed", "details": err.Error()})
	}
}

func (h *Handler) APIListJobs(c *gin.Context) {
	limit := defaultJobLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
			return
		}
		limit = min(n, maxJobLimit)
	}

	runs, err := h.jobs.ListJobRuns(c.Request.Context(), limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_job_runs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  runs,
		"total": len(runs),
	})
}

func (h *Handler) APIUpsertItems(c *gin.Context) {
	f, ok := h.getFeed(c)
	if !ok {
		return
	}

	var req upsertItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	items := make([]database.CatalogItem, len(req.Items))
	for i, item := range req.Items {
		if !isJSONObject(item.Data) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": "data of item " + item.ID + " must be a JSON object"})
			return
		}
		items[i] = database.CatalogItem{
			FeedType: string(f.Type()),
			ItemID:   item.ID,
			Position: item.Position,
			Payload:  item.Data,
		}
	}

	if err := h.items.UpsertItems(c.Request.Context(), items); err != nil {
		slog.Error("Database error", "operation", "upsert_items", "feed", f.Type(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	response := gin.H{
		"success": true,
		"feed":    f.Type(),
		"items":   len(items),
	}

	if req.Regenerate {
		if err := f.RegenerateFeed(c.Request.Context()); err != nil {
			slog.Warn("Items stored but regeneration not dispatched", "feed", f.Type(), "error", err)
			response["regeneration"] = err.Error()
		} else {
			response["regeneration"] = "dispatched"
		}
	}

	c.JSON(http.StatusOK, response)
}

func isJSONObject(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte("{"))
}

func (h *Handler) APIDeleteItem(c *gin.Context) {
	f, ok := h.getFeed(c)
	if !ok {
		return
	}

	id := c.Param("id")
	err := h.items.DeleteItem(c.Request.Context(), string(f.Type()), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
		return
	}
	if err != nil {
		slog.Error("Database error", "operation", "delete_item", "feed", f.Type(), "item", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) APIStoreLanguageFeedID(c *gin.Context) {
	code := c.Param("code")

	var req languageFeedIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.languages.StoreLanguageFeedID(c.Request.Context(), code, req.FeedID); err != nil {
		slog.Error("Failed to store language feed id", "language", code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store language feed id"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"language": code,
		"feed_id":  req.FeedID,
	})
}

func (h *Handler) APIListLanguageFeedIDs(c *gin.Context) {
	ids, err := h.languages.LanguageFeedIDs(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list language feed ids", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list language feed ids"})
		return
	}

	languages := make([]gin.H, 0, len(ids))
	for _, code := range slices.Sorted(maps.Keys(ids)) {
		languages = append(languages, gin.H{
			"language": code,
			"feed_id":  ids[code],
			"url":      h.languages.FileURL(code),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"languages": languages,
		"total":     len(languages),
	})
}

// APIClearLanguageFeedIDs forgets every stored feed id. Feed files stay in
// place until the next regeneration.
func (h *Handler) APIClearLanguageFeedIDs(c *gin.Context) {
	if err := h.languages.ClearLanguageFeedIDs(c.Request.Context()); err != nil {
		slog.Error("Failed to clear language feed ids", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear language feed ids"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) APIInvalidateLanguageFeedID(c *gin.Context) {
	code := c.Param("code")

	if err := h.languages.InvalidateLanguageFeedID(c.Request.Context(), code); err != nil {
		slog.Error("Failed to invalidate language feed id", "language", code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to invalidate language feed id"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) APIRegenerateLanguageFeed(c *gin.Context) {
	code := c.Param("code")

	var req languageRegenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	err := h.languages.RegenerateLanguageFeed(c.Request.Context(), code, req.Rows)
	if errors.Is(err, language.ErrFeedIDUnavailable) {
		c.Header("Retry-After", "60")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Language feed id unavailable, try again later", "language": code})
		return
	}
	if errors.Is(err, language.ErrRegenerationActive) {
		c.JSON(http.StatusConflict, gin.H{"error": "Language feed is already being regenerated", "language": code})
		return
	}
	var remote *catalog.RemoteAPIError
	if errors.As(err, &remote) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Catalog API error", "details": remote.Error()})
		return
	}
	if err != nil {
		slog.Error("Failed to regenerate language feed", "language", code, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to regenerate language feed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"language": code,
		"rows":     len(req.Rows),
		"url":      h.languages.FileURL(code),
	})
}
