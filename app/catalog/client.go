package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RemoteAPIError is returned for any non-2xx response from the catalog API.
type RemoteAPIError struct {
	StatusCode int
	Message    string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("catalog API error (status %d): %s", e.StatusCode, e.Message)
}

type Feed struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateFeedRequest struct {
	Name     string `json:"name"`
	FileName string `json:"file_name,omitempty"`
	// OverrideType marks a feed that overrides fields of existing items.
	OverrideType string `json:"override_type,omitempty"`
}

type Upload struct {
	ID string `json:"id"`
}

type Options struct {
	BaseURL   string
	Token     string
	UserAgent string
	// RequestsPerSecond <= 0 disables throttling.
	RequestsPerSecond float64
	Timeout           time.Duration
}

type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(opts Options) *Client {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		userAgent:  opts.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// ReadFeeds lists the feeds of a product catalog.
func (c *Client) ReadFeeds(ctx context.Context, catalogID string) ([]Feed, error) {
	var resp struct {
		Data []Feed `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(catalogID)+"/product_feeds", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) ReadFeed(ctx context.Context, feedID string) (*Feed, error) {
	var feed Feed
	if err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(feedID)+"?fields=id,name", nil, &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

func (c *Client) CreateFeed(ctx context.Context, catalogID string, req CreateFeedRequest) (*Feed, error) {
	var feed Feed
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(catalogID)+"/product_feeds", req, &feed); err != nil {
		return nil, err
	}
	if feed.ID == "" {
		return nil, &RemoteAPIError{StatusCode: http.StatusOK, Message: "created feed has no id"}
	}
	return &feed, nil
}

// UploadFeed asks the catalog to fetch the feed file at fileURL now.
func (c *Client) UploadFeed(ctx context.Context, feedID, fileURL string) (*Upload, error) {
	var upload Upload
	body := map[string]string{"url": fileURL}
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(feedID)+"/uploads", body, &upload); err != nil {
		return nil, err
	}
	return &upload, nil
}

// NotifyFeedUpdated tells the commerce integration that a feed file changed.
func (c *Client) NotifyFeedUpdated(ctx context.Context, integrationID, feedType, fileURL string) error {
	body := map[string]string{"feed_type": feedType, "url": fileURL}
	return c.do(ctx, http.MethodPost, "/"+url.PathEscape(integrationID)+"/feed_updates", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteAPIError{StatusCode: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(data []byte, status string) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	if text := strings.TrimSpace(string(data)); text != "" && len(text) <= 200 {
		return text
	}
	return status
}
