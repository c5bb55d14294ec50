package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/rightsmatch/internal/config"
	"github.com/makeasinger/rightsmatch/internal/model"
)

const (
	// TotalRecordCountHeader carries the artist's catalog size on paginated responses.
	TotalRecordCountHeader = "X-Total-Record-Count"

	defaultPageSize = 200
)

// ErrUpstreamStatus is returned when the catalog API answers with a non-2xx status.
var ErrUpstreamStatus = errors.New("catalog API returned an error status")

// PageFunc is called after every non-empty page with the number of records
// fetched so far and the declared total (0 while unknown).
type PageFunc func(fetched, total int)

// CatalogFetcher fetches an artist's complete reference discography.
type CatalogFetcher interface {
	FetchAll(ctx context.Context, artistID model.ArtistID, onPage PageFunc) ([]model.Record, error)
}

// CatalogClient implements CatalogFetcher for the paginated discography API.
type CatalogClient struct {
	httpClient   *http.Client
	baseURL      string
	pageSize     int
	maxAttempts  int
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewCatalogClient creates a new catalog API client
func NewCatalogClient(cfg *config.CatalogConfig, logger *zap.Logger) *CatalogClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &CatalogClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:      cfg.BaseURL,
		pageSize:     pageSize,
		maxAttempts:  maxAttempts,
		retryBackoff: cfg.RetryBackoff,
		logger:       logger,
	}
}

// FetchAll walks the pages starting at 1 until one comes back empty and
// returns every record in page order.
func (c *CatalogClient) FetchAll(ctx context.Context, artistID model.ArtistID, onPage PageFunc) ([]model.Record, error) {
	var (
		records []model.Record
		total   int
	)
	for page := 1; ; page++ {
		batch, declared, err := c.fetchPageWithRetry(ctx, artistID, page)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		records = append(records, batch...)
		if declared > 0 {
			total = declared
		}
		if onPage != nil {
			onPage(len(records), total)
		}
	}

	c.logger.Info("catalog fetched",
		zap.String("artist_id", artistID.String()),
		zap.Int("records", len(records)),
		zap.Int("declared_total", total),
	)
	if records == nil {
		records = []model.Record{}
	}
	return records, nil
}

func (c *CatalogClient) fetchPageWithRetry(ctx context.Context, artistID model.ArtistID, page int) ([]model.Record, int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		records, total, err := c.fetchPage(ctx, artistID, page)
		if err == nil {
			return records, total, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("catalog page fetch failed",
			zap.String("artist_id", artistID.String()),
			zap.Int("page", page),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(c.retryBackoff * time.Duration(attempt)):
		}
	}
	return nil, 0, fmt.Errorf("failed to fetch catalog page %d for artist %s: %w", page, artistID, lastErr)
}

func (c *CatalogClient) fetchPage(ctx context.Context, artistID model.ArtistID, page int) ([]model.Record, int, error) {
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse catalog URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("id", artistID.String())
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.pageSize))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("catalog request", zap.String("url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, 0, fmt.Errorf("%w (status %d): %s", ErrUpstreamStatus, resp.StatusCode, string(body))
	}

	var records []model.Record
	if len(body) > 0 {
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	total := 0
	if h := resp.Header.Get(TotalRecordCountHeader); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 {
			total = n
		}
	}
	return records, total, nil
}
