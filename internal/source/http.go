package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/lineup"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	baseRetryDelay = 250 * time.Millisecond
)

// HTTP fetches lineups and entities from a JSON backend:
//
//	GET {base}/lineups                         -> ["feed", ...]
//	GET {base}/lineups/{name}?offset=&limit=   -> [descriptor, ...]
//	GET {base}/{kind}?id=1&id=2                -> [{"id":1,"metadata":{...}}, ...]
//
// Lineups ask for one item past their page size to learn whether another
// page exists. A backend that caps limit at the page size must be paired
// with lineup.capped_pages.
type HTTP struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTP creates a client for baseURL
func NewHTTP(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// LineupNames lists the lineups the backend serves
func (h *HTTP) LineupNames(ctx context.Context) ([]string, error) {
	body, err := h.doRequest(ctx, "/lineups", nil, 0)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, fmt.Errorf("failed to decode lineup names: %w", err)
	}
	return names, nil
}

// Lineup returns a fetch function for the named lineup. Unknown names
// surface as ErrUnknownLineup on the first fetch. Lineup fetches are never
// retried here: a failed page surfaces to the caller.
func (h *HTTP) Lineup(name string) (lineup.FetchFunc, error) {
	path := "/lineups/" + url.PathEscape(name)

	return func(ctx context.Context, offset, limit int, args map[string]any) ([]domain.Descriptor, error) {
		query := url.Values{}
		query.Set("offset", strconv.Itoa(offset))
		query.Set("limit", strconv.Itoa(limit))
		for k, v := range args {
			query.Set(k, fmt.Sprint(v))
		}

		body, err := h.doRequest(ctx, path, query, 0)
		if err != nil {
			return nil, err
		}

		var items []domain.Descriptor
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("failed to decode lineup %s: %w", name, err)
		}
		if len(items) > limit {
			h.logger.Warn("backend returned more items than requested", "lineup", name, "limit", limit, "count", len(items))
			items = items[:limit]
		}
		return items, nil
	}, nil
}

// Retrieve fetches entities by id. It satisfies cache.RetrieveFunc.
func (h *HTTP) Retrieve(ctx context.Context, kind domain.Kind, ids []domain.ID) ([]cache.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := url.Values{}
	for _, id := range ids {
		query.Add("id", strconv.FormatInt(int64(id), 10))
	}

	body, err := h.doRequest(ctx, "/"+string(kind), query, maxRetries)
	if err != nil {
		return nil, err
	}

	var entries []cache.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return entries, nil
}

// doRequest performs a GET, retrying 5xx responses up to retries times with
// exponential backoff
func (h *HTTP) doRequest(ctx context.Context, path string, query url.Values, retries int) ([]byte, error) {
	reqURL := h.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			h.logger.Debug("retrying request", "attempt", attempt, "delay", delay, "url", reqURL)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := h.httpClient.Do(req)
		if err != nil {
			h.logger.Error("backend request failed", "error", err, "url", reqURL)
			return nil, fmt.Errorf("%w: %w", ErrServerOffline, err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
			h.logger.Warn("backend server error", "status", resp.StatusCode, "attempt", attempt, "url", reqURL)
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			if strings.HasPrefix(path, "/lineups/") {
				return nil, fmt.Errorf("%w: %s", ErrUnknownLineup, strings.TrimPrefix(path, "/lineups/"))
			}
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
		}
		if resp.StatusCode != http.StatusOK {
			h.logger.Error("backend request error", "status", resp.StatusCode, "url", reqURL)
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		return body, nil
	}

	h.logger.Error("backend request failed after retries", "error", lastErr, "url", reqURL)
	return nil, lastErr
}
