// Package sink delivers collected entities to the remote curation service:
// an HTTP client for its read and create endpoints, and an engine that
// checks every entity for existence and creates the missing ones.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/curamigrate/internal/entity"
)

const (
	DefaultPresenceField = "PK"
	DefaultMaxRetries    = 5
	conflictMarker       = "The conditional request failed"
)

// Client is what the engine needs from the sink.
type Client interface {
	// Exists reports whether the sink already holds e.
	Exists(ctx context.Context, e entity.Entity) (bool, error)
	// Create stores e. A *ConflictError means it was already there.
	Create(ctx context.Context, e entity.Entity) error
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Signer     RequestSigner
	// PresenceField is the field a read response must carry for the record
	// to count as stored. Some endpoints answer reads for records that only
	// exist upstream.
	PresenceField string
	// MaxRetries defaults to DefaultMaxRetries; a negative value disables
	// retries.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

type HTTPClient struct {
	baseURL       string
	token         string
	httpClient    *http.Client
	signer        RequestSigner
	presenceField string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	logger        *zap.Logger
}

func NewHTTPClient(opts ClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	presence := strings.TrimSpace(opts.PresenceField)
	if presence == "" {
		presence = DefaultPresenceField
	}
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = DefaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 170 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:       baseURL,
		token:         strings.TrimSpace(opts.Token),
		httpClient:    httpClient,
		signer:        opts.Signer,
		presenceField: presence,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		logger:        logger,
	}
}

func (c *HTTPClient) Exists(ctx context.Context, e entity.Entity) (bool, error) {
	t := e.Type()
	path, err := itemPath(t, e.Identity())
	if err != nil {
		return false, err
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if !resp.ok() {
		return false, resp.httpError(http.MethodGet, path)
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return false, fmt.Errorf("GET %s: %w", path, ErrEmptyResponse)
	}
	var data map[string]any
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		return false, fmt.Errorf("GET %s: response is not a JSON object: %w", path, err)
	}
	if len(data) == 0 {
		return false, fmt.Errorf("GET %s: %w", path, ErrEmptyResponse)
	}
	if _, ok := data[c.presenceField]; !ok {
		c.logger.Debug("sink answered without presence field, treating as absent",
			zap.String("type", string(t)),
			zap.String("identity", e.Identity()))
		return false, nil
	}
	return true, nil
}

func (c *HTTPClient) Create(ctx context.Context, e entity.Entity) error {
	t := e.Type()
	path, err := Endpoint(t)
	if err != nil {
		return err
	}
	body := StripEmpty(e)
	query, err := createQuery(body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{"body": body})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, path, query, payload)
	if err != nil {
		return err
	}
	if resp.ok() {
		if len(bytes.TrimSpace(resp.Body)) == 0 {
			return fmt.Errorf("POST %s: %w", path, ErrEmptyResponse)
		}
		return nil
	}
	if resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(string(resp.Body), conflictMarker) {
		return &ConflictError{Type: t, Identity: e.Identity()}
	}
	return resp.httpError(http.MethodPost, path)
}

type response struct {
	StatusCode int
	Body       []byte
}

func (r response) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

func (r response) httpError(method, path string) *HTTPError {
	return &HTTPError{Method: method, Path: path, StatusCode: r.StatusCode, Body: string(r.Body)}
}

// do sends one request, retrying network errors for every method and 429 or
// 5xx answers for reads only. A create the sink answered is never re-sent.
// When retries run out on a retryable status the last response is returned
// as is.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte) (response, error) {
	retryStatus := method == http.MethodGet || method == http.MethodHead
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return response{}, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if c.signer != nil {
			if err := c.signer.Sign(ctx, req, body); err != nil {
				return response{}, err
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				c.logger.Debug("retrying after transport error", zap.String("method", method), zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return response{}, waitErr
				}
				continue
			}
			return response{}, err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return response{}, readErr
		}

		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryStatus && transient && attempt < c.maxRetries {
			c.logger.Debug("retrying after status", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return response{}, waitErr
			}
			continue
		}
		return response{StatusCode: resp.StatusCode, Body: payload}, nil
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
