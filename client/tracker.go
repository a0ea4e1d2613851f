package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/pkg/errors"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultPollInterval = time.Second
)

var (
	ErrRequestNotFound  = errors.New("request not found")
	ErrDuplicateRequest = errors.New("request id already submitted")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRateLimited      = errors.New("rate limited")
)

// RateLimitError is returned for a 429. RetryAfter is zero when the server did
// not say how long to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type TrackerConfig struct {
	// Endpoint is the host:port of a node's status server.
	Endpoint string
	Token    string
	Timeout  time.Duration
	Logger   *slog.Logger

	// PollInterval and MaxAttempts are used by Reattach.
	PollInterval time.Duration
	MaxAttempts  int
}

// TrackerClient talks to the tracker of a running node. Waiting is done by
// interval polling because the tracker's store belongs to the node process.
type TrackerClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
	logger     *slog.Logger
	cfg        TrackerConfig
}

func NewTrackerClient(cfg TrackerConfig) (*TrackerClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	base := cfg.Endpoint
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		base = "http://" + base
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %q", cfg.Endpoint)
	}

	return &TrackerClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		token:      cfg.Token,
		logger:     cfg.Logger.WithGroup("tracker_client"),
		cfg:        cfg,
	}, nil
}

// Submit records a broadcast on the node without waiting for it.
func (c *TrackerClient) Submit(ctx context.Context, sourcePath string, targets []models.Target, requestID string) (string, error) {
	var resp models.SubmitResponse
	body := models.SubmitRequest{RequestID: requestID, SourcePath: sourcePath, Targets: targets}
	if _, err := c.doRequest(ctx, http.MethodPost, "/v1/requests", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.RequestID, nil
}

func (c *TrackerClient) Status(ctx context.Context, requestID string) (*models.TrackedRequest, error) {
	var rec models.TrackedRequest
	if _, err := c.doRequest(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(requestID), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *TrackerClient) List(ctx context.Context) ([]models.TrackedRequest, error) {
	var list []models.TrackedRequest
	if _, err := c.doRequest(ctx, http.MethodGet, "/v1/requests", nil, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Poll consumes the request if it is terminal. done is false while pending.
func (c *TrackerClient) Poll(ctx context.Context, requestID string, maxAttempts int) (models.RequestOutcome, bool, error) {
	var outcome models.RequestOutcome
	query := map[string]string{"max_attempts": strconv.Itoa(maxAttempts)}
	status, err := c.doRequest(ctx, http.MethodPost, "/v1/requests/"+url.PathEscape(requestID)+"/poll", query, nil, &outcome)
	if err != nil {
		return models.RequestOutcome{}, false, err
	}
	return outcome, status == http.StatusOK, nil
}

// Wait polls every pollInterval until the request is terminal, then returns
// its outcome. The node deletes the record as it hands it over.
func (c *TrackerClient) Wait(ctx context.Context, requestID string, pollInterval time.Duration, maxAttempts int) (models.RequestOutcome, error) {
	if pollInterval <= 0 {
		pollInterval = c.cfg.PollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		outcome, done, err := c.Poll(ctx, requestID, maxAttempts)
		var limited *RateLimitError
		switch {
		case errors.As(err, &limited):
			backoff := max(limited.RetryAfter, pollInterval)
			c.logger.Debug("poll rate limited", "request_id", requestID, "backoff", backoff)
			if err := sleepContext(ctx, backoff); err != nil {
				return models.RequestOutcome{}, err
			}
			continue
		case err != nil:
			return models.RequestOutcome{}, err
		case done:
			return outcome, nil
		}
		c.logger.Debug("request pending", "request_id", requestID)
		select {
		case <-ctx.Done():
			return models.RequestOutcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *TrackerClient) Reattach(ctx context.Context, requestID string) (models.RequestOutcome, error) {
	return c.Wait(ctx, requestID, c.cfg.PollInterval, c.cfg.MaxAttempts)
}

// doRequest sends body as JSON and decodes a 2xx answer into target. It
// returns the status code so callers can tell 200 from 202.
func (c *TrackerClient) doRequest(ctx context.Context, method, path string, queryParams map[string]string, body any, target any) (int, error) {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(queryParams) > 0 {
		q := reqURL.Query()
		for k, v := range queryParams {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, errors.Wrapf(err, "marshalling request body for %s %s", method, path)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return 0, errors.Wrapf(err, "creating request %s %s", method, path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	c.logger.Debug("sending request", "method", method, "url", reqURL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "http request %s %s failed", method, reqURL.String())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errorResp models.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errorResp); decodeErr != nil {
			errorResp.Message = http.StatusText(resp.StatusCode)
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return resp.StatusCode, ErrRequestNotFound
		case http.StatusConflict:
			return resp.StatusCode, ErrDuplicateRequest
		case http.StatusUnauthorized:
			return resp.StatusCode, ErrUnauthorized
		case http.StatusTooManyRequests:
			return resp.StatusCode, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		}
		return resp.StatusCode, fmt.Errorf("server error (status %d): %s %s", resp.StatusCode, errorResp.ErrorType, errorResp.Message)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return resp.StatusCode, errors.Wrapf(err, "decoding response for %s %s", method, path)
		}
	}
	return resp.StatusCode, nil
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
