// Package apiclient talks to the analysis service's REST endpoints.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
	"github.com/JakeFAU/keyword-job-tracker/internal/metrics"
)

const maxErrorBody = 4 << 10

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Operation  string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Operation, e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	// Retry applies to GET requests only. Nil disables retries.
	Retry RetryPolicy
	// Throttle, when set, is waited on before every request.
	Throttle   Throttle
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Throttle paces outgoing requests.
type Throttle interface {
	Wait(ctx context.Context, rawURL string) error
}

// Client implements job.API over HTTP.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	retry    RetryPolicy
	throttle Throttle
	logger   *zap.Logger
}

var _ job.API = (*Client)(nil)

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:     base,
		token:    cfg.Token,
		http:     httpClient,
		retry:    cfg.Retry,
		throttle: cfg.Throttle,
		logger:   logger,
	}, nil
}

// GetJob fetches the job brief.
func (c *Client) GetJob(ctx context.Context, id int64) (job.Brief, error) {
	var brief job.Brief
	err := c.getJSON(ctx, "get_job", c.jobPath(id), nil, &brief)
	if err != nil {
		return job.Brief{}, err
	}
	return brief, nil
}

// CreateJob submits a new analysis for seedInput.
func (c *Client) CreateJob(ctx context.Context, seedInput string) (job.Brief, error) {
	body, err := json.Marshal(job.CreateRequest{SeedInput: seedInput})
	if err != nil {
		return job.Brief{}, fmt.Errorf("marshal create request: %w", err)
	}
	resp, err := c.do(ctx, "create_job", http.MethodPost, "/job", nil, body)
	if err != nil {
		return job.Brief{}, err
	}
	defer closeBody(resp)
	var brief job.Brief
	if err := json.NewDecoder(resp.Body).Decode(&brief); err != nil {
		return job.Brief{}, fmt.Errorf("create_job: decode response: %w", err)
	}
	return brief, nil
}

// StartJob asks the service to begin processing. It is never retried. A 409
// answer is reported as job.ErrAlreadyStarted.
func (c *Client) StartJob(ctx context.Context, id int64) error {
	resp, err := c.do(ctx, "start_job", http.MethodPost, c.jobPath(id)+"/start", nil, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %w", job.ErrAlreadyStarted, err)
		}
		return err
	}
	closeBody(resp)
	return nil
}

// FetchResult returns the raw JSON of one result set.
func (c *Client) FetchResult(ctx context.Context, id int64, kind job.ResultKind) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "fetch_"+strings.ReplaceAll(string(kind), "-", "_"), c.jobPath(id)+"/"+string(kind), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// History lists previously submitted jobs, newest first.
func (c *Client) History(ctx context.Context, q job.HistoryQuery) ([]job.Brief, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Skip > 0 {
		query.Set("skip", strconv.Itoa(q.Skip))
	}
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		query.Set("keyword", kw)
	}
	var briefs []job.Brief
	if err := c.getJSON(ctx, "history", "/history", query, &briefs); err != nil {
		return nil, err
	}
	job.SortNewestFirst(briefs)
	return briefs, nil
}

// StartInsight asks the service to build the integrated analysis of a
// completed job. Like StartJob it is never retried.
func (c *Client) StartInsight(ctx context.Context, id int64) error {
	resp, err := c.do(ctx, "start_insight", http.MethodPost, c.insightPath(id), nil, nil)
	if err != nil {
		return err
	}
	closeBody(resp)
	return nil
}

// GetInsight returns the integrated analysis status of a job.
func (c *Client) GetInsight(ctx context.Context, id int64) (job.Insight, error) {
	var in job.Insight
	if err := c.getJSON(ctx, "get_insight", c.insightPath(id)+"/status", nil, &in); err != nil {
		return job.Insight{}, err
	}
	return in, nil
}

func (c *Client) insightPath(id int64) string {
	return "/insight/" + strconv.FormatInt(id, 10)
}

func (c *Client) jobPath(id int64) string {
	return "/job/" + strconv.FormatInt(id, 10)
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, op, http.MethodGet, path, query, nil)
		if err == nil {
			decodeErr := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			if decodeErr != nil {
				return fmt.Errorf("%s: decode response: %w", op, decodeErr)
			}
			return nil
		}
		if c.retry == nil || !c.retry.ShouldRetry(err, attempt) {
			return err
		}
		wait := c.retry.Backoff(attempt)
		c.logger.Debug("retrying request",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

// do performs one request and returns the response only for 2xx statuses.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	target := c.base.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx, target.String()); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveAPIRequest(op, 0, time.Since(start))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	metrics.ObserveAPIRequest(op, resp.StatusCode, time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer closeBody(resp)
		return nil, &StatusError{Operation: op, StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	return resp, nil
}

// readDetail extracts {"detail": "..."} or falls back to the raw body.
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
