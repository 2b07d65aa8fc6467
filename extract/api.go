package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/chararch/tunepipe"
)

// Pagination modes of an API endpoint.
type Pagination string

const (
	NoPaging     Pagination = "none"
	OffsetPaging Pagination = "offset"
	CursorPaging Pagination = "cursor"
)

// DefaultUserAgent is sent with every API request.
const DefaultUserAgent = "DeFtunes-Pipeline/1.0"

// APIConfig configures the HTTP client shared by the API sources.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of retries of a page after the first attempt.
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RateLimit is requests per second; zero disables client-side limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Pagination      Pagination `yaml:"pagination"`
	PageSize        int        `yaml:"page_size"`
	NextCursorField string     `yaml:"next_cursor_field"`
	HealthPath      string     `yaml:"health_path"`
	UserAgent       string     `yaml:"user_agent"`
}

// DefaultAPIConfig mirrors the production settings of the API.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		Backoff:         time.Second,
		MaxBackoff:      30 * time.Second,
		Pagination:      OffsetPaging,
		PageSize:        500,
		NextCursorField: "next_cursor",
		HealthPath:      "health",
		UserAgent:       DefaultUserAgent,
	}
}

// RetryPolicy returns the per page retry policy.
func (c APIConfig) RetryPolicy() tunepipe.RetryPolicy {
	return tunepipe.RetryPolicy{
		MaxAttempts:    c.MaxRetries + 1,
		InitialBackoff: c.Backoff,
		Multiplier:     2,
		MaxBackoff:     c.MaxBackoff,
	}
}

// HTTPError is a non 2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
	retryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// RetryAfter is the delay requested by the server, zero when none was sent.
func (e *HTTPError) RetryAfter() time.Duration {
	return e.retryAfter
}

func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

func (e *HTTPError) IsServerError() bool {
	return e.StatusCode >= 500
}

// APIClient talks to the upstream REST API. One client is shared by every endpoint of
// the same API so the rate limit applies to all of them.
type APIClient struct {
	cfg     APIConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewAPIClient creates a client; zero config values fall back to DefaultAPIConfig.
func NewAPIClient(cfg APIConfig) *APIClient {
	def := DefaultAPIConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Pagination == "" {
		cfg.Pagination = def.Pagination
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.NextCursorField == "" {
		cfg.NextCursorField = def.NextCursorField
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &APIClient{cfg: cfg, http: &http.Client{}}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Source returns the source reading endpoint.
func (c *APIClient) Source(endpoint string) *APISource {
	return &APISource{client: c, endpoint: strings.Trim(endpoint, "/")}
}

func (c *APIClient) url(endpoint string, params url.Values) string {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// get fetches one URL, retrying transient failures up to MaxRetries times.
func (c *APIClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.url(endpoint, params)
	var body []byte
	err := tunepipe.RetryBounded(ctx, c.cfg.RetryPolicy(), func(ctx context.Context, attempt int) error {
		var err error
		body, err = c.do(ctx, u)
		return err
	})
	return body, err
}

func (c *APIClient) do(ctx context.Context, u string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, interrupted(ctx, u, err)
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "invalid request url %s", u, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, reqCtx, u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, reqCtx, u, err)
	}
	if resp.StatusCode >= 400 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(truncate(body, 256)))}
		switch {
		case httpErr.IsRateLimited():
			httpErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeRateLimited, "GET %s", u, httpErr)
		case httpErr.IsServerError():
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeTransient, "GET %s", u, httpErr)
		default:
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeHttpClient, "GET %s", u, httpErr)
		}
	}
	tunepipe.DefaultLogger.Debug(ctx, "api request ok, url:%v, status:%v, elapsed:%v", u, resp.StatusCode, time.Since(start))
	return body, nil
}

// transportError classifies a failure without a response. The per request deadline is a
// timeout of that page; the caller's own deadline or cancellation ends the source.
func (c *APIClient) transportError(ctx, reqCtx context.Context, u string, err error) error {
	if ctx.Err() != nil {
		return interrupted(ctx, u, err)
	}
	var ne net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return tunepipe.NewBatchError(tunepipe.ErrCodeTimeout, "GET %s timed out after %v", u, c.cfg.Timeout, err)
	}
	return tunepipe.NewBatchError(tunepipe.ErrCodeTransient, "GET %s", u, err)
}

func interrupted(ctx context.Context, u string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return tunepipe.NewBatchError(tunepipe.ErrCodeTimeout, "GET %s: stage deadline exceeded", u, err)
	}
	return tunepipe.NewBatchError(tunepipe.ErrCodeCancelled, "GET %s cancelled", u, err)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// APISource reads one endpoint of the API, e.g. users or sessions.
type APISource struct {
	client   *APIClient
	endpoint string
}

func (s *APISource) Name() string {
	return s.endpoint
}

// Ping requests the health endpoint once.
func (s *APISource) Ping(ctx context.Context) error {
	_, err := s.client.do(ctx, s.client.url(s.client.cfg.HealthPath, nil))
	return err
}

// Fetch walks every page of the logical date window.
func (s *APISource) Fetch(ctx context.Context, req Request) ([]map[string]interface{}, error) {
	cfg := s.client.cfg
	base := url.Values{}
	base.Set("start_date", tunepipe.FormatDate(req.Start))
	base.Set("end_date", tunepipe.FormatDate(req.End))

	var (
		records []map[string]interface{}
		offset  int
		cursor  string
		pages   int
	)
	for {
		params := url.Values{}
		for k, v := range base {
			params[k] = v
		}
		switch cfg.Pagination {
		case OffsetPaging:
			params.Set("limit", strconv.Itoa(cfg.PageSize))
			params.Set("offset", strconv.Itoa(offset))
		case CursorPaging:
			params.Set("limit", strconv.Itoa(cfg.PageSize))
			if cursor != "" {
				params.Set("cursor", cursor)
			}
		}
		body, err := s.client.get(ctx, s.endpoint, params)
		if err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.CodeOf(err), "extract %s page %d", s.endpoint, pages+1, err)
		}
		page, next, err := s.decode(body)
		if err != nil {
			return nil, err
		}
		pages++
		records = append(records, page...)
		tunepipe.DefaultLogger.Info(ctx, "page extracted, endpoint:%v, page:%d, records:%d, total:%d", s.endpoint, pages, len(page), len(records))

		switch cfg.Pagination {
		case OffsetPaging:
			if len(page) < cfg.PageSize {
				return records, nil
			}
			offset += len(page)
		case CursorPaging:
			if len(page) == 0 || next == "" {
				return records, nil
			}
			cursor = next
		default:
			return records, nil
		}
	}
}

// decode accepts a JSON array or an object wrapping the array under the endpoint name or
// "data". Numbers are kept as json.Number.
func (s *APISource) decode(body []byte) ([]map[string]interface{}, string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, "", tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "decode %s response", s.endpoint, err)
	}
	var (
		items []interface{}
		next  string
	)
	switch v := doc.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		list, ok := v[s.endpoint]
		if !ok {
			list = v["data"]
		}
		if list != nil {
			if items, ok = list.([]interface{}); !ok {
				return nil, "", tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "%s response: records are %T, not a list", s.endpoint, list)
			}
		}
		if c, ok := v[s.client.cfg.NextCursorField]; ok && c != nil {
			next = fmt.Sprint(c)
		}
	case nil:
	default:
		return nil, "", tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "%s response is %T, not a list", s.endpoint, doc)
	}
	records := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]interface{})
		if !ok {
			return nil, "", tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "%s record %d is %T, not an object", s.endpoint, i, item)
		}
		records = append(records, rec)
	}
	return records, next, nil
}
