package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNoStats is returned by FetchStats when the domain has no stats endpoint.
var ErrNoStats = errors.New("remote: no stats endpoint configured")

// ErrNoEnvelope is returned for an object body that holds no event array.
var ErrNoEnvelope = errors.New("remote: object body without an event array")

// envelopeKeys are the object keys the backends use to wrap event arrays.
var envelopeKeys = []string{"events", "detections", "alerts", "records", "data", "logs"}

// APIError represents a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Body       string // first 512 bytes
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Paths locates one domain's endpoints under the base URL.
type Paths struct {
	Events      string
	Stats       string
	Clear       string
	ClearMethod string
}

// Client talks to the backend API of a single domain.
type Client struct {
	baseURL    string
	paths      Paths
	httpClient *http.Client
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client, mostly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(baseURL string, paths Paths, opts ...Option) *Client {
	if paths.Events == "" {
		paths.Events = "/events"
	}
	if paths.Clear == "" {
		paths.Clear = paths.Events
	}
	paths.ClearMethod = strings.ToUpper(paths.ClearMethod)
	if paths.ClearMethod == "" {
		paths.ClearMethod = http.MethodDelete
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		paths:      paths,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query narrows an events fetch. Since is sent only when set; Window is
// sent both as a duration and as whole hours for backends that only
// understand the latter.
type Query struct {
	Since  time.Time
	Window time.Duration
}

func (q Query) values() url.Values {
	v := url.Values{}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if q.Window > 0 {
		v.Set("window", q.Window.String())
		v.Set("hours", strconv.Itoa(int(math.Ceil(q.Window.Hours()))))
	}
	return v
}

// FetchEvents returns the raw event objects currently reported by the
// backend. A body that is not a JSON array or a known envelope is an error.
func (c *Client) FetchEvents(ctx context.Context, q Query) ([]map[string]any, error) {
	body, err := c.do(ctx, http.MethodGet, c.paths.Events, q.values(), nil)
	if err != nil {
		return nil, err
	}
	events, err := DecodeEvents(body)
	if err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

// DecodeEvents accepts a bare array or an envelope object holding the
// array under one of the known keys. Any other object, such as an error
// body served with 200, is ErrNoEnvelope.
func DecodeEvents(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var list []map[string]any
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return compact(list), nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, err
		}
		for _, key := range envelopeKeys {
			raw, ok := obj[key]
			if !ok {
				continue
			}
			var list []map[string]any
			if err := json.Unmarshal(raw, &list); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			return compact(list), nil
		}
		if ok, present := successFlag(obj); present && !ok {
			return nil, errors.New("backend reported success=false")
		}
		return nil, ErrNoEnvelope
	}
	return nil, fmt.Errorf("unexpected payload starting with %q", trimmed[0])
}

func compact(list []map[string]any) []map[string]any {
	out := list[:0]
	for _, obj := range list {
		if obj != nil {
			out = append(out, obj)
		}
	}
	return out
}

func successFlag(obj map[string]json.RawMessage) (ok bool, present bool) {
	raw, found := obj["success"]
	if !found {
		return false, false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	return v, true
}

func (c *Client) FetchStats(ctx context.Context) (map[string]any, error) {
	if c.paths.Stats == "" {
		return nil, ErrNoStats
	}
	body, err := c.do(ctx, http.MethodGet, c.paths.Stats, nil, nil)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return out, nil
}

// PostEvent appends one event on the backend.
func (c *Client) PostEvent(ctx context.Context, event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, c.paths.Events, nil, payload)
	return err
}

// Clear asks the backend to delete every event of the domain and returns
// the number it reports as deleted, or -1 when the reply carries no count.
func (c *Client) Clear(ctx context.Context) (int, error) {
	body, err := c.do(ctx, c.paths.ClearMethod, c.paths.Clear, nil, nil)
	if err != nil {
		return 0, err
	}
	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		return -1, nil
	}
	for _, key := range []string{"deleted_count", "count", "deleted"} {
		if v, ok := reply[key].(float64); ok {
			return int(v), nil
		}
	}
	return -1, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(body)
		if len(bodyStr) > 512 {
			bodyStr = bodyStr[:512]
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: bodyStr}
	}
	return body, nil
}
