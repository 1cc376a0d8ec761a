package ltm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error is an LTM request failure. Unavailable marks transport-level
// failures (unreachable host, timeout, 5xx) that the sync engine treats as
// "service offline" rather than per-record rejections.
type Error struct {
	Op          string
	StatusCode  int
	Message     string
	Unavailable bool
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ltm %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("ltm %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsUnavailable reports whether err means the LTM service could not be
// reached at all.
func IsUnavailable(err error) bool {
	var ltmErr *Error
	if errors.As(err, &ltmErr) {
		return ltmErr.Unavailable
	}
	return false
}

// HTTPClient talks to the LTM service over its HTTP/JSON API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the service at baseURL. token, when
// non-empty, is sent as a bearer token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) Push(ctx context.Context, rec *Record) (*PushResult, error) {
	var result PushResult
	if err := c.do(ctx, http.MethodPost, "/v1/memories", rec, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) PullSince(ctx context.Context, tenantID, cursor string) (*Delta, error) {
	query := url.Values{"tenant_id": {tenantID}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	var delta Delta
	if err := c.do(ctx, http.MethodGet, "/v1/memories/changes?"+query.Encode(), nil, &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

func (c *HTTPClient) Delete(ctx context.Context, tenantID, id string) error {
	path := fmt.Sprintf("/v1/memories/%s?tenant_id=%s", url.PathEscape(id), url.QueryEscape(tenantID))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Message: "encode request", Err: err}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return &Error{Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Message: "request failed", Unavailable: isTransportError(err), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck // no remedy for body close error

	if resp.StatusCode >= 500 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: "server error", Unavailable: true}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Message: "decode response", Err: err}
		}
	}
	return nil
}

// isTransportError classifies errors from http.Client.Do as connectivity
// failures: DNS, refused connections, timeouts, cancelled dials.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
