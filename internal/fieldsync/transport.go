package fieldsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Response is what a replayed call returned.
type Response struct {
	Status int
	Body   []byte
}

// Transport performs API calls against the server. endpoint is relative to
// whatever base the implementation is configured with.
type Transport interface {
	Do(ctx context.Context, method, endpoint string, body []byte, idempotencyKey string) (Response, error)
}

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	origin  string
	client  *http.Client
	timeout time.Duration
	headers http.Header
	maxBody int64
}

func NewHTTPTransport(origin string, timeout time.Duration, headers map[string]string) *HTTPTransport {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &HTTPTransport{
		origin:  strings.TrimRight(origin, "/"),
		client:  &http.Client{},
		timeout: timeout,
		headers: h,
	}
}

// LimitBody caps how much of a response body Do will read. n <= 0 removes
// the cap.
func (t *HTTPTransport) LimitBody(n int64) {
	t.maxBody = n
}

func (t *HTTPTransport) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return t.origin + endpoint
}

// Do sends the request and reads the whole body, up to the LimitBody cap.
// Non-2xx responses come back together with a *StatusError.
func (t *HTTPTransport) Do(ctx context.Context, method, endpoint string, body []byte, idempotencyKey string) (Response, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.url(endpoint), rd)
	if err != nil {
		return Response{}, err
	}
	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	var src io.Reader = resp.Body
	if t.maxBody > 0 {
		src = io.LimitReader(resp.Body, t.maxBody+1)
	}
	b, err := io.ReadAll(src)
	if err != nil {
		return Response{}, fmt.Errorf("read %s %s: %w", method, endpoint, err)
	}
	if t.maxBody > 0 && int64(len(b)) > t.maxBody {
		return Response{Status: resp.StatusCode}, fmt.Errorf("%w: %s %s answered more than %s",
			ErrPayloadTooLarge, method, endpoint, formatBytes(uint64(t.maxBody)))
	}

	out := Response{Status: resp.StatusCode, Body: b}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := b
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return out, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return out, nil
}

// Ping reports whether url answers at all. Any HTTP response, whatever its
// status, counts as reachable.
func (t *HTTPTransport) Ping(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url(url), nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// EndpointReplay builds a ReplayFunc that sends the record payload to
// endpoint. "{id}" in endpoint is replaced with the record id.
func EndpointReplay(t Transport, method, endpoint string) ReplayFunc {
	return func(ctx context.Context, rec OfflineRecord) error {
		ep := strings.ReplaceAll(endpoint, "{id}", rec.ID)
		_, err := t.Do(ctx, method, ep, rec.Payload, rec.IdempotencyKey)
		return err
	}
}
