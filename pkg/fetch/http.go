package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusRateLimited is the non-standard status some upstreams use for
// rate limiting (in addition to 429).
const StatusRateLimited = 520

// maxBodyBytes bounds how much of an upstream body is read.
const maxBodyBytes = 32 << 20

// StatusError is an upstream HTTP response with status >= 400.
type StatusError struct {
	StatusCode int
	Status     string

	// RetryAfter is the parsed Retry-After header (0 when absent)
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream status %s", e.Status)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// ClassifyStatus maps an HTTP status code to its failure class.
// Returns "" for codes below 400.
func ClassifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests || code == StatusRateLimited:
		return ClassRateLimited
	case code >= 400 && code < 500:
		return ClassTerminal
	case code >= 500:
		return ClassTransient
	default:
		return ""
	}
}

// ParseRetryAfter parses a Retry-After header given either as delay seconds
// or as an HTTP date. Returns 0 when the header is absent, invalid or in the past.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// TTLFromHeaders derives a cache TTL from Cache-Control max-age or Expires.
// Returns fallback when neither yields a positive TTL.
func TTLFromHeaders(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}

	if expiresStr := h.Get("Expires"); expiresStr != "" {
		if expires, err := http.ParseTime(expiresStr); err == nil {
			if ttl := expires.Sub(now); ttl > 0 {
				return ttl
			}
		}
	}

	return fallback
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

// GetBytes performs a GET request and reads the whole body. Responses with
// status >= 400 are returned as *StatusError.
func GetBytes(ctx context.Context, hc *http.Client, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Terminal(fmt.Errorf("create request: %w", err))
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	start := time.Now()
	resp, err := hc.Do(req)
	upstreamRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// GetJSON performs a GET request and decodes the JSON body into T.
// A body that does not decode is a terminal failure.
func GetJSON[T any](ctx context.Context, hc *http.Client, url string) (T, error) {
	var out T

	resp, err := GetBytes(ctx, hc, url, http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, Terminal(fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}
