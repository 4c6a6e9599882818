// Package testutil provides a scriptable upstream HTTP server for tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines one response of a mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable mock data API.
type MockUpstream struct {
	server    *httptest.Server
	mu        sync.Mutex
	sequences map[string][]MockResponse
	counts    map[string]int

	requestCount int
	lastHeader   http.Header
}

// NewMockUpstream starts a mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		sequences: make(map[string][]MockResponse),
		counts:    make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Client returns an HTTP client for the mock server.
func (m *MockUpstream) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// SetResponse makes path always answer with resp.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetSequence(path, resp)
}

// SetSequence makes path answer with the given responses in order. The last
// response repeats once the sequence is used up.
func (m *MockUpstream) SetSequence(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = responses
	m.counts[path] = 0
}

// RequestCount returns the number of requests served.
func (m *MockUpstream) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// PathCount returns the number of requests served for path.
func (m *MockUpstream) PathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// LastHeader returns the headers of the latest request.
func (m *MockUpstream) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.lastHeader = nil
	for path := range m.counts {
		m.counts[path] = 0
	}
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	m.lastHeader = r.Header.Clone()
	seq, ok := m.sequences[r.URL.Path]
	n := m.counts[r.URL.Path]
	m.counts[r.URL.Path]++
	m.mu.Unlock()

	if !ok || len(seq) == 0 {
		http.NotFound(w, r)
		return
	}

	resp := seq[min(n, len(seq)-1)]
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewHealthyResponse creates a 200 OK JSON response cacheable for maxAge.
func NewHealthyResponse(data string, maxAge time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Cache-Control": "max-age=" + strconv.Itoa(int(maxAge.Seconds())),
			"Content-Type":  "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
	if retryAfter > 0 {
		resp.Headers["Retry-After"] = strconv.Itoa(int(retryAfter.Seconds()))
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Unknown symbol"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
