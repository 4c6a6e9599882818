package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fetchcache/pkg/cache"
	"github.com/Sternrassler/fetchcache/pkg/client"
	"github.com/Sternrassler/fetchcache/pkg/config"
	"github.com/Sternrassler/fetchcache/pkg/fetch"
	"github.com/Sternrassler/fetchcache/pkg/logging"
	"github.com/Sternrassler/fetchcache/pkg/metrics"
)

// proxyNamespace is the cache namespace of proxied responses.
const proxyNamespace = "proxy"

// forwardedHeaders are the request headers passed on to the upstream.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Authorization"}

// skippedHeaders are upstream headers not replayed to the caller.
var skippedHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

type server struct {
	cfg      *config.Config
	upstream *url.URL
	hc       *http.Client
	deps     *deps
	alerter  *alerter
	now      func() time.Time
	logger   zerolog.Logger
}

func newServer(cfg *config.Config, d *deps, hc *http.Client) (*server, error) {
	upstream, err := url.Parse(cfg.Server.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Server.RequestTimeout}
	}

	return &server{
		cfg:      cfg,
		upstream: upstream,
		hc:       hc,
		deps:     d,
		alerter:  newAlerter(d.alerts, cfg.Alerts, hc),
		now:      time.Now,
		logger:   logging.NewLogger("proxy"),
	}, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /budget", s.handleBudget)
	mux.HandleFunc("POST /invalidate", s.handleInvalidate)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("GET /proxy/{path...}", s.handleProxy)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.cache.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("read cache status: %w", err))
		return
	}
	if entries == nil {
		entries = []cache.StatusEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleBudget(w http.ResponseWriter, r *http.Request) {
	budget, err := s.deps.cache.Budget(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("read budget: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"usedBytes":     budget.UsedBytes,
		"quotaBytes":    budget.QuotaBytes,
		"highWaterMark": budget.HighWaterMark,
		"ratio":         budget.Ratio(),
		"needsCleanup":  budget.NeedsCleanup(),
	})
}

// handleInvalidate drops entries by key or prefix. Without a prefix every
// proxied response is dropped.
func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = proxyNamespace + ":"
	}

	removed, err := s.deps.responses.Invalidate(r.Context(), prefix)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("invalidate %q: %w", prefix, err))
		return
	}

	s.logger.Info().Str("prefix", prefix).Int("removed", removed).Msg("Cache invalidated")
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.cache.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("cleanup: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleProxy serves GET /proxy/<path> from the cache or the upstream.
// Example: /proxy/v1/quotes?symbol=AAPL -> <upstream>/v1/quotes?symbol=AAPL
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	path := "/" + r.PathValue("path")
	query := r.URL.Query()

	target := s.upstream.JoinPath(path)
	target.RawQuery = query.Encode()

	params := url.Values{"path": {path}}
	for name, values := range query {
		params["q."+name] = values
	}

	// Forwarded headers can change the upstream answer, so callers with
	// different credentials never share an entry.
	header := http.Header{}
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			header.Set(name, v)
			params["h."+strings.ToLower(name)] = []string{headerDigest(v)}
		}
	}
	key := cache.Key{Namespace: proxyNamespace, Params: params}.String()

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.RequestTimeout)
	defer cancel()

	res, err := s.deps.responses.Load(ctx, key, func(ctx context.Context) (fetch.Response, time.Duration, error) {
		resp, err := fetch.GetBytes(ctx, s.hc, target.String(), header)
		if err != nil {
			return fetch.Response{}, 0, err
		}
		return *resp, fetch.TTLFromHeaders(resp.Header, s.now(), 0), nil
	})
	if err != nil {
		s.writeProxyError(ctx, w, key, err)
		return
	}

	for name, values := range res.Value.Header {
		if skippedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if res.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(res.Value.StatusCode)

	if _, err := w.Write(res.Value.Body); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Failed to write response")
	}
}

// headerDigest keeps credentials out of cache keys and logs.
func headerDigest(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}

// writeProxyError maps a failed load to a status code. Skipped keys get 503
// with Retry-After; terminal upstream statuses are passed through; anything
// retryable that still failed raises a degraded-upstream alert.
func (s *server) writeProxyError(ctx context.Context, w http.ResponseWriter, key string, err error) {
	var statusErr *fetch.StatusError

	switch {
	case errors.Is(err, client.ErrRecentlyFailed):
		if memo := s.deps.responses.Memoizer(); memo != nil {
			if marker, ok := memo.Active(ctx, key, s.now()); ok {
				secs := int(marker.Remaining(s.now()).Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			}
		}
		s.writeError(w, http.StatusServiceUnavailable, err)

	case errors.Is(err, context.DeadlineExceeded):
		s.alerter.degraded(ctx, key, err)
		s.writeError(w, http.StatusGatewayTimeout, err)

	case fetch.ClassOf(err) == fetch.ClassTerminal && errors.As(err, &statusErr):
		s.writeError(w, statusErr.StatusCode, err)

	case fetch.ClassOf(err).Retryable():
		s.alerter.degraded(ctx, key, err)
		s.writeError(w, http.StatusBadGateway, err)

	default:
		s.writeError(w, http.StatusBadGateway, err)
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Int("status_code", status).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// cleanupLoop runs Cleanup every interval until ctx is done.
func (s *server) cleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.deps.cache.Cleanup(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Periodic cleanup failed")
				continue
			}
			if result.Expired+result.Evicted > 0 {
				s.logger.Info().
					Int("expired", result.Expired).
					Int("evicted", result.Evicted).
					Int64("used_bytes", result.Budget.UsedBytes).
					Msg("Periodic cleanup")
			}
		}
	}
}
