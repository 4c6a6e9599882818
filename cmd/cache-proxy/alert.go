package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fetchcache/pkg/config"
	"github.com/Sternrassler/fetchcache/pkg/fetch"
	"github.com/Sternrassler/fetchcache/pkg/logging"
	"github.com/Sternrassler/fetchcache/pkg/throttle"
)

// degradedAlertKey is the throttle key of the upstream-degraded alert.
const degradedAlertKey = "alert:upstream-degraded"

// alertPayload is posted to the configured webhook.
type alertPayload struct {
	Alert      string `json:"alert"`
	Key        string `json:"key"`
	ErrorClass string `json:"errorClass"`
	Error      string `json:"error"`
	FiredAt    int64  `json:"firedAt"`
}

// alerter raises the degraded-upstream alert at most once per interval.
type alerter struct {
	guard    *throttle.Guard
	cfg      config.AlertConfig
	hc       *http.Client
	now      func() time.Time
	logger   zerolog.Logger
	notified chan struct{} // signalled after each webhook attempt (tests)
}

func newAlerter(guard *throttle.Guard, cfg config.AlertConfig, hc *http.Client) *alerter {
	return &alerter{
		guard:  guard,
		cfg:    cfg,
		hc:     hc,
		now:    time.Now,
		logger: logging.NewLogger("alert"),
	}
}

// degraded reports whether the alert fired.
func (a *alerter) degraded(ctx context.Context, key string, cause error) bool {
	now := a.now()
	if !a.guard.TryFire(ctx, degradedAlertKey, a.cfg.MinInterval, now) {
		return false
	}

	payload := alertPayload{
		Alert:      "upstream_degraded",
		Key:        key,
		ErrorClass: string(fetch.ClassOf(cause)),
		Error:      cause.Error(),
		FiredAt:    now.UnixMilli(),
	}

	a.logger.Error().
		Err(cause).
		Str("key", key).
		Str("error_class", payload.ErrorClass).
		Dur("min_interval", a.cfg.MinInterval).
		Msg("Upstream degraded")

	if a.cfg.WebhookURL != "" {
		go a.notify(context.WithoutCancel(ctx), payload)
	}
	return true
}

func (a *alerter) notify(ctx context.Context, payload alertPayload) {
	defer func() {
		if a.notified != nil {
			a.notified <- struct{}{}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.post(ctx, payload); err != nil {
		a.logger.Warn().Err(err).Str("webhook", a.cfg.WebhookURL).Msg("Failed to deliver alert")
	}
}

func (a *alerter) post(ctx context.Context, payload alertPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
