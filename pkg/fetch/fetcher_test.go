package fetch

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordSleep captures backoff delays instead of sleeping.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func newTestFetcher(t *testing.T, cfg Config) (*Fetcher, *[]time.Duration) {
	t.Helper()

	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	delays := &[]time.Duration{}
	f.SetSleep(recordSleep(delays))
	return f, delays
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 0 {
		t.Errorf("MaxBackoff = %v, want 0 (uncapped)", cfg.MaxBackoff)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "zero attempts", modify: func(c *Config) { c.MaxAttempts = 0 }},
		{name: "zero backoff", modify: func(c *Config) { c.InitialBackoff = 0 }},
		{name: "negative cap", modify: func(c *Config) { c.MaxBackoff = -time.Second }},
		{name: "flat multiplier", modify: func(c *Config) { c.Multiplier = 1 }},
		{name: "jitter too large", modify: func(c *Config) { c.Jitter = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFetcher_Backoff(t *testing.T) {
	tests := []struct {
		name    string
		maxCap  time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "first retry", attempt: 0, want: 100 * time.Millisecond},
		{name: "second retry", attempt: 1, want: 200 * time.Millisecond},
		{name: "third retry", attempt: 2, want: 400 * time.Millisecond},
		{name: "capped", maxCap: 250 * time.Millisecond, attempt: 2, want: 250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.InitialBackoff = 100 * time.Millisecond
			cfg.MaxBackoff = tt.maxCap
			f, _ := newTestFetcher(t, cfg)

			if got := f.Backoff(tt.attempt); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestFetcher_BackoffJitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jitter = 0.2
	f, _ := newTestFetcher(t, cfg)

	for i := 0; i < 50; i++ {
		got := f.Backoff(1)
		if got < 1600*time.Millisecond || got > 2400*time.Millisecond {
			t.Fatalf("Backoff(1) with 20%% jitter = %v, want within [1.6s, 2.4s]", got)
		}
	}
}

func TestFetcher_Success(t *testing.T) {
	f, delays := newTestFetcher(t, DefaultConfig())

	callCount := 0
	err := f.Do(context.Background(), func(context.Context) error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if len(*delays) != 0 {
		t.Errorf("Expected no backoff, got %v", *delays)
	}
}

func TestFetcher_SuccessAfterRetry(t *testing.T) {
	d := 100 * time.Millisecond
	cfg := DefaultConfig()
	cfg.InitialBackoff = d
	f, delays := newTestFetcher(t, cfg)

	// Fails twice (transient), then succeeds
	callCount := 0
	err := f.Do(context.Background(), func(context.Context) error {
		callCount++
		if callCount < 3 {
			return Transient(errors.New("server hiccup"))
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
	want := []time.Duration{d, 2 * d}
	if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
}

func TestFetcher_MaxAttemptsExhausted(t *testing.T) {
	f, delays := newTestFetcher(t, DefaultConfig())

	callCount := 0
	testErr := errors.New("persistent error")
	err := f.Do(context.Background(), func(context.Context) error {
		callCount++
		return testErr
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected error to wrap the last attempt error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (MaxAttempts), got %d", callCount)
	}

	// No sleep after the final attempt
	if len(*delays) != 2 {
		t.Errorf("Expected 2 backoff sleeps, got %v", *delays)
	}

	var fetchErr *Error
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Expected *Error, got %T", err)
	}
	if fetchErr.Attempts != 3 || fetchErr.Class != ClassTransient {
		t.Errorf("Error = {Attempts: %d, Class: %s}, want {3, transient}", fetchErr.Attempts, fetchErr.Class)
	}
}

func TestFetcher_TerminalNoRetry(t *testing.T) {
	f, delays := newTestFetcher(t, DefaultConfig())

	callCount := 0
	testErr := errors.New("bad request")
	err := f.Do(context.Background(), func(context.Context) error {
		callCount++
		return Terminal(testErr)
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for terminal errors), got %d", callCount)
	}
	if len(*delays) != 0 {
		t.Errorf("Expected no backoff, got %v", *delays)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("Should not return ErrRetryExhausted for terminal errors")
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected original error, got %v", err)
	}
	if ClassOf(err) != ClassTerminal {
		t.Errorf("ClassOf() = %s, want terminal", ClassOf(err))
	}
}

func TestFetcher_RateLimitedIsRetried(t *testing.T) {
	f, _ := newTestFetcher(t, DefaultConfig())

	callCount := 0
	err := f.Do(context.Background(), func(context.Context) error {
		callCount++
		return RateLimited(errors.New("slow down"), 30*time.Second)
	})

	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
	if ClassOf(err) != ClassRateLimited {
		t.Errorf("ClassOf() = %s, want rate_limited", ClassOf(err))
	}
	if got := RetryAfter(err); got != 30*time.Second {
		t.Errorf("RetryAfter() = %v, want 30s", got)
	}
}

func TestFetcher_CustomClassifier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Classifier = func(error) Class { return ClassTerminal }
	f, _ := newTestFetcher(t, cfg)

	callCount := 0
	_ = f.Do(context.Background(), func(context.Context) error {
		callCount++
		return errors.New("anything")
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestFetcher_ContextCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Hour
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	done := make(chan error, 1)
	go func() {
		done <- f.Do(ctx, func(context.Context) error {
			callCount++
			return errors.New("temporary error")
		})
	}()

	// Cancel during the one-hour backoff
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("Expected ErrCancelled, got %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		if callCount != 1 {
			t.Errorf("Expected 1 call before cancellation, got %d", callCount)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestFetcher_CancelledBeforeStart(t *testing.T) {
	f, _ := newTestFetcher(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	callCount := 0
	err := f.Do(ctx, func(context.Context) error {
		callCount++
		return nil
	})

	if !errors.Is(err, ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
	if callCount != 0 {
		t.Errorf("Expected no calls, got %d", callCount)
	}
}

func TestExecute(t *testing.T) {
	f, _ := newTestFetcher(t, DefaultConfig())

	callCount := 0
	got, err := Execute(context.Background(), f, func(context.Context) ([]string, error) {
		callCount++
		if callCount == 1 {
			return nil, Transient(errors.New("blip"))
		}
		return []string{"AAPL", "MSFT"}, nil
	})

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(got) != 2 || got[0] != "AAPL" {
		t.Errorf("Execute() = %v, want [AAPL MSFT]", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{name: "terminal wrapper", err: Terminal(errors.New("x")), want: ClassTerminal},
		{name: "transient wrapper", err: Transient(errors.New("x")), want: ClassTransient},
		{name: "rate limited wrapper", err: RateLimited(errors.New("x"), 0), want: ClassRateLimited},
		{name: "404", err: &StatusError{StatusCode: 404}, want: ClassTerminal},
		{name: "429", err: &StatusError{StatusCode: 429}, want: ClassRateLimited},
		{name: "520", err: &StatusError{StatusCode: 520}, want: ClassRateLimited},
		{name: "503", err: &StatusError{StatusCode: 503}, want: ClassTransient},
		{name: "cancelled", err: context.Canceled, want: ClassTerminal},
		{name: "deadline", err: context.DeadlineExceeded, want: ClassTransient},
		{name: "unknown", err: errors.New("boom"), want: ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestWrappersKeepNil(t *testing.T) {
	if Terminal(nil) != nil || Transient(nil) != nil || RateLimited(nil, time.Second) != nil {
		t.Error("wrapping nil must return nil")
	}
}
