package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

type RetryConfig struct {
	Attempts uint64
	Base     time.Duration
	Max      time.Duration
}

// Retrying retries failed writes with capped exponential backoff. Reads are passed
// through unchanged.
type Retrying struct {
	next   Store
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetrying(next Store, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Base <= 0 {
		cfg.Base = 100 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, cfg: cfg, logger: logger}
}

func (r *Retrying) backoff() retry.Backoff {
	b := retry.NewExponential(r.cfg.Base)
	b = retry.WithCappedDuration(r.cfg.Max, b)
	return retry.WithMaxRetries(r.cfg.Attempts-1, b)
}

func (r *Retrying) UpsertCall(ctx context.Context, rec CallRecord) error {
	attempt := 0
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempt++
		err := r.next.UpsertCall(ctx, rec)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		r.logger.Warn("call record write failed", "call_id", rec.ID, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}

func (r *Retrying) GetCall(ctx context.Context, id string) (CallRecord, error) {
	return r.next.GetCall(ctx, id)
}

func (r *Retrying) ListCalls(ctx context.Context, opts ListOptions) ([]CallRecord, error) {
	return r.next.ListCalls(ctx, opts)
}
