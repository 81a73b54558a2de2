// Package fetch wraps single HTTP attempts with pacing admission,
// bounded retries, and exponential backoff.
package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/carsandcollectibles/yardwatch/internal/telemetry"
)

// ErrExhausted marks a fetch that failed transiently on every attempt.
// Callers treat it as "skip this unit of work", never as fatal.
var ErrExhausted = errors.New("fetch attempts exhausted")

// PermanentError is a non-retryable HTTP failure (4xx other than 429).
type PermanentError struct {
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent http error: status %d", e.StatusCode)
}

// Response is one HTTP response body plus the metadata retry logic needs.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Attempt performs exactly one network attempt.
type Attempt func(ctx context.Context) (*Response, error)

// ExecutorConfig bounds retry behavior.
type ExecutorConfig struct {
	MaxAttempts    int
	BackoffStart   time.Duration
	BackoffCap     time.Duration
	PostSuccessMin time.Duration
	PostSuccessMax time.Duration
}

// Executor runs attempts under the retry/backoff policy.
type Executor struct {
	cfg    ExecutorConfig
	logger *zap.Logger

	// admit is the pacing gate consulted before every attempt.
	admit func(ctx context.Context, host string) error
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an Executor with sane defaults filled in.
func NewExecutor(cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffStart <= 0 {
		cfg.BackoffStart = 15 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 600 * time.Second
	}
	if cfg.PostSuccessMin <= 0 {
		cfg.PostSuccessMin = 1200 * time.Millisecond
	}
	if cfg.PostSuccessMax < cfg.PostSuccessMin {
		cfg.PostSuccessMax = 2 * time.Second
	}
	return &Executor{
		cfg:    cfg,
		logger: logger,
		sleep:  timerSleep,
	}
}

// SetAdmission installs the per-host pacing gate.
func (e *Executor) SetAdmission(admit func(ctx context.Context, host string) error) {
	e.admit = admit
}

// Do runs attempt against host until success, a permanent failure, or the
// attempt budget runs out. After a successful response it pauses briefly
// at a randomized interval so the request cadence is not mechanical.
func (e *Executor) Do(ctx context.Context, host string, attempt Attempt) (*Response, error) {
	var lastErr error
	for n := 1; n <= e.cfg.MaxAttempts; n++ {
		if e.admit != nil {
			if err := e.admit(ctx, host); err != nil {
				return nil, err
			}
		}

		resp, err := attempt(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			telemetry.ObserveFetchError(host)
			lastErr = err
			if n == e.cfg.MaxAttempts {
				break
			}
			wait := e.backoff(n)
			e.logger.Warn("network error, backing off",
				zap.String("host", host),
				zap.Int("attempt", n),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
			telemetry.ObserveRetry(host)
			if err := e.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		telemetry.ObserveFetch(host, resp.StatusCode)
		switch classify(resp.StatusCode) {
		case outcomeSuccess:
			if err := e.sleep(ctx, e.postSuccessPause()); err != nil {
				return nil, err
			}
			return resp, nil
		case outcomePermanent:
			return nil, &PermanentError{StatusCode: resp.StatusCode}
		case outcomeTransient:
			lastErr = fmt.Errorf("http status %d", resp.StatusCode)
			if n < e.cfg.MaxAttempts {
				wait := e.backoff(n)
				if hinted, ok := retryAfter(resp.Header); ok {
					wait = hinted
				}
				e.logger.Warn("transient http status, backing off",
					zap.String("host", host),
					zap.Int("status", resp.StatusCode),
					zap.Int("attempt", n),
					zap.Duration("wait", wait),
				)
				telemetry.ObserveRetry(host)
				if err := e.sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts against %s: %v", ErrExhausted, e.cfg.MaxAttempts, host, lastErr)
}

type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeTransient
	outcomePermanent
)

func classify(status int) attemptOutcome {
	switch {
	case status == http.StatusTooManyRequests:
		return outcomeTransient
	case status >= 500:
		return outcomeTransient
	case status >= 400:
		return outcomePermanent
	default:
		return outcomeSuccess
	}
}

// backoff returns backoffStart * 2^(attempt-1), capped, plus jitter up to
// one backoffStart.
func (e *Executor) backoff(attempt int) time.Duration {
	wait := e.cfg.BackoffStart << (attempt - 1)
	if wait > e.cfg.BackoffCap || wait <= 0 {
		wait = e.cfg.BackoffCap
	}
	return wait + randomDuration(e.cfg.BackoffStart/4)
}

func (e *Executor) postSuccessPause() time.Duration {
	span := e.cfg.PostSuccessMax - e.cfg.PostSuccessMin
	return e.cfg.PostSuccessMin + randomDuration(span)
}

// retryAfter parses a server-supplied Retry-After header in seconds form.
func retryAfter(h http.Header) (time.Duration, bool) {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
