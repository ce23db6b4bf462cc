package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"postparser/internal/metrics"
)

const defaultWindow = time.Minute

// Config bounds one backend. RPM <= 0 means unlimited.
type Config struct {
	RPM               int
	MaxRetries        int
	BackoffMultiplier float64
	InitialBackoff    time.Duration
	Window            time.Duration
}

type BackendStatus struct {
	Backend   string `json:"backend"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Waiting   int    `json:"waiting"`
	Calls     int64  `json:"calls"`
	Failures  int64  `json:"failures"`
	Exhausted int64  `json:"exhausted"`
}

var ErrBackendExhausted = errors.New("backend exhausted")

// ExhaustedError is returned by Do once a call has failed MaxRetries+1 times.
type ExhaustedError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("backend %s exhausted after %d attempts: %v", e.Backend, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrBackendExhausted }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type backend struct {
	cfg       Config
	calls     []time.Time
	waiting   int
	total     int64
	failures  int64
	exhausted int64
}

// prune drops admissions that have left the window ending at now.
func (b *backend) prune(now time.Time) {
	cut := 0
	for cut < len(b.calls) && !b.calls[cut].Add(b.cfg.Window).After(now) {
		cut++
	}
	if cut > 0 {
		b.calls = append(b.calls[:0], b.calls[cut:]...)
	}
}

// Limiter keeps a sliding-window log of admissions per backend, so no
// window of length Config.Window ever holds more than RPM admissions.
type Limiter struct {
	mu       sync.Mutex
	backends map[string]*backend
	now      func() time.Time
}

func New(configs map[string]Config) *Limiter {
	l := &Limiter{
		backends: make(map[string]*backend, len(configs)),
		now:      time.Now,
	}
	for name, cfg := range configs {
		if cfg.Window <= 0 {
			cfg.Window = defaultWindow
		}
		if cfg.BackoffMultiplier <= 0 {
			cfg.BackoffMultiplier = 1
		}
		if cfg.MaxRetries < 0 {
			cfg.MaxRetries = 0
		}
		l.backends[name] = &backend{cfg: cfg}
	}
	return l
}

func (l *Limiter) lookup(name string) (*backend, error) {
	b, ok := l.backends[name]
	if !ok {
		return nil, fmt.Errorf("ratelimit: unknown backend %q", name)
	}
	return b, nil
}

// Acquire blocks until name has a free slot in the current window. It only
// fails when ctx is done or the backend was never configured.
func (l *Limiter) Acquire(ctx context.Context, name string) error {
	start := time.Now()
	registered := false
	defer func() {
		if registered {
			l.mu.Lock()
			l.backends[name].waiting--
			l.mu.Unlock()
		}
	}()

	for {
		l.mu.Lock()
		b, err := l.lookup(name)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		now := l.now()
		b.prune(now)
		if b.cfg.RPM <= 0 || len(b.calls) < b.cfg.RPM {
			b.calls = append(b.calls, now)
			b.total++
			l.mu.Unlock()
			metrics.LimiterWaitMs.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
			return nil
		}
		wait := b.calls[0].Add(b.cfg.Window).Sub(now)
		if !registered {
			b.waiting++
			registered = true
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordFailure counts a failed call and returns the delay before the next
// attempt: InitialBackoff * BackoffMultiplier^attempt.
func (l *Limiter) RecordFailure(name string, attempt int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.lookup(name)
	if err != nil {
		return 0
	}
	b.failures++
	return backoff(b.cfg, attempt)
}

func backoff(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do runs fn under the limiter, retrying failures with backoff. Errors
// wrapped with Permanent and context cancellation end the loop early.
func (l *Limiter) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	l.mu.Lock()
	b, err := l.lookup(name)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	maxRetries := b.cfg.MaxRetries
	l.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := l.Acquire(ctx, name); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsPermanent(err) {
			l.RecordFailure(name, attempt)
			return err
		}
		if attempt >= maxRetries {
			l.RecordFailure(name, attempt)
			l.mu.Lock()
			b.exhausted++
			l.mu.Unlock()
			metrics.LimiterExhaustedTotal.WithLabelValues(name).Inc()
			log.Printf("ratelimit exhausted backend=%s attempts=%d err=%v", name, attempt+1, err)
			return &ExhaustedError{Backend: name, Attempts: attempt + 1, Err: err}
		}

		delay := l.RecordFailure(name, attempt)
		metrics.LimiterRetriesTotal.WithLabelValues(name).Inc()
		log.Printf("ratelimit retry backend=%s attempt=%d backoff=%s err=%v", name, attempt+1, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Status reports, per backend, the slots consumed in the current window and
// lifetime counters.
func (l *Limiter) Status() map[string]BackendStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make(map[string]BackendStatus, len(l.backends))
	for name, b := range l.backends {
		b.prune(now)
		out[name] = BackendStatus{
			Backend:   name,
			Limit:     b.cfg.RPM,
			Used:      len(b.calls),
			Waiting:   b.waiting,
			Calls:     b.total,
			Failures:  b.failures,
			Exhausted: b.exhausted,
		}
	}
	return out
}

// Backends returns the configured backend names in sorted order.
func (l *Limiter) Backends() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.backends))
	for name := range l.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
