// Package netlink brings the network link up and keeps watching it.
//
// The platform decides what "the link" is: on a developer workstation
// the probe is a cheap reachability check, on the target hardware it
// drives the wireless supplicant. The watcher runs in two phases:
//
//  1. Bring-up: probe with exponential backoff (2s, 4s, 8s, ... capped
//     at 60s) until the link answers or the retry budget runs out.
//  2. Steady state: periodic polling with Up/Down transitions.
//
// The watcher is the only writer of the Link state cell. Everything
// that needs connectivity blocks on the cell instead of probing the
// network itself.
package netlink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/envsense/envnode/internal/state"
)

// ProbeFunc checks (or establishes) link connectivity. Return nil when
// the link is usable. Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls bring-up retries and steady-state polling.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry.
	Multiplier float64

	// MaxRetries bounds the bring-up phase before the watcher falls
	// back to steady polling.
	MaxRetries int

	// PollInterval is the steady-state check interval.
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the bring-up schedule: 2s, 4s, 8s, 16s,
// 32s, 60s (capped), ten attempts, then 60-second polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Watcher owns the Link state cell.
type Watcher struct {
	probe   ProbeFunc
	backoff BackoffConfig
	link    *state.Cell[state.LinkState]
	logger  *slog.Logger

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// NewWatcher builds a watcher around the given probe. Zero-value
// backoff fields take their defaults.
func NewWatcher(probe ProbeFunc, backoff BackoffConfig, link *state.Cell[state.LinkState], logger *slog.Logger) *Watcher {
	if probe == nil {
		panic("netlink: probe must not be nil")
	}
	return &Watcher{
		probe:   probe,
		backoff: backoff.withDefaults(),
		link:    link,
		logger:  logger,
	}
}

// LastError returns the most recent probe error, nil when healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Run drives the link until ctx ends. It always returns ctx's error.
func (w *Watcher) Run(ctx context.Context) error {
	if up := w.bringUp(ctx); !up && ctx.Err() == nil {
		w.link.Set(state.LinkDown)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return w.poll(ctx)
}

// bringUp probes with exponential backoff and reports whether the link
// came up before the retry budget ran out.
func (w *Watcher) bringUp(ctx context.Context) bool {
	cfg := w.backoff
	delay := cfg.InitialDelay

	w.link.Set(state.LinkConnecting)
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.link.Set(state.LinkUp)
			w.logger.Info("link up", "after_attempts", attempt)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt == cfg.MaxRetries {
			w.logger.Warn("link bring-up exhausted retries, falling back to polling",
				"attempts", attempt, "error", err)
			return false
		}

		w.logger.Debug("link probe failed, retrying",
			"attempt", attempt, "next_delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return false
}

// poll rechecks the link every PollInterval and flips the cell on
// transitions.
func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := w.check(ctx)
			wasUp := w.link.Get() == state.LinkUp

			switch {
			case wasUp && err != nil:
				w.link.Set(state.LinkDown)
				w.logger.Warn("link lost", "error", err)
			case !wasUp && err == nil:
				w.link.Set(state.LinkUp)
				w.logger.Info("link recovered")
			case !wasUp:
				w.logger.Debug("link still down", "error", err)
			}
		}
	}
}

func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()

	err := w.probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// sleepCtx sleeps for d or until ctx ends. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
