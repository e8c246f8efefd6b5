// Package ota keeps the running firmware current. An updater task
// periodically asks the update server for the newest image, and when
// the advertised version is strictly newer it streams the image into
// the inactive flash partition, verifies it against the advertised
// checksum and size, flips the boot-target flag, and requests a
// restart. The active image is never touched, so a failure at any
// point leaves the device running what it booted with.
package ota

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/envsense/envnode/internal/flash"
	"github.com/envsense/envnode/internal/state"
)

// Phase is the updater's position in an update cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseDownloading
	PhaseVerifying
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChecking:
		return "checking"
	case PhaseDownloading:
		return "downloading"
	case PhaseVerifying:
		return "verifying"
	case PhaseCommitting:
		return "committing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Check outcomes reported through OnCheck.
const (
	CheckCurrent = "current"
	CheckUpdated = "updated"
	CheckFailed  = "failed"
)

// Fetcher is the update server surface the updater needs. *Client is
// the production implementation.
type Fetcher interface {
	FetchVersion(ctx context.Context) (Advertised, error)
	FetchFirmware(ctx context.Context, w io.Writer) (int64, uint32, error)
}

// Updater runs the periodic check-download-verify-commit cycle.
type Updater struct {
	client   Fetcher
	store    flash.Store
	current  Version
	rawVer   string
	interval time.Duration
	restart  func()
	phase    *state.Cell[Phase]
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger

	// OnCheck, when set, receives the outcome of every completed
	// cycle (CheckCurrent, CheckUpdated, CheckFailed).
	OnCheck func(result string)
}

// New builds an updater for the given installed version string.
// restart is called after a successful commit; in production it exits
// the process so the service manager reboots into the new image.
func New(client Fetcher, store flash.Store, installed string, interval time.Duration, restart func(), logger *slog.Logger) (*Updater, error) {
	current, err := ParseVersion(installed)
	if err != nil {
		return nil, fmt.Errorf("installed version: %w", err)
	}
	return &Updater{
		client:   client,
		store:    store,
		current:  current,
		rawVer:   installed,
		interval: interval,
		restart:  restart,
		phase:    state.NewCell(PhaseIdle),
		// The breaker only guards the cheap version probe. A server
		// that keeps refusing trips it open so we stop hammering; a
		// ticked check against an open breaker is just a skipped
		// cycle.
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ota-version",
			Timeout: 5 * time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		logger: logger,
	}, nil
}

// Phase returns the updater's current phase.
func (u *Updater) Phase() Phase { return u.phase.Get() }

// MarkValid records the running image as good so the bootloader keeps
// it. Called once at startup, before the first check.
func (u *Updater) MarkValid() error { return u.store.MarkValid() }

// Run checks immediately, then on every interval tick, until ctx ends.
func (u *Updater) Run(ctx context.Context) error {
	if err := u.MarkValid(); err != nil {
		return fmt.Errorf("mark running image valid: %w", err)
	}

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		u.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckOnce runs one full update cycle. Failures are reported and
// absorbed: the updater returns to idle and waits for the next tick.
func (u *Updater) CheckOnce(ctx context.Context) {
	result := u.cycle(ctx)
	u.phase.Set(PhaseIdle)
	if u.OnCheck != nil && result != "" {
		u.OnCheck(result)
	}
}

func (u *Updater) cycle(ctx context.Context) string {
	u.phase.Set(PhaseChecking)

	res, err := u.breaker.Execute(func() (any, error) {
		return u.client.FetchVersion(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			u.logger.Debug("update check skipped, breaker open")
			return ""
		}
		u.logger.Warn("update check failed", "error", err)
		return CheckFailed
	}
	adv := res.(Advertised)

	remote, err := ParseVersion(adv.Version)
	if err != nil {
		u.logger.Warn("update server advertised unparseable version", "version", adv.Version, "error", err)
		return CheckFailed
	}
	if !remote.GreaterThan(u.current) {
		u.logger.Debug("no update available", "installed", u.rawVer, "advertised", adv.Version)
		return CheckCurrent
	}

	u.logger.Info("firmware update available",
		"installed", u.rawVer, "advertised", adv.Version, "size", adv.Size)

	u.phase.Set(PhaseDownloading)
	w, err := u.store.OpenInactive(adv.Size)
	if err != nil {
		u.logger.Error("cannot open inactive partition", "error", err)
		return CheckFailed
	}

	n, sum, err := u.client.FetchFirmware(ctx, w)
	if err != nil {
		w.Discard()
		u.logger.Warn("firmware download failed", "error", err, "received", n)
		return CheckFailed
	}

	u.phase.Set(PhaseVerifying)
	if n != adv.Size {
		w.Discard()
		u.logger.Warn("firmware size mismatch", "want", adv.Size, "got", n)
		return CheckFailed
	}
	if sum != adv.Checksum {
		w.Discard()
		u.logger.Warn("firmware checksum mismatch", "want", adv.Checksum, "got", sum)
		return CheckFailed
	}
	if err := w.Commit(); err != nil {
		u.logger.Error("firmware commit failed", "error", err)
		return CheckFailed
	}

	u.phase.Set(PhaseCommitting)
	target, err := u.store.BootTarget()
	if err != nil {
		u.logger.Error("cannot read boot target", "error", err)
		return CheckFailed
	}
	if err := u.store.SetBootTarget(target.Other()); err != nil {
		u.logger.Error("boot target flip failed", "error", err)
		return CheckFailed
	}

	u.logger.Info("firmware update installed, restarting",
		"version", adv.Version, "partition", target.Other())
	u.restart()
	return CheckUpdated
}
