package sensor

import (
	"context"
	"log/slog"
	"time"

	"github.com/envsense/envnode/internal/state"
)

// Sink receives each successful reading. The supervisor wires this to
// the composer and payload queue.
type Sink func(Reading)

// Poller drives every enabled sensor on a fixed period. A failure on
// one sensor is isolated: it is logged, counted, and skipped for this
// cycle without blocking the others or ending the loop. Retry happens
// naturally at the next period boundary.
type Poller struct {
	sensors  []Sensor
	interval time.Duration
	location string
	link     *state.Cell[state.LinkState]
	sink     Sink
	logger   *slog.Logger

	// OnReadError, if non-nil, is called with the failing sensor kind.
	// Used for metrics.
	OnReadError func(kind Kind)
}

// NewPoller creates a poller over the given sensors. Sensors are read
// in slice order each cycle; drivers sharing a bus serialize through
// their SharedBus, not through this ordering.
func NewPoller(sensors []Sensor, interval time.Duration, location string,
	link *state.Cell[state.LinkState], sink Sink, logger *slog.Logger) *Poller {
	return &Poller{
		sensors:  sensors,
		interval: interval,
		location: location,
		link:     link,
		sink:     sink,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. While the link is down the poller
// suspends rather than erroring; sampling resumes once the link watcher
// reports Up again.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// First cycle immediately on start, matching the measure-then-sleep
	// ordering of the device loop.
	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.link.Wait(ctx, func(s state.LinkState) bool { return s == state.LinkUp }); err != nil {
				return err
			}
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	for _, s := range p.sensors {
		if ctx.Err() != nil {
			return
		}

		reading, err := s.Measure(ctx)
		if err != nil {
			p.logger.Warn("sensor read failed, skipping this cycle",
				"sensor", s.Kind(), "error", err)
			if p.OnReadError != nil {
				p.OnReadError(s.Kind())
			}
			continue
		}

		reading.Location = p.location
		p.logger.Debug("sensor read complete",
			"sensor", s.Kind(), "fields", len(reading.Fields))
		p.sink(reading)
	}
}
