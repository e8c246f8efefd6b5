package driver

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/envsense/envnode/internal/sensor"
)

// Sim produces plausible synthetic readings for a sensor kind, so a
// node without the physical hardware still exercises the full
// compose/publish pipeline. Values drift along a slow sine so dashboards
// show movement; the sequence is deterministic for a given tick count.
type Sim struct {
	kind sensor.Kind
	tick atomic.Int64
}

// NewSim returns a simulated sensor of the given kind.
func NewSim(kind sensor.Kind) *Sim {
	return &Sim{kind: kind}
}

func (s *Sim) Kind() sensor.Kind { return s.kind }

func (s *Sim) Measure(ctx context.Context) (sensor.Reading, error) {
	if err := ctx.Err(); err != nil {
		return sensor.Reading{}, err
	}

	n := float64(s.tick.Add(1))
	drift := math.Sin(n / 24 * math.Pi)

	r := sensor.Reading{Kind: s.kind, Time: time.Now()}
	switch s.kind {
	case sensor.KindBME280:
		r.Fields = []sensor.Field{
			{Key: "temperature", Value: round2(21 + 3*drift)},
			{Key: "humidity", Value: round2(52 + 10*drift)},
			{Key: "pressure", Value: round2(1013 + 4*drift)},
		}
	case sensor.KindSCD30:
		r.Fields = []sensor.Field{
			{Key: "temperature", Value: round2(22 + 2*drift)},
			{Key: "humidity", Value: round2(48 + 8*drift)},
			{Key: "co2", Value: round2(620 + 180*drift)},
		}
	case sensor.KindSDS011:
		r.Fields = []sensor.Field{
			{Key: "air_quality_pm2_5", Value: round2(8 + 5*drift)},
			{Key: "air_quality_pm10", Value: round2(14 + 7*drift)},
		}
	}
	return r, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
