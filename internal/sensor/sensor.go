// Package sensor defines the sensor model: one Reading per successful
// sample, a narrow Sensor interface each driver satisfies, exclusive
// access to shared buses, and the Poller that drives every enabled
// sensor on a fixed cadence.
package sensor

import (
	"context"
	"time"
)

// Kind enumerates the supported sensor families.
type Kind string

const (
	KindBME280 Kind = "bme280" // temperature / humidity / pressure
	KindSCD30  Kind = "scd30"  // CO2 (plus temperature / humidity)
	KindSDS011 Kind = "sds011" // particulate matter
)

// Field is one named numeric measurement inside a reading. Field order
// is fixed per driver so identical samples always encode identically.
type Field struct {
	Key   string
	Value float64
}

// Reading is one successful sample from one sensor. It is created by
// the poller, consumed by the composer, and never retained beyond one
// cycle — there is no history buffer on the device.
type Reading struct {
	Kind     Kind
	Fields   []Field
	Time     time.Time
	Location string
}

// Sensor reads one sample, or fails. Register-level transducer
// protocols live behind this boundary; the core only sees fields.
type Sensor interface {
	Kind() Kind
	Measure(ctx context.Context) (Reading, error)
}
