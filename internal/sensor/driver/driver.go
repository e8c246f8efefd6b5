// Package driver contains the glue between the sensor core and the
// physical transducers. Register-level protocols stay behind the narrow
// device interfaces here; the SDS011 serial framing is decoded in-process
// because the sensor streams complete frames over a UART with no
// addressing to speak of.
package driver

import (
	"context"
	"time"

	"github.com/envsense/envnode/internal/sensor"
)

// THPSample is one temperature/humidity/pressure sample from the BME280.
type THPSample struct {
	TemperatureC float64
	HumidityPct  float64
	PressureHPa  float64
}

// THPDevice is the external BME280 transducer driver: read one sample,
// or fail.
type THPDevice interface {
	ReadSample(ctx context.Context) (THPSample, error)
}

// CO2Sample is one SCD30 sample. The SCD30 reports temperature and
// humidity alongside CO2.
type CO2Sample struct {
	TemperatureC float64
	HumidityPct  float64
	CO2PPM       float64
}

// CO2Device is the external SCD30 transducer driver.
type CO2Device interface {
	ReadSample(ctx context.Context) (CO2Sample, error)
}

// BME280 adapts a THPDevice to the Sensor interface, serializing its
// transactions on the shared I2C bus.
type BME280 struct {
	dev THPDevice
	bus *sensor.SharedBus
}

// NewBME280 wraps dev. bus is the I2C bus guard shared with the SCD30.
func NewBME280(dev THPDevice, bus *sensor.SharedBus) *BME280 {
	return &BME280{dev: dev, bus: bus}
}

func (s *BME280) Kind() sensor.Kind { return sensor.KindBME280 }

func (s *BME280) Measure(ctx context.Context) (sensor.Reading, error) {
	var sample THPSample
	err := s.bus.Do(ctx, "bme280", func() error {
		var err error
		sample, err = s.dev.ReadSample(ctx)
		return err
	})
	if err != nil {
		return sensor.Reading{}, err
	}

	return sensor.Reading{
		Kind: sensor.KindBME280,
		Time: time.Now(),
		Fields: []sensor.Field{
			{Key: "temperature", Value: sample.TemperatureC},
			{Key: "humidity", Value: sample.HumidityPct},
			{Key: "pressure", Value: sample.PressureHPa},
		},
	}, nil
}

// SCD30 adapts a CO2Device to the Sensor interface on the shared I2C bus.
type SCD30 struct {
	dev CO2Device
	bus *sensor.SharedBus
}

// NewSCD30 wraps dev. bus is the I2C bus guard shared with the BME280.
func NewSCD30(dev CO2Device, bus *sensor.SharedBus) *SCD30 {
	return &SCD30{dev: dev, bus: bus}
}

func (s *SCD30) Kind() sensor.Kind { return sensor.KindSCD30 }

func (s *SCD30) Measure(ctx context.Context) (sensor.Reading, error) {
	var sample CO2Sample
	err := s.bus.Do(ctx, "scd30", func() error {
		var err error
		sample, err = s.dev.ReadSample(ctx)
		return err
	})
	if err != nil {
		return sensor.Reading{}, err
	}

	return sensor.Reading{
		Kind: sensor.KindSCD30,
		Time: time.Now(),
		Fields: []sensor.Field{
			{Key: "temperature", Value: sample.TemperatureC},
			{Key: "humidity", Value: sample.HumidityPct},
			{Key: "co2", Value: sample.CO2PPM},
		},
	}, nil
}
