package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/envsense/envnode/internal/buildinfo"
	"github.com/envsense/envnode/internal/config"
	"github.com/envsense/envnode/internal/sensor"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_Version(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), buildinfo.Version) {
		t.Errorf("version output missing %q:\n%s", buildinfo.Version, out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] != buildinfo.Version {
		t.Errorf("version = %q, want %q", info["version"], buildinfo.Version)
	}
}

func TestRun_NoCommandPrintsUsage(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Usage: envnode") {
		t.Errorf("usage not printed:\n%s", out.String())
	}
}

func TestRun_RejectsBadArguments(t *testing.T) {
	t.Parallel()
	cases := [][]string{
		{"launch"},
		{"-frobnicate"},
		{"-o", "yaml", "version"},
	}
	for _, args := range cases {
		if err := run(context.Background(), io.Discard, io.Discard, args); err == nil {
			t.Errorf("run(%v) accepted", args)
		}
	}
}

func TestBuildSensors_Simulated(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Sensors: []string{"bme280:sim", "scd30:sim", "sds011:sim"}}
	sensors, err := buildSensors(cfg, discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(sensors) != 3 {
		t.Fatalf("built %d sensors, want 3", len(sensors))
	}
	wantKinds := []sensor.Kind{sensor.KindBME280, sensor.KindSCD30, sensor.KindSDS011}
	for i, s := range sensors {
		if s.Kind() != wantKinds[i] {
			t.Errorf("sensor %d kind = %q, want %q", i, s.Kind(), wantKinds[i])
		}
	}
}

func TestBuildSensors_RequiresSerialPortForSDS011(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Sensors: []string{"sds011"}}
	if _, err := buildSensors(cfg, discard()); err == nil {
		t.Fatal("buildSensors accepted sds011 without a serial port")
	}
}

func TestBuildSensors_RejectsHardwareI2CWithoutBackend(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Sensors: []string{"bme280"}}
	_, err := buildSensors(cfg, discard())
	if err == nil || !strings.Contains(err.Error(), "bme280:sim") {
		t.Errorf("err = %v, want hint pointing at the sim driver", err)
	}
}
