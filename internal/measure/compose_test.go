package measure

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/envsense/envnode/internal/config"
	"github.com/envsense/envnode/internal/sensor"
)

func thpReading() sensor.Reading {
	return sensor.Reading{
		Kind:     sensor.KindBME280,
		Location: "outdoor",
		Time:     time.Unix(1700000000, 0).UTC(),
		Fields: []sensor.Field{
			{Key: "temperature", Value: 21.4},
			{Key: "humidity", Value: 55.2},
			{Key: "pressure", Value: 1013.1},
		},
	}
}

func TestCompose_JSONScenario(t *testing.T) {
	t.Parallel()
	c, err := NewComposer(config.EncodingJSON, "sensor")
	if err != nil {
		t.Fatal(err)
	}

	p, err := c.Compose(thpReading())
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	want := `{"location":"outdoor","temperature":21.4,"humidity":55.2,"pressure":1013.1}`
	if string(p.Bytes) != want {
		t.Errorf("payload = %s, want %s", p.Bytes, want)
	}
	if p.Topic != "sensor" {
		t.Errorf("topic = %q, want %q", p.Topic, "sensor")
	}
}

func TestCompose_Deterministic(t *testing.T) {
	t.Parallel()
	for _, encoding := range []string{config.EncodingJSON, config.EncodingInflux} {
		c, err := NewComposer(encoding, "sensor")
		if err != nil {
			t.Fatal(err)
		}

		a, err := c.Compose(thpReading())
		if err != nil {
			t.Fatal(err)
		}
		b, err := c.Compose(thpReading())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a.Bytes, b.Bytes) {
			t.Errorf("%s: encoding the same reading twice differed:\n%s\n%s",
				encoding, a.Bytes, b.Bytes)
		}
	}
}

func TestCompose_InfluxShape(t *testing.T) {
	t.Parallel()
	c, err := NewComposer(config.EncodingInflux, "sensor")
	if err != nil {
		t.Fatal(err)
	}

	p, err := c.Compose(thpReading())
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	line := strings.TrimSuffix(string(p.Bytes), "\n")

	// measurement,tags fields timestamp
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		t.Fatalf("line = %q, want 3 space-separated sections", line)
	}
	if parts[0] != "weather,location=outdoor" {
		t.Errorf("measurement section = %q, want weather,location=outdoor", parts[0])
	}
	// Fields are sorted by key for determinism.
	if parts[1] != "humidity=55.2,pressure=1013.1,temperature=21.4" {
		t.Errorf("field section = %q", parts[1])
	}
	if parts[2] != "1700000000000000000" {
		t.Errorf("timestamp = %q, want nanoseconds of capture time", parts[2])
	}
}

func TestCompose_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := NewComposer(config.EncodingJSON, "sensor")
	if err != nil {
		t.Fatal(err)
	}

	in := thpReading()
	p, err := c.Compose(in)
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(p.Bytes, &got); err != nil {
		t.Fatalf("composed payload is not valid JSON: %v", err)
	}
	if got["location"] != "outdoor" {
		t.Errorf("location = %v", got["location"])
	}
	for _, f := range in.Fields {
		v, ok := got[f.Key].(float64)
		if !ok || v != f.Value {
			t.Errorf("field %s = %v, want %v", f.Key, got[f.Key], f.Value)
		}
	}
}

func TestCompose_InfluxRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := NewComposer(config.EncodingInflux, "sensor")
	if err != nil {
		t.Fatal(err)
	}

	in := thpReading()
	p, err := c.Compose(in)
	if err != nil {
		t.Fatal(err)
	}

	line := strings.TrimSuffix(string(p.Bytes), "\n")
	sections := strings.Split(line, " ")
	if len(sections) != 3 {
		t.Fatalf("line = %q", line)
	}

	want := map[string]string{
		"temperature": "21.4",
		"humidity":    "55.2",
		"pressure":    "1013.1",
	}
	for _, kv := range strings.Split(sections[1], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			t.Fatalf("malformed field %q", kv)
		}
		if want[k] != v {
			t.Errorf("field %s = %s, want %s", k, v, want[k])
		}
		delete(want, k)
	}
	if len(want) != 0 {
		t.Errorf("missing fields: %v", want)
	}
}

func TestNewComposer_RejectsUnknownEncoding(t *testing.T) {
	t.Parallel()
	if _, err := NewComposer("msgpack", "sensor"); err == nil {
		t.Fatal("NewComposer() accepted unknown encoding")
	}
}
