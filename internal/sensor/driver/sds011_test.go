package driver

import (
	"bytes"
	"context"
	"io"
	"testing"
)

// frame builds a valid SDS011 frame for the given tenth-µg/m³ values.
func frame(pm25, pm10 uint16) []byte {
	f := []byte{0xAA, 0xC0,
		byte(pm25), byte(pm25 >> 8),
		byte(pm10), byte(pm10 >> 8),
		0x12, 0x34, 0x00, 0xAB}
	var sum byte
	for _, b := range f[2:8] {
		sum += b
	}
	f[8] = sum
	return f
}

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestSDS011_DecodesFrame(t *testing.T) {
	t.Parallel()
	// 99 → 9.9 µg/m³, 254 → 25.4 µg/m³.
	s := NewSDS011Reader(nopCloser{bytes.NewReader(frame(99, 254))})

	r, err := s.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if len(r.Fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(r.Fields))
	}
	if r.Fields[0].Key != "air_quality_pm2_5" || r.Fields[0].Value != 9.9 {
		t.Errorf("pm2.5 field = %+v, want air_quality_pm2_5=9.9", r.Fields[0])
	}
	if r.Fields[1].Key != "air_quality_pm10" || r.Fields[1].Value != 25.4 {
		t.Errorf("pm10 field = %+v, want air_quality_pm10=25.4", r.Fields[1])
	}
}

func TestSDS011_ResynchronizesAfterGarbage(t *testing.T) {
	t.Parallel()
	stream := append([]byte{0x00, 0xFF, 0xAA, 0x55}, frame(120, 300)...)
	s := NewSDS011Reader(nopCloser{bytes.NewReader(stream)})

	r, err := s.Measure(context.Background())
	if err != nil {
		t.Fatalf("Measure() error = %v", err)
	}
	if r.Fields[0].Value != 12.0 {
		t.Errorf("pm2.5 = %v, want 12.0", r.Fields[0].Value)
	}
}

func TestSDS011_RejectsBadChecksum(t *testing.T) {
	t.Parallel()
	f := frame(99, 254)
	f[8] ^= 0xFF
	// A stream that ends after the bad frame: the reader resyncs, runs
	// out of bytes, and the read error surfaces.
	s := NewSDS011Reader(nopCloser{bytes.NewReader(f)})

	if _, err := s.Measure(context.Background()); err == nil {
		t.Fatal("Measure() accepted a frame with a bad checksum")
	}
}

func TestDecodeSDS011_ChecksumMismatch(t *testing.T) {
	t.Parallel()
	f := frame(10, 20)
	f[8]++
	if _, _, err := decodeSDS011(f); err == nil {
		t.Fatal("decodeSDS011() accepted mismatched checksum")
	}
}

func TestDecodeSDS011_BadTail(t *testing.T) {
	t.Parallel()
	f := frame(10, 20)
	f[9] = 0x00
	if _, _, err := decodeSDS011(f); err == nil {
		t.Fatal("decodeSDS011() accepted bad tail byte")
	}
}
