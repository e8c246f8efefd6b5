package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/envsense/envnode/internal/sensor"
)

// SDS011 frame layout (active reporting mode): ten bytes,
// AA C0 PM25lo PM25hi PM10lo PM10hi ID1 ID2 CHK AB, where CHK is the
// low byte of the sum of bytes 2..7 and concentrations are tenths of
// µg/m³.
const (
	sds011FrameLen = 10
	sds011Head     = 0xAA
	sds011CmdID    = 0xC0
	sds011Tail     = 0xAB
)

// sds011ReadTimeout bounds one frame read. In active mode the sensor
// reports roughly once per second, so anything beyond this means the
// sensor is absent or wedged.
const sds011ReadTimeout = 10 * time.Second

// SDS011 reads particulate frames from the sensor's UART. The UART is
// a bus of its own, so no sharing discipline is needed beyond the
// single reader.
type SDS011 struct {
	port io.ReadCloser
}

// OpenSDS011 opens the serial device the sensor is wired to
// (9600 baud, 8N1 — the only mode the sensor speaks).
func OpenSDS011(device string) (*SDS011, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open sds011 port %s: %w", device, err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("sds011 port %s: %w", device, err)
	}
	return &SDS011{port: port}, nil
}

// NewSDS011Reader wraps an already-open frame stream. Used by tests and
// by callers that manage the port themselves.
func NewSDS011Reader(r io.ReadCloser) *SDS011 {
	return &SDS011{port: r}
}

func (s *SDS011) Kind() sensor.Kind { return sensor.KindSDS011 }

// Close releases the serial port.
func (s *SDS011) Close() error { return s.port.Close() }

// Measure reads the next complete frame and converts it to a reading.
// A malformed or mis-checksummed frame fails the cycle; the next poll
// retries.
func (s *SDS011) Measure(ctx context.Context) (sensor.Reading, error) {
	deadline := time.Now().Add(sds011ReadTimeout)

	frame, err := s.readFrame(ctx, deadline)
	if err != nil {
		return sensor.Reading{}, err
	}

	pm25, pm10, err := decodeSDS011(frame)
	if err != nil {
		return sensor.Reading{}, err
	}

	return sensor.Reading{
		Kind: sensor.KindSDS011,
		Time: time.Now(),
		Fields: []sensor.Field{
			{Key: "air_quality_pm2_5", Value: pm25},
			{Key: "air_quality_pm10", Value: pm10},
		},
	}, nil
}

// readFrame scans the byte stream for the next frame head and returns
// the full ten bytes. The serial port's own read timeout keeps each
// Read bounded so ctx is re-checked between short reads.
func (s *SDS011) readFrame(ctx context.Context, deadline time.Time) ([]byte, error) {
	frame := make([]byte, sds011FrameLen)
	n := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("sds011: no frame within %s", sds011ReadTimeout)
		}

		m, err := s.port.Read(frame[n:])
		if err != nil {
			return nil, fmt.Errorf("sds011 read: %w", err)
		}
		n += m

		// Resynchronize: discard everything before a frame head.
		for n > 0 && frame[0] != sds011Head {
			copy(frame, frame[1:n])
			n--
		}
		if n >= 2 && frame[1] != sds011CmdID {
			// Some other report type; drop the head byte and rescan.
			copy(frame, frame[1:n])
			n--
			continue
		}
		if n == sds011FrameLen {
			return frame, nil
		}
	}
}

// decodeSDS011 validates and unpacks one frame into µg/m³ values.
func decodeSDS011(frame []byte) (pm25, pm10 float64, err error) {
	if len(frame) != sds011FrameLen || frame[0] != sds011Head || frame[1] != sds011CmdID {
		return 0, 0, fmt.Errorf("sds011: malformed frame header % X", frame[:2])
	}
	if frame[9] != sds011Tail {
		return 0, 0, fmt.Errorf("sds011: malformed frame tail %#x", frame[9])
	}

	var sum byte
	for _, b := range frame[2:8] {
		sum += b
	}
	if sum != frame[8] {
		return 0, 0, fmt.Errorf("sds011: checksum mismatch (got %#x, want %#x)", frame[8], sum)
	}

	pm25 = float64(uint16(frame[2])|uint16(frame[3])<<8) / 10
	pm10 = float64(uint16(frame[4])|uint16(frame[5])<<8) / 10
	return pm25, pm10, nil
}
