// Package measure converts sensor readings into wire payloads. The
// composer is a pure transform: no network or storage side effects, and
// identical readings always produce byte-identical payloads.
package measure

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	protocol "github.com/influxdata/line-protocol"

	"github.com/envsense/envnode/internal/config"
	"github.com/envsense/envnode/internal/sensor"
)

// measurementName is the line-protocol measurement all readings publish
// under.
const measurementName = "weather"

// Payload is one encoded measurement ready for transport.
type Payload struct {
	Bytes []byte
	Topic string
}

// Composer encodes readings with the configured encoding and stamps the
// configured topic.
type Composer struct {
	encoding string
	topic    string
}

// NewComposer returns a composer for the given encoding (influx or
// json) and target topic.
func NewComposer(encoding, topic string) (*Composer, error) {
	switch encoding {
	case config.EncodingInflux, config.EncodingJSON:
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
	return &Composer{encoding: encoding, topic: topic}, nil
}

// Compose encodes one reading.
func (c *Composer) Compose(r sensor.Reading) (Payload, error) {
	var (
		data []byte
		err  error
	)
	switch c.encoding {
	case config.EncodingInflux:
		data, err = encodeInflux(r)
	case config.EncodingJSON:
		data, err = encodeJSON(r)
	}
	if err != nil {
		return Payload{}, err
	}
	return Payload{Bytes: data, Topic: c.topic}, nil
}

// lpMetric adapts a reading to the line-protocol encoder's Metric
// interface.
type lpMetric struct {
	r sensor.Reading
}

func (m lpMetric) Time() time.Time { return m.r.Time }
func (m lpMetric) Name() string    { return measurementName }

func (m lpMetric) TagList() []*protocol.Tag {
	return []*protocol.Tag{{Key: "location", Value: m.r.Location}}
}

func (m lpMetric) FieldList() []*protocol.Field {
	fields := make([]*protocol.Field, 0, len(m.r.Fields))
	for _, f := range m.r.Fields {
		fields = append(fields, &protocol.Field{Key: f.Key, Value: f.Value})
	}
	return fields
}

// encodeInflux renders `weather,location=<loc> f1=v1,f2=v2 <ts>`.
// Fields are sorted by the encoder so equal readings encode equally
// regardless of how the driver ordered them.
func encodeInflux(r sensor.Reading) ([]byte, error) {
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	enc.SetFieldSortOrder(protocol.SortFields)
	enc.SetPrecision(time.Nanosecond)

	if _, err := enc.Encode(lpMetric{r}); err != nil {
		return nil, fmt.Errorf("encode line protocol: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeJSON renders `{"location":"…","field":value,…}` with fields in
// reading order and numbers unquoted in their shortest decimal form.
func encodeJSON(r sensor.Reading) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"location":`)
	loc, err := json.Marshal(r.Location)
	if err != nil {
		return nil, fmt.Errorf("encode location: %w", err)
	}
	buf.Write(loc)

	for _, f := range r.Fields {
		buf.WriteByte(',')
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, fmt.Errorf("encode field key %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(f.Value, 'f', -1, 64))
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
