// Package normalize turns untrusted payloads into canonical readings.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/relvacode/iso8601"

	"coldroom-server/internal/modules/readings/types"
)

var (
	ErrMissingField       = errors.New("missing field")
	ErrInvalidMeasurement = errors.New("invalid measurement")
	ErrMalformedPayload   = errors.New("malformed payload")
)

// DecodeRaw decodes a JSON object into a RawReading. Anything that is not a
// JSON object is ErrMalformedPayload.
func DecodeRaw(payload []byte) (types.RawReading, error) {
	var raw types.RawReading
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, fmt.Errorf("%w: expected a JSON object", ErrMalformedPayload)
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return raw, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return raw, nil
}

// Normalize validates raw and returns its canonical form. now is used as the
// capture instant when the client did not send a usable one.
func Normalize(raw types.RawReading, origin types.Origin, now time.Time) (types.CanonicalReading, error) {
	roomID, err := integer(pick(raw.RoomID, raw.LegacyRoomID))
	if err != nil {
		return types.CanonicalReading{}, fmt.Errorf("%w: room_id %v", ErrMissingField, err)
	}
	sensorID, err := integer(raw.SensorID)
	if err != nil {
		return types.CanonicalReading{}, fmt.Errorf("%w: sensor_id %v", ErrMissingField, err)
	}
	temp, err := measurement(pick(raw.TemperatureC, raw.LegacyTemperatureC))
	if err != nil {
		return types.CanonicalReading{}, fmt.Errorf("%w: temperature_c %v", ErrInvalidMeasurement, err)
	}
	hum, err := measurement(pick(raw.HumidityPct, raw.LegacyHumidityPct))
	if err != nil {
		return types.CanonicalReading{}, fmt.Errorf("%w: humidity_pct %v", ErrInvalidMeasurement, err)
	}

	capturedAt, ok := instant(pick(raw.CapturedAt, raw.LegacyCapturedAt))
	if !ok {
		capturedAt = now
	}

	return types.CanonicalReading{
		RoomID:       roomID,
		SensorID:     sensorID,
		TemperatureC: temp,
		HumidityPct:  hum,
		Origin:       origin,
		CapturedAt:   capturedAt.UTC(),
	}, nil
}

// pick returns the first value that was actually present in the payload.
func pick(primary, legacy json.RawMessage) json.RawMessage {
	if isAbsent(primary) {
		return legacy
	}
	return primary
}

func isAbsent(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func number(v json.RawMessage) (string, error) {
	if isAbsent(v) {
		return "", errors.New("is absent")
	}
	t := bytes.TrimSpace(v)
	if t[0] != '-' && (t[0] < '0' || t[0] > '9') {
		return "", fmt.Errorf("is not a number: %s", t)
	}
	return string(t), nil
}

func integer(v json.RawMessage) (int64, error) {
	s, err := number(v)
	if err != nil {
		return 0, err
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	// float64(math.MaxInt64) rounds up to 2^63, so the bounds are exact powers.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || f != math.Trunc(f) || f >= 0x1p63 || f < -0x1p63 {
		return 0, fmt.Errorf("is not an integer: %s", s)
	}
	return int64(f), nil
}

func measurement(v json.RawMessage) (float64, error) {
	s, err := number(v)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("is not a finite number: %s", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("is not a finite number: %s", s)
	}
	return f, nil
}

// instant parses an ISO 8601 string. Values without a zone are taken as UTC.
func instant(v json.RawMessage) (time.Time, bool) {
	if isAbsent(v) {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return time.Time{}, false
	}
	t, err := iso8601.ParseString(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
