package types

import (
	"encoding/json"
	"time"
)

// Origin tags which entry path delivered a reading.
type Origin string

const (
	OriginMQTT Origin = "MQTT"
	OriginHTTP Origin = "HTTP"
)

func (o Origin) Valid() bool {
	return o == OriginMQTT || o == OriginHTTP
}

type Status string

const (
	StatusNormal  Status = "NORMAL"
	StatusSuspect Status = "SUSPECT"
)

// RawReading is an untrusted payload. Fields stay undecoded so that absent,
// null and wrongly typed values can be told apart during normalization.
// The Spanish keys are the ones sent by older field clients.
type RawReading struct {
	RoomID       json.RawMessage `json:"room_id,omitempty"`
	SensorID     json.RawMessage `json:"sensor_id,omitempty"`
	TemperatureC json.RawMessage `json:"temperature_c,omitempty"`
	HumidityPct  json.RawMessage `json:"humidity_pct,omitempty"`
	CapturedAt   json.RawMessage `json:"captured_at,omitempty"`

	LegacyRoomID       json.RawMessage `json:"cuarto_id,omitempty"`
	LegacyTemperatureC json.RawMessage `json:"temperatura_c,omitempty"`
	LegacyHumidityPct  json.RawMessage `json:"humedad_pct,omitempty"`
	LegacyCapturedAt   json.RawMessage `json:"tomado_en_utc,omitempty"`
}

type CanonicalReading struct {
	RoomID       int64     `json:"room_id"`
	SensorID     int64     `json:"sensor_id"`
	TemperatureC float64   `json:"temperature_c"`
	HumidityPct  float64   `json:"humidity_pct"`
	Origin       Origin    `json:"origin"`
	CapturedAt   time.Time `json:"captured_at"`
}

type ClassifiedReading struct {
	CanonicalReading
	Status Status `json:"status"`
}

// StoredReading is a reading after it has been committed. It is never
// mutated once created.
type StoredReading struct {
	ID int64 `json:"id"`
	ClassifiedReading
	PersistedAt time.Time `json:"persisted_at"`
}
