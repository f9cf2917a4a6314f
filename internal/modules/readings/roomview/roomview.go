// Package roomview folds a stream of stored readings into the most recent
// reading per room. It knows nothing about transports: feed it from the hub,
// from a history load, or from a decoded push-channel frame.
package roomview

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sosodev/duration"

	"coldroom-server/internal/modules/readings/types"
)

// Unavailable replaces a measurement the reading did not carry.
const Unavailable = "unavailable"

type KeyKind string

const (
	KeyRoom   KeyKind = "room"
	KeySensor KeyKind = "sensor"
)

type Key struct {
	Kind KeyKind
	ID   int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Kind, k.ID)
}

// KeyOf groups by room, or by sensor when the reading has no room.
func KeyOf(r types.StoredReading) Key {
	if r.RoomID != 0 {
		return Key{Kind: KeyRoom, ID: r.RoomID}
	}
	return Key{Kind: KeySensor, ID: r.SensorID}
}

type Snapshot struct {
	Key     Key
	Reading types.StoredReading
}

type View struct {
	mu    sync.RWMutex
	snaps map[Key]types.StoredReading
}

func NewView() *View {
	return &View{snaps: make(map[Key]types.StoredReading)}
}

// Apply keeps r only if it was captured strictly after the current snapshot
// for its key. It reports whether the view changed.
func (v *View) Apply(r types.StoredReading) bool {
	k := KeyOf(r)
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.snaps[k]; ok && !r.CapturedAt.After(cur.CapturedAt) {
		return false
	}
	v.snaps[k] = r
	return true
}

// Snapshots returns rooms first, then sensor-only keys, each by id.
func (v *View) Snapshots() []Snapshot {
	v.mu.RLock()
	out := make([]Snapshot, 0, len(v.snaps))
	for k, r := range v.snaps {
		out = append(out, Snapshot{Key: k, Reading: r})
	}
	v.mu.RUnlock()

	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := cmp.Compare(a.Key.Kind, b.Key.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.ID, b.Key.ID)
	})
	return out
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.snaps)
}

// Fold applies events in order. A nil view starts a fresh one.
func Fold(v *View, events []types.StoredReading) *View {
	if v == nil {
		v = NewView()
	}
	for _, e := range events {
		v.Apply(e)
	}
	return v
}

// Follow applies every event from the channel until it is closed.
func (v *View) Follow(events <-chan types.StoredReading) {
	for e := range events {
		v.Apply(e)
	}
}

// Card is the display model of one snapshot. Age is derived from now at
// render time and never stored.
type Card struct {
	Key         string       `json:"key"`
	RoomID      int64        `json:"room_id,omitempty"`
	SensorID    int64        `json:"sensor_id"`
	Temperature string       `json:"temperature_c"`
	Humidity    string       `json:"humidity_pct"`
	Status      types.Status `json:"status"`
	Origin      types.Origin `json:"origin"`
	CapturedAt  time.Time    `json:"captured_at"`
	Age         string       `json:"age"`
	AgeISO      string       `json:"age_iso8601"`
}

func Render(s Snapshot, now time.Time) Card {
	r := s.Reading
	age := now.Sub(r.CapturedAt)
	if age < 0 {
		age = 0
	}
	return Card{
		Key:         s.Key.String(),
		RoomID:      r.RoomID,
		SensorID:    r.SensorID,
		Temperature: formatMeasurement(r.TemperatureC),
		Humidity:    formatMeasurement(r.HumidityPct),
		Status:      r.Status,
		Origin:      r.Origin,
		CapturedAt:  r.CapturedAt,
		Age:         humanAge(age),
		AgeISO:      duration.FromTimeDuration(age.Truncate(time.Second)).String(),
	}
}

// RenderAll renders every snapshot of v in Snapshots order.
func RenderAll(v *View, now time.Time) []Card {
	snaps := v.Snapshots()
	out := make([]Card, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, Render(s, now))
	}
	return out
}

func formatMeasurement(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Unavailable
	}
	return fmt.Sprintf("%.2f", f)
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "a few seconds ago"
	case d < time.Hour:
		return fmt.Sprintf("%d min ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d h ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%d d ago", int(d/(24*time.Hour)))
	}
}

// event mirrors the wire form of a stored reading with optional measurements.
type event struct {
	ID           int64        `json:"id"`
	RoomID       int64        `json:"room_id"`
	SensorID     int64        `json:"sensor_id"`
	TemperatureC *float64     `json:"temperature_c"`
	HumidityPct  *float64     `json:"humidity_pct"`
	Origin       types.Origin `json:"origin"`
	Status       types.Status `json:"status"`
	CapturedAt   time.Time    `json:"captured_at"`
	PersistedAt  time.Time    `json:"persisted_at"`
}

// DecodeEvent parses a pushed or historical reading. Absent or null
// measurements become NaN so that Render shows them as Unavailable.
func DecodeEvent(data []byte) (types.StoredReading, error) {
	var e event
	if err := json.Unmarshal(data, &e); err != nil {
		return types.StoredReading{}, fmt.Errorf("decode reading event: %w", err)
	}
	return types.StoredReading{
		ID: e.ID,
		ClassifiedReading: types.ClassifiedReading{
			CanonicalReading: types.CanonicalReading{
				RoomID:       e.RoomID,
				SensorID:     e.SensorID,
				TemperatureC: orNaN(e.TemperatureC),
				HumidityPct:  orNaN(e.HumidityPct),
				Origin:       e.Origin,
				CapturedAt:   e.CapturedAt,
			},
			Status: e.Status,
		},
		PersistedAt: e.PersistedAt,
	}, nil
}

func orNaN(f *float64) float64 {
	if f == nil {
		return math.NaN()
	}
	return *f
}
