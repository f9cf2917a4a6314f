package roomview

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sosodev/duration"
	"github.com/stretchr/testify/require"

	"coldroom-server/internal/modules/readings/types"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func ev(id, room, sensor int64, temp float64, captured time.Time) types.StoredReading {
	return types.StoredReading{
		ID: id,
		ClassifiedReading: types.ClassifiedReading{
			CanonicalReading: types.CanonicalReading{
				RoomID:       room,
				SensorID:     sensor,
				TemperatureC: temp,
				HumidityPct:  60,
				Origin:       types.OriginMQTT,
				CapturedAt:   captured,
			},
			Status: types.StatusNormal,
		},
		PersistedAt: captured.Add(time.Second),
	}
}

func TestApply_StaleWriteRejected(t *testing.T) {
	v := NewView()
	newer := ev(2, 1, 1, 5.0, t0.Add(time.Minute))
	older := ev(3, 1, 2, 9.0, t0)

	require.True(t, v.Apply(newer))
	require.False(t, v.Apply(older))

	snaps := v.Snapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, int64(2), snaps[0].Reading.ID)
}

func TestApply_EqualInstantIgnored(t *testing.T) {
	v := NewView()
	require.True(t, v.Apply(ev(1, 1, 1, 5.0, t0)))
	require.False(t, v.Apply(ev(2, 1, 1, 6.0, t0)))
	require.Equal(t, int64(1), v.Snapshots()[0].Reading.ID)
}

func TestApply_NewerReplaces(t *testing.T) {
	v := NewView()
	require.True(t, v.Apply(ev(1, 1, 1, 5.0, t0)))
	require.True(t, v.Apply(ev(2, 1, 4, 6.0, t0.Add(time.Nanosecond))))
	require.Equal(t, int64(2), v.Snapshots()[0].Reading.ID)
}

func TestKeyOf_FallsBackToSensor(t *testing.T) {
	require.Equal(t, Key{Kind: KeyRoom, ID: 3}, KeyOf(ev(1, 3, 9, 0, t0)))
	require.Equal(t, Key{Kind: KeySensor, ID: 9}, KeyOf(ev(1, 0, 9, 0, t0)))
	require.Equal(t, "sensor:9", KeyOf(ev(1, 0, 9, 0, t0)).String())
}

func TestFold_ReplayIdempotent(t *testing.T) {
	stream := []types.StoredReading{
		ev(1, 1, 1, 2.0, t0),
		ev(2, 2, 5, 3.0, t0.Add(time.Minute)),
		ev(3, 1, 1, 2.5, t0.Add(2*time.Minute)),
		ev(4, 1, 1, 9.9, t0.Add(time.Minute)), // late arrival, older capture
		ev(5, 0, 8, 1.0, t0),
	}

	once := Fold(nil, stream)
	twice := Fold(Fold(nil, stream), stream)
	require.Equal(t, once.Snapshots(), twice.Snapshots())

	snaps := once.Snapshots()
	require.Len(t, snaps, 3)
	require.Equal(t, Key{Kind: KeyRoom, ID: 1}, snaps[0].Key)
	require.Equal(t, int64(3), snaps[0].Reading.ID)
	require.Equal(t, Key{Kind: KeyRoom, ID: 2}, snaps[1].Key)
	require.Equal(t, Key{Kind: KeySensor, ID: 8}, snaps[2].Key)
}

func TestFold_OrderIndependentFinalState(t *testing.T) {
	a := ev(1, 1, 1, 1, t0)
	b := ev(2, 1, 1, 2, t0.Add(time.Minute))

	require.Equal(t,
		Fold(nil, []types.StoredReading{a, b}).Snapshots(),
		Fold(nil, []types.StoredReading{b, a}).Snapshots(),
	)
}

func TestFollow(t *testing.T) {
	v := NewView()
	ch := make(chan types.StoredReading, 3)
	ch <- ev(1, 1, 1, 1, t0)
	ch <- ev(2, 2, 1, 1, t0)
	close(ch)

	v.Follow(ch)
	require.Equal(t, 2, v.Len())
}

func TestView_ConcurrentApply(t *testing.T) {
	v := NewView()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v.Apply(ev(int64(i), int64(i%5+1), 1, 1, t0.Add(time.Duration(i)*time.Second)))
			_ = v.Snapshots()
		}(i)
	}
	wg.Wait()

	for _, s := range v.Snapshots() {
		// Highest i for room r is 95+r-1.
		want := t0.Add(time.Duration(95+s.Key.ID-1) * time.Second)
		require.True(t, s.Reading.CapturedAt.Equal(want), "room %d: got %s want %s", s.Key.ID, s.Reading.CapturedAt, want)
	}
}

func TestRender(t *testing.T) {
	s := Snapshot{Key: Key{Kind: KeyRoom, ID: 1}, Reading: ev(7, 1, 3, 4.2, t0)}

	card := Render(s, t0.Add(5*time.Minute+10*time.Second))
	require.Equal(t, "room:1", card.Key)
	require.Equal(t, "4.20", card.Temperature)
	require.Equal(t, "60.00", card.Humidity)
	require.Equal(t, "5 min ago", card.Age)

	d, err := duration.Parse(card.AgeISO)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute+10*time.Second, d.ToTimeDuration())
}

func TestRender_AgeRecomputedFromNow(t *testing.T) {
	s := Snapshot{Key: Key{Kind: KeyRoom, ID: 1}, Reading: ev(7, 1, 3, 4.2, t0)}

	tests := []struct {
		after time.Duration
		want  string
	}{
		{after: -time.Minute, want: "a few seconds ago"},
		{after: 10 * time.Second, want: "a few seconds ago"},
		{after: 59 * time.Minute, want: "59 min ago"},
		{after: 3 * time.Hour, want: "3 h ago"},
		{after: 50 * time.Hour, want: "2 d ago"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Render(s, t0.Add(tt.after)).Age, "after %s", tt.after)
	}
}

func TestRender_MissingMeasurementsAreUnavailable(t *testing.T) {
	r, err := DecodeEvent([]byte(`{"id":9,"room_id":2,"sensor_id":4,"temperature_c":null,"status":"NORMAL","captured_at":"2026-04-01T08:00:00Z"}`))
	require.NoError(t, err)
	require.True(t, math.IsNaN(r.TemperatureC))

	card := Render(Snapshot{Key: KeyOf(r), Reading: r}, t0)
	require.Equal(t, Unavailable, card.Temperature)
	require.Equal(t, Unavailable, card.Humidity)
	require.NotEqual(t, "0.00", card.Temperature)
}

func TestDecodeEvent(t *testing.T) {
	r, err := DecodeEvent([]byte(`{"id":1,"room_id":1,"sensor_id":7,"temperature_c":4.2,"humidity_pct":55,"origin":"HTTP","status":"NORMAL","captured_at":"2026-04-01T08:00:00Z","persisted_at":"2026-04-01T08:00:01Z"}`))
	require.NoError(t, err)
	require.Equal(t, 4.2, r.TemperatureC)
	require.Equal(t, 55.0, r.HumidityPct)
	require.Equal(t, types.OriginHTTP, r.Origin)
	require.True(t, r.CapturedAt.Equal(t0))

	_, err = DecodeEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestRenderAll(t *testing.T) {
	v := Fold(nil, []types.StoredReading{ev(1, 2, 1, 1, t0), ev(2, 1, 1, 1, t0)})
	cards := RenderAll(v, t0)
	require.Len(t, cards, 2)
	require.Equal(t, "room:1", cards[0].Key)
	require.Equal(t, "room:2", cards[1].Key)
}
