// Package classify tags canonical readings as NORMAL or SUSPECT.
package classify

import "coldroom-server/internal/modules/readings/types"

// Thresholds are the inclusive bounds of a NORMAL reading.
type Thresholds struct {
	TempMin     float64
	TempMax     float64
	HumidityMin float64
	HumidityMax float64
}

var DefaultThresholds = Thresholds{
	TempMin:     -40,
	TempMax:     80,
	HumidityMin: 0,
	HumidityMax: 100,
}

func (t Thresholds) Classify(r types.CanonicalReading) types.ClassifiedReading {
	status := types.StatusNormal
	if r.TemperatureC < t.TempMin || r.TemperatureC > t.TempMax ||
		r.HumidityPct < t.HumidityMin || r.HumidityPct > t.HumidityMax {
		status = types.StatusSuspect
	}
	return types.ClassifiedReading{CanonicalReading: r, Status: status}
}
