package main

import (
	"context"
	"fmt"
	"math"

	"github.com/pybrook/pybrook/model"
)

// builtinModel returns the reference vehicle-fleet telemetry model used when
// no --model file is given: a GPS input report carrying lat/lon per
// vehicle, a direction field derived from the current and immediately
// preceding position (spec.md §8 scenario 1), a speed field averaged over
// a short historical window, and an output report assembling both.
func builtinModel() model.ModelDef {
	return model.ModelDef{
		Inputs: []model.InputReport{
			{
				Name:    "gps_report",
				IDField: "vehicle_id",
				Fields: []model.Field{
					{Name: "lat", Kind: model.FieldKindSource},
					{Name: "lon", Kind: model.FieldKindSource},
				},
			},
		},
		Fields: []model.FieldDef{
			model.RegisterField("direction",
				append(model.CurrentDeps("lat", "lon"),
					model.HistoricalDep("lat", 2), model.HistoricalDep("lon", 2)),
				computeDirection),
			model.RegisterField("speed",
				[]model.Dependency{model.HistoricalDep("lat", 5), model.HistoricalDep("lon", 5)},
				computeSpeed),
		},
		Outputs: []model.OutputReport{
			{
				Name: "vehicle_motion",
				Fields: []model.FieldRef{
					{Name: "lat"}, {Name: "lon"}, {Name: "direction"}, {Name: "speed"},
				},
			},
		},
	}
}

// computeDirection implements spec.md §8 scenario 1: the bearing in degrees
// from the previous position to the current one, or nil when there is no
// previous position yet (the history window's most recent past entry is
// null).
func computeDirection(_ context.Context, current model.Values, hist model.History) (any, error) {
	lat, ok := current.GetFloat64("lat")
	if !ok {
		return nil, fmt.Errorf("direction: missing current lat")
	}
	lon, ok := current.GetFloat64("lon")
	if !ok {
		return nil, fmt.Errorf("direction: missing current lon")
	}

	prevLat, prevLon, ok := previousPosition(hist)
	if !ok {
		return nil, nil
	}

	dLon := lon - prevLon
	dLat := lat - prevLat
	if dLat == 0 && dLon == 0 {
		return nil, nil
	}

	deg := math.Atan2(dLon, dLat) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg, nil
}

// computeSpeed averages consecutive-position displacement over the
// historical window, giving a coarse speed-over-ground reading with no
// time component (the model does not track per-report timestamps).
func computeSpeed(_ context.Context, _ model.Values, hist model.History) (any, error) {
	lats := floats(hist.Get("lat"))
	lons := floats(hist.Get("lon"))
	if len(lats) < 2 || len(lons) < 2 {
		return nil, nil
	}

	var total float64
	var n int
	for i := 1; i < len(lats); i++ {
		if lats[i-1] == nil || lats[i] == nil || lons[i-1] == nil || lons[i] == nil {
			continue
		}
		dLat := *lats[i] - *lats[i-1]
		dLon := *lons[i] - *lons[i-1]
		total += math.Hypot(dLat, dLon)
		n++
	}
	if n == 0 {
		return nil, nil
	}
	return total / float64(n), nil
}

// previousPosition returns the most recent past (lat, lon) pair preceding
// the current report, or ok=false when that slot is still null.
func previousPosition(hist model.History) (lat, lon float64, ok bool) {
	lats := hist.Get("lat")
	lons := hist.Get("lon")
	if len(lats) < 1 || len(lons) < 1 {
		return 0, 0, false
	}
	latV, latOK := lats[len(lats)-1].(float64)
	lonV, lonOK := lons[len(lons)-1].(float64)
	if !latOK || !lonOK {
		return 0, 0, false
	}
	return latV, lonV, true
}

// floats converts a history window of untyped values to *float64, nil for
// entries that are absent (null) or not numeric.
func floats(window []any) []*float64 {
	out := make([]*float64, len(window))
	for i, v := range window {
		if f, ok := v.(float64); ok {
			val := f
			out[i] = &val
		}
	}
	return out
}
