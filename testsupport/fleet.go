// Package testsupport generates a synthetic stream of vehicle GPS reports
// for integration tests, standing in for the load-test-style replay client
// in original_source/locustfile.py (a Locust user that replays a recorded
// fleet's interpolated positions against an HTTP endpoint). This module
// has no HTTP ingress to drive — records are appended straight to the
// broker instead — so Fleet reimplements only the part of locustfile.py
// that matters to a test: a deterministic, per-vehicle, ever-advancing
// sequence of positions.
package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pybrook/pybrook/broker"
)

// Report is one simulated GPS reading, shaped to match a splitter's
// declared input report fields (vehicle_id, lat, lon).
type Report struct {
	VehicleID string  `json:"vehicle_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Time      string  `json:"time"`
}

// vehicle is one fleet member's linear motion state: locustfile.py
// interpolates between recorded waypoints, but a straight-line walk is
// enough to exercise ordering and history accumulation in tests.
type vehicle struct {
	id         string
	lat, lon   float64
	dLat, dLon float64
}

// Fleet is a fixed set of vehicles, each moving along its own straight
// line, one step per Tick.
type Fleet struct {
	vehicles []*vehicle
}

// NewFleet creates n vehicles, each starting from a distinct origin offset
// and moving at a distinct, fixed per-tick delta so every vehicle produces
// a distinguishable path.
func NewFleet(n int) *Fleet {
	f := &Fleet{vehicles: make([]*vehicle, n)}
	for i := 0; i < n; i++ {
		f.vehicles[i] = &vehicle{
			id:   fmt.Sprintf("V%d", i+1),
			lat:  float64(i),
			lon:  float64(i),
			dLat: 0.01,
			dLon: 0.01 * float64(i+1),
		}
	}
	return f
}

// Tick advances every vehicle by one step and returns their reports,
// timestamped at now.
func (f *Fleet) Tick(now time.Time) []Report {
	reports := make([]Report, len(f.vehicles))
	for i, v := range f.vehicles {
		v.lat += v.dLat
		v.lon += v.dLon
		reports[i] = Report{
			VehicleID: v.id,
			Lat:       v.lat,
			Lon:       v.lon,
			Time:      now.UTC().Format(time.RFC3339Nano),
		}
	}
	return reports
}

// Publish appends ticks worth of every vehicle's report to stream through
// client, pacing writes by interval — the role locustfile.py's
// between(5, 10) wait plays for HTTP load, reimplemented as a direct
// broker append loop since this module exposes no HTTP ingress to drive.
// It returns every appended report in emission order.
func (f *Fleet) Publish(ctx context.Context, client *broker.Client, stream string, ticks int, interval time.Duration) ([]Report, error) {
	var all []Report
	for i := 0; i < ticks; i++ {
		for _, report := range f.Tick(time.Now()) {
			data, err := json.Marshal(report)
			if err != nil {
				return all, err
			}
			if _, err := client.Append(ctx, stream, data); err != nil {
				return all, err
			}
			all = append(all, report)
		}
		if interval > 0 && i < ticks-1 {
			select {
			case <-ctx.Done():
				return all, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return all, nil
}
