package travel

import (
	"context"
	"math"
	"time"

	"flexbus/internal/model"
)

// Provider supplies a-priori driving-time estimates between points. The
// returned matrix is square: m[i][j] is the estimated drive from points[i]
// to points[j].
type Provider interface {
	Matrix(ctx context.Context, points []model.GeoPoint) ([][]time.Duration, error)
}

// Haversine estimates drive times from great-circle distance at a fixed
// average speed. It is the default provider and needs no network.
type Haversine struct {
	SpeedKph float64
}

func NewHaversine(speedKph float64) *Haversine {
	if speedKph <= 0 {
		speedKph = 35
	}
	return &Haversine{SpeedKph: speedKph}
}

func (h *Haversine) Matrix(_ context.Context, points []model.GeoPoint) ([][]time.Duration, error) {
	m := make([][]time.Duration, len(points))
	for i := range points {
		m[i] = make([]time.Duration, len(points))
		for j := range points {
			if i == j {
				continue
			}
			meters := haversineMeters(points[i].Lat, points[i].Lng, points[j].Lat, points[j].Lng)
			secs := meters / (h.SpeedKph * 1000 / 3600)
			m[i][j] = time.Duration(secs * float64(time.Second))
		}
	}
	return m, nil
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Scale multiplies every entry of the matrix by factor. Used to apply the
// configured slack on top of raw driving estimates.
func Scale(m [][]time.Duration, factor float64) [][]time.Duration {
	if factor <= 0 || factor == 1 {
		return m
	}
	out := make([][]time.Duration, len(m))
	for i, row := range m {
		out[i] = make([]time.Duration, len(row))
		for j, d := range row {
			out[i][j] = time.Duration(float64(d) * factor)
		}
	}
	return out
}
