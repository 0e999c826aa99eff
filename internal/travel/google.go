package travel

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"flexbus/internal/model"
)

// GoogleMatrix queries the Distance Matrix API for real driving times. It
// falls back to the haversine estimate for any element the API could not
// resolve.
type GoogleMatrix struct {
	client   *maps.Client
	fallback *Haversine
}

func NewGoogleMatrix(apiKey string, speedKph float64) (*GoogleMatrix, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	return &GoogleMatrix{client: c, fallback: NewHaversine(speedKph)}, nil
}

func (g *GoogleMatrix) Matrix(ctx context.Context, points []model.GeoPoint) ([][]time.Duration, error) {
	if len(points) == 0 {
		return nil, nil
	}
	coords := make([]string, len(points))
	for i, p := range points {
		coords[i] = fmt.Sprintf("%f,%f", p.Lat, p.Lng)
	}
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      coords,
		Destinations: coords,
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return nil, fmt.Errorf("distance matrix: %w", err)
	}
	est, _ := g.fallback.Matrix(ctx, points)
	out := make([][]time.Duration, len(points))
	for i := range points {
		out[i] = make([]time.Duration, len(points))
		for j := range points {
			out[i][j] = est[i][j]
			if i < len(resp.Rows) && j < len(resp.Rows[i].Elements) {
				el := resp.Rows[i].Elements[j]
				if el.Status == "OK" && el.Duration > 0 {
					out[i][j] = el.Duration
				}
			}
		}
	}
	return out, nil
}
