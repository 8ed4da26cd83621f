// README: Google Maps geocoder turning property addresses into coordinates for verification.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"proptrack/internal/types"
)

var (
	ErrNoAddress = errors.New("address is required")
	ErrNoMatch   = errors.New("address not found")
)

// GeocodeService resolves addresses with the Google Geocoding API.
type GeocodeService struct {
	client *maps.Client
	region string
}

// NewGeocodeService creates a GeocodeService with the given API key. region is
// an optional ccTLD bias such as "zw".
func NewGeocodeService(apiKey, region string) (*GeocodeService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GeocodeService{client: client, region: region}, nil
}

// Geocode returns the location of the best match for address.
func (s *GeocodeService) Geocode(ctx context.Context, address string) (types.Point, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return types.Point{}, ErrNoAddress
	}
	results, err := s.client.Geocode(ctx, &maps.GeocodingRequest{
		Address: address,
		Region:  s.region,
	})
	if err != nil {
		return types.Point{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(results) == 0 {
		return types.Point{}, fmt.Errorf("%w: %q", ErrNoMatch, address)
	}
	loc := results[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}
