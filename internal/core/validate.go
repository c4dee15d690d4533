package core

import (
	"fmt"
	"strings"
)

const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// ValidateAreaCode checks a two-letter US state/area code and returns its
// canonical uppercase form. Validation happens before any network call.
func ValidateAreaCode(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if len(c) != 2 {
		return "", fmt.Errorf("state must be a two-letter code, got %q", code)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("state must contain only letters, got %q", code)
		}
	}
	return c, nil
}

// ValidateCoordinates range-checks a latitude/longitude pair, each
// independently, before any network call.
func ValidateCoordinates(lat, lon float64) error {
	if lat < MinLatitude || lat > MaxLatitude {
		return fmt.Errorf("latitude must be between %.0f and %.0f, got %g", MinLatitude, MaxLatitude, lat)
	}
	if lon < MinLongitude || lon > MaxLongitude {
		return fmt.Errorf("longitude must be between %.0f and %.0f, got %g", MinLongitude, MaxLongitude, lon)
	}
	return nil
}
