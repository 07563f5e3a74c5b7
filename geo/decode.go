// Package geo converts raw degrees/minutes/seconds positions into decimal
// degree coordinates.
package geo

import (
	"fmt"
	"math"
	"strings"
)

// Axis selects which half of a coordinate a DMS triple describes.
type Axis int

const (
	Latitude Axis = iota
	Longitude
)

func (a Axis) String() string {
	if a == Longitude {
		return "longitude"
	}
	return "latitude"
}

func (a Axis) limit() float64 {
	if a == Longitude {
		return 180
	}
	return 90
}

// Coordinate is a position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Cell returns the label of the one-degree grid cell containing c, for
// example "N39E116" or "S34W071".
func (c Coordinate) Cell() string {
	ns, ew := "N", "E"
	if c.Latitude < 0 {
		ns = "S"
	}
	if c.Longitude < 0 {
		ew = "W"
	}
	lat := int(math.Floor(math.Abs(c.Latitude)))
	lon := int(math.Floor(math.Abs(c.Longitude)))
	return fmt.Sprintf("%s%02d%s%03d", ns, lat, ew, lon)
}

// RawGeoTag is the positional data as exposed by an artifact's metadata.
// Each axis is expected to hold degrees, minutes and seconds in that order.
type RawGeoTag struct {
	Latitude     []float64
	LatitudeRef  string
	Longitude    []float64
	LongitudeRef string

	// Raw is the undecoded form, kept for diagnostics.
	Raw string
}

// DecodeFailure reports a geotag that could not be normalized.
type DecodeFailure struct {
	Raw    string
	Reason string
}

func (e *DecodeFailure) Error() string {
	return fmt.Sprintf("decode geotag %q: %s", e.Raw, e.Reason)
}

// Decode normalizes raw to decimal degrees. Every malformed input yields a
// *DecodeFailure; Decode never panics.
func Decode(raw RawGeoTag) (Coordinate, error) {
	lat, err := decodeAxis(Latitude, raw.Latitude, raw.LatitudeRef)
	if err != nil {
		return Coordinate{}, &DecodeFailure{Raw: raw.snippet(), Reason: err.Error()}
	}
	lon, err := decodeAxis(Longitude, raw.Longitude, raw.LongitudeRef)
	if err != nil {
		return Coordinate{}, &DecodeFailure{Raw: raw.snippet(), Reason: err.Error()}
	}
	return Coordinate{Latitude: lat, Longitude: lon}, nil
}

func decodeAxis(axis Axis, dms []float64, ref string) (float64, error) {
	if len(dms) != 3 {
		return 0, fmt.Errorf("%s: want degrees, minutes and seconds, got %d fields", axis, len(dms))
	}
	for i, v := range dms {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%s: field %d is not finite", axis, i)
		}
		if v < 0 {
			return 0, fmt.Errorf("%s: field %d is negative", axis, i)
		}
		if i > 0 && v >= 60 {
			return 0, fmt.Errorf("%s: field %d is %g, want below 60", axis, i, v)
		}
	}

	sign, err := refSign(axis, ref)
	if err != nil {
		return 0, err
	}

	decimal := dms[0] + dms[1]/60 + dms[2]/3600
	if decimal > axis.limit() {
		return 0, fmt.Errorf("%s: %.6f out of range", axis, decimal)
	}
	return sign * decimal, nil
}

func refSign(axis Axis, ref string) (float64, error) {
	switch strings.ToUpper(strings.TrimSpace(ref)) {
	case "":
		return 1, nil
	case "N":
		if axis == Latitude {
			return 1, nil
		}
	case "S":
		if axis == Latitude {
			return -1, nil
		}
	case "E":
		if axis == Longitude {
			return 1, nil
		}
	case "W":
		if axis == Longitude {
			return -1, nil
		}
	}
	return 0, fmt.Errorf("%s: invalid reference %q", axis, ref)
}

// EncodeDMS splits a decimal degree value into degrees, minutes, seconds and
// the hemisphere reference used by Decode.
func EncodeDMS(decimal float64, axis Axis) ([]float64, string) {
	ref := "N"
	if axis == Longitude {
		ref = "E"
	}
	if decimal < 0 {
		ref = "S"
		if axis == Longitude {
			ref = "W"
		}
	}

	abs := math.Abs(decimal)
	deg := math.Floor(abs)
	minutes := (abs - deg) * 60
	min := math.Floor(minutes)
	sec := (minutes - min) * 60
	if sec >= 60 {
		sec, min = 0, min+1
	}
	if min >= 60 {
		min, deg = 0, deg+1
	}
	return []float64{deg, min, sec}, ref
}

func (r RawGeoTag) snippet() string {
	if r.Raw != "" {
		return truncate(r.Raw, 64)
	}
	return truncate(fmt.Sprintf("%v%s %v%s", r.Latitude, r.LatitudeRef, r.Longitude, r.LongitudeRef), 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
