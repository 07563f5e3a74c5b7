package geo

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// ExifReader extracts GPS rationals from image EXIF blocks.
type ExifReader struct{}

// ReadGeoTag returns the raw GPS position stored in the file at path, or
// (nil, nil) when the file carries no EXIF or no GPS fields.
func (ExifReader) ReadGeoTag(path string) (*RawGeoTag, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return nil, nil
	}

	latTag, latErr := x.Get(exif.GPSLatitude)
	lonTag, lonErr := x.Get(exif.GPSLongitude)
	if latErr != nil && lonErr != nil {
		return nil, nil
	}

	raw := &RawGeoTag{
		LatitudeRef:  stringTag(x, exif.GPSLatitudeRef),
		LongitudeRef: stringTag(x, exif.GPSLongitudeRef),
	}
	var parts []string
	if latErr == nil {
		raw.Latitude = rationals(latTag)
		parts = append(parts, "lat="+latTag.String())
	}
	if lonErr == nil {
		raw.Longitude = rationals(lonTag)
		parts = append(parts, "lon="+lonTag.String())
	}
	raw.Raw = strings.Join(parts, " ")
	return raw, nil
}

// rationals converts a rational tag to floats. A zero denominator becomes
// NaN so that Decode rejects it.
func rationals(tag *tiff.Tag) []float64 {
	out := make([]float64, 0, tag.Count)
	for i := 0; i < int(tag.Count); i++ {
		num, den, err := tag.Rat2(i)
		if err != nil {
			break
		}
		if den == 0 {
			out = append(out, math.NaN())
			continue
		}
		out = append(out, float64(num)/float64(den))
	}
	return out
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return fmt.Sprint(tag)
	}
	return strings.TrimRight(s, "\x00")
}
