package exif

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shubham1chawla/snapchat-memories-downloader/internal/manifest"
)

// exiftool's datetime syntax, colon-separated date.
const tagTimeLayout = "2006:01:02 15:04:05"

// TagSet is the metadata written onto one media file: the capture time plus,
// when the memory has one, its GPS position. A nil Coordinates means no GPS
// tag is written and existing ones are left alone.
type TagSet struct {
	CapturedAt  time.Time
	Coordinates *manifest.Coordinates
}

// Args renders the set as exiftool -TAG=VALUE arguments in a deterministic
// order. Both XMP and classic EXIF date tags are written so images and
// QuickTime videos are covered alike, and GPS goes out three ways: decimal
// tags, explicit hemisphere refs, and the combined GPSCoordinates/Location
// string that QuickTime readers want.
func (t TagSet) Args() []string {
	ts := t.CapturedAt.UTC().Format(tagTimeLayout)

	args := []string{
		"-XMP:DateTimeOriginal=" + ts,
		"-XMP:CreateDate=" + ts,
		"-DateTimeOriginal=" + ts,
		"-CreateDate=" + ts,
		"-ModifyDate=" + ts,
	}

	if t.Coordinates == nil {
		return args
	}

	lat := t.Coordinates.Latitude
	lon := t.Coordinates.Longitude
	latStr := formatCoord(lat)
	lonStr := formatCoord(lon)
	combined := fmt.Sprintf("%s %s %s %s",
		formatCoord(math.Abs(lat)), hemisphere(lat, "N", "S"),
		formatCoord(math.Abs(lon)), hemisphere(lon, "E", "W"))

	return append(args,
		"-XMP:GPSLatitude="+latStr,
		"-XMP:GPSLongitude="+lonStr,
		"-GPSLatitude="+latStr,
		"-GPSLongitude="+lonStr,
		"-GPSLatitudeRef="+hemisphere(lat, "N", "S"),
		"-GPSLongitudeRef="+hemisphere(lon, "E", "W"),
		"-GPSCoordinates="+combined,
		"-Location="+combined,
	)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func hemisphere(v float64, pos, neg string) string {
	if v >= 0 {
		return pos
	}
	return neg
}
