package manifest

import "time"

// MediaKind is the media classification declared by the export table.
type MediaKind string

const (
	KindImage  MediaKind = "image"
	KindVideo  MediaKind = "video"
	KindBundle MediaKind = "zip"
)

// Coordinates is a decimal-degrees GPS position.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Entry is one memory row from the export manifest. Entries are built once
// at parse time and never mutated afterwards.
type Entry struct {
	// ID is derived from the capture timestamp and media type, matching the
	// local filename stem the downloader uses. Duplicate stems within one
	// manifest get an ordinal suffix so IDs stay unique.
	ID string

	CapturedAt time.Time

	// Coordinates is nil when the memory carries no location. The export
	// writes "0.0, 0.0" for locationless memories.
	Coordinates *Coordinates

	SourceURL string

	Kind MediaKind

	// GetRequest mirrors the boolean the export embeds in each row's
	// downloadMemories onclick handler: true means a plain GET with the
	// memories route tag, false means the URL query must be POSTed as a
	// form body.
	GetRequest bool
}

// HasLocation reports whether the entry carries usable GPS coordinates.
func (e Entry) HasLocation() bool {
	return e.Coordinates != nil
}

// Fetchable reports whether the entry has a download link at all. Rows
// without one are counted and skipped, never fetched.
func (e Entry) Fetchable() bool {
	return e.SourceURL != ""
}
