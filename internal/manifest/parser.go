package manifest

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Timestamp format used by the memories export, e.g. "2025-11-13 22:15:16 UTC".
const timestampLayout = "2006-01-02 15:04:05 UTC"

var (
	onclickPattern    = regexp.MustCompile(`downloadMemories\('(.*?)', this, (true|false)\);`)
	coordinatePattern = regexp.MustCompile(`Latitude, Longitude: (-?\d+\.?\d*), (-?\d+\.?\d*)`)
)

// Parse reads a memories_history.html export and returns its entries in
// manifest order. A manifest without a recognizable table is a hard error;
// individual malformed rows are skipped.
func Parse(r io.Reader) ([]Entry, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse manifest html: %w", err)
	}

	table := findFirst(doc, "table")
	if table == nil {
		return nil, fmt.Errorf("manifest contains no table")
	}

	rows := findAll(table, "tr")
	if len(rows) == 0 {
		return nil, fmt.Errorf("manifest table contains no rows")
	}

	entries := make([]Entry, 0, len(rows))
	seen := make(map[string]int)
	for _, row := range rows {
		cells := findAll(row, "td")
		if len(cells) < 3 {
			// Header row or decoration.
			continue
		}

		entry, err := parseRow(row, cells)
		if err != nil {
			continue
		}

		seen[entry.ID]++
		if n := seen[entry.ID]; n > 1 {
			entry.ID = fmt.Sprintf("%s_%d", entry.ID, n)
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest table contains no memory rows")
	}
	return entries, nil
}

// ParseFile is Parse over a file on disk.
func ParseFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func parseRow(row *html.Node, cells []*html.Node) (Entry, error) {
	capturedAt, err := time.Parse(timestampLayout, strings.TrimSpace(text(cells[0])))
	if err != nil {
		return Entry{}, fmt.Errorf("parse row timestamp: %w", err)
	}
	capturedAt = capturedAt.UTC()

	mediaType := normalizeMediaType(text(cells[1]))

	var coords *Coordinates
	if len(cells) >= 3 {
		coords = parseCoordinates(text(cells[2]))
	}

	entry := Entry{
		ID:          fmt.Sprintf("%d_%s", capturedAt.UnixMilli(), mediaType),
		CapturedAt:  capturedAt,
		Coordinates: coords,
		Kind:        classifyKind(mediaType),
	}

	if anchor := findAnchorWithOnclick(row); anchor != nil {
		if m := onclickPattern.FindStringSubmatch(attr(anchor, "onclick")); m != nil {
			entry.SourceURL = m[1]
			entry.GetRequest = m[2] == "true"
		}
	}
	return entry, nil
}

// normalizeMediaType lowercases the declared media type and replaces spaces
// with underscores, mirroring the filename convention of the export.
func normalizeMediaType(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

func classifyKind(mediaType string) MediaKind {
	switch {
	case strings.Contains(mediaType, "video"):
		return KindVideo
	case strings.Contains(mediaType, "zip"), strings.Contains(mediaType, "multi"):
		return KindBundle
	default:
		return KindImage
	}
}

// parseCoordinates extracts a lat/lon pair from the "Latitude, Longitude:
// x, y" cell. Unparsable cells and the 0,0 placeholder both mean the memory
// has no location.
func parseCoordinates(s string) *Coordinates {
	m := coordinatePattern.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	lat, errLat := strconv.ParseFloat(m[1], 64)
	lon, errLon := strconv.ParseFloat(m[2], 64)
	if errLat != nil || errLon != nil {
		return nil
	}
	if lat == 0 && lon == 0 {
		return nil
	}
	return &Coordinates{Latitude: lat, Longitude: lon}
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == tag {
			out = append(out, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return out
}

func findAnchorWithOnclick(n *html.Node) *html.Node {
	for _, a := range findAll(n, "a") {
		if attr(a, "onclick") != "" {
			return a
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
