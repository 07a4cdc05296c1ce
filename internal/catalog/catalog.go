// Package catalog loads and models the exported memories index.
package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrMalformedCatalog indicates the export file does not match the expected schema.
var ErrMalformedCatalog = errors.New("malformed catalog")

// MediaKind distinguishes still photos from videos.
type MediaKind string

const (
	KindPhoto MediaKind = "photo"
	KindVideo MediaKind = "video"
)

// GeoPoint is a capture location in decimal degrees.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// Memory is one archived item from the export catalog.
// Immutable after load; pipeline state lives elsewhere.
type Memory struct {
	// ID is stable across runs. Explicit IDs from the export are kept,
	// otherwise one is derived from the capture time and primary link.
	ID string

	// CapturedAt is the original capture timestamp in UTC.
	CapturedAt time.Time

	Kind MediaKind

	// Links holds every declared download link, primary first,
	// backups in catalog order. Never empty.
	Links []string

	// OverlayURL optionally points at a separate overlay asset.
	OverlayURL string

	// Location is nil when the export carries no usable coordinates.
	Location *GeoPoint
}

// Primary returns the preferred download link.
func (m Memory) Primary() string {
	return m.Links[0]
}

// Backups returns the fallback links in declared order.
func (m Memory) Backups() []string {
	return m.Links[1:]
}

// BaseName returns the artifact name stem for this memory,
// e.g. "2016-07-04_13-22-01_9k3v7r2m". The ID tail keeps memories
// captured in the same second from colliding.
func (m Memory) BaseName() string {
	tail := m.ID
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return m.CapturedAt.Format("2006-01-02_15-04-05") + "_" + strings.ToLower(tail)
}

// record mirrors one entry of the "Saved Media" array.
type record struct {
	ID          string `json:"Id"`
	Date        string `json:"Date"`
	MediaType   string `json:"Media Type"`
	MediaURL    string `json:"Media Download Url"`
	DownloadURL string `json:"Download Link"`
	OverlayURL  string `json:"Overlay Url"`
	Location    string `json:"Location"`
}

// export mirrors the top-level shape of the exported JSON file.
type export struct {
	SavedMedia []record `json:"Saved Media"`
}

// Load reads and parses an export file from disk.
func Load(path string) ([]Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes the export JSON into memories, preserving input order.
// Any record missing a timestamp or a usable link fails the whole load
// with ErrMalformedCatalog.
func Parse(data []byte) ([]Memory, error) {
	var ex export
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCatalog, err)
	}
	if ex.SavedMedia == nil {
		return nil, fmt.Errorf("%w: missing \"Saved Media\" array", ErrMalformedCatalog)
	}

	memories := make([]Memory, 0, len(ex.SavedMedia))
	for i, rec := range ex.SavedMedia {
		m, err := rec.toMemory()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		memories = append(memories, m)
	}
	return memories, nil
}

func (r record) toMemory() (Memory, error) {
	capturedAt, err := parseDate(r.Date)
	if err != nil {
		return Memory{}, fmt.Errorf("%w: %v", ErrMalformedCatalog, err)
	}

	kind, err := parseKind(r.MediaType)
	if err != nil {
		return Memory{}, fmt.Errorf("%w: %v", ErrMalformedCatalog, err)
	}

	links := collectLinks(r.MediaURL, r.DownloadURL)
	if len(links) == 0 {
		return Memory{}, fmt.Errorf("%w: no usable download link", ErrMalformedCatalog)
	}

	id := sanitizeID(r.ID)
	if id == "" {
		id = deriveID(capturedAt, links[0])
	}

	return Memory{
		ID:         id,
		CapturedAt: capturedAt,
		Kind:       kind,
		Links:      links,
		OverlayURL: normalizeLink(r.OverlayURL),
		Location:   parseLocation(r.Location),
	}, nil
}

// dateLayouts are tried in order. Exports have shipped all three over time.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05 UTC",
	"2006-01-02 15:04:05",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("missing date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func parseKind(s string) (MediaKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "photo":
		return KindPhoto, nil
	case "video":
		return KindVideo, nil
	case "":
		return "", errors.New("missing media type")
	default:
		return "", fmt.Errorf("unknown media type %q", s)
	}
}

// collectLinks keeps the usable candidates in declared order,
// dropping blanks and exact duplicates.
func collectLinks(candidates ...string) []string {
	var links []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		link := normalizeLink(c)
		if link == "" || seen[link] {
			continue
		}
		links = append(links, link)
		seen[link] = true
	}
	return links
}

// normalizeLink returns the trimmed link, or "" if it is not an
// absolute http(s) URL.
func normalizeLink(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return s
}

// parseLocation understands the export's "Latitude, Longitude: 40.7, -74.0"
// form as well as a bare "40.7, -74.0" pair. The 0,0 placeholder the export
// writes for unknown locations is treated as absent.
func parseLocation(s string) *GeoPoint {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	if lat == 0 && lon == 0 {
		return nil
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil
	}
	return &GeoPoint{Lat: lat, Lon: lon}
}

var idSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// sanitizeID makes an explicit export ID safe for use in file names.
func sanitizeID(s string) string {
	return idSanitizer.ReplaceAllString(strings.TrimSpace(s), "")
}

// deriveID builds a stable identifier from the capture time and primary
// link. The ULID timestamp carries the capture time; the entropy bytes
// come from the link digest, so the same record always derives the same ID.
func deriveID(capturedAt time.Time, primary string) string {
	sum := sha256.Sum256([]byte(primary))
	id, err := ulid.New(ulid.Timestamp(capturedAt), bytes.NewReader(sum[:]))
	if err != nil {
		// Reading from a fixed digest cannot fail.
		panic(err)
	}
	return id.String()
}
