package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/lenamarten/memvault/internal/catalog"
)

const exiftoolCommand = "exiftool"

// Tagger rewrites capture timestamps and GPS coordinates onto finished
// artifacts, both on the filesystem and inside the file when exiftool
// is installed.
type Tagger struct {
	exiftool string
	timeout  time.Duration
}

// NewTagger probes for exiftool once. Without it only filesystem times
// are rewritten.
func NewTagger(timeout time.Duration) *Tagger {
	path, err := exec.LookPath(exiftoolCommand)
	if err != nil {
		slog.Warn("exiftool not found, embedded metadata will not be written")
		return &Tagger{timeout: timeout}
	}
	return &Tagger{exiftool: path, timeout: timeout}
}

// Apply stamps the artifact at path with the memory's capture data. The
// embedded tags are written first so the filesystem times survive the
// rewrite. Tag failures never touch the file content.
func (t *Tagger) Apply(ctx context.Context, path string, m catalog.Memory) error {
	var tagErr error
	if t.exiftool != "" {
		tagErr = t.writeTags(ctx, path, m)
	}

	if err := os.Chtimes(path, m.CapturedAt, m.CapturedAt); err != nil {
		return fmt.Errorf("set file times: %w", err)
	}
	return tagErr
}

func (t *Tagger) writeTags(ctx context.Context, path string, m catalog.Memory) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, t.exiftool, exifArgs(path, m)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("exiftool timed out after %s", t.timeout)
		}
		return fmt.Errorf("exiftool: %w: %s", err, lastLine(out))
	}
	return nil
}

// exifArgs builds the exiftool invocation for the memory's kind. Videos
// get the QuickTime date tags, photos the EXIF ones.
func exifArgs(path string, m catalog.Memory) []string {
	stamp := m.CapturedAt.Format("2006:01:02 15:04:05")
	args := []string{"-overwrite_original", "-q", "-ignoreMinorErrors"}

	if m.Kind == catalog.KindVideo {
		args = append(args,
			"-CreateDate="+stamp,
			"-ModifyDate="+stamp,
			"-TrackCreateDate="+stamp,
			"-MediaCreateDate="+stamp,
		)
		if m.Location != nil {
			args = append(args, fmt.Sprintf("-GPSCoordinates=%.6f, %.6f", m.Location.Lat, m.Location.Lon))
		}
	} else {
		args = append(args,
			"-DateTimeOriginal="+stamp,
			"-CreateDate="+stamp,
			"-ModifyDate="+stamp,
		)
		if m.Location != nil {
			lat, latRef := m.Location.Lat, "N"
			if lat < 0 {
				lat, latRef = -lat, "S"
			}
			lon, lonRef := m.Location.Lon, "E"
			if lon < 0 {
				lon, lonRef = -lon, "W"
			}
			args = append(args,
				fmt.Sprintf("-GPSLatitude=%.6f", lat),
				"-GPSLatitudeRef="+latRef,
				fmt.Sprintf("-GPSLongitude=%.6f", lon),
				"-GPSLongitudeRef="+lonRef,
			)
		}
	}

	return append(args, path)
}
