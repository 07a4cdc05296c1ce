package merge

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/lenamarten/memvault/internal/catalog"
)

func TestExifArgsPhoto(t *testing.T) {
	m := testMemory("aaaa1111", catalog.KindPhoto)
	m.Location = &catalog.GeoPoint{Lat: -33.8688, Lon: 151.2093}

	args := exifArgs("/archive/photo_MAIN.jpg", m)

	for _, want := range []string{
		"-overwrite_original",
		"-DateTimeOriginal=2019:08:12 09:30:00",
		"-CreateDate=2019:08:12 09:30:00",
		"-ModifyDate=2019:08:12 09:30:00",
		"-GPSLatitude=33.868800",
		"-GPSLatitudeRef=S",
		"-GPSLongitude=151.209300",
		"-GPSLongitudeRef=E",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "/archive/photo_MAIN.jpg" {
		t.Errorf("target path should be last, got %q", args[len(args)-1])
	}
}

func TestExifArgsVideo(t *testing.T) {
	m := testMemory("aaaa2222", catalog.KindVideo)
	m.Location = &catalog.GeoPoint{Lat: 48.8566, Lon: 2.3522}

	args := exifArgs("/archive/clip_MAIN.mp4", m)

	for _, want := range []string{
		"-CreateDate=2019:08:12 09:30:00",
		"-TrackCreateDate=2019:08:12 09:30:00",
		"-MediaCreateDate=2019:08:12 09:30:00",
		"-GPSCoordinates=48.856600, 2.352200",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if slices.Contains(args, "-DateTimeOriginal=2019:08:12 09:30:00") {
		t.Error("videos should not get the EXIF photo tag")
	}
}

func TestExifArgsNoLocation(t *testing.T) {
	args := exifArgs("/archive/photo.jpg", testMemory("aaaa3333", catalog.KindPhoto))
	for _, a := range args {
		if len(a) >= 4 && a[:4] == "-GPS" {
			t.Errorf("no GPS args expected without a location, got %q", a)
		}
	}
}

func TestApplySetsFileTimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := testMemory("aaaa4444", catalog.KindPhoto)
	// No exiftool configured: only filesystem times are rewritten.
	tagger := &Tagger{timeout: time.Second}

	if err := tagger.Apply(context.Background(), path, m); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(m.CapturedAt) {
		t.Errorf("mod time = %v, want %v", info.ModTime(), m.CapturedAt)
	}
}

func TestApplyMissingFile(t *testing.T) {
	tagger := &Tagger{timeout: time.Second}
	m := testMemory("aaaa5555", catalog.KindPhoto)
	if err := tagger.Apply(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"), m); err == nil {
		t.Error("expected an error for a missing artifact")
	}
}
