package merge

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/config"
)

func testMemory(id string, kind catalog.MediaKind) catalog.Memory {
	return catalog.Memory{
		ID:         id,
		CapturedAt: time.Date(2019, 8, 12, 9, 30, 0, 0, time.UTC),
		Kind:       kind,
		Links:      []string{"https://cdn.test/" + id},
	}
}

func validJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func validMP4(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	ftyp := make([]byte, 16)
	binary.BigEndian.PutUint32(ftyp[:4], 16)
	copy(ftyp[4:8], "ftyp")
	copy(ftyp[8:12], "isom")
	buf.Write(ftyp)

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[:4], 8+1500)
	copy(hdr[4:8], "mdat")
	buf.Write(hdr)
	buf.Write(make([]byte, 1500))

	return buf.Bytes()
}

func TestArtifactPaths(t *testing.T) {
	m := testMemory("abcd1234", catalog.KindPhoto)

	raw := RawPath("/archive", m, ".jpg")
	want := filepath.Join("/archive", "2019-08-12_09-30-00_abcd1234_MAIN.jpg")
	if raw != want {
		t.Errorf("RawPath() = %q, want %q", raw, want)
	}

	merged := MergedPath("/archive", m, ".jpg")
	want = filepath.Join("/archive", "2019-08-12_09-30-00_abcd1234_MERGED.jpg")
	if merged != want {
		t.Errorf("MergedPath() = %q, want %q", merged, want)
	}
}

func TestDefaultExt(t *testing.T) {
	if got := DefaultExt(catalog.KindVideo); got != ".mp4" {
		t.Errorf("video ext = %q", got)
	}
	if got := DefaultExt(catalog.KindPhoto); got != ".jpg" {
		t.Errorf("photo ext = %q", got)
	}
}

func TestExistingComplete(t *testing.T) {
	t.Run("valid raw satisfies raw-only", func(t *testing.T) {
		dir := t.TempDir()
		m := testMemory("aaaa0001", catalog.KindPhoto)
		if err := os.WriteFile(RawPath(dir, m, ".jpg"), validJPEG(t), 0o644); err != nil {
			t.Fatal(err)
		}
		if !existingComplete(dir, m, config.ModeRawOnly) {
			t.Error("expected raw-only completeness")
		}
	})

	t.Run("corrupt raw is removed and not counted", func(t *testing.T) {
		dir := t.TempDir()
		m := testMemory("aaaa0002", catalog.KindPhoto)
		path := RawPath(dir, m, ".jpg")
		if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
			t.Fatal(err)
		}
		if existingComplete(dir, m, config.ModeRawOnly) {
			t.Error("corrupt raw should not count as complete")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("corrupt raw should have been removed")
		}
	})

	t.Run("keep-both with overlay needs both artifacts", func(t *testing.T) {
		dir := t.TempDir()
		m := testMemory("aaaa0003", catalog.KindVideo)
		m.OverlayURL = "https://cdn.test/overlay.png"

		if err := os.WriteFile(RawPath(dir, m, ".mp4"), validMP4(t), 0o644); err != nil {
			t.Fatal(err)
		}
		if existingComplete(dir, m, config.ModeKeepBoth) {
			t.Error("raw alone should not satisfy keep-both with a declared overlay")
		}

		if err := os.WriteFile(MergedPath(dir, m, ".mp4"), validMP4(t), 0o644); err != nil {
			t.Fatal(err)
		}
		if !existingComplete(dir, m, config.ModeKeepBoth) {
			t.Error("raw plus merged should satisfy keep-both")
		}
	})

	t.Run("optimized accepts merged alone", func(t *testing.T) {
		dir := t.TempDir()
		m := testMemory("aaaa0004", catalog.KindVideo)
		m.OverlayURL = "https://cdn.test/overlay.png"

		if err := os.WriteFile(MergedPath(dir, m, ".mp4"), validMP4(t), 0o644); err != nil {
			t.Fatal(err)
		}
		if !existingComplete(dir, m, config.ModeOptimized) {
			t.Error("merged alone should satisfy optimized")
		}
	})

	t.Run("optimized without overlay accepts raw", func(t *testing.T) {
		dir := t.TempDir()
		m := testMemory("aaaa0005", catalog.KindPhoto)
		if err := os.WriteFile(RawPath(dir, m, ".jpg"), validJPEG(t), 0o644); err != nil {
			t.Fatal(err)
		}
		if !existingComplete(dir, m, config.ModeOptimized) {
			t.Error("raw should satisfy optimized when no overlay is declared")
		}
	})

	t.Run("nothing on disk", func(t *testing.T) {
		dir := t.TempDir()
		m := testMemory("aaaa0006", catalog.KindPhoto)
		if existingComplete(dir, m, config.ModeKeepBoth) {
			t.Error("empty directory should not be complete")
		}
	})
}
