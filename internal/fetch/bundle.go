package fetch

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// IsBundle sniffs whether the payload at path is a zip bundle. Some
// exports deliver a memory as a small archive holding the base media
// together with its overlay frame.
func IsBundle(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return bytes.Equal(magic[:], zipMagic)
}

// BundleParts are the staged files extracted from a bundle.
type BundleParts struct {
	MediaPath   string
	OverlayPath string
}

// SplitBundle extracts the media and overlay entries of the bundle at
// path into dir, naming them after base with the entry's own extension.
// Resource-fork noise is skipped. The bundle file itself is removed
// once extraction succeeds.
func SplitBundle(path, dir, base string) (BundleParts, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return BundleParts{}, fmt.Errorf("open bundle: %w", err)
	}

	var parts BundleParts
	for _, entry := range zr.File {
		if strings.HasPrefix(entry.Name, "__MACOSX/") || strings.HasSuffix(entry.Name, "/") {
			continue
		}
		name := strings.ToLower(filepath.Base(entry.Name))
		ext := filepath.Ext(name)

		var dest string
		switch {
		case strings.Contains(name, "-overlay.") || strings.Contains(name, "_overlay."):
			dest = filepath.Join(dir, base+".overlay"+ext)
			parts.OverlayPath = dest
		case strings.Contains(name, "-main.") || strings.Contains(name, "_main."):
			dest = filepath.Join(dir, base+".media"+ext)
			parts.MediaPath = dest
		case parts.MediaPath == "":
			// Unlabeled bundles carry the media as their first entry.
			dest = filepath.Join(dir, base+".media"+ext)
			parts.MediaPath = dest
		default:
			continue
		}

		if err := extractEntry(entry, dest); err != nil {
			zr.Close()
			return BundleParts{}, err
		}
	}
	if err := zr.Close(); err != nil {
		return BundleParts{}, fmt.Errorf("close bundle: %w", err)
	}

	if parts.MediaPath == "" {
		return BundleParts{}, errors.New("bundle holds no media entry")
	}

	os.Remove(path)
	return parts, nil
}

func extractEntry(entry *zip.File, dest string) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open bundle entry %s: %w", entry.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	_, copyErr := io.Copy(out, rc)
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(dest)
		return fmt.Errorf("extract bundle entry %s: %w", entry.Name, copyErr)
	}
	return nil
}
