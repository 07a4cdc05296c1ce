// Package merge finalizes verified assets: artifact naming, overlay
// compositing and metadata stamping.
package merge

import (
	"os"
	"path/filepath"

	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/config"
	"github.com/lenamarten/memvault/internal/verify"
)

// Artifact name suffixes, kept stable so re-runs recognize earlier output.
const (
	rawSuffix    = "_MAIN"
	mergedSuffix = "_MERGED"
)

// RawPath returns the final location of the untouched asset.
func RawPath(outDir string, m catalog.Memory, ext string) string {
	return filepath.Join(outDir, m.BaseName()+rawSuffix+ext)
}

// MergedPath returns the final location of the composited asset.
func MergedPath(outDir string, m catalog.Memory, ext string) string {
	return filepath.Join(outDir, m.BaseName()+mergedSuffix+ext)
}

// DefaultExt is the artifact extension assumed for a kind when the payload
// itself does not carry one.
func DefaultExt(kind catalog.MediaKind) string {
	if kind == catalog.KindVideo {
		return ".mp4"
	}
	return ".jpg"
}

// rawExts are the extensions a raw artifact may have landed with in an
// earlier run. Bundled payloads keep their original extension.
func rawExts(kind catalog.MediaKind) []string {
	if kind == catalog.KindVideo {
		return []string{".mp4", ".mov"}
	}
	return []string{".jpg", ".jpeg", ".png", ".webp"}
}

// mergedExts mirrors rawExts for composited artifacts. Photo composites
// are always encoded as JPEG.
func mergedExts(kind catalog.MediaKind) []string {
	if kind == catalog.KindVideo {
		return []string{".mp4", ".mov"}
	}
	return []string{".jpg"}
}

// findValid looks for stem+ext across exts and returns the first file
// that passes verification. Corrupt leftovers are removed on sight so a
// fresh attempt can land in their place.
func findValid(stem string, kind catalog.MediaKind, exts []string) (string, bool) {
	for _, ext := range exts {
		path := stem + ext
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if verify.Check(path, kind).OK() {
			return path, true
		}
		os.Remove(path)
	}
	return "", false
}

// existingComplete reports whether artifacts already on disk satisfy the
// mode for this memory.
func existingComplete(outDir string, m catalog.Memory, mode config.Mode) bool {
	rawStem := filepath.Join(outDir, m.BaseName()+rawSuffix)
	mergedStem := filepath.Join(outDir, m.BaseName()+mergedSuffix)

	_, hasRaw := findValid(rawStem, m.Kind, rawExts(m.Kind))
	_, hasMerged := findValid(mergedStem, m.Kind, mergedExts(m.Kind))

	// Overlays delivered inside bundles are invisible until download,
	// so only a declared overlay link raises the bar here.
	hasOverlay := m.OverlayURL != ""

	switch mode {
	case config.ModeRawOnly:
		return hasRaw
	case config.ModeOptimized:
		return hasMerged || (!hasOverlay && hasRaw)
	default: // keep-both
		if hasOverlay {
			return hasRaw && hasMerged
		}
		return hasRaw
	}
}
