package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lenamarten/memvault/internal/catalog"
	"github.com/lenamarten/memvault/internal/config"
)

// ErrMergeFailed marks a failure in the overlay merge stage, as opposed
// to a failure moving or stamping artifacts.
var ErrMergeFailed = errors.New("merge failed")

// ErrCompositorUnavailable means a video merge was needed but no engine
// was wired, typically because ffmpeg is not installed.
var ErrCompositorUnavailable = errors.New("no video compositor available")

// Outputs are the artifacts a finalize pass produced.
type Outputs struct {
	RawPath    string
	MergedPath string
}

// Pipeline finalizes verified assets according to the selected mode.
type Pipeline struct {
	outDir        string
	mode          config.Mode
	compositor    Compositor
	tagger        *Tagger
	writeMetadata bool
}

// NewPipeline wires a finalizer for the run. compositor may be nil when
// no video engine is available; video merges then fail cleanly.
func NewPipeline(cfg config.Config, compositor Compositor, tagger *Tagger) *Pipeline {
	return &Pipeline{
		outDir:        cfg.OutputDir,
		mode:          cfg.Mode,
		compositor:    compositor,
		tagger:        tagger,
		writeMetadata: cfg.WriteMetadata,
	}
}

// Finalize moves the staged raw asset into place and composites the
// overlay according to the mode. On composite failure the raw asset is
// kept as a degraded result and the returned error wraps ErrMergeFailed.
func (p *Pipeline) Finalize(ctx context.Context, m catalog.Memory, rawStaged, overlayStaged string) (Outputs, error) {
	ext := filepath.Ext(rawStaged)
	if ext == "" || ext == ".part" || ext == ".media" {
		ext = DefaultExt(m.Kind)
	}

	rawFinal := RawPath(p.outDir, m, ext)
	if err := moveFile(rawStaged, rawFinal); err != nil {
		return Outputs{}, fmt.Errorf("finalize raw asset: %w", err)
	}
	outs := Outputs{RawPath: rawFinal}

	if overlayStaged == "" || !p.mode.Merges() {
		if overlayStaged != "" {
			os.Remove(overlayStaged)
		}
		p.applyMetadata(ctx, m, rawFinal)
		return outs, nil
	}

	mergedFinal := MergedPath(p.outDir, m, p.mergedExt(m, ext))
	err := p.composite(ctx, m, rawFinal, overlayStaged, mergedFinal)
	os.Remove(overlayStaged)
	if err != nil {
		p.applyMetadata(ctx, m, rawFinal)
		return outs, fmt.Errorf("%w: %w", ErrMergeFailed, err)
	}
	outs.MergedPath = mergedFinal

	if p.mode == config.ModeOptimized {
		if err := os.Remove(rawFinal); err != nil {
			slog.Warn("could not drop raw asset after merge", "path", rawFinal, "error", err)
		}
		outs.RawPath = ""
	}

	if outs.RawPath != "" {
		p.applyMetadata(ctx, m, outs.RawPath)
	}
	p.applyMetadata(ctx, m, mergedFinal)
	return outs, nil
}

// ExistingComplete reports whether final artifacts already on disk
// satisfy the mode for this memory. Corrupt leftovers found on the way
// are removed.
func (p *Pipeline) ExistingComplete(m catalog.Memory) bool {
	return existingComplete(p.outDir, m, p.mode)
}

// mergedExt keeps the base container for videos; photo composites are
// re-encoded, so they always come out as JPEG.
func (p *Pipeline) mergedExt(m catalog.Memory, rawExt string) string {
	if m.Kind == catalog.KindVideo {
		return rawExt
	}
	return ".jpg"
}

func (p *Pipeline) composite(ctx context.Context, m catalog.Memory, base, overlay, out string) error {
	if m.Kind == catalog.KindPhoto && isStillImage(overlay) {
		return CompositePhotos(base, overlay, out)
	}
	if p.compositor == nil {
		return ErrCompositorUnavailable
	}
	return p.compositor.Composite(ctx, base, overlay, out)
}

func (p *Pipeline) applyMetadata(ctx context.Context, m catalog.Memory, path string) {
	if !p.writeMetadata || p.tagger == nil {
		return
	}
	if err := p.tagger.Apply(ctx, path, m); err != nil {
		slog.Warn("metadata stamping incomplete", "memory", m.ID, "path", filepath.Base(path), "error", err)
	}
}

// moveFile renames, falling back to copy-and-delete across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(dst)
		return copyErr
	}
	return os.Remove(src)
}
