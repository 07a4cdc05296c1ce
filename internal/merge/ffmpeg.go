package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ffmpegCommand  = "ffmpeg"
	ffprobeCommand = "ffprobe"

	softwareCodec  = "libx264"
	softwarePreset = "fast"

	hardwareCodec  = "h264_nvenc"
	hardwarePreset = "p1"

	probeTimeout = 15 * time.Second
)

// Compositor layers an overlay asset onto a base video.
type Compositor interface {
	Composite(ctx context.Context, base, overlay, out string) error
}

// FFmpeg runs the external ffmpeg binary as the video compositor.
type FFmpeg struct {
	timeout     time.Duration
	useHardware bool
}

// NewFFmpeg returns a compositor bounded by timeout per invocation.
// With useHardware set it tries NVENC first and falls back to software.
func NewFFmpeg(timeout time.Duration, useHardware bool) *FFmpeg {
	return &FFmpeg{timeout: timeout, useHardware: useHardware}
}

// Available reports whether ffmpeg can be found on PATH.
func Available() bool {
	_, err := exec.LookPath(ffmpegCommand)
	return err == nil
}

// DetectHardware reports whether this ffmpeg build advertises the NVENC
// H.264 encoder.
func DetectHardware(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, ffmpegCommand, "-hide_banner", "-encoders").Output()
	if err != nil {
		return false
	}
	return bytes.Contains(out, []byte(hardwareCodec))
}

// Composite renders base with overlay on top into out. The output is
// probed afterwards so a silently broken container never counts as done.
func (f *FFmpeg) Composite(ctx context.Context, base, overlay, out string) error {
	if f.useHardware {
		if err := f.run(ctx, compositeArgs(base, overlay, out, true)); err == nil {
			return f.validate(ctx, out)
		} else {
			slog.Warn("hardware encode failed, retrying with software", "base", filepath.Base(base), "error", err)
			os.Remove(out)
		}
	}

	if err := f.run(ctx, compositeArgs(base, overlay, out, false)); err != nil {
		os.Remove(out)
		return err
	}
	return f.validate(ctx, out)
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, ffmpegCommand, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ffmpeg timed out after %s", f.timeout)
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.Bytes()))
	}
	return nil
}

// validate runs a duration probe over the produced file. Skipped when
// ffprobe is not installed.
func (f *FFmpeg) validate(ctx context.Context, path string) error {
	if _, err := exec.LookPath(ffprobeCommand); err != nil {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(cctx, ffprobeCommand,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("composited file failed probe: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || duration <= 0 {
		os.Remove(path)
		return fmt.Errorf("composited file has no playable duration (%q)", strings.TrimSpace(string(out)))
	}
	return nil
}

// compositeArgs builds the ffmpeg invocation. A still-image overlay is
// looped so it covers the whole base stream; shortest=1 then ends the
// output with the base. Audio is carried over from the base when present.
func compositeArgs(base, overlay, out string, hardware bool) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if hardware {
		args = append(args, "-hwaccel", "cuda")
	}
	args = append(args, "-i", base)
	if isStillImage(overlay) {
		args = append(args, "-loop", "1")
	}
	args = append(args,
		"-i", overlay,
		"-filter_complex", "[0:v][1:v]overlay=0:0:shortest=1[vout]",
		"-map", "[vout]",
		"-map", "0:a?",
	)
	if hardware {
		args = append(args, "-c:v", hardwareCodec, "-preset", hardwarePreset)
	} else {
		args = append(args, "-c:v", softwareCodec, "-preset", softwarePreset)
	}
	args = append(args, "-c:a", "aac", "-movflags", "+faststart", out)
	return args
}

var stillImageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

func isStillImage(path string) bool {
	return stillImageExts[strings.ToLower(filepath.Ext(path))]
}

// lastLine extracts the tail of tool output for error messages.
func lastLine(out []byte) string {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return "(no output)"
	}
	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
