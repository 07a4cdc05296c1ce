package merge

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 85

// CompositePhotos layers the overlay image onto the base photo in-process
// and writes a JPEG. The overlay is scaled to the base bounds when they
// differ, preserving the base resolution.
func CompositePhotos(basePath, overlayPath, outPath string) error {
	base, err := decodeImage(basePath)
	if err != nil {
		return fmt.Errorf("decode base photo: %w", err)
	}
	overlay, err := decodeImage(overlayPath)
	if err != nil {
		return fmt.Errorf("decode overlay: %w", err)
	}

	bounds := base.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Copy(canvas, bounds.Min, base, bounds, draw.Src, nil)

	if overlay.Bounds().Dx() != bounds.Dx() || overlay.Bounds().Dy() != bounds.Dy() {
		draw.CatmullRom.Scale(canvas, bounds, overlay, overlay.Bounds(), draw.Over, nil)
	} else {
		draw.Draw(canvas, bounds, overlay, overlay.Bounds().Min, draw.Over)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create composited photo: %w", err)
	}

	encErr := jpeg.Encode(out, canvas, &jpeg.Options{Quality: jpegQuality})
	if closeErr := out.Close(); encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		os.Remove(outPath)
		return fmt.Errorf("encode composited photo: %w", encErr)
	}
	return nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}
