package processor

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var (
	errNoWatermark       = errors.New("watermark not configured")
	errImageTooSmall     = errors.New("image too small for watermark")
	errWatermarkDegraded = errors.New("watermark scaled to nothing")
)

// watermark holds the decoded overlay, or the reason it is unavailable.
type watermark struct {
	img image.Image
	err error
}

func loadWatermark(path string) *watermark {
	if path == "" {
		return &watermark{err: errNoWatermark}
	}
	img, err := imaging.Open(path)
	if err != nil {
		return &watermark{err: fmt.Errorf("load watermark: %w", err)}
	}
	return &watermark{img: img}
}

// apply draws the overlay in the bottom-right corner, shrinking it so it is
// never wider than maxRatio of the base image.
func (w *watermark) apply(base *image.NRGBA, maxRatio float64, margin int) (*image.NRGBA, error) {
	if w == nil {
		return nil, errNoWatermark
	}
	if w.err != nil {
		return nil, w.err
	}
	bw, bh := base.Bounds().Dx(), base.Bounds().Dy()
	overlay := w.img
	maxWidth := int(float64(bw) * maxRatio)
	if overlay.Bounds().Dx() > maxWidth {
		if maxWidth < 1 {
			return nil, errWatermarkDegraded
		}
		overlay = imaging.Resize(overlay, maxWidth, 0, imaging.Lanczos)
	}
	ow, oh := overlay.Bounds().Dx(), overlay.Bounds().Dy()
	x, y := bw-ow-margin, bh-oh-margin
	if x < 0 || y < 0 {
		return nil, errImageTooSmall
	}
	return imaging.Overlay(base, overlay, image.Pt(x, y), 1.0), nil
}
