package render

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
	"golang.org/x/image/font/basicfont"

	"faceattend/internal/faceclient"
)

// Label is one box with the name to paint under it.
type Label struct {
	Box  faceclient.Rect
	Name string
}

// Overlay draws face boxes and name bars onto a JPEG frame and returns the
// re-encoded image. Frames with no labels are returned unchanged.
func Overlay(frame []byte, labels []Label) ([]byte, error) {
	if len(labels) == 0 {
		return frame, nil
	}
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}

	dc := gg.NewContextForImage(img)
	dc.SetFontFace(basicfont.Face7x13)
	for _, l := range labels {
		b := l.Box
		w := float64(b.Right - b.Left)
		h := float64(b.Bottom - b.Top)
		if w <= 0 || h <= 0 {
			continue
		}
		dc.SetRGB(0, 1, 0)
		dc.SetLineWidth(2)
		dc.DrawRectangle(float64(b.Left), float64(b.Top), w, h)
		dc.Stroke()

		dc.DrawRectangle(float64(b.Left), float64(b.Bottom)-18, w, 18)
		dc.Fill()

		dc.SetRGB(1, 1, 1)
		dc.DrawString(l.Name, float64(b.Left)+4, float64(b.Bottom)-5)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Downscale resizes a JPEG frame by the given factor before detection. The
// expensive step is detection, so the pipeline feeds the provider a shrunken
// frame and scales the resulting boxes back up.
func Downscale(frame []byte, factor float64) ([]byte, error) {
	if factor >= 1 {
		return frame, nil
	}
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 || h < 1 {
		return frame, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
