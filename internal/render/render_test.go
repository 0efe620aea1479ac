package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"faceattend/internal/faceclient"
)

func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 2), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func dims(t *testing.T, jpg []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(jpg))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestOverlay_NoLabelsReturnsFrameUnchanged(t *testing.T) {
	frame := testFrame(t, 64, 48)
	out, err := Overlay(frame, nil)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if !bytes.Equal(out, frame) {
		t.Fatalf("frame should pass through untouched without labels")
	}
}

func TestOverlay_PreservesDimensions(t *testing.T) {
	frame := testFrame(t, 64, 48)
	out, err := Overlay(frame, []Label{
		{Box: faceclient.Rect{Top: 8, Right: 40, Bottom: 36, Left: 12}, Name: "Alice"},
	})
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if bytes.Equal(out, frame) {
		t.Fatalf("labeled frame should be re-encoded")
	}
	w, h := dims(t, out)
	if w != 64 || h != 48 {
		t.Fatalf("dims %dx%d, want 64x48", w, h)
	}
}

func TestOverlay_SkipsDegenerateBoxes(t *testing.T) {
	frame := testFrame(t, 32, 32)
	out, err := Overlay(frame, []Label{
		{Box: faceclient.Rect{Top: 10, Right: 5, Bottom: 20, Left: 15}, Name: "x"},
	})
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	w, h := dims(t, out)
	if w != 32 || h != 32 {
		t.Fatalf("dims %dx%d, want 32x32", w, h)
	}
}

func TestDownscale_ShrinksByFactor(t *testing.T) {
	frame := testFrame(t, 80, 60)
	out, err := Downscale(frame, 0.25)
	if err != nil {
		t.Fatalf("downscale: %v", err)
	}
	w, h := dims(t, out)
	if w != 20 || h != 15 {
		t.Fatalf("dims %dx%d, want 20x15", w, h)
	}
}

func TestDownscale_FactorOneIsNoOp(t *testing.T) {
	frame := testFrame(t, 16, 16)
	out, err := Downscale(frame, 1)
	if err != nil {
		t.Fatalf("downscale: %v", err)
	}
	if !bytes.Equal(out, frame) {
		t.Fatalf("factor 1 must not re-encode")
	}
}
