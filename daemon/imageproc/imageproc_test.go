package imageproc

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// pngBytes renders a small gradient so resizing has real pixel data to
// work with.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8((x + y) * 3), A: 255})
		}
	}
	var buf bytes.Buffer
	assert.NilError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestProbe(t *testing.T) {
	src := pngBytes(t, 64, 48)
	info, err := Probe(bytes.NewReader(src))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(info.Width, 64))
	assert.Check(t, is.Equal(info.Height, 48))
	assert.Check(t, is.Equal(info.Format, "png"))
}

func TestProbeGarbage(t *testing.T) {
	_, err := Probe(bytes.NewReader([]byte("not an image at all")))
	assert.Check(t, errdefs.IsInvalidArgument(err))
}

func TestDeriveFitsInsideBox(t *testing.T) {
	src := pngBytes(t, 400, 200)
	res, err := Derive(bytes.NewReader(src), "png", Options{MaxWidth: 100, MaxHeight: 100})
	assert.NilError(t, err)
	// Aspect ratio is preserved, the longer edge hits the box.
	assert.Check(t, is.Equal(res.Width, 100))
	assert.Check(t, is.Equal(res.Height, 50))
	assert.Check(t, is.Equal(res.Format, "png"))
	assert.Check(t, is.Equal(res.Ext, "png"))
}

func TestDeriveNeverUpscales(t *testing.T) {
	src := pngBytes(t, 40, 30)
	res, err := Derive(bytes.NewReader(src), "png", Options{MaxWidth: 300, MaxHeight: 300})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Width, 40))
	assert.Check(t, is.Equal(res.Height, 30))
}

func TestDeriveJPEGOutputForNonPNG(t *testing.T) {
	src := pngBytes(t, 80, 80)
	// A source probed as jpeg re-encodes to jpeg regardless of the
	// decoder that actually handled the bytes.
	res, err := Derive(bytes.NewReader(src), "jpeg", Options{MaxWidth: 50, MaxHeight: 50, Quality: 85})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Format, "jpeg"))
	assert.Check(t, is.Equal(res.Ext, "jpg"))

	cfg, format, err := image.DecodeConfig(bytes.NewReader(res.Data))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(format, "jpeg"))
	assert.Check(t, is.Equal(cfg.Width, 50))
}

func TestDeriveDeterministic(t *testing.T) {
	src := pngBytes(t, 200, 150)
	opts := Options{MaxWidth: 64, MaxHeight: 64, Quality: 85}
	a, err := Derive(bytes.NewReader(src), "jpeg", opts)
	assert.NilError(t, err)
	b, err := Derive(bytes.NewReader(src), "jpeg", opts)
	assert.NilError(t, err)
	assert.DeepEqual(t, a.Data, b.Data)
}

func TestDeriveGarbage(t *testing.T) {
	_, err := Derive(bytes.NewReader([]byte("junk")), "jpeg", Options{MaxWidth: 10, MaxHeight: 10})
	assert.Check(t, errdefs.IsInvalidArgument(err))
}

func TestIsImagePath(t *testing.T) {
	assert.Check(t, IsImagePath("cover.PNG"))
	assert.Check(t, IsImagePath("dir/page01.jpeg"))
	assert.Check(t, !IsImagePath("notes.txt"))
	assert.Check(t, !IsImagePath("noext"))
}
