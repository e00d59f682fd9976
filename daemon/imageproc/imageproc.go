// Package imageproc probes image dimensions and produces derived
// (downscaled, re-encoded) renditions. Output bytes are deterministic for
// a given input and options, which is what makes redelivered derivation
// messages safe to reprocess.
package imageproc

import (
	"bytes"
	"image"
	"io"
	"strings"

	// Register the stdlib and extended decoders for image.DecodeConfig
	// and imaging.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/containerd/errdefs"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Info is the probe result for a source image.
type Info struct {
	Width  int
	Height int
	Format string
}

// Exts returns the set of image filename extensions the decoders
// understand, lower-case with leading dot.
func Exts() map[string]struct{} {
	return map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
		".webp": {}, ".bmp": {}, ".tif": {}, ".tiff": {},
	}
}

// IsImagePath reports whether the filename looks like a decodable image.
func IsImagePath(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	_, ok := Exts()[strings.ToLower(name[i:])]
	return ok
}

// Probe reads just enough of the stream to determine dimensions and
// format. It never decodes pixel data.
func Probe(r io.Reader) (Info, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return Info{}, errors.Wrap(errdefs.ErrInvalidArgument, err.Error())
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Options control a derivation.
type Options struct {
	MaxWidth  int
	MaxHeight int
	Quality   int // JPEG quality; ignored for PNG output
}

// Result describes a produced rendition.
type Result struct {
	Data   []byte
	Width  int
	Height int
	Format string // output format: "jpeg" or "png"
	Ext    string // filename extension without dot
}

// Derive decodes the source (normalizing EXIF orientation), resizes it to
// fit inside the target box preserving aspect ratio without upscaling, and
// re-encodes. PNG sources keep PNG so transparency survives; everything
// else becomes JPEG at the requested quality.
func Derive(r io.Reader, srcFormat string, opts Options) (*Result, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, err.Error())
	}

	bounds := img.Bounds()
	if bounds.Dx() > opts.MaxWidth || bounds.Dy() > opts.MaxHeight {
		img = imaging.Fit(img, opts.MaxWidth, opts.MaxHeight, imaging.Lanczos)
		bounds = img.Bounds()
	}

	var (
		buf    bytes.Buffer
		format = "jpeg"
		ext    = "jpg"
	)
	if strings.EqualFold(srcFormat, "png") {
		format, ext = "png", "png"
		err = imaging.Encode(&buf, img, imaging.PNG)
	} else {
		quality := opts.Quality
		if quality <= 0 {
			quality = 85
		}
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	}
	if err != nil {
		return nil, errors.Wrap(err, "encode rendition")
	}
	return &Result{
		Data:   buf.Bytes(),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
		Ext:    ext,
	}, nil
}
