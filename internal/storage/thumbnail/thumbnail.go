// Package thumbnail derives fixed-size preview images. The transform is a
// centre crop to the requested box (cover semantics) re-encoded in the source
// format, so a thumbnail keeps its original's extension and content type.
package thumbnail

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

var formats = map[string]imaging.Format{
	"image/jpeg":  imaging.JPEG,
	"image/jpg":   imaging.JPEG,
	"image/pjpeg": imaging.JPEG,
	"image/png":   imaging.PNG,
	"image/gif":   imaging.GIF,
	"image/bmp":   imaging.BMP,
	"image/tiff":  imaging.TIFF,
}

// Supported reports whether mimeType is a raster format this package can re-encode
func Supported(mimeType string) bool {
	_, ok := formats[normalize(mimeType)]
	return ok
}

// Generate decodes src, fills a width x height box and encodes the result in
// the format named by mimeType. quality applies to JPEG output only.
func Generate(src []byte, mimeType string, width, height, quality int) ([]byte, error) {
	format, ok := formats[normalize(mimeType)]
	if !ok {
		return nil, fmt.Errorf("unsupported thumbnail source type %q", mimeType)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %dx%d", width, height)
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("image decode error: %w", err)
	}

	dst := imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)

	var opts []imaging.EncodeOption
	if format == imaging.JPEG {
		opts = append(opts, imaging.JPEGQuality(quality))
	}
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, dst, format, opts...); err != nil {
		return nil, fmt.Errorf("image encode error: %w", err)
	}
	return buf.Bytes(), nil
}

func normalize(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
