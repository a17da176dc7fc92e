package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func encode(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, format); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func TestSupported(t *testing.T) {
	tests := []struct {
		mime string
		want bool
	}{
		{"image/jpeg", true},
		{"image/png", true},
		{"IMAGE/PNG", true},
		{"image/jpeg; charset=binary", true},
		{"image/gif", true},
		{"image/webp", false},
		{"image/svg+xml", false},
		{"application/pdf", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Supported(tt.mime); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.mime, got, tt.want)
		}
	}
}

func TestGenerate_FillsBoxInSourceFormat(t *testing.T) {
	tests := []struct {
		name   string
		mime   string
		format imaging.Format
		want   string
	}{
		{"png", "image/png", imaging.PNG, "png"},
		{"jpeg", "image/jpeg", imaging.JPEG, "jpeg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Generate(encode(t, 640, 320, tt.format), tt.mime, 200, 200, 80)
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}

			cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("decode thumbnail: %v", err)
			}
			if format != tt.want {
				t.Errorf("format = %q, want %q", format, tt.want)
			}
			if cfg.Width != 200 || cfg.Height != 200 {
				t.Errorf("size = %dx%d, want 200x200", cfg.Width, cfg.Height)
			}
		})
	}
}

func TestGenerate_Errors(t *testing.T) {
	png := encode(t, 10, 10, imaging.PNG)

	tests := []struct {
		name string
		data []byte
		mime string
		w    int
		want string
	}{
		{"unsupported format", png, "image/webp", 10, "unsupported"},
		{"zero width", png, "image/png", 0, "invalid thumbnail size"},
		{"not an image", []byte("not an image"), "image/png", 10, "decode"},
	}
	for _, tt := range tests {
		_, err := Generate(tt.data, tt.mime, tt.w, 10, 80)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: Generate() error = %v, want it to mention %q", tt.name, err, tt.want)
		}
	}
}
