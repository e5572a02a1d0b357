package artifact

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Dimensions decodes the blob's header and returns its pixel size.
func (b Blob) Dimensions() (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b.Data))
	if err != nil {
		return 0, 0, fmt.Errorf("artifact: decode config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Thumbnail returns a PNG preview of the blob scaled to width, keeping the
// aspect ratio. Images already narrower than width are re-encoded as-is.
func Thumbnail(b Blob, width int) (Blob, error) {
	if width <= 0 {
		return Blob{}, fmt.Errorf("artifact: thumbnail width must be positive")
	}
	img, err := imaging.Decode(bytes.NewReader(b.Data))
	if err != nil {
		return Blob{}, fmt.Errorf("artifact: thumbnail decode: %w", err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Blob{}, fmt.Errorf("artifact: thumbnail encode: %w", err)
	}
	return Blob{Data: buf.Bytes(), MIME: "image/png"}, nil
}
