package docs

import (
	"bytes"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/proof"
)

const (
	maxImageSide = 1600
	jpegQuality  = 85
)

// ImageNormalizer implements proof.ImageNormalizer.
type ImageNormalizer struct{}

var _ proof.ImageNormalizer = ImageNormalizer{}

// NormalizeImage rotates a photo upright from its EXIF orientation, shrinks it to fit
// maxImageSide and re-encodes it as JPEG. Smaller images keep their size.
func (ImageNormalizer) NormalizeImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}
	if b := img.Bounds(); b.Dx() > maxImageSide || b.Dy() > maxImageSide {
		img = imaging.Fit(img, maxImageSide, maxImageSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, errors.Wrap(err, "encoding image")
	}
	return buf.Bytes(), nil
}
