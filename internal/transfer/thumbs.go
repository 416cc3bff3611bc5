package transfer

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"

	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/fileops"
)

const (
	ThumbMaxSize = 256
	ThumbQuality = 80
)

// Thumbnail sends a JPEG no larger than ThumbMaxSize on either side for a
// previewable image, with its EXIF orientation applied.
func (s *Service) Thumbnail(w http.ResponseWriter, r *http.Request, dir, name string) (err error) {
	var sent int64
	defer func() { s.record(r, "thumb", name, sent, err) }()

	clean, err := fileops.SanitizeName(name)
	if err != nil {
		return err
	}
	f, info, err := s.open(dir, clean)
	if err != nil {
		return err
	}
	defer f.Close()
	if !s.classifier.IsPreviewEligible(clean, info.Size()) {
		return failure.Forbidden("Preview not allowed.")
	}

	orientation := readOrientation(f)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return failure.IO("Thumbnail failed.", err)
	}
	data, err := GenerateThumbnail(f, orientation)
	if err != nil {
		return failure.Validation("Not a readable image.")
	}

	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Cache-Control", PreviewCacheControl)
	h.Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, "", info.ModTime(), bytes.NewReader(data))
	sent = int64(len(data))
	return nil
}

// GenerateThumbnail decodes an image, applies the EXIF orientation, fits it
// within ThumbMaxSize x ThumbMaxSize and returns JPEG bytes.
func GenerateThumbnail(r io.Reader, orientation int) ([]byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}

	img = applyOrientation(img, orientation)
	thumb := imaging.Fit(img, ThumbMaxSize, ThumbMaxSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: ThumbQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readOrientation returns the EXIF orientation tag, or 1 when the image has
// none.
func readOrientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
		return v
	}
	return 1
}

// applyOrientation transforms an image according to EXIF orientation value.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
