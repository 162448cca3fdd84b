package workflows

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
)

// ImageUploader is the piece of the transport client input upload needs.
type ImageUploader interface {
	UploadImage(ctx context.Context, filename string, data []byte) error
}

// DecodeInputImage decodes a base64 image, with or without a data-URI
// prefix.
func DecodeInputImage(dataURI string) (image.Image, error) {
	payload := dataURI
	if idx := strings.Index(payload, ","); idx >= 0 {
		payload = payload[idx+1:]
	}
	blob, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image data: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image data: %w", err)
	}
	return img, nil
}

// UploadInputImage decodes the input image, rescales it to the requested
// dimensions when necessary, and uploads it to the engine under a fresh
// UUID filename, which is returned for template substitution.
func UploadInputImage(ctx context.Context, uploader ImageUploader, dataURI string, width, height int, log zerolog.Logger) (string, error) {
	img, err := DecodeInputImage(dataURI)
	if err != nil {
		return "", err
	}

	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		log.Info().
			Int("from_width", bounds.Dx()).Int("from_height", bounds.Dy()).
			Int("to_width", width).Int("to_height", height).
			Msg("resizing input image")
		img = rescale(img, width, height)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode input image: %w", err)
	}

	filename := uuid.NewString() + ".png"
	if err := uploader.UploadImage(ctx, filename, buf.Bytes()); err != nil {
		return "", fmt.Errorf("error uploading image: %w", err)
	}

	log.Info().Str("filename", filename).Msg("successfully uploaded input image")
	return filename, nil
}

func rescale(img image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}
