// Package imaging handles decoding uploaded images and re-encoding them for
// the inference API and for local output.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"

	// Register decoders for the supported upload formats.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Decode reads an image in any supported format (jpeg, png, webp, bmp).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// DecodeFile decodes an image from a byte slice.
func DecodeFile(data []byte) (image.Image, string, error) {
	return Decode(bytes.NewReader(data))
}

// FlattenAlpha composites an image onto a white background so it can be
// encoded as JPEG without losing transparent regions to black.
func FlattenAlpha(img image.Image) image.Image {
	if img.ColorModel() == color.YCbCrModel {
		return img // JPEG source, no alpha channel
	}

	bounds := img.Bounds()
	flat := image.NewRGBA(bounds)
	draw.Draw(flat, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, bounds, img, bounds.Min, draw.Over)
	return flat
}

// EncodeJPEG encodes an image as JPEG at the given quality (1-100),
// flattening any alpha channel first.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, FlattenAlpha(img), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes an image as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// JPEGDataURI encodes an image as a base64 JPEG data URI at the given quality.
// This is the payload format the inference endpoint accepts for image_url.
func JPEGDataURI(img image.Image, quality int) (string, error) {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}
