// fixtures.go - Shared test fixtures
package testutil

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
)

// MakeTestImage returns a small solid-color RGBA image.
func MakeTestImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	return img
}

// MakeTestPNG returns a small encoded PNG.
func MakeTestPNG(w, h int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, MakeTestImage(w, h)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// MakeTestZip builds an in-memory zip archive from name -> content pairs.
func MakeTestZip(files map[string][]byte) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range files {
		entry, err := w.Create(name)
		if err != nil {
			panic(err)
		}
		if _, err := entry.Write(data); err != nil {
			panic(err)
		}
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
