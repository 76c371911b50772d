package llm

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// DownscaleForVision resizes a PNG screenshot to at most maxWidth and
// re-encodes it as JPEG. A 1280px PNG of several hundred KB typically becomes
// a 30-50KB JPEG, an order of magnitude fewer image tokens per vision call.
func DownscaleForVision(pngBytes []byte, maxWidth, quality int) ([]byte, error) {
	if maxWidth <= 0 {
		maxWidth = 800
	}
	if quality <= 0 {
		quality = 60
	}

	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}

	bounds := img.Bounds()
	origWidth := bounds.Dx()
	origHeight := bounds.Dy()

	if origWidth <= maxWidth {
		return compressToJPEG(img, quality)
	}

	newWidth := maxWidth
	newHeight := (origHeight * maxWidth) / origWidth
	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	return compressToJPEG(resized, quality)
}

func compressToJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
