package genai

import (
	"bytes"
	"crypto/sha256"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

const (
	syntheticWidth  = 768
	syntheticHeight = 1024
)

// renderSynthetic paints a placeholder figure whose colours derive from the
// request, so the same job always yields the same bytes.
func renderSynthetic(req TryOnRequest) Image {
	sum := sha256.Sum256([]byte(req.RequestID + "|" + req.PersonImageURL + "|" + req.GarmentImageURL + "|" + req.Prompt))
	palette := func(i int) color.RGBA {
		return color.RGBA{R: sum[i*3], G: sum[i*3+1], B: sum[i*3+2], A: 255}
	}

	w, h := syntheticWidth, syntheticHeight
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill := func(r image.Rectangle, c color.RGBA) {
		draw.Draw(img, r, &image.Uniform{c}, image.Point{}, draw.Src)
	}

	fill(img.Bounds(), palette(0))
	fill(image.Rect(w*7/16, h/10, w*9/16, h/4), palette(1))

	garment := image.Rect(w/4, h/4, w*3/4, h*3/4)
	fill(garment, palette(2))
	band := max(16, h/48)
	for y := garment.Min.Y; y < garment.Max.Y; y += band * 2 {
		fill(image.Rect(garment.Min.X, y, garment.Max.X, min(garment.Max.Y, y+band)), palette(3))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}
	}
	return Image{Format: "image/png", Width: w, Height: h, Data: buf.Bytes()}
}
