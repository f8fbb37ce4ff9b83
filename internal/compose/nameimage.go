package compose

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

const (
	nameFontSize = 48
	namePadding  = 12
)

var (
	fontOnce   sync.Once
	nameFont   *truetype.Font
	fontErr    error
	signingInk = color.RGBA{R: 16, G: 24, B: 96, A: 255}
)

// renderNameImage draws a display name in the Go regular typeface onto a
// transparent PNG, used when a signer submits no image of their own.
func renderNameImage(name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("empty display name: %w", ErrInvalidAsset)
	}

	fontOnce.Do(func() {
		nameFont, fontErr = truetype.Parse(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fmt.Errorf("parse font: %w", fontErr)
	}

	face := truetype.NewFace(nameFont, &truetype.Options{Size: nameFontSize, DPI: 72})
	defer face.Close()

	drawer := &font.Drawer{Face: face}
	width := drawer.MeasureString(name).Ceil() + 2*namePadding
	metrics := face.Metrics()
	height := (metrics.Ascent + metrics.Descent).Ceil() + 2*namePadding

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	drawer.Dst = img
	drawer.Src = image.NewUniform(signingInk)
	drawer.Dot = fixed.P(namePadding, namePadding+metrics.Ascent.Ceil())
	drawer.DrawString(name)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode signature image: %w", err)
	}
	return buf.Bytes(), nil
}
