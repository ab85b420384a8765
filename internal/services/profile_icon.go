package services

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/nicedonate/nicedonate/internal/models"
)

const ProfileIconSize = 128

// Background colors of the selectable avatars, in icon order.
var profileIconPalette = [models.ProfileIconCount]color.RGBA{
	{0x5F, 0x48, 0xBF, 0xFF},
	{0xE0, 0x7A, 0x5F, 0xFF},
	{0x3D, 0x9A, 0x8B, 0xFF},
	{0xF2, 0xB1, 0x34, 0xFF},
	{0x4A, 0x90, 0xD9, 0xFF},
	{0xD9, 0x4A, 0x8C, 0xFF},
}

var (
	iconFontOnce  sync.Once
	iconFont      *opentype.Font
	iconFontError error
)

// RenderProfileIcon draws avatar index as a PNG disc with its number.
func RenderProfileIcon(index int) ([]byte, error) {
	if !models.IsValidIconIndex(index) {
		return nil, ErrInvalidIconIndex
	}

	const size = ProfileIconSize
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	fillDisc(img, size/2, size/2, size/2-2, profileIconPalette[index])

	face, err := newIconFace(56)
	if err != nil {
		return nil, err
	}
	defer func() { _ = face.Close() }()

	label := strconv.Itoa(index + 1)
	width := font.MeasureString(face, label).Ceil()
	metrics := face.Metrics()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()
	baseline := (size-textHeight)/2 + metrics.Ascent.Ceil()

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P((size-width)/2, baseline),
	}
	d.DrawString(label)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func fillDisc(img draw.Image, cx, cy, r int, clr color.Color) {
	r2 := r * r
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= r2 {
				img.Set(x, y, clr)
			}
		}
	}
}

func newIconFace(size float64) (font.Face, error) {
	iconFontOnce.Do(func() {
		iconFont, iconFontError = opentype.Parse(gobold.TTF)
	})
	if iconFontError != nil {
		return nil, fmt.Errorf("parse font: %w", iconFontError)
	}
	face, err := opentype.NewFace(iconFont, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("load font face: %w", err)
	}
	return face, nil
}
