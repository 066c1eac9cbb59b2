// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swapchain

import (
	"image"
	"image/color"
)

// XRGB8888Image is a draw.Image over raw little endian XRGB8888 / ARGB8888 memory,
// the layout shared by wl_shm, X11 ZPixmaps at depth 24 and DRM dumb buffers.
type XRGB8888Image struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
	// Keep the alpha channel instead of forcing it to opaque
	Alpha bool
}

// NewXRGB8888Image wraps pix, which must hold at least stride*height bytes
func NewXRGB8888Image(pix []byte, stride int, size image.Point) *XRGB8888Image {
	return &XRGB8888Image{
		Pix:    pix,
		Stride: stride,
		Rect:   image.Rectangle{Max: size},
	}
}

func (img *XRGB8888Image) ColorModel() color.Model {
	return color.RGBAModel
}

func (img *XRGB8888Image) Bounds() image.Rectangle {
	return img.Rect
}

func (img *XRGB8888Image) offset(x, y int) int {
	return (y-img.Rect.Min.Y)*img.Stride + (x-img.Rect.Min.X)*4
}

func (img *XRGB8888Image) At(x, y int) color.Color {
	return img.RGBAAt(x, y)
}

// RGBAAt returns the pixel at x, y without going through the color interface
func (img *XRGB8888Image) RGBAAt(x, y int) color.RGBA {
	if !image.Pt(x, y).In(img.Rect) {
		return color.RGBA{}
	}
	i := img.offset(x, y)
	a := img.Pix[i+3]
	if !img.Alpha {
		a = 0xff
	}
	return color.RGBA{R: img.Pix[i+2], G: img.Pix[i+1], B: img.Pix[i], A: a}
}

func (img *XRGB8888Image) Set(x, y int, c color.Color) {
	img.SetRGBA(x, y, color.RGBAModel.Convert(c).(color.RGBA))
}

func (img *XRGB8888Image) SetRGBA(x, y int, c color.RGBA) {
	if !image.Pt(x, y).In(img.Rect) {
		return
	}
	i := img.offset(x, y)
	img.Pix[i] = c.B
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.R
	if img.Alpha {
		img.Pix[i+3] = c.A
	} else {
		img.Pix[i+3] = 0xff
	}
}

// Fill paints r with a solid color. It is a lot faster than Set per pixel.
func (img *XRGB8888Image) Fill(r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Rect)
	if r.Empty() {
		return
	}
	a := c.A
	if !img.Alpha {
		a = 0xff
	}
	px := [4]byte{c.B, c.G, c.R, a}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := img.Pix[img.offset(r.Min.X, y):img.offset(r.Max.X, y)]
		for i := 0; i < len(row); i += 4 {
			copy(row[i:i+4], px[:])
		}
	}
}

// Row returns the bytes of the pixels [x0, x1) in line y
func (img *XRGB8888Image) Row(y, x0, x1 int) []byte {
	return img.Pix[img.offset(x0, y):img.offset(x1, y)]
}
