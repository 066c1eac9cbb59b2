// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package scene

import (
	"image"
	"image/color"

	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/swapchain"
)

var palette = []color.RGBA{
	{R: 0x1e, G: 0x1e, B: 0x2e, A: 0xff},
	{R: 0x30, G: 0x34, B: 0x46, A: 0xff},
	{R: 0x24, G: 0x27, B: 0x3a, A: 0xff},
	{R: 0x11, G: 0x11, B: 0x1b, A: 0xff},
}

var (
	squareColor = color.RGBA{R: 0xf5, G: 0xc2, B: 0xe7, A: 0xff}
	cursorColor = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	cursorEdge  = color.RGBA{A: 0xff}
)

type demoOutput struct {
	frames      uint64
	square      image.Rectangle
	painted     bool
	cursorDrawn bool
}

// Demo is a background with a square bouncing across it, one step per frame
type Demo struct {
	// Side length of the square
	Size int
	// Pixels moved per frame, 0 keeps it still
	Speed int
	// Keep requesting frames
	Animate bool

	outputs map[*output.Output]*demoOutput
}

var (
	_ Scene          = &Demo{}
	_ CursorScene    = &Demo{}
	_ OutputObserver = &Demo{}
)

func NewDemo() *Demo {
	return &Demo{
		Size:    96,
		Speed:   4,
		Animate: true,
		outputs: map[*output.Output]*demoOutput{},
	}
}

func (d *Demo) state(out *output.Output) *demoOutput {
	if d.outputs == nil {
		d.outputs = map[*output.Output]*demoOutput{}
	}
	st, ok := d.outputs[out]
	if !ok {
		st = &demoOutput{}
		d.outputs[out] = st
	}
	return st
}

func (d *Demo) OutputAdded(out *output.Output) {
	d.state(out)
}

func (d *Demo) OutputRemoved(out *output.Output) {
	delete(d.outputs, out)
}

// Background returns the color the background of out is filled with
func (d *Demo) Background(out *output.Output) color.RGBA {
	return palette[out.Index()%len(palette)]
}

// SquareColor returns the color of the square
func (d *Demo) SquareColor() color.RGBA {
	return squareColor
}

// Square returns where the square was drawn in the last frame of out
func (d *Demo) Square(out *output.Output) image.Rectangle {
	return d.state(out).square
}

// squareAt bounces the square between the edges of a size sized buffer
func (d *Demo) squareAt(frame uint64, size image.Point) image.Rectangle {
	side := min(d.Size, size.X, size.Y)
	spanX := size.X - side
	spanY := size.Y - side
	pos := func(span int, step uint64) int {
		if span <= 0 {
			return 0
		}
		p := int(step % uint64(2*span))
		if p > span {
			p = 2*span - p
		}
		return p
	}
	step := frame * uint64(d.Speed)
	x := pos(spanX, step)
	// Slower vertically so it doesn't just travel along the diagonal
	y := pos(spanY, step/2)
	return image.Rect(x, y, x+side, y+side)
}

func (d *Demo) Paint(out *output.Output, target *swapchain.XRGB8888Image, repaint region.Region) region.Region {
	st := d.state(out)
	bounds := target.Bounds()
	next := d.squareAt(st.frames, bounds.Size())

	var damage region.Region
	switch {
	case !st.painted || !st.square.In(bounds):
		damage = region.Rect(bounds)
	case next != st.square:
		damage = region.New(st.square, next)
	}
	st.square = next
	st.painted = true
	st.frames++

	bg := d.Background(out)
	for _, r := range repaint.Union(damage).Rects() {
		target.Fill(r, bg)
		target.Fill(r.Intersect(next), squareColor)
	}
	if d.Animate && d.Speed != 0 {
		out.ScheduleRepaint()
	}
	return damage
}

func (d *Demo) CursorDirty(out *output.Output) bool {
	return !d.state(out).cursorDrawn
}

// PaintCursor draws a plain box with a border
func (d *Demo) PaintCursor(out *output.Output, target *swapchain.XRGB8888Image) image.Point {
	bounds := target.Bounds()
	target.Fill(bounds, color.RGBA{})
	box := image.Rect(0, 0, min(16, bounds.Dx()), min(16, bounds.Dy()))
	target.Fill(box, cursorEdge)
	target.Fill(box.Inset(2), cursorColor)
	d.state(out).cursorDrawn = true
	return image.Point{}
}

// CursorPosition parks the cursor in the middle of the square
func (d *Demo) CursorPosition(out *output.Output) image.Point {
	sq := d.state(out).square
	return sq.Min.Add(sq.Size().Div(2))
}
