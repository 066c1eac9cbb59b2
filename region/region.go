// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package region implements pixel regions as sets of disjoint rectangles.
// Damage and repaint areas are expressed with it.
package region

import (
	"fmt"
	"image"
	"strings"
)

// Region is a set of pixels, stored as non-overlapping rectangles.
// The zero value is the empty region.
// Operations never modify their receiver, so a Region can be shared freely.
type Region struct {
	rects []image.Rectangle
}

// New creates a region covering all the given rectangles
func New(rects ...image.Rectangle) Region {
	var r Region
	for _, rect := range rects {
		r = r.UnionRect(rect)
	}
	return r
}

// Rect creates a region covering exactly one rectangle
func Rect(rect image.Rectangle) Region {
	rect = rect.Canon()
	if rect.Empty() {
		return Region{}
	}
	return Region{rects: []image.Rectangle{rect}}
}

// Empty reports whether the region covers no pixels at all
func (r Region) Empty() bool {
	return len(r.rects) == 0
}

// Rects returns a copy of the rectangles making up the region.
// The rectangles never overlap.
func (r Region) Rects() []image.Rectangle {
	out := make([]image.Rectangle, len(r.rects))
	copy(out, r.rects)
	return out
}

// Bounds returns the smallest rectangle containing the whole region
func (r Region) Bounds() image.Rectangle {
	var b image.Rectangle
	for _, rect := range r.rects {
		b = b.Union(rect)
	}
	return b
}

// Area returns the number of pixels covered
func (r Region) Area() int {
	area := 0
	for _, rect := range r.rects {
		area += rect.Dx() * rect.Dy()
	}
	return area
}

// Contains reports whether the pixel at p is part of the region
func (r Region) Contains(p image.Point) bool {
	for _, rect := range r.rects {
		if p.In(rect) {
			return true
		}
	}
	return false
}

// UnionRect returns the region extended by one rectangle
func (r Region) UnionRect(rect image.Rectangle) Region {
	rect = rect.Canon()
	if rect.Empty() {
		return r
	}
	// Only the parts of rect not yet covered get appended, which keeps
	// the stored rectangles disjoint.
	pieces := []image.Rectangle{rect}
	for _, existing := range r.rects {
		if !existing.Overlaps(rect) {
			continue
		}
		var next []image.Rectangle
		for _, piece := range pieces {
			next = append(next, subtractRect(piece, existing)...)
		}
		pieces = next
		if len(pieces) == 0 {
			return r
		}
	}
	out := make([]image.Rectangle, 0, len(r.rects)+len(pieces))
	out = append(out, r.rects...)
	out = append(out, pieces...)
	return Region{rects: out}
}

// Union returns the region covering the pixels of both r and other
func (r Region) Union(other Region) Region {
	if r.Empty() {
		return other
	}
	out := r
	for _, rect := range other.rects {
		out = out.UnionRect(rect)
	}
	return out
}

// IntersectRect returns the part of the region inside rect
func (r Region) IntersectRect(rect image.Rectangle) Region {
	var out []image.Rectangle
	for _, existing := range r.rects {
		if i := existing.Intersect(rect); !i.Empty() {
			out = append(out, i)
		}
	}
	return Region{rects: out}
}

// Intersect returns the pixels covered by both r and other
func (r Region) Intersect(other Region) Region {
	var out []image.Rectangle
	for _, a := range r.rects {
		for _, b := range other.rects {
			if i := a.Intersect(b); !i.Empty() {
				out = append(out, i)
			}
		}
	}
	// Both inputs are disjoint sets, so the pairwise intersections are too
	return Region{rects: out}
}

// Subtract returns the pixels of r that are not in other
func (r Region) Subtract(other Region) Region {
	pieces := r.Rects()
	for _, cut := range other.rects {
		var next []image.Rectangle
		for _, piece := range pieces {
			next = append(next, subtractRect(piece, cut)...)
		}
		pieces = next
		if len(pieces) == 0 {
			break
		}
	}
	return Region{rects: pieces}
}

// Translate moves the region by the given offset
func (r Region) Translate(p image.Point) Region {
	out := make([]image.Rectangle, len(r.rects))
	for i, rect := range r.rects {
		out[i] = rect.Add(p)
	}
	return Region{rects: out}
}

// Equal reports whether both regions cover the same pixels,
// regardless of how they are split into rectangles
func (r Region) Equal(other Region) bool {
	if r.Area() != other.Area() {
		return false
	}
	return r.Subtract(other).Empty()
}

func (r Region) String() string {
	if r.Empty() {
		return "region{}"
	}
	parts := make([]string, len(r.rects))
	for i, rect := range r.rects {
		parts[i] = rect.String()
	}
	return fmt.Sprintf("region{%s}", strings.Join(parts, " "))
}

// subtractRect returns up to four rectangles covering a minus b
func subtractRect(a, b image.Rectangle) []image.Rectangle {
	i := a.Intersect(b)
	if i.Empty() {
		return []image.Rectangle{a}
	}
	var out []image.Rectangle
	// Full-width band above the intersection
	if a.Min.Y < i.Min.Y {
		out = append(out, image.Rect(a.Min.X, a.Min.Y, a.Max.X, i.Min.Y))
	}
	// Full-width band below
	if i.Max.Y < a.Max.Y {
		out = append(out, image.Rect(a.Min.X, i.Max.Y, a.Max.X, a.Max.Y))
	}
	// Left and right of the intersection, limited to its rows
	if a.Min.X < i.Min.X {
		out = append(out, image.Rect(a.Min.X, i.Min.Y, i.Min.X, i.Max.Y))
	}
	if i.Max.X < a.Max.X {
		out = append(out, image.Rect(i.Max.X, i.Min.Y, a.Max.X, i.Max.Y))
	}
	return out
}
