// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package output

import (
	"fmt"
	"image"
)

// Mode is a resolution and refresh rate an output can run at
type Mode struct {
	Size image.Point
	// Refresh rate in millihertz
	RefreshMHz int
	Preferred  bool
}

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%d.%03d", m.Size.X, m.Size.Y, m.RefreshMHz/1000, m.RefreshMHz%1000)
}

// Transform is the rotation and flip applied to an output's contents
type Transform int

const (
	TransformNormal = Transform(iota)
	TransformRotate90
	TransformRotate180
	TransformRotate270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

var transformNames = [...]string{"normal", "90", "180", "270", "flipped", "flipped-90", "flipped-180", "flipped-270"}

func (t Transform) String() string {
	if t < 0 || int(t) >= len(transformNames) {
		return fmt.Sprintf("transform(%d)", int(t))
	}
	return transformNames[t]
}

// ParseTransform reads the names String produces
func ParseTransform(name string) (Transform, error) {
	for i, n := range transformNames {
		if n == name {
			return Transform(i), nil
		}
	}
	return TransformNormal, fmt.Errorf("unknown transform %q", name)
}

// Swaps reports whether width and height trade places
func (t Transform) Swaps() bool {
	switch t {
	case TransformRotate90, TransformRotate270, TransformFlipped90, TransformFlipped270:
		return true
	default:
		return false
	}
}

// Apply returns the size after the transform
func (t Transform) Apply(size image.Point) image.Point {
	if t.Swaps() {
		return image.Pt(size.Y, size.X)
	}
	return size
}

// Role tells what a layer is used for
type Role int

const (
	RolePrimary = Role(iota)
	RoleCursor
	RoleOverlay
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleCursor:
		return "cursor"
	case RoleOverlay:
		return "overlay"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// FrameStats counts the frames of an output
type FrameStats struct {
	Presented uint64
	Dropped   uint64
	// Present failures in a row, reset by every successful present
	ConsecutiveFailures int
}
