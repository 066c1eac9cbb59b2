// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package scene holds what gets drawn into output layers
package scene

import (
	"image"

	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/swapchain"
)

// Scene draws the primary layer of outputs
type Scene interface {
	// Paint brings target up to date for out and returns the damage,
	// everything that looks different from the previous frame of out.
	// Both repaint and the returned damage have to be drawn, pixels outside of them are already correct.
	Paint(out *output.Output, target *swapchain.XRGB8888Image, repaint region.Region) region.Region
}

// CursorScene is a scene that also provides a cursor image
type CursorScene interface {
	// Whether the cursor image of out changed since it was last painted
	CursorDirty(out *output.Output) bool
	// PaintCursor draws the whole cursor image and returns its hotspot
	PaintCursor(out *output.Output, target *swapchain.XRGB8888Image) image.Point
	// Where the cursor hotspot is on out, in buffer pixels
	CursorPosition(out *output.Output) image.Point
}

// OutputObserver is a scene that wants to know about outputs coming and going
type OutputObserver interface {
	OutputAdded(out *output.Output)
	OutputRemoved(out *output.Output)
}
