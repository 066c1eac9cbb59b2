// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backend defines what every display transport has to provide.
//
// Backends detect sinks and create outputs for them, push finished buffers to the sink and
// feed completion events back into the outputs' render loops. All of that happens on the event loop,
// reader goroutines only post to it.
package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/swapchain"
)

var ErrUnsupported = errors.New("not supported by this backend")

// PresentResult tells the compositor what happened to a frame
type PresentResult int

const (
	// The frame is on its way to the sink
	PresentOK = PresentResult(iota)
	// The sink couldn't take the frame right now, try again next frame
	PresentRetry
	// The sink is gone or broken, disable the output
	PresentFatal
)

func (r PresentResult) String() string {
	switch r {
	case PresentOK:
		return "ok"
	case PresentRetry:
		return "retry"
	case PresentFatal:
		return "fatal"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Kind names a backend implementation
type Kind string

const (
	KindAuto    = Kind("auto")
	KindDRM     = Kind("drm")
	KindX11     = Kind("x11")
	KindWayland = Kind("wayland")
	KindVirtual = Kind("virtual")
)

// ParseKind reads a backend name as used in the config and on the command line
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case KindAuto, KindDRM, KindX11, KindWayland, KindVirtual:
		return k, nil
	case "":
		return KindAuto, nil
	default:
		return "", fmt.Errorf("unknown backend %q", name)
	}
}

// Capabilities describe what a backend's sinks can do
type Capabilities struct {
	// Buffer contents survive presentation, partial repaints work
	BufferAge bool
	// The sink tells when it is done with a buffer
	ExplicitRelease bool
	// Completion events come from the display hardware or host compositor instead of a timer
	HardwareVsync bool
	// Cursor images can be presented separately from the primary layer
	CursorPlane bool
	// Outputs can appear and disappear at runtime
	Hotplug bool
}

// Listener gets told about outputs coming and going
type Listener interface {
	OutputAdded(out *output.Output)
	// The backend destroys the output after this returns
	OutputRemoved(out *output.Output)
}

// Backend is one display transport
type Backend interface {
	Name() Kind
	Capabilities() Capabilities
	// Start connects to the sink, creates the initial outputs and starts reader goroutines.
	// It is called on the loop, which is where all listener calls happen as well.
	// Reader goroutines stop once ctx is done.
	Start(ctx context.Context, loop *eventloop.Loop, listener Listener) error
	// Present hands the slot to the sink. damage is what changed since the previous present of this output.
	// On PresentOK the backend is responsible for eventually calling NotifyFrameCompleted or NotifyFrameFailed
	// on the output's render loop, and for releasing the slot if its sink releases explicitly.
	Present(out *output.Output, slot *swapchain.Slot, damage region.Region) PresentResult
	// Close destroys all outputs and disconnects
	Close() error
}

// CursorPresenter is implemented by backends with a separate cursor plane
type CursorPresenter interface {
	PresentCursor(out *output.Output, slot *swapchain.Slot, hotspot image.Point) PresentResult
	MoveCursor(out *output.Output, pos image.Point) PresentResult
}
