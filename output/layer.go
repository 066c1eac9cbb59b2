// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package output

import (
	"errors"
	"fmt"
	"image"

	"github.com/mstarongithub/vblank/damage"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/mstarongithub/vblank/util"
	"github.com/sirupsen/logrus"
)

var (
	ErrFrameInProgress   = errors.New("frame already in progress")
	ErrNoFrameInProgress = errors.New("no frame in progress")
	ErrDestroyed         = errors.New("output destroyed")
)

// DefaultCursorSize is the size of cursor layers unless set otherwise
var DefaultCursorSize = image.Pt(64, 64)

type LayerState int

const (
	LayerIdle = LayerState(iota)
	LayerOpen
)

func (s LayerState) String() string {
	if s == LayerOpen {
		return "open"
	}
	return "idle"
}

// FrameInfo is what a renderer gets to draw a frame
type FrameInfo struct {
	// The back buffer to render into
	Target *swapchain.XRGB8888Image
	// Everything outside of this region already holds correct pixels
	Repaint region.Region
	Age     int
	Slot    *swapchain.Slot
}

// Layer is one render target of an output, with its own swapchain and damage history
type Layer struct {
	role    Role
	output  *Output
	chain   *swapchain.Swapchain
	journal *damage.Journal
	format  swapchain.Format
	// Fixed size for cursor and overlay layers, primary layers follow the output
	size     image.Point
	position image.Point

	state   LayerState
	current *swapchain.Slot
	// Rendered but not yet presented
	pending       *swapchain.Slot
	pendingDamage region.Region
	// Damage of a frame that never made it to the screen, repainted with the next one
	carry region.Region
}

func newLayer(out *Output, role Role, alloc swapchain.Allocator, format swapchain.Format, size image.Point, depth int, bufferAge bool) *Layer {
	l := &Layer{
		role:   role,
		output: out,
		format: format,
		size:   size,
	}
	l.chain = swapchain.New(alloc, l.targetSize(), format, depth)
	l.chain.SetBufferAge(bufferAge)
	// Cursors are always repainted in full
	if role != RoleCursor {
		l.journal = damage.New(depth + 1)
	}
	return l
}

func (l *Layer) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"output": l.output.name, "layer": l.role})
}

func (l *Layer) Role() Role {
	return l.role
}

func (l *Layer) Output() *Output {
	return l.output
}

func (l *Layer) State() LayerState {
	return l.state
}

func (l *Layer) Swapchain() *swapchain.Swapchain {
	return l.chain
}

// Journal returns the damage history, nil for cursor layers
func (l *Layer) Journal() *damage.Journal {
	return l.journal
}

// Position of the layer on the output, used for cursor planes
func (l *Layer) Position() image.Point {
	return l.position
}

func (l *Layer) SetPosition(p image.Point) {
	l.position = p
}

// Size returns the pixel size buffers of this layer have
func (l *Layer) Size() image.Point {
	return l.targetSize()
}

// SetSize fixes the size of a cursor or overlay layer. The swapchain is recreated on the next frame.
func (l *Layer) SetSize(size image.Point) {
	if l.role == RolePrimary {
		util.ContractViolation(logrus.Fields{"output": l.output.name}, "primary layers follow the output size")
		return
	}
	l.size = size
}

func (l *Layer) targetSize() image.Point {
	if l.role == RolePrimary {
		return l.output.PixelSize()
	}
	return l.size
}

// ForgetDamage drops the damage history, so the next frame of every buffer is a full repaint.
// Needed whenever buffer contents got lost or the mapping to the screen changed.
func (l *Layer) ForgetDamage() {
	if l.journal != nil {
		l.journal.Clear()
	}
	l.carry = region.Region{}
}

// BeginFrame acquires a back buffer and tells how much of it has to be repainted.
// On error there is nothing to render into and the layer has to be skipped this frame.
func (l *Layer) BeginFrame() (FrameInfo, error) {
	if l.state == LayerOpen {
		util.ContractViolation(logrus.Fields{"output": l.output.name, "layer": l.role}, "BeginFrame while a frame is open")
		return FrameInfo{}, ErrFrameInProgress
	}
	if l.output.destroyed {
		return FrameInfo{}, ErrDestroyed
	}
	// A rendered frame that never got presented is dropped for the new one
	if l.pending != nil {
		l.DiscardPending()
	}

	size := l.targetSize()
	if l.chain.Size() != size || l.chain.Format() != l.format {
		l.log().WithFields(logrus.Fields{
			"old-size": l.chain.Size(),
			"new-size": size,
		}).Debugln("Layer size changed, recreating swapchain")
		l.chain.Reset(size, l.format)
		l.ForgetDamage()
	}

	slot, err := l.chain.Acquire()
	if err != nil {
		return FrameInfo{}, fmt.Errorf("begin frame on %s layer of %s: %w", l.role, l.output.name, err)
	}

	full := region.Rect(image.Rectangle{Max: size})
	var repaint region.Region
	if l.journal == nil {
		repaint = full
	} else {
		repaint = l.journal.Accumulate(slot.Age(), full).Union(l.carry)
	}

	l.state = LayerOpen
	l.current = slot
	return FrameInfo{
		Target:  slot.Buffer().Image(),
		Repaint: repaint,
		Age:     slot.Age(),
		Slot:    slot,
	}, nil
}

// EndFrame closes the open frame. damaged is what actually changed on screen, rendered what was drawn.
// The damage is always recorded. Returns false if the frame can't be presented anymore,
// because the output got disabled or destroyed in the meantime.
func (l *Layer) EndFrame(rendered, damaged region.Region) (bool, error) {
	if l.state != LayerOpen {
		util.ContractViolation(logrus.Fields{"output": l.output.name, "layer": l.role}, "EndFrame without an open frame")
		return false, ErrNoFrameInProgress
	}
	full := image.Rectangle{Max: l.targetSize()}
	damaged = damaged.Union(l.carry).IntersectRect(full)
	l.carry = region.Region{}
	if l.journal != nil {
		l.journal.Add(damaged)
	}
	l.state = LayerIdle
	slot := l.current
	l.current = nil

	if slot == nil || !l.output.Presentable() {
		// Released by teardown or the output went away
		l.chain.Release(slot)
		return false, nil
	}
	l.pending = slot
	l.pendingDamage = damaged
	l.log().WithFields(logrus.Fields{
		"slot":     slot.ID(),
		"rendered": rendered.Area(),
		"damaged":  damaged.Area(),
	}).Debugln("Frame ended")
	return true, nil
}

// PendingSlot is the slot rendered by the last EndFrame that waits for present
func (l *Layer) PendingSlot() *swapchain.Slot {
	return l.pending
}

// PendingDamage is the damage of the pending slot
func (l *Layer) PendingDamage() region.Region {
	return l.pendingDamage
}

// Presented does the bookkeeping after the pending slot reached the sink.
// Without explicit release feedback from the sink, the slot is released right away.
func (l *Layer) Presented() *swapchain.Slot {
	slot := l.pending
	if slot == nil {
		return nil
	}
	l.pending = nil
	l.pendingDamage = region.Region{}
	l.chain.Presented(slot)
	if !l.chain.Capabilities().ExplicitRelease {
		l.chain.Release(slot)
	}
	return slot
}

// Release hands a slot back after the sink stopped reading it
func (l *Layer) Release(slot *swapchain.Slot) {
	l.chain.Release(slot)
}

// DiscardPending drops the pending frame after a failed present.
// Its damage is carried over into the next frame, so the history keeps matching the buffer ages.
func (l *Layer) DiscardPending() {
	slot := l.pending
	if slot == nil {
		return
	}
	l.pending = nil
	l.pendingDamage = region.Region{}
	l.chain.Release(slot)
	if l.journal != nil {
		if dropped, ok := l.journal.Pop(); ok {
			l.carry = l.carry.Union(dropped)
		}
	}
}

// teardown releases everything without waiting for the sink.
// Slots still read by the sink are destroyed once they get released.
func (l *Layer) teardown() {
	if l.current != nil {
		l.chain.Release(l.current)
		l.current = nil
	}
	if l.pending != nil {
		l.chain.Release(l.pending)
		l.pending = nil
	}
	l.chain.Retire()
}
