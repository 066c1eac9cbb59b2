// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package swapchain manages the small pool of presentable buffers behind an output layer.
//
// A Swapchain hands out Slots. A slot is Busy from Acquire until the backend confirms the
// display sink stopped reading it with Release. Every slot carries an age: the number of frames
// since its contents were last on screen, or 0 if they are unknown.
package swapchain

import (
	"errors"
	"fmt"
	"image"

	"github.com/mstarongithub/vblank/util"
	"github.com/sirupsen/logrus"
)

var (
	// No buffer could be handed out this frame, either because all slots are busy
	// or the allocator failed. The caller skips the frame.
	ErrNoBuffer = errors.New("no buffer available")
	// The swapchain has been closed
	ErrClosed = errors.New("swapchain closed")
)

// Buffer is one presentable image owned by a slot
type Buffer interface {
	// CPU view of the pixels
	Image() *XRGB8888Image
	Size() image.Point
	Format() Format
	// Frees the memory and any file descriptors. Called exactly once, by the owning slot.
	Close() error
}

// Capabilities describe what the allocator and its sink can report back
type Capabilities struct {
	// Buffer contents survive presentation, so buffer age is meaningful
	BufferAge bool
	// The sink tells when it stopped reading a buffer (wl_buffer.release, page flip of the next buffer).
	// Without it buffers are released right after present.
	ExplicitRelease bool
}

// Allocator creates buffers for a swapchain
type Allocator interface {
	Allocate(size image.Point, format Format) (Buffer, error)
	Capabilities() Capabilities
}

type SlotState int

const (
	SlotFree = SlotState(iota)
	SlotBusy
)

func (s SlotState) String() string {
	if s == SlotBusy {
		return "busy"
	}
	return "free"
}

// Slot wraps one buffer of a swapchain.
// Callers only ever borrow slots, the swapchain owns them.
type Slot struct {
	id        uint64
	buffer    Buffer
	age       int
	state     SlotState
	orphaned  bool
	destroyed bool
	chain     *Swapchain
}

// Unique id of the slot within its swapchain
func (s *Slot) ID() uint64 {
	return s.id
}

func (s *Slot) Buffer() Buffer {
	return s.buffer
}

// Age returns how many frames ago this buffer's contents were on screen.
// It is always 0 if the swapchain can't track buffer age.
func (s *Slot) Age() int {
	if !s.chain.SupportsBufferAge() {
		return 0
	}
	return s.age
}

func (s *Slot) State() SlotState {
	return s.state
}

// Orphaned slots belonged to a swapchain that got reset while they were busy.
// They are destroyed as soon as they get released.
func (s *Slot) Orphaned() bool {
	return s.orphaned
}

// Swapchain is an ordered pool of slots for one size and format.
// It is not safe for concurrent use.
type Swapchain struct {
	alloc     Allocator
	size      image.Point
	format    Format
	maxSlots  int
	slots     []*Slot
	orphans   []*Slot
	busy      int
	nextID    uint64
	bufferAge bool
	closed    bool
}

// DefaultMaxSlots is used if no slot limit is given
const DefaultMaxSlots = 4

// New creates an empty swapchain. Buffers get allocated lazily on Acquire, up to maxSlots.
func New(alloc Allocator, size image.Point, format Format, maxSlots int) *Swapchain {
	if maxSlots <= 0 {
		maxSlots = DefaultMaxSlots
	}
	return &Swapchain{
		alloc:     alloc,
		size:      size,
		format:    format,
		maxSlots:  maxSlots,
		bufferAge: true,
	}
}

func (sc *Swapchain) Size() image.Point {
	return sc.size
}

func (sc *Swapchain) Format() Format {
	return sc.format
}

func (sc *Swapchain) MaxSlots() int {
	return sc.maxSlots
}

// Len returns the number of slots currently allocated
func (sc *Swapchain) Len() int {
	return len(sc.slots)
}

// Busy returns the number of busy slots
func (sc *Swapchain) Busy() int {
	return sc.busy
}

// Slots returns the allocated slots in pool order
func (sc *Swapchain) Slots() []*Slot {
	out := make([]*Slot, len(sc.slots))
	copy(out, sc.slots)
	return out
}

func (sc *Swapchain) Capabilities() Capabilities {
	return sc.alloc.Capabilities()
}

// SupportsBufferAge reports whether slot ages are meaningful.
// That requires both the allocator's capability and the buffer age switch to be on.
func (sc *Swapchain) SupportsBufferAge() bool {
	return sc.bufferAge && sc.alloc.Capabilities().BufferAge
}

// SetBufferAge turns buffer age reporting on or off, independent of the allocator
func (sc *Swapchain) SetBufferAge(enabled bool) {
	sc.bufferAge = enabled
}

// Acquire returns a free slot, marking it busy.
// If no slot is free and the pool has headroom, a new buffer is allocated.
// Fails with ErrNoBuffer when neither works.
func (sc *Swapchain) Acquire() (*Slot, error) {
	if sc.closed {
		return nil, ErrClosed
	}
	for _, slot := range sc.slots {
		if slot.state == SlotFree {
			slot.state = SlotBusy
			sc.busy++
			return slot, nil
		}
	}
	if len(sc.slots) >= sc.maxSlots {
		return nil, fmt.Errorf("%w: all %d slots busy", ErrNoBuffer, len(sc.slots))
	}
	buffer, err := sc.alloc.Allocate(sc.size, sc.format)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating %dx%d %s buffer: %w", ErrNoBuffer, sc.size.X, sc.size.Y, sc.format, err)
	}
	sc.nextID++
	slot := &Slot{
		id:     sc.nextID,
		buffer: buffer,
		state:  SlotBusy,
		chain:  sc,
	}
	sc.slots = append(sc.slots, slot)
	sc.busy++
	logrus.WithFields(logrus.Fields{
		"slot":  slot.id,
		"slots": len(sc.slots),
		"size":  sc.size,
	}).Debugln("Allocated swapchain slot")
	return slot, nil
}

// Release marks a slot free again. Releasing a free slot does nothing,
// release notifications can race with teardown.
func (sc *Swapchain) Release(slot *Slot) {
	if slot == nil {
		return
	}
	if slot.chain != sc {
		util.ContractViolation(logrus.Fields{"slot": slot.id}, "slot released to a foreign swapchain")
		return
	}
	if slot.state == SlotFree {
		return
	}
	slot.state = SlotFree
	if slot.orphaned {
		sc.removeOrphan(slot)
		sc.destroy(slot)
		return
	}
	sc.busy--
}

// Presented updates the slot ages after slot went on screen.
// The presented slot gets age 1, every other slot that has been on screen before ages by one.
func (sc *Swapchain) Presented(slot *Slot) {
	for _, s := range sc.slots {
		if s == slot {
			s.age = 1
		} else if s.age > 0 {
			s.age++
		}
	}
}

// Reset drops every slot and starts over with an empty pool for the new size and format.
// Free slots are destroyed immediately, busy ones as soon as they get released.
func (sc *Swapchain) Reset(size image.Point, format Format) {
	logrus.WithFields(logrus.Fields{
		"old-size": sc.size,
		"new-size": size,
		"format":   format,
	}).Debugln("Resetting swapchain")
	for _, slot := range sc.slots {
		if slot.state == SlotFree {
			sc.destroy(slot)
		} else {
			slot.orphaned = true
			sc.orphans = append(sc.orphans, slot)
		}
	}
	sc.slots = nil
	sc.busy = 0
	sc.size = size
	sc.format = format
}

// Retire shuts the swapchain down without waiting for the sink.
// Free slots are destroyed now, busy ones once they get released. Acquire fails afterwards.
func (sc *Swapchain) Retire() {
	sc.Reset(sc.size, sc.format)
	sc.closed = true
}

// Closed reports whether the swapchain was retired or closed
func (sc *Swapchain) Closed() bool {
	return sc.closed
}

// Orphans returns how many retired slots still wait for their release
func (sc *Swapchain) Orphans() int {
	return len(sc.orphans)
}

// Close destroys every slot, busy or not. Acquire fails afterwards.
func (sc *Swapchain) Close() {
	for _, slot := range sc.slots {
		sc.destroy(slot)
	}
	for _, slot := range sc.orphans {
		sc.destroy(slot)
	}
	sc.slots = nil
	sc.orphans = nil
	sc.busy = 0
	sc.closed = true
}

func (sc *Swapchain) removeOrphan(slot *Slot) {
	for i, s := range sc.orphans {
		if s == slot {
			sc.orphans = append(sc.orphans[:i], sc.orphans[i+1:]...)
			return
		}
	}
}

func (sc *Swapchain) destroy(slot *Slot) {
	if slot.destroyed {
		return
	}
	slot.destroyed = true
	slot.state = SlotFree
	if err := slot.buffer.Close(); err != nil {
		logrus.WithError(err).WithField("slot", slot.id).Warnln("Failed to close swapchain buffer")
	}
}
