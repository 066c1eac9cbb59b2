// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package compositor drives frames: it asks layers for buffers, lets the scene draw and hands
// the result to the backend, reacting to whatever the backend reports back.
package compositor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mstarongithub/vblank/backend"
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/scene"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/mstarongithub/vblank/util/multiplexer"
	"github.com/sirupsen/logrus"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
)

// DefaultMaxPresentFailures is how many presents in a row may fail before an output is given up on
const DefaultMaxPresentFailures = 3

var ErrUnknownOutput = errors.New("unknown output")

type Options struct {
	MaxPresentFailures int
}

type EventKind int

const (
	EventOutputAdded = EventKind(iota)
	EventOutputRemoved
	EventOutputFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOutputAdded:
		return "output-added"
	case EventOutputRemoved:
		return "output-removed"
	case EventOutputFailed:
		return "output-failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an output lifecycle change, published to subscribers
type Event struct {
	Kind   EventKind
	Output string
	Err    error
}

// Compositor owns the backend and everything it created.
// All methods except Subscribe, Unsubscribe and Loop must be called on the event loop.
type Compositor struct {
	backend backend.Backend
	scene   scene.Scene
	loop    *eventloop.Loop
	opts    Options
	outputs []*output.Output
	events  *multiplexer.OneToMany[Event]
	started bool
	closed  bool
}

var _ backend.Listener = &Compositor{}

func New(b backend.Backend, s scene.Scene, loop *eventloop.Loop, opts Options) *Compositor {
	if opts.MaxPresentFailures <= 0 {
		opts.MaxPresentFailures = DefaultMaxPresentFailures
	}
	return &Compositor{
		backend: b,
		scene:   s,
		loop:    loop,
		opts:    opts,
		events:  multiplexer.NewOneToMany[Event](),
	}
}

func (c *Compositor) Loop() *eventloop.Loop {
	return c.loop
}

func (c *Compositor) Backend() backend.Backend {
	return c.backend
}

// Start brings up the backend. Call it on the loop.
func (c *Compositor) Start(ctx context.Context) error {
	if c.started {
		return errors.New("compositor already started")
	}
	c.started = true
	go c.events.StartPlexer()
	logrus.WithField("backend", c.backend.Name()).Infoln("Starting backend")
	if err := c.backend.Start(ctx, c.loop, c); err != nil {
		return fmt.Errorf("starting %s backend: %w", c.backend.Name(), err)
	}
	return nil
}

// Close shuts the backend down, destroying all outputs
func (c *Compositor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.backend.Close()
	for _, out := range c.Outputs() {
		out.Destroy()
	}
	c.outputs = nil
	if c.started {
		c.events.CloseSender()
	}
	return err
}

// Subscribe returns a channel receiving output lifecycle events. Safe from any goroutine.
func (c *Compositor) Subscribe(name string) (<-chan Event, error) {
	return c.events.MakeReceiver(name, 0)
}

func (c *Compositor) Unsubscribe(name string) {
	c.events.CloseReceiver(name)
}

func (c *Compositor) publish(ev Event) {
	if !c.started {
		return
	}
	select {
	case c.events.GetSender() <- ev:
	default:
		logrus.WithField("event", ev.Kind).Debugln("Event queue full, dropping event")
	}
}

// OutputAdded hooks a new output up to the frame cycle
func (c *Compositor) OutputAdded(out *output.Output) {
	c.outputs = append(c.outputs, out)
	out.RenderLoop().OnFrameRequested(func() {
		c.renderFrame(out)
	})
	if obs, ok := c.scene.(scene.OutputObserver); ok {
		obs.OutputAdded(out)
	}
	out.ScheduleRepaint()
	logrus.WithFields(logrus.Fields{
		"output": out.Name(),
		"mode":   out.Mode(),
	}).Infoln("Output added")
	c.publish(Event{Kind: EventOutputAdded, Output: out.Name()})
}

// OutputRemoved forgets an output, the backend destroys it afterwards
func (c *Compositor) OutputRemoved(out *output.Output) {
	found := false
	for i, o := range c.outputs {
		if o == out {
			c.outputs = append(c.outputs[:i], c.outputs[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return
	}
	if obs, ok := c.scene.(scene.OutputObserver); ok {
		obs.OutputRemoved(out)
	}
	logrus.WithField("output", out.Name()).Infoln("Output removed")
	c.publish(Event{Kind: EventOutputRemoved, Output: out.Name()})
}

// Outputs returns the live outputs
func (c *Compositor) Outputs() []*output.Output {
	outs := make([]*output.Output, len(c.outputs))
	copy(outs, c.outputs)
	return outs
}

func (c *Compositor) OutputByName(name string) (*output.Output, bool) {
	filtered := sliceutils.Filter(c.outputs, func(out *output.Output) bool {
		return out.Name() == name
	})
	if len(filtered) == 0 {
		return nil, false
	}
	return filtered[0], true
}

// ScheduleRepaint asks for a new frame on the named output
func (c *Compositor) ScheduleRepaint(name string) error {
	out, ok := c.OutputByName(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOutput, name)
	}
	out.ScheduleRepaint()
	return nil
}

func (c *Compositor) ScheduleRepaintAll() {
	for _, out := range c.outputs {
		out.ScheduleRepaint()
	}
}

func (c *Compositor) renderFrame(out *output.Output) {
	if !out.Presentable() {
		return
	}
	log := logrus.WithField("output", out.Name())
	layer := out.PrimaryLayer()

	frame, err := layer.BeginFrame()
	if err != nil {
		if errors.Is(err, swapchain.ErrNoBuffer) {
			// Skip this frame, the next vblank might have a buffer again
			log.WithError(err).Debugln("No buffer available, skipping frame")
			out.ScheduleRepaint()
			return
		}
		log.WithError(err).Warnln("Failed to begin frame")
		return
	}
	damage := c.scene.Paint(out, frame.Target, frame.Repaint)
	presentable, err := layer.EndFrame(frame.Repaint.Union(damage), damage)
	if err != nil {
		log.WithError(err).Warnln("Failed to end frame")
		return
	}
	if !presentable {
		log.Debugln("Frame not presentable anymore")
		return
	}

	c.updateCursor(out)

	result := c.backend.Present(out, layer.PendingSlot(), layer.PendingDamage())
	switch result {
	case backend.PresentOK:
		layer.Presented()
		out.RecordPresent()
		out.RenderLoop().Arm()
		log.WithFields(logrus.Fields{
			"age":     frame.Age,
			"repaint": frame.Repaint.Area(),
			"damage":  damage.Area(),
		}).Debugln("Frame presented")
	case backend.PresentRetry:
		layer.DiscardPending()
		failures := out.RecordDrop()
		log.WithField("failures", failures).Warnln("Present failed, retrying next frame")
		if failures >= c.opts.MaxPresentFailures {
			c.failOutput(out, fmt.Errorf("%d presents failed in a row", failures))
			return
		}
		out.ScheduleRepaint()
	case backend.PresentFatal:
		layer.DiscardPending()
		out.RecordDrop()
		c.failOutput(out, errors.New("backend reported a fatal present error"))
	}
}

func (c *Compositor) updateCursor(out *output.Output) {
	cursor := out.CursorLayer()
	cs, ok := c.scene.(scene.CursorScene)
	presenter, hasPlane := c.backend.(backend.CursorPresenter)
	if cursor == nil || !ok || !hasPlane {
		return
	}
	log := logrus.WithField("output", out.Name())
	if cs.CursorDirty(out) {
		frame, err := cursor.BeginFrame()
		if err != nil {
			log.WithError(err).Debugln("No cursor buffer, keeping the old cursor")
		} else {
			hotspot := cs.PaintCursor(out, frame.Target)
			full := region.Rect(frame.Target.Bounds())
			if ok, _ := cursor.EndFrame(full, full); ok {
				if presenter.PresentCursor(out, cursor.PendingSlot(), hotspot) == backend.PresentOK {
					cursor.Presented()
				} else {
					cursor.DiscardPending()
				}
			}
		}
	}
	pos := cs.CursorPosition(out)
	if pos != cursor.Position() {
		cursor.SetPosition(pos)
		presenter.MoveCursor(out, pos)
	}
}

func (c *Compositor) failOutput(out *output.Output, err error) {
	out.MarkFailed(err)
	c.publish(Event{Kind: EventOutputFailed, Output: out.Name(), Err: err})
}
