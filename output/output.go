// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package output ties a display sink's geometry to its render loop and layers.
package output

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/renderloop"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/sirupsen/logrus"
)

// DefaultSwapchainDepth is the number of buffers per layer unless configured otherwise
const DefaultSwapchainDepth = 3

// Config describes a new output. Backends fill it in from what they detected.
type Config struct {
	Name      string
	Index     int
	Position  image.Point
	Mode      Mode
	Modes     []Mode
	Scale     float64
	Transform Transform

	Allocator       swapchain.Allocator
	Format          swapchain.Format
	SwapchainDepth  int
	CursorLayer     bool
	CursorSize      image.Point
	CursorAllocator swapchain.Allocator
	// Report every buffer as age 0, forcing full repaints
	DisableBufferAge bool
}

// Output is one display sink. It owns exactly one render loop and mode for its whole life.
type Output struct {
	name      string
	index     int
	position  image.Point
	mode      Mode
	modes     []Mode
	scale     float64
	transform Transform

	loop    *renderloop.RenderLoop
	primary *Layer
	cursor  *Layer

	enabled   bool
	failed    bool
	failure   error
	destroyed bool
	stats     FrameStats

	destroyListeners []func(*Output)
}

// New creates an enabled output with its render loop and layers
func New(cfg Config, sched eventloop.Scheduler) (*Output, error) {
	if cfg.Mode.Size.X <= 0 || cfg.Mode.Size.Y <= 0 {
		return nil, fmt.Errorf("output %s: invalid mode size %v", cfg.Name, cfg.Mode.Size)
	}
	if cfg.Allocator == nil {
		return nil, errors.New("output " + cfg.Name + ": no allocator")
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 1
	}
	if cfg.Format == 0 {
		cfg.Format = swapchain.FormatXRGB8888
	}
	if cfg.SwapchainDepth <= 0 {
		cfg.SwapchainDepth = DefaultSwapchainDepth
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = []Mode{cfg.Mode}
	}

	out := &Output{
		name:      cfg.Name,
		index:     cfg.Index,
		position:  cfg.Position,
		mode:      cfg.Mode,
		modes:     cfg.Modes,
		scale:     cfg.Scale,
		transform: cfg.Transform,
		enabled:   true,
	}
	out.loop = renderloop.New(sched, cfg.Mode.RefreshMHz)
	out.loop.SetName(cfg.Name)
	out.primary = newLayer(out, RolePrimary, cfg.Allocator, cfg.Format, image.Point{}, cfg.SwapchainDepth, !cfg.DisableBufferAge)
	if cfg.CursorLayer {
		size := cfg.CursorSize
		if size.X <= 0 || size.Y <= 0 {
			size = DefaultCursorSize
		}
		alloc := cfg.CursorAllocator
		if alloc == nil {
			alloc = cfg.Allocator
		}
		// Cursors don't need more than double buffering
		out.cursor = newLayer(out, RoleCursor, alloc, swapchain.FormatARGB8888, size, 2, !cfg.DisableBufferAge)
	}
	logrus.WithFields(logrus.Fields{
		"output": out.name,
		"mode":   out.mode,
		"scale":  out.scale,
		"cursor": cfg.CursorLayer,
	}).Infoln("Output created")
	return out, nil
}

func (o *Output) Name() string {
	return o.name
}

func (o *Output) Index() int {
	return o.index
}

func (o *Output) Position() image.Point {
	return o.position
}

func (o *Output) SetPosition(p image.Point) {
	o.position = p
}

func (o *Output) Mode() Mode {
	return o.mode
}

func (o *Output) Modes() []Mode {
	return o.modes
}

// SetMode switches the current mode. The render loop is retuned, layers pick up a new size on their next frame.
func (o *Output) SetMode(m Mode) error {
	if m.Size.X <= 0 || m.Size.Y <= 0 {
		return fmt.Errorf("output %s: invalid mode size %v", o.name, m.Size)
	}
	if m == o.mode {
		return nil
	}
	logrus.WithFields(logrus.Fields{"output": o.name, "old": o.mode, "new": m}).Infoln("Output mode changed")
	o.mode = m
	found := false
	for _, known := range o.modes {
		if known.Size == m.Size && known.RefreshMHz == m.RefreshMHz {
			found = true
			break
		}
	}
	if !found {
		o.modes = append(o.modes, m)
	}
	o.loop.SetRefreshRate(m.RefreshMHz)
	o.ScheduleRepaint()
	return nil
}

func (o *Output) Scale() float64 {
	return o.scale
}

func (o *Output) SetScale(scale float64) {
	if scale <= 0 {
		scale = 1
	}
	o.scale = scale
	o.ScheduleRepaint()
}

func (o *Output) Transform() Transform {
	return o.transform
}

// SetTransform changes the rotation. Buffer contents no longer map to the screen the same way,
// so every layer forgets its damage.
func (o *Output) SetTransform(t Transform) {
	if t == o.transform {
		return
	}
	o.transform = t
	for _, l := range o.Layers() {
		l.ForgetDamage()
	}
	o.ScheduleRepaint()
}

// PixelSize returns the size of the buffers scanned out, untransformed
func (o *Output) PixelSize() image.Point {
	return o.mode.Size
}

// LogicalGeometry is the area the output covers in the compositor's coordinate space
func (o *Output) LogicalGeometry() image.Rectangle {
	size := o.transform.Apply(o.mode.Size)
	w := int(math.Round(float64(size.X) / o.scale))
	h := int(math.Round(float64(size.Y) / o.scale))
	return image.Rectangle{Min: o.position, Max: o.position.Add(image.Pt(w, h))}
}

func (o *Output) RenderLoop() *renderloop.RenderLoop {
	return o.loop
}

func (o *Output) PrimaryLayer() *Layer {
	return o.primary
}

// CursorLayer returns nil if the output has no cursor layer
func (o *Output) CursorLayer() *Layer {
	return o.cursor
}

func (o *Output) Layers() []*Layer {
	if o.cursor != nil {
		return []*Layer{o.primary, o.cursor}
	}
	return []*Layer{o.primary}
}

// ScheduleRepaint asks the render loop for a new frame
func (o *Output) ScheduleRepaint() {
	if o.destroyed {
		return
	}
	o.loop.ScheduleRepaint()
}

func (o *Output) Enabled() bool {
	return o.enabled
}

// SetEnabled turns the output on or off. Disabled outputs don't render.
func (o *Output) SetEnabled(enabled bool) {
	if o.destroyed || enabled == o.enabled {
		return
	}
	o.enabled = enabled
	if !enabled {
		o.loop.Inhibit()
		logrus.WithField("output", o.name).Infoln("Output disabled")
		return
	}
	o.failed = false
	o.failure = nil
	o.stats.ConsecutiveFailures = 0
	// Whatever the buffers hold is stale now
	for _, l := range o.Layers() {
		l.ForgetDamage()
	}
	o.loop.Uninhibit()
	o.loop.ScheduleRepaint()
	logrus.WithField("output", o.name).Infoln("Output enabled")
}

func (o *Output) Failed() bool {
	return o.failed
}

// Failure returns why the output was marked failed
func (o *Output) Failure() error {
	return o.failure
}

// MarkFailed disables the output after its sink stopped working
func (o *Output) MarkFailed(err error) {
	if o.failed || o.destroyed {
		return
	}
	logrus.WithError(err).WithField("output", o.name).Errorln("Output failed, disabling it")
	o.SetEnabled(false)
	o.failed = true
	o.failure = err
}

func (o *Output) Destroyed() bool {
	return o.destroyed
}

// Presentable reports whether frames of this output may still go to the sink
func (o *Output) Presentable() bool {
	return o.enabled && !o.failed && !o.destroyed
}

func (o *Output) Stats() FrameStats {
	return o.stats
}

// RecordPresent counts a frame that reached the sink
func (o *Output) RecordPresent() {
	o.stats.Presented++
	o.stats.ConsecutiveFailures = 0
}

// RecordDrop counts a frame that didn't and returns the number of failures in a row
func (o *Output) RecordDrop() int {
	o.stats.Dropped++
	o.stats.ConsecutiveFailures++
	return o.stats.ConsecutiveFailures
}

// OnDestroy registers fn to run when the output gets destroyed
func (o *Output) OnDestroy(fn func(*Output)) {
	o.destroyListeners = append(o.destroyListeners, fn)
}

// Destroy tears the output down without waiting for in flight frames.
// Open and pending buffers are released, the render loop is detached so late
// completions can't bring the output back, and buffers the sink still holds are freed once released.
func (o *Output) Destroy() {
	if o.destroyed {
		return
	}
	o.destroyed = true
	o.enabled = false
	for _, l := range o.Layers() {
		l.teardown()
	}
	o.loop.Detach()
	logrus.WithField("output", o.name).Infoln("Output destroyed")
	listeners := o.destroyListeners
	o.destroyListeners = nil
	for _, fn := range listeners {
		fn(o)
	}
}

func (o *Output) String() string {
	return fmt.Sprintf("%s (%s)", o.name, o.mode)
}
