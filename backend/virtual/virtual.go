// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package virtual is an off-screen backend.
// Every output keeps a screen image that presents copy their damage into,
// and completions come from a software timer at the output's refresh rate.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/mstarongithub/vblank/backend"
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/bmp"
)

var ErrUnknownOutput = errors.New("no such virtual output")

// OutputConfig describes one virtual output
type OutputConfig struct {
	Name       string
	Size       image.Point
	RefreshMHz int
	Scale      float64
}

type Config struct {
	Outputs        []OutputConfig
	SwapchainDepth int
	BufferAge      bool
	CursorLayer    bool
	// Write every presented frame as BMP into this directory if set
	DumpDir string
}

type virtualOutput struct {
	out    *output.Output
	screen *swapchain.XRGB8888Image
	vsync  backend.SoftwareVsync
	frames uint64
	cursor image.Point
}

// Backend is the virtual backend. Create it with New.
type Backend struct {
	cfg       Config
	loop      *eventloop.Loop
	listener  backend.Listener
	outputs   map[*output.Output]*virtualOutput
	order     []*output.Output
	nextIndex int
	faults    []backend.PresentResult
	started   bool
}

var (
	_ backend.Backend         = &Backend{}
	_ backend.CursorPresenter = &Backend{}
)

func New(cfg Config) *Backend {
	return &Backend{
		cfg:     cfg,
		outputs: map[*output.Output]*virtualOutput{},
	}
}

func (b *Backend) Name() backend.Kind {
	return backend.KindVirtual
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		BufferAge:   b.cfg.BufferAge,
		CursorPlane: true,
		Hotplug:     true,
	}
}

func (b *Backend) Start(ctx context.Context, loop *eventloop.Loop, listener backend.Listener) error {
	if b.started {
		return errors.New("virtual backend already started")
	}
	b.loop = loop
	b.listener = listener
	b.started = true
	if b.cfg.DumpDir != "" {
		if err := os.MkdirAll(b.cfg.DumpDir, 0o755); err != nil {
			return fmt.Errorf("creating dump dir: %w", err)
		}
	}
	for _, oc := range b.cfg.Outputs {
		if _, err := b.AddOutput(oc); err != nil {
			return err
		}
	}
	logrus.WithField("outputs", len(b.order)).Infoln("Virtual backend started")
	return nil
}

// AddOutput plugs in a new virtual output at runtime
func (b *Backend) AddOutput(oc OutputConfig) (*output.Output, error) {
	if !b.started {
		return nil, errors.New("virtual backend not started")
	}
	if oc.Name == "" {
		oc.Name = fmt.Sprintf("Virtual-%d", b.nextIndex+1)
	}
	for _, existing := range b.order {
		if existing.Name() == oc.Name {
			return nil, fmt.Errorf("virtual output %s already exists", oc.Name)
		}
	}
	x := 0
	for _, existing := range b.order {
		x = max(x, existing.LogicalGeometry().Max.X)
	}
	mode := output.Mode{Size: oc.Size, RefreshMHz: oc.RefreshMHz, Preferred: true}
	out, err := output.New(output.Config{
		Name:             oc.Name,
		Index:            b.nextIndex,
		Position:         image.Pt(x, 0),
		Mode:             mode,
		Scale:            oc.Scale,
		Allocator:        swapchain.ImageAllocator{NoBufferAge: !b.cfg.BufferAge},
		SwapchainDepth:   b.cfg.SwapchainDepth,
		CursorLayer:      b.cfg.CursorLayer,
		DisableBufferAge: !b.cfg.BufferAge,
	}, b.loop)
	if err != nil {
		return nil, fmt.Errorf("creating virtual output: %w", err)
	}
	b.nextIndex++
	b.outputs[out] = &virtualOutput{out: out}
	b.order = append(b.order, out)
	out.OnDestroy(b.forget)
	b.listener.OutputAdded(out)
	return out, nil
}

// RemoveOutput unplugs a virtual output
func (b *Backend) RemoveOutput(name string) error {
	for _, out := range b.order {
		if out.Name() == name {
			b.listener.OutputRemoved(out)
			out.Destroy()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownOutput, name)
}

func (b *Backend) forget(out *output.Output) {
	vo, ok := b.outputs[out]
	if !ok {
		return
	}
	vo.vsync.Stop()
	delete(b.outputs, out)
	for i, o := range b.order {
		if o == out {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Outputs returns the live outputs in creation order
func (b *Backend) Outputs() []*output.Output {
	out := make([]*output.Output, len(b.order))
	copy(out, b.order)
	return out
}

// FailNext makes the next n presents return result, for testing error handling
func (b *Backend) FailNext(n int, result backend.PresentResult) {
	for i := 0; i < n; i++ {
		b.faults = append(b.faults, result)
	}
}

// Screen returns what is currently visible on the output, nil before the first present
func (b *Backend) Screen(out *output.Output) *swapchain.XRGB8888Image {
	if vo, ok := b.outputs[out]; ok {
		return vo.screen
	}
	return nil
}

// Frames returns how many frames the output presented
func (b *Backend) Frames(out *output.Output) uint64 {
	if vo, ok := b.outputs[out]; ok {
		return vo.frames
	}
	return 0
}

// CursorPosition returns where the cursor plane of the output was last moved to
func (b *Backend) CursorPosition(out *output.Output) image.Point {
	if vo, ok := b.outputs[out]; ok {
		return vo.cursor
	}
	return image.Point{}
}

func (b *Backend) Present(out *output.Output, slot *swapchain.Slot, damage region.Region) backend.PresentResult {
	vo, ok := b.outputs[out]
	if !ok || slot == nil {
		return backend.PresentFatal
	}
	if len(b.faults) > 0 {
		result := b.faults[0]
		b.faults = b.faults[1:]
		if result != backend.PresentOK {
			logrus.WithFields(logrus.Fields{"output": out.Name(), "result": result}).Debugln("Injected present failure")
			return result
		}
	}

	src := slot.Buffer().Image()
	if vo.screen == nil || vo.screen.Rect != src.Rect {
		vo.screen = swapchain.NewXRGB8888Image(make([]byte, len(src.Pix)), src.Stride, src.Rect.Size())
		// A new screen has no valid contents at all
		damage = region.Rect(src.Rect)
	}
	for _, r := range damage.IntersectRect(src.Rect).Rects() {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			copy(vo.screen.Row(y, r.Min.X, r.Max.X), src.Row(y, r.Min.X, r.Max.X))
		}
	}
	vo.frames++

	if b.cfg.DumpDir != "" {
		if err := b.dump(vo); err != nil {
			logrus.WithError(err).WithField("output", out.Name()).Warnln("Failed to dump frame")
		}
	}

	vo.vsync.Schedule(b.loop, out.RenderLoop())
	return backend.PresentOK
}

func (b *Backend) PresentCursor(out *output.Output, slot *swapchain.Slot, hotspot image.Point) backend.PresentResult {
	if _, ok := b.outputs[out]; !ok || slot == nil {
		return backend.PresentFatal
	}
	return backend.PresentOK
}

func (b *Backend) MoveCursor(out *output.Output, pos image.Point) backend.PresentResult {
	vo, ok := b.outputs[out]
	if !ok {
		return backend.PresentFatal
	}
	vo.cursor = pos
	return backend.PresentOK
}

func (b *Backend) dump(vo *virtualOutput) error {
	name := filepath.Join(b.cfg.DumpDir, fmt.Sprintf("%s-%06d.bmp", vo.out.Name(), vo.frames))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := bmp.Encode(f, vo.screen); err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return nil
}

func (b *Backend) Close() error {
	for _, out := range b.Outputs() {
		b.listener.OutputRemoved(out)
		out.Destroy()
	}
	logrus.Debugln("Virtual backend closed")
	return nil
}
