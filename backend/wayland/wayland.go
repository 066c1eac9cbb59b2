// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Package wayland runs outputs as xdg toplevels on a host Wayland compositor.
// Frames are paced by frame callbacks, buffers come back through wl_buffer.release.
//
// The client connection is only ever used from the event loop. A watcher goroutine polls the socket
// and wakes the loop, which then dispatches the queued events.
package wayland

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/mstarongithub/vblank/backend"
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/renderloop"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/rajveermalviya/go-wayland/wayland/client"
	xdg_shell "github.com/rajveermalviya/go-wayland/wayland/stable/xdg-shell"
	"github.com/sirupsen/logrus"
)

const appID = "vblank"

type Config struct {
	// Socket name, $WAYLAND_DISPLAY if empty
	Display        string
	Outputs        int
	Size           image.Point
	SwapchainDepth int
	BufferAge      bool
}

// destroyer is any protocol object we tear down
type destroyer interface {
	Destroy() error
}

// shellSurface is what the configure handling needs of an xdg_surface
type shellSurface interface {
	AckConfigure(serial uint32) error
	Destroy() error
}

type toplevel struct {
	out        *output.Output
	surface    *client.Surface
	xdgSurface shellSurface
	toplevel   destroyer
	configured bool
	// Nothing attached yet, the first frame damages everything
	fresh bool
}

// Backend is the nested Wayland backend. Create it with New.
type Backend struct {
	cfg      Config
	loop     *eventloop.Loop
	listener backend.Listener

	display    *client.Display
	ctx        *client.Context
	fd         int
	registry   *client.Registry
	compositor *client.Compositor
	shm        *client.Shm
	wmBase     *xdg_shell.WmBase

	toplevels map[*output.Output]*toplevel
	order     []*output.Output
	buffers   map[*wlBuffer]struct{}
	closed    bool

	quit     chan struct{}
	quitOnce sync.Once
	watcher  sync.WaitGroup
}

var _ backend.Backend = &Backend{}

func New(cfg Config) *Backend {
	if cfg.Outputs <= 0 {
		cfg.Outputs = 1
	}
	if cfg.Size.X <= 0 || cfg.Size.Y <= 0 {
		cfg.Size = image.Pt(1280, 720)
	}
	return &Backend{
		cfg:       cfg,
		toplevels: map[*output.Output]*toplevel{},
		buffers:   map[*wlBuffer]struct{}{},
		fd:        -1,
		quit:      make(chan struct{}),
	}
}

func (b *Backend) Name() backend.Kind {
	return backend.KindWayland
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		BufferAge:       b.cfg.BufferAge,
		ExplicitRelease: true,
		HardwareVsync:   true,
	}
}

func (b *Backend) Start(ctx context.Context, loop *eventloop.Loop, listener backend.Listener) error {
	b.loop = loop
	b.listener = listener

	display, err := client.Connect(socketPath(b.cfg.Display))
	if err != nil {
		return fmt.Errorf("connecting to wayland compositor: %w", err)
	}
	b.display = display
	b.ctx = display.Context()
	if b.fd, err = connFD(b.ctx); err != nil {
		b.ctx.Close()
		return fmt.Errorf("finding wayland socket: %w", err)
	}

	if err := b.bindGlobals(); err != nil {
		b.ctx.Close()
		return err
	}
	for i := 0; i < b.cfg.Outputs; i++ {
		if err := b.addToplevel(i); err != nil {
			b.Close()
			return err
		}
	}
	// Get the first configure events in before anything renders
	if err := b.roundtrip(); err != nil {
		b.Close()
		return fmt.Errorf("waiting for configure: %w", err)
	}
	b.watcher.Add(1)
	go b.watch()
	logrus.WithField("outputs", len(b.order)).Infoln("Wayland backend started")
	return nil
}

func (b *Backend) bindGlobals() error {
	registry, err := b.display.GetRegistry()
	if err != nil {
		return fmt.Errorf("getting registry: %w", err)
	}
	b.registry = registry
	registry.SetGlobalHandler(func(e client.RegistryGlobalEvent) {
		switch e.Interface {
		case "wl_compositor":
			comp := client.NewCompositor(b.ctx)
			if err := registry.Bind(e.Name, e.Interface, min(e.Version, 4), comp); err == nil {
				b.compositor = comp
			}
		case "wl_shm":
			shm := client.NewShm(b.ctx)
			if err := registry.Bind(e.Name, e.Interface, 1, shm); err == nil {
				b.shm = shm
			}
		case "xdg_wm_base":
			wmBase := xdg_shell.NewWmBase(b.ctx)
			if err := registry.Bind(e.Name, e.Interface, 1, wmBase); err == nil {
				b.wmBase = wmBase
			}
		}
	})
	if err := b.roundtrip(); err != nil {
		return fmt.Errorf("listing globals: %w", err)
	}
	if b.compositor == nil || b.shm == nil || b.wmBase == nil {
		return fmt.Errorf("%w: host compositor lacks wl_compositor, wl_shm or xdg_wm_base", backend.ErrUnsupported)
	}
	b.wmBase.SetPingHandler(func(e xdg_shell.WmBasePingEvent) {
		if err := b.wmBase.Pong(e.Serial); err != nil {
			logrus.WithError(err).Warnln("Failed to answer ping")
		}
	})
	return nil
}

// roundtrip dispatches until the server processed everything sent so far.
// Only used before the watcher runs.
func (b *Backend) roundtrip() error {
	cb, err := b.display.Sync()
	if err != nil {
		return err
	}
	done := false
	cb.SetDoneHandler(func(client.CallbackDoneEvent) {
		done = true
	})
	for !done {
		if err := b.dispatchOne(); err != nil {
			return err
		}
	}
	return cb.Destroy()
}

func (b *Backend) addToplevel(index int) error {
	surface, err := b.compositor.CreateSurface()
	if err != nil {
		return fmt.Errorf("creating surface: %w", err)
	}
	xdgSurface, err := b.wmBase.GetXdgSurface(surface)
	if err != nil {
		surface.Destroy()
		return fmt.Errorf("creating xdg surface: %w", err)
	}
	tl, err := xdgSurface.GetToplevel()
	if err != nil {
		xdgSurface.Destroy()
		surface.Destroy()
		return fmt.Errorf("creating toplevel: %w", err)
	}
	out, err := b.newOutput(index, &allocator{backend: b})
	if err != nil {
		tl.Destroy()
		xdgSurface.Destroy()
		surface.Destroy()
		return fmt.Errorf("creating output for toplevel: %w", err)
	}
	_ = tl.SetTitle("vblank - " + out.Name())
	_ = tl.SetAppId(appID)
	t := &toplevel{out: out, surface: surface, xdgSurface: xdgSurface, toplevel: tl, fresh: true}

	// Handlers run on the loop, from dispatchPending
	tl.SetConfigureHandler(func(e xdg_shell.ToplevelConfigureEvent) {
		b.resize(t, image.Pt(int(e.Width), int(e.Height)))
	})
	tl.SetCloseHandler(func(xdg_shell.ToplevelCloseEvent) {
		logrus.WithField("output", out.Name()).Infoln("Toplevel closed")
		b.remove(t)
	})
	xdgSurface.SetConfigureHandler(func(e xdg_shell.SurfaceConfigureEvent) {
		b.configure(t, e.Serial)
	})
	if err := surface.Commit(); err != nil {
		out.Destroy()
		return fmt.Errorf("committing surface: %w", err)
	}
	b.track(t)
	return nil
}

// newOutput creates the output for the toplevel at index.
// It stays disabled until the first configure, nothing may be attached before that.
func (b *Backend) newOutput(index int, alloc swapchain.Allocator) (*output.Output, error) {
	x := 0
	for _, existing := range b.order {
		x = max(x, existing.LogicalGeometry().Max.X)
	}
	out, err := output.New(output.Config{
		Name:             fmt.Sprintf("WL-%d", index+1),
		Index:            index,
		Position:         image.Pt(x, 0),
		Mode:             output.Mode{Size: b.cfg.Size, RefreshMHz: renderloop.DefaultRefreshMHz, Preferred: true},
		Allocator:        alloc,
		SwapchainDepth:   b.cfg.SwapchainDepth,
		DisableBufferAge: !b.cfg.BufferAge,
	}, b.loop)
	if err != nil {
		return nil, err
	}
	out.SetEnabled(false)
	return out, nil
}

func (b *Backend) track(t *toplevel) {
	b.toplevels[t.out] = t
	b.order = append(b.order, t.out)
	t.out.OnDestroy(b.forget)
	b.listener.OutputAdded(t.out)
}

// resize follows the size the host compositor suggests, zero means pick our own
func (b *Backend) resize(t *toplevel, size image.Point) {
	if size.X <= 0 || size.Y <= 0 || size == t.out.Mode().Size || t.out.Destroyed() {
		return
	}
	logrus.WithFields(logrus.Fields{"output": t.out.Name(), "size": size}).Debugln("Toplevel resized")
	if err := t.out.SetMode(output.Mode{Size: size, RefreshMHz: t.out.Mode().RefreshMHz}); err != nil {
		logrus.WithError(err).Warnln("Failed to resize output")
	}
}

func (b *Backend) configure(t *toplevel, serial uint32) {
	if t.out.Destroyed() {
		return
	}
	if err := t.xdgSurface.AckConfigure(serial); err != nil {
		logrus.WithError(err).Warnln("Failed to ack configure")
		return
	}
	if !t.configured {
		t.configured = true
		t.out.SetEnabled(true)
	}
	t.out.ScheduleRepaint()
}

func (b *Backend) remove(t *toplevel) {
	if t.out.Destroyed() {
		return
	}
	b.listener.OutputRemoved(t.out)
	t.out.Destroy()
}

func (b *Backend) forget(out *output.Output) {
	t, ok := b.toplevels[out]
	if !ok {
		return
	}
	delete(b.toplevels, out)
	for i, o := range b.order {
		if o == out {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if t.toplevel != nil {
		_ = t.toplevel.Destroy()
	}
	if t.xdgSurface != nil {
		_ = t.xdgSurface.Destroy()
	}
	if t.surface != nil {
		_ = t.surface.Destroy()
	}
}

// watch wakes the loop whenever the host sent something.
// It never touches the connection itself, the client library is not safe for concurrent use.
func (b *Backend) watch() {
	defer b.watcher.Done()
	for {
		select {
		case <-b.quit:
			return
		default:
		}
		ready, err := pollReadable(b.fd, pollTimeout)
		if err != nil {
			_ = b.loop.Post(func() {
				logrus.WithError(err).Errorln("Lost connection to the wayland compositor")
				b.connectionLost()
			})
			return
		}
		if !ready {
			continue
		}
		done := make(chan struct{})
		if err := b.loop.Post(func() {
			defer close(done)
			b.dispatchPending()
		}); err != nil {
			return
		}
		// The events are still unread until the loop got to them
		select {
		case <-done:
		case <-b.quit:
			return
		}
	}
}

// dispatchPending handles what the host sent, on the loop
func (b *Backend) dispatchPending() {
	for i := 0; i < maxDispatchBatch && !b.closed; i++ {
		if err := b.dispatchOne(); err != nil {
			logrus.WithError(err).Errorln("Lost connection to the wayland compositor")
			b.connectionLost()
			return
		}
		if ready, _ := pollReadable(b.fd, 0); !ready {
			return
		}
	}
}

// dispatchOne handles a single event. Events for objects destroyed meanwhile are dropped,
// only errors of the connection itself are returned.
func (b *Backend) dispatchOne() error {
	err := b.ctx.Dispatch()
	if staleSender(err) {
		logrus.WithError(err).Debugln("Dropping event for a destroyed object")
		return nil
	}
	return err
}

func (b *Backend) stopWatcher() {
	b.quitOnce.Do(func() { close(b.quit) })
}

func (b *Backend) connectionLost() {
	if b.closed {
		return
	}
	b.stopWatcher()
	for _, out := range b.Outputs() {
		b.listener.OutputRemoved(out)
		out.Destroy()
	}
}

// Outputs returns the live outputs in creation order
func (b *Backend) Outputs() []*output.Output {
	outs := make([]*output.Output, len(b.order))
	copy(outs, b.order)
	return outs
}

func (b *Backend) Present(out *output.Output, slot *swapchain.Slot, damage region.Region) backend.PresentResult {
	t, ok := b.toplevels[out]
	if !ok || slot == nil || b.closed {
		return backend.PresentFatal
	}
	if !t.configured {
		return backend.PresentRetry
	}
	wb, ok := slot.Buffer().(*wlBuffer)
	if !ok {
		logrus.WithField("output", out.Name()).Errorln("Slot buffer is not a wl_buffer")
		return backend.PresentFatal
	}
	if err := t.surface.Attach(wb.wl, 0, 0); err != nil {
		logrus.WithError(err).Warnln("Failed to attach buffer")
		return backend.PresentFatal
	}
	for _, r := range surfaceDamage(damage, wb.Image().Rect, t.fresh) {
		_ = t.surface.DamageBuffer(int32(r.Min.X), int32(r.Min.Y), int32(r.Dx()), int32(r.Dy()))
	}
	cb, err := t.surface.Frame()
	if err != nil {
		logrus.WithError(err).Warnln("Failed to request frame callback")
		return backend.PresentFatal
	}
	cb.SetDoneHandler(func(client.CallbackDoneEvent) {
		b.frameDone(out, cb)
	})
	if err := t.surface.Commit(); err != nil {
		logrus.WithError(err).Warnln("Failed to commit surface")
		return backend.PresentFatal
	}
	wb.layer = out.PrimaryLayer()
	wb.slot = slot
	t.fresh = false
	return backend.PresentOK
}

// frameDone is the host's go ahead for the next frame
func (b *Backend) frameDone(out *output.Output, cb destroyer) {
	if cb != nil {
		_ = cb.Destroy()
	}
	if !out.Destroyed() {
		out.RenderLoop().NotifyFrameCompleted(b.loop.Now())
	}
}

// surfaceDamage returns the buffer rectangles to report damaged
func surfaceDamage(damage region.Region, bounds image.Rectangle, full bool) []image.Rectangle {
	if full {
		return []image.Rectangle{bounds}
	}
	return damage.IntersectRect(bounds).Rects()
}

func (b *Backend) Close() error {
	if b.ctx == nil || b.closed {
		return nil
	}
	for _, out := range b.Outputs() {
		b.listener.OutputRemoved(out)
		out.Destroy()
	}
	b.closed = true
	b.stopWatcher()
	b.watcher.Wait()
	if b.wmBase != nil {
		_ = b.wmBase.Destroy()
	}
	err := b.ctx.Close()
	// Buffers the host compositor never released
	for wb := range b.buffers {
		wb.shm.Close()
	}
	b.buffers = map[*wlBuffer]struct{}{}
	logrus.Debugln("Wayland backend closed")
	return err
}
