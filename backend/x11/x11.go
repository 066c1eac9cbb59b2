// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package x11 runs outputs as windows on a host X server.
// Frames are uploaded with PutImage, only the damaged parts of them.
// There is no vblank event for windows, so frames complete on a timer at the host's refresh rate.
package x11

import (
	"context"
	"fmt"
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/mstarongithub/vblank/backend"
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/sirupsen/logrus"
)

type Config struct {
	// X display to connect to, $DISPLAY if empty
	Display        string
	Outputs        int
	Size           image.Point
	SwapchainDepth int
	BufferAge      bool
}

type window struct {
	id    xproto.Window
	gc    xproto.Gcontext
	out   *output.Output
	vsync backend.SoftwareVsync
	// The window lost its contents, upload everything next time
	exposed bool
	// Set until the first frame is on screen
	fresh bool
}

// Backend is the nested X11 backend. Create it with New.
type Backend struct {
	cfg      Config
	conn     *xgb.Conn
	screen   *xproto.ScreenInfo
	loop     *eventloop.Loop
	listener backend.Listener

	windows  map[xproto.Window]*window
	byOutput map[*output.Output]*window
	order    []*output.Output

	wmProtocols xproto.Atom
	wmDelete    xproto.Atom

	refreshMHz int
	// Largest PutImage payload in bytes
	maxPayload int
	scratch    []byte
	closed     bool
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
		cfg:      cfg,
		windows:  map[xproto.Window]*window{},
		byOutput: map[*output.Output]*window{},
	}
}

func (b *Backend) Name() backend.Kind {
	return backend.KindX11
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		BufferAge: b.cfg.BufferAge,
	}
}

func (b *Backend) Start(ctx context.Context, loop *eventloop.Loop, listener backend.Listener) error {
	conn, err := xgb.NewConnDisplay(b.cfg.Display)
	if err != nil {
		return fmt.Errorf("connecting to X server: %w", err)
	}
	b.conn = conn
	b.loop = loop
	b.listener = listener

	setup := xproto.Setup(conn)
	b.screen = setup.DefaultScreen(conn)
	if b.screen.RootDepth != 24 && b.screen.RootDepth != 32 {
		conn.Close()
		return fmt.Errorf("%w: root depth %d", backend.ErrUnsupported, b.screen.RootDepth)
	}
	b.maxPayload = maxPutImagePayload(int(setup.MaximumRequestLength))

	if b.wmProtocols, err = b.atom("WM_PROTOCOLS"); err != nil {
		conn.Close()
		return err
	}
	if b.wmDelete, err = b.atom("WM_DELETE_WINDOW"); err != nil {
		conn.Close()
		return err
	}
	b.refreshMHz = hostRefresh(conn, b.screen.Root)
	logrus.WithFields(logrus.Fields{
		"display": b.cfg.Display,
		"refresh": b.refreshMHz,
	}).Infoln("Connected to X server")

	for i := 0; i < b.cfg.Outputs; i++ {
		if err := b.addWindow(i); err != nil {
			b.Close()
			return err
		}
	}
	go b.readEvents()
	return nil
}

func (b *Backend) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(b.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("interning %s: %w", name, err)
	}
	return reply.Atom, nil
}

func (b *Backend) addWindow(index int) error {
	wid, err := xproto.NewWindowId(b.conn)
	if err != nil {
		return fmt.Errorf("allocating window id: %w", err)
	}
	size := b.cfg.Size
	err = xproto.CreateWindowChecked(b.conn, b.screen.RootDepth, wid, b.screen.Root,
		0, 0, uint16(size.X), uint16(size.Y), 0,
		xproto.WindowClassInputOutput, b.screen.RootVisual,
		xproto.CwBackPixel|xproto.CwEventMask,
		[]uint32{
			b.screen.BlackPixel,
			xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
		}).Check()
	if err != nil {
		return fmt.Errorf("creating window: %w", err)
	}
	gc, err := xproto.NewGcontextId(b.conn)
	if err != nil {
		xproto.DestroyWindow(b.conn, wid)
		return fmt.Errorf("allocating graphics context id: %w", err)
	}
	if err = xproto.CreateGCChecked(b.conn, gc, xproto.Drawable(wid), 0, nil).Check(); err != nil {
		xproto.DestroyWindow(b.conn, wid)
		return fmt.Errorf("creating graphics context: %w", err)
	}

	name := fmt.Sprintf("X11-%d", index+1)
	title := "vblank - " + name
	xproto.ChangeProperty(b.conn, xproto.PropModeReplace, wid, xproto.AtomWmName, xproto.AtomString,
		8, uint32(len(title)), []byte(title))
	xproto.ChangeProperty(b.conn, xproto.PropModeReplace, wid, b.wmProtocols, xproto.AtomAtom,
		32, 1, atomBytes(b.wmDelete))
	xproto.MapWindow(b.conn, wid)

	x := 0
	for _, existing := range b.order {
		x = max(x, existing.LogicalGeometry().Max.X)
	}
	out, err := output.New(output.Config{
		Name:             name,
		Index:            index,
		Position:         image.Pt(x, 0),
		Mode:             output.Mode{Size: size, RefreshMHz: b.refreshMHz, Preferred: true},
		Allocator:        swapchain.ImageAllocator{NoBufferAge: !b.cfg.BufferAge},
		SwapchainDepth:   b.cfg.SwapchainDepth,
		DisableBufferAge: !b.cfg.BufferAge,
	}, b.loop)
	if err != nil {
		xproto.FreeGC(b.conn, gc)
		xproto.DestroyWindow(b.conn, wid)
		return fmt.Errorf("creating output for window: %w", err)
	}
	w := &window{id: wid, gc: gc, out: out, fresh: true}
	b.windows[wid] = w
	b.byOutput[out] = w
	b.order = append(b.order, out)
	out.OnDestroy(b.forget)
	b.listener.OutputAdded(out)
	return nil
}

func atomBytes(a xproto.Atom) []byte {
	v := uint32(a)
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// readEvents runs on its own goroutine, everything it reads is handled on the loop
func (b *Backend) readEvents() {
	for {
		ev, xerr := b.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			// Connection closed, by us or the server
			_ = b.loop.Post(b.connectionLost)
			return
		}
		if xerr != nil {
			if err := b.loop.Post(func() { b.requestFailed(xerr) }); err != nil {
				return
			}
			continue
		}
		if err := b.loop.Post(func() { b.handleEvent(ev) }); err != nil {
			return
		}
	}
}

func (b *Backend) handleEvent(ev xgb.Event) {
	switch e := ev.(type) {
	case xproto.ConfigureNotifyEvent:
		w, ok := b.windows[e.Window]
		if !ok {
			return
		}
		size := image.Pt(int(e.Width), int(e.Height))
		if size == w.out.Mode().Size || size.X == 0 || size.Y == 0 {
			return
		}
		logrus.WithFields(logrus.Fields{"output": w.out.Name(), "size": size}).Debugln("Window resized")
		if err := w.out.SetMode(output.Mode{Size: size, RefreshMHz: b.refreshMHz}); err != nil {
			logrus.WithError(err).Warnln("Failed to resize output")
		}
	case xproto.ExposeEvent:
		w, ok := b.windows[e.Window]
		if !ok || e.Count != 0 {
			return
		}
		w.exposed = true
		w.out.ScheduleRepaint()
	case xproto.ClientMessageEvent:
		if e.Type != b.wmProtocols || len(e.Data.Data32) == 0 || xproto.Atom(e.Data.Data32[0]) != b.wmDelete {
			return
		}
		if w, ok := b.windows[e.Window]; ok {
			logrus.WithField("output", w.out.Name()).Infoln("Window closed")
			b.removeWindow(w)
		}
	case xproto.DestroyNotifyEvent:
		if w, ok := b.windows[e.Window]; ok {
			b.removeWindow(w)
		}
	}
}

// requestFailed handles an asynchronous X error. When it hit a window with a frame in flight,
// that frame never fully made it to the screen.
func (b *Backend) requestFailed(xerr xgb.Error) {
	logrus.WithField("error", xerr.Error()).Warnln("X request failed")
	w := b.windowByID(xerr.BadId())
	if w == nil || !w.vsync.Pending() {
		return
	}
	w.vsync.Stop()
	// Part of the upload is missing, send everything next time
	w.exposed = true
	w.out.RenderLoop().NotifyFrameFailed()
	w.out.ScheduleRepaint()
}

// windowByID finds the window a resource id belongs to, the window itself or its GC
func (b *Backend) windowByID(id uint32) *window {
	for _, w := range b.windows {
		if uint32(w.id) == id || uint32(w.gc) == id {
			return w
		}
	}
	return nil
}

func (b *Backend) connectionLost() {
	if b.closed {
		return
	}
	logrus.Errorln("Lost connection to the X server")
	for _, out := range b.Outputs() {
		b.listener.OutputRemoved(out)
		out.Destroy()
	}
}

func (b *Backend) removeWindow(w *window) {
	b.listener.OutputRemoved(w.out)
	w.out.Destroy()
}

// forget drops an output's window once the output is destroyed
func (b *Backend) forget(out *output.Output) {
	w, ok := b.byOutput[out]
	if !ok {
		return
	}
	w.vsync.Stop()
	delete(b.byOutput, out)
	delete(b.windows, w.id)
	for i, o := range b.order {
		if o == out {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if !b.closed {
		xproto.FreeGC(b.conn, w.gc)
		xproto.DestroyWindow(b.conn, w.id)
	}
}

// Outputs returns the live outputs in creation order
func (b *Backend) Outputs() []*output.Output {
	outs := make([]*output.Output, len(b.order))
	copy(outs, b.order)
	return outs
}

func (b *Backend) Present(out *output.Output, slot *swapchain.Slot, damage region.Region) backend.PresentResult {
	w, ok := b.byOutput[out]
	if !ok || slot == nil || b.closed {
		return backend.PresentFatal
	}
	img := slot.Buffer().Image()
	if w.exposed || w.fresh {
		damage = region.Rect(img.Rect)
	}
	for _, r := range damage.IntersectRect(img.Rect).Rects() {
		for _, chunk := range chunkRect(r, b.maxPayload) {
			b.scratch = packRect(img, chunk, b.scratch)
			xproto.PutImage(b.conn, xproto.ImageFormatZPixmap, xproto.Drawable(w.id), w.gc,
				uint16(chunk.Dx()), uint16(chunk.Dy()), int16(chunk.Min.X), int16(chunk.Min.Y),
				0, b.screen.RootDepth, b.scratch)
		}
	}
	w.exposed = false
	w.fresh = false
	w.vsync.Schedule(b.loop, out.RenderLoop())
	return backend.PresentOK
}

func (b *Backend) Close() error {
	if b.closed || b.conn == nil {
		return nil
	}
	for _, out := range b.Outputs() {
		b.listener.OutputRemoved(out)
		out.Destroy()
	}
	b.closed = true
	b.conn.Close()
	logrus.Debugln("X11 backend closed")
	return nil
}
