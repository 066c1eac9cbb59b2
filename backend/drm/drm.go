// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Package drm drives connected displays directly through kernel modesetting.
// Frames go out as dumb buffers, the first one by setting the CRTC and the rest by page flips.
// Flip completion events carry the hardware vblank timestamp.
package drm

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/mstarongithub/vblank/backend"
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const DefaultDevice = "/dev/dri/card0"

type Config struct {
	Device         string
	SwapchainDepth int
	BufferAge      bool
}

// crtcOutput is one connector driven by one CRTC
type crtcOutput struct {
	out       *output.Output
	crtc      uint32
	connector uint32
	modes     []modeInfo
	// Mode currently programmed, zero until the first frame
	active modeInfo
	// On screen right now
	front *swapchain.Slot
	// Queued by a page flip that did not complete yet
	flipping *swapchain.Slot
	// Completion for frames that went out without a flip event
	vsync backend.SoftwareVsync
}

// Backend is the DRM/KMS backend. Create it with New.
type Backend struct {
	cfg      Config
	card     *card
	loop     *eventloop.Loop
	listener backend.Listener

	outputs   map[*output.Output]*crtcOutput
	byCrtc    map[uint32]*crtcOutput
	order     []*output.Output
	monotonic bool

	closed atomic.Bool
	reader sync.WaitGroup
}

var _ backend.Backend = &Backend{}

func New(cfg Config) *Backend {
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	return &Backend{
		cfg:     cfg,
		outputs: map[*output.Output]*crtcOutput{},
		byCrtc:  map[uint32]*crtcOutput{},
	}
}

func (b *Backend) Name() backend.Kind {
	return backend.KindDRM
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		BufferAge:       b.cfg.BufferAge,
		ExplicitRelease: true,
		HardwareVsync:   true,
	}
}

func (b *Backend) Start(ctx context.Context, loop *eventloop.Loop, listener backend.Listener) error {
	fd, err := unix.Open(b.cfg.Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", b.cfg.Device, err)
	}
	b.card = &card{fd: fd}
	b.loop = loop
	b.listener = listener

	if dumb, err := b.card.capability(capDumbBuffer); err != nil || dumb == 0 {
		unix.Close(fd)
		return fmt.Errorf("%w: %s has no dumb buffers", backend.ErrUnsupported, b.cfg.Device)
	}
	mono, err := b.card.capability(capTimestampMonotonic)
	b.monotonic = err == nil && mono != 0

	if err := b.scan(); err != nil {
		unix.Close(fd)
		return err
	}
	if len(b.order) == 0 {
		logrus.WithField("device", b.cfg.Device).Warnln("No connected displays found")
	}
	b.reader.Add(1)
	go b.readEvents()
	return nil
}

// scan creates an output for every connected connector a CRTC can be found for
func (b *Backend) scan() error {
	res, err := b.card.resources()
	if err != nil {
		return err
	}
	used := map[uint32]bool{}
	for _, id := range res.connectors {
		conn, err := b.card.connector(id)
		if err != nil {
			logrus.WithError(err).Warnln("Skipping connector")
			continue
		}
		name := connectorName(conn.typ, conn.typeID)
		log := logrus.WithField("connector", name)
		if conn.status != connectorConnected {
			log.Debugln("Connector not connected")
			continue
		}
		mode, ok := preferredMode(conn.modes)
		if !ok {
			log.Warnln("Connected display has no modes")
			continue
		}
		var encoders []getEncoder
		for _, encID := range conn.encoders {
			enc, err := b.card.encoder(encID)
			if err != nil {
				log.WithError(err).Debugln("Skipping encoder")
				continue
			}
			encoders = append(encoders, enc)
		}
		crtc, ok := pickCrtc(conn.encoder, encoders, res.crtcs, used)
		if !ok {
			log.Warnln("No free CRTC for connector")
			continue
		}
		used[crtc] = true
		if err := b.addOutput(name, crtc, conn, mode); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) addOutput(name string, crtc uint32, conn connector, mode modeInfo) error {
	co := &crtcOutput{crtc: crtc, connector: conn.id, modes: conn.modes}
	var modes []output.Mode
	for _, m := range conn.modes {
		modes = append(modes, toMode(m))
	}
	x := 0
	for _, existing := range b.order {
		x = max(x, existing.LogicalGeometry().Max.X)
	}
	out, err := output.New(output.Config{
		Name:             name,
		Index:            len(b.order),
		Position:         image.Pt(x, 0),
		Mode:             toMode(mode),
		Modes:            modes,
		Allocator:        &dumbAllocator{card: b.card},
		SwapchainDepth:   b.cfg.SwapchainDepth,
		DisableBufferAge: !b.cfg.BufferAge,
	}, b.loop)
	if err != nil {
		return fmt.Errorf("creating output %s: %w", name, err)
	}
	co.out = out
	b.outputs[out] = co
	b.byCrtc[crtc] = co
	b.order = append(b.order, out)
	out.OnDestroy(b.forget)
	logrus.WithFields(logrus.Fields{
		"output": name,
		"crtc":   crtc,
		"mode":   out.Mode(),
	}).Infoln("Found display")
	b.listener.OutputAdded(out)
	return nil
}

func (b *Backend) forget(out *output.Output) {
	co, ok := b.outputs[out]
	if !ok {
		return
	}
	co.vsync.Stop()
	delete(b.outputs, out)
	delete(b.byCrtc, co.crtc)
	for i, o := range b.order {
		if o == out {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	// Nothing will release these anymore, the retired swapchain frees them
	layer := out.PrimaryLayer()
	if co.flipping != nil {
		layer.Release(co.flipping)
		co.flipping = nil
	}
	if co.front != nil {
		layer.Release(co.front)
		co.front = nil
	}
}

// Outputs returns the live outputs in connector order
func (b *Backend) Outputs() []*output.Output {
	outs := make([]*output.Output, len(b.order))
	copy(outs, b.order)
	return outs
}

func (b *Backend) Present(out *output.Output, slot *swapchain.Slot, damage region.Region) backend.PresentResult {
	co, ok := b.outputs[out]
	if !ok || slot == nil || b.closed.Load() {
		return backend.PresentFatal
	}
	buf, ok := slot.Buffer().(*dumbBuffer)
	if !ok {
		logrus.WithField("output", out.Name()).Errorln("Slot buffer is not a dumb buffer")
		return backend.PresentFatal
	}
	if co.flipping != nil {
		// Only one flip can be queued per CRTC
		return backend.PresentRetry
	}
	want, ok := findMode(co.modes, out.Mode())
	if !ok {
		logrus.WithFields(logrus.Fields{"output": out.Name(), "mode": out.Mode()}).Errorln("Display doesn't support the mode")
		return backend.PresentFatal
	}

	if co.active != want {
		// Modesets are synchronous and come without a flip event
		if err := b.card.setCrtc(co.crtc, buf.fb, co.connector, want); err != nil {
			return presentError(out, "set crtc", err)
		}
		co.active = want
		b.swapFront(co, slot)
		co.vsync.Schedule(b.loop, out.RenderLoop())
		return backend.PresentOK
	}

	if err := b.card.pageFlip(co.crtc, buf.fb); err != nil {
		return presentError(out, "page flip", err)
	}
	co.flipping = slot
	return backend.PresentOK
}

func presentError(out *output.Output, op string, err error) backend.PresentResult {
	log := logrus.WithError(err).WithFields(logrus.Fields{"output": out.Name(), "op": op})
	switch {
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		// Flip still queued, or we lost DRM master to another session for now
		log.Debugln("Present refused for now")
		return backend.PresentRetry
	default:
		log.Warnln("Present failed")
		return backend.PresentFatal
	}
}

// swapFront puts slot on screen and hands the previous front buffer back
func (b *Backend) swapFront(co *crtcOutput, slot *swapchain.Slot) {
	prev := co.front
	co.front = slot
	if prev != nil && prev != slot {
		co.out.PrimaryLayer().Release(prev)
	}
}

// readEvents polls the card and hands flip events to the loop
func (b *Backend) readEvents() {
	defer b.reader.Done()
	buf := make([]byte, 1024)
	fds := []unix.PollFd{{Fd: int32(b.card.fd), Events: unix.POLLIN}}
	for !b.closed.Load() {
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logrus.WithError(err).Errorln("Polling DRM device failed")
			return
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		read, err := unix.Read(b.card.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			logrus.WithError(err).Errorln("Reading DRM events failed")
			return
		}
		events := parseEvents(append([]byte(nil), buf[:read]...))
		if len(events) == 0 {
			continue
		}
		if err := b.loop.Post(func() { b.flipped(events) }); err != nil {
			return
		}
	}
}

func (b *Backend) flipped(events []flipEvent) {
	for _, ev := range events {
		co, ok := b.byCrtc[ev.crtc]
		if !ok || co.flipping == nil {
			continue
		}
		slot := co.flipping
		co.flipping = nil
		b.swapFront(co, slot)
		ts := ev.timestamp
		if !b.monotonic {
			ts = b.loop.Now()
		}
		co.out.RenderLoop().NotifyFrameCompleted(ts)
	}
}

func (b *Backend) Close() error {
	if b.card == nil || b.closed.Load() {
		return nil
	}
	for _, out := range b.Outputs() {
		b.listener.OutputRemoved(out)
		out.Destroy()
	}
	b.closed.Store(true)
	b.reader.Wait()
	err := unix.Close(b.card.fd)
	logrus.Debugln("DRM backend closed")
	return err
}
