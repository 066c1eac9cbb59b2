// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package drm

import (
	"errors"
	"fmt"
	"image"
	"unsafe"

	"github.com/mstarongithub/vblank/swapchain"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// dumbAllocator makes CPU mapped scanout buffers
type dumbAllocator struct {
	card *card
}

func (a *dumbAllocator) Capabilities() swapchain.Capabilities {
	// Scanout buffers keep their contents and stay in use until the next flip completes
	return swapchain.Capabilities{BufferAge: true, ExplicitRelease: true}
}

func (a *dumbAllocator) Allocate(size image.Point, format swapchain.Format) (swapchain.Buffer, error) {
	if format != swapchain.FormatXRGB8888 {
		return nil, fmt.Errorf("dumb buffers are XRGB8888 only, not %s", format)
	}
	create := createDumb{Width: uint32(size.X), Height: uint32(size.Y), BPP: 32}
	if err := ioctl(a.card.fd, ioctlCreateDumb, unsafe.Pointer(&create)); err != nil {
		return nil, fmt.Errorf("creating dumb buffer: %w", err)
	}
	buf := &dumbBuffer{card: a.card, handle: create.Handle, pitch: int(create.Pitch), size: size}

	fb := fbCmd{
		Width:  uint32(size.X),
		Height: uint32(size.Y),
		Pitch:  create.Pitch,
		BPP:    32,
		Depth:  24,
		Handle: create.Handle,
	}
	if err := ioctl(a.card.fd, ioctlAddFB, unsafe.Pointer(&fb)); err != nil {
		buf.Close()
		return nil, fmt.Errorf("adding framebuffer: %w", err)
	}
	buf.fb = fb.FBID

	m := mapDumb{Handle: create.Handle}
	if err := ioctl(a.card.fd, ioctlMapDumb, unsafe.Pointer(&m)); err != nil {
		buf.Close()
		return nil, fmt.Errorf("preparing dumb buffer map: %w", err)
	}
	mem, err := unix.Mmap(a.card.fd, int64(m.Offset), int(create.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		buf.Close()
		return nil, fmt.Errorf("mapping dumb buffer: %w", err)
	}
	buf.mem = mem
	buf.img = swapchain.NewXRGB8888Image(mem, buf.pitch, size)
	return buf, nil
}

type dumbBuffer struct {
	card   *card
	handle uint32
	fb     uint32
	pitch  int
	size   image.Point
	mem    []byte
	img    *swapchain.XRGB8888Image
}

func (b *dumbBuffer) Image() *swapchain.XRGB8888Image {
	return b.img
}

func (b *dumbBuffer) Size() image.Point {
	return b.size
}

func (b *dumbBuffer) Format() swapchain.Format {
	return swapchain.FormatXRGB8888
}

// Close unmaps and frees the buffer. Removing a framebuffer that is on screen turns the CRTC off.
func (b *dumbBuffer) Close() error {
	var errs []error
	if b.mem != nil {
		errs = append(errs, unix.Munmap(b.mem))
		b.mem = nil
		b.img = nil
	}
	if b.fb != 0 {
		fb := b.fb
		errs = append(errs, ioctl(b.card.fd, ioctlRmFB, unsafe.Pointer(&fb)))
		b.fb = 0
	}
	if b.handle != 0 {
		arg := destroyDumb{Handle: b.handle}
		errs = append(errs, ioctl(b.card.fd, ioctlDestroyDumb, unsafe.Pointer(&arg)))
		b.handle = 0
	}
	err := errors.Join(errs...)
	if err != nil {
		logrus.WithError(err).Debugln("Failed to free dumb buffer")
	}
	return err
}
