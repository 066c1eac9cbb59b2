// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package wayland

import (
	"fmt"
	"image"

	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/rajveermalviya/go-wayland/wayland/client"
	"github.com/sirupsen/logrus"
)

// wlBuffer is a memfd buffer shared with the host compositor through its own pool
type wlBuffer struct {
	backend *Backend
	shm     swapchain.FDBuffer
	pool    *client.ShmPool
	wl      *client.Buffer

	// Who to hand the buffer back to once the host releases it
	layer *output.Layer
	slot  *swapchain.Slot
}

func (b *wlBuffer) Image() *swapchain.XRGB8888Image {
	return b.shm.Image()
}

func (b *wlBuffer) Size() image.Point {
	return b.shm.Size()
}

func (b *wlBuffer) Format() swapchain.Format {
	return b.shm.Format()
}

func (b *wlBuffer) Close() error {
	delete(b.backend.buffers, b)
	_ = b.wl.Destroy()
	_ = b.pool.Destroy()
	return b.shm.Close()
}

// allocator hands out buffers the host compositor can read
type allocator struct {
	backend *Backend
	shm     swapchain.ShmAllocator
}

func (a *allocator) Capabilities() swapchain.Capabilities {
	return swapchain.Capabilities{
		BufferAge:       a.backend.cfg.BufferAge,
		ExplicitRelease: true,
	}
}

func (a *allocator) Allocate(size image.Point, format swapchain.Format) (swapchain.Buffer, error) {
	if format != swapchain.FormatXRGB8888 {
		return nil, fmt.Errorf("wayland buffers are XRGB8888 only, not %s", format)
	}
	a.shm.Name = appID
	buf, err := a.shm.Allocate(size, format)
	if err != nil {
		return nil, err
	}
	shmBuf := buf.(swapchain.FDBuffer)
	stride := shmBuf.Stride()
	pool, err := a.backend.shm.CreatePool(shmBuf.FD(), int32(stride*size.Y))
	if err != nil {
		shmBuf.Close()
		return nil, fmt.Errorf("creating shm pool: %w", err)
	}
	wl, err := pool.CreateBuffer(0, int32(size.X), int32(size.Y), int32(stride), uint32(client.ShmFormatXrgb8888))
	if err != nil {
		_ = pool.Destroy()
		shmBuf.Close()
		return nil, fmt.Errorf("creating wl_buffer: %w", err)
	}
	wb := &wlBuffer{backend: a.backend, shm: shmBuf, pool: pool, wl: wl}
	wl.SetReleaseHandler(func(client.BufferReleaseEvent) {
		a.backend.released(wb)
	})
	a.backend.buffers[wb] = struct{}{}
	return wb, nil
}

func (b *Backend) released(wb *wlBuffer) {
	if wb.layer == nil {
		logrus.Debugln("Release for a buffer that was never presented")
		return
	}
	layer, slot := wb.layer, wb.slot
	wb.layer, wb.slot = nil, nil
	layer.Release(slot)
}
