// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package swapchain

import (
	"fmt"
	"image"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FDBuffer is a buffer backed by a file descriptor that can be shared with a display server
type FDBuffer interface {
	Buffer
	FD() int
	Stride() int
}

// ShmAllocator creates buffers in anonymous shared memory (memfd), ready for wl_shm.
// Each buffer owns its fd and mapping and closes both in Close.
type ShmAllocator struct {
	// Name shown for the memfd in /proc/<pid>/fd
	Name string
}

func (a ShmAllocator) Capabilities() Capabilities {
	return Capabilities{BufferAge: true, ExplicitRelease: true}
}

func (a ShmAllocator) Allocate(size image.Point, format Format) (Buffer, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("unsupported format %s", format)
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid buffer size %v", size)
	}
	name := a.Name
	if name == "" {
		name = "vblank-shm"
	}
	stride := size.X * bpp
	length := stride * size.Y

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(length)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate shm buffer to %d bytes: %w", length, err)
	}
	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap shm buffer: %w", err)
	}
	// The size must never change under the display server's feet
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK); err != nil {
		logrus.WithError(err).Debugln("Failed to seal shm buffer, continuing without")
	}

	img := NewXRGB8888Image(data, stride, size)
	img.Alpha = format == FormatARGB8888
	return &shmBuffer{
		fd:     fd,
		data:   data,
		img:    img,
		format: format,
	}, nil
}

type shmBuffer struct {
	fd     int
	data   []byte
	img    *XRGB8888Image
	format Format
}

func (b *shmBuffer) Image() *XRGB8888Image {
	return b.img
}

func (b *shmBuffer) Size() image.Point {
	return b.img.Rect.Size()
}

func (b *shmBuffer) Format() Format {
	return b.format
}

func (b *shmBuffer) FD() int {
	return b.fd
}

func (b *shmBuffer) Stride() int {
	return b.img.Stride
}

func (b *shmBuffer) Close() error {
	var firstErr error
	if b.data != nil {
		if err := unix.Munmap(b.data); err != nil {
			firstErr = fmt.Errorf("munmap shm buffer: %w", err)
		}
		b.data = nil
		b.img.Pix = nil
	}
	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close shm fd: %w", err)
		}
		b.fd = -1
	}
	return firstErr
}
