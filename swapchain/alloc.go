// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swapchain

import (
	"fmt"
	"image"
)

// ImageAllocator hands out buffers in ordinary heap memory
type ImageAllocator struct {
	// Sinks that copy the pixels on present keep the contents intact
	// and can report buffer age
	NoBufferAge bool
}

func (a ImageAllocator) Capabilities() Capabilities {
	return Capabilities{BufferAge: !a.NoBufferAge}
}

func (a ImageAllocator) Allocate(size image.Point, format Format) (Buffer, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("unsupported format %s", format)
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid buffer size %v", size)
	}
	stride := size.X * bpp
	img := NewXRGB8888Image(make([]byte, stride*size.Y), stride, size)
	img.Alpha = format == FormatARGB8888
	return &memoryBuffer{img: img, format: format}, nil
}

type memoryBuffer struct {
	img    *XRGB8888Image
	format Format
}

func (b *memoryBuffer) Image() *XRGB8888Image {
	return b.img
}

func (b *memoryBuffer) Size() image.Point {
	return b.img.Rect.Size()
}

func (b *memoryBuffer) Format() Format {
	return b.format
}

func (b *memoryBuffer) Close() error {
	b.img.Pix = nil
	return nil
}
