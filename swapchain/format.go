// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package swapchain

import "fmt"

// Format is a pixel format, identified by its DRM fourcc code
type Format uint32

const (
	// 32 bit, memory order B G R X. What every backend here scans out.
	FormatXRGB8888 Format = 0x34325258 // 'XR24'
	// 32 bit, memory order B G R A
	FormatARGB8888 Format = 0x34325241 // 'AR24'
)

// BytesPerPixel returns the size of one pixel, or 0 for unknown formats
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatXRGB8888, FormatARGB8888:
		return 4
	default:
		return 0
	}
}

func (f Format) String() string {
	return fmt.Sprintf("%c%c%c%c", byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
}
