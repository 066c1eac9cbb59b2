// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package drm

import (
	"encoding/binary"
	"fmt"
	"image"
	"time"

	"github.com/mstarongithub/vblank/output"
)

var connectorTypes = [...]string{
	"Unknown", "VGA", "DVI-I", "DVI-D", "DVI-A", "Composite", "SVIDEO", "LVDS", "Component",
	"DIN", "DP", "HDMI-A", "HDMI-B", "TV", "eDP", "Virtual", "DSI", "DPI", "Writeback", "SPI", "USB",
}

// connectorName names a connector the way the kernel and most compositors do, DP-1 and so on
func connectorName(typ, typeID uint32) string {
	name := "Unknown"
	if int(typ) < len(connectorTypes) {
		name = connectorTypes[typ]
	}
	return fmt.Sprintf("%s-%d", name, typeID)
}

// refreshMHz computes the refresh rate of a mode from its timings
func refreshMHz(m modeInfo) int {
	if m.HTotal == 0 || m.VTotal == 0 {
		return int(m.VRefresh) * 1000
	}
	mHz := uint64(m.Clock) * 1_000_000 / uint64(m.HTotal) / uint64(m.VTotal)
	if m.Flags&modeFlagInterlace != 0 {
		mHz *= 2
	}
	if m.Flags&modeFlagDblScan != 0 {
		mHz /= 2
	}
	if m.VScan > 1 {
		mHz /= uint64(m.VScan)
	}
	return int(mHz)
}

func toMode(m modeInfo) output.Mode {
	return output.Mode{
		Size:       image.Pt(int(m.HDisplay), int(m.VDisplay)),
		RefreshMHz: refreshMHz(m),
		Preferred:  m.Type&modeTypePreferred != 0,
	}
}

// preferredMode picks the mode the display asks for, else the first one
func preferredMode(modes []modeInfo) (modeInfo, bool) {
	if len(modes) == 0 {
		return modeInfo{}, false
	}
	for _, m := range modes {
		if m.Type&modeTypePreferred != 0 {
			return m, true
		}
	}
	return modes[0], true
}

// findMode returns the timings for an output mode
func findMode(modes []modeInfo, want output.Mode) (modeInfo, bool) {
	for _, m := range modes {
		om := toMode(m)
		if om.Size == want.Size && om.RefreshMHz == want.RefreshMHz {
			return m, true
		}
	}
	return modeInfo{}, false
}

// pickCrtc finds a free CRTC for a connector, preferring the one it is already driven by
func pickCrtc(current uint32, encoders []getEncoder, crtcs []uint32, used map[uint32]bool) (uint32, bool) {
	for _, enc := range encoders {
		if enc.EncoderID == current && enc.CrtcID != 0 && !used[enc.CrtcID] {
			return enc.CrtcID, true
		}
	}
	for _, enc := range encoders {
		for i, crtc := range crtcs {
			if enc.PossibleCrtcs&(1<<i) != 0 && !used[crtc] {
				return crtc, true
			}
		}
	}
	return 0, false
}

type flipEvent struct {
	crtc      uint32
	sequence  uint32
	timestamp time.Duration
}

// Size of struct drm_event_vblank
const vblankEventSize = 32

// parseEvents decodes what a read on the card returned. Events other than page flips are skipped.
func parseEvents(buf []byte) []flipEvent {
	var events []flipEvent
	for len(buf) >= 8 {
		typ := binary.LittleEndian.Uint32(buf[0:4])
		length := int(binary.LittleEndian.Uint32(buf[4:8]))
		if length < 8 || length > len(buf) {
			break
		}
		if typ == eventFlipComplete && length >= vblankEventSize {
			sec := binary.LittleEndian.Uint32(buf[16:20])
			usec := binary.LittleEndian.Uint32(buf[20:24])
			events = append(events, flipEvent{
				crtc:      uint32(binary.LittleEndian.Uint64(buf[8:16])),
				timestamp: time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
				sequence:  binary.LittleEndian.Uint32(buf[24:28]),
			})
		}
		buf = buf[length:]
	}
	return events
}
