// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package x11

import (
	"image"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/mstarongithub/vblank/renderloop"
	"github.com/mstarongithub/vblank/swapchain"
	"github.com/sirupsen/logrus"
)

// Size of the fixed part of a PutImage request
const putImageHeader = 24

// maxPutImagePayload turns the server's maximum request length (in 4 byte units) into usable image bytes
func maxPutImagePayload(maxRequestUnits int) int {
	return max(maxRequestUnits*4-putImageHeader, 4)
}

// chunkRect splits r into pieces whose pixels fit into one PutImage each
func chunkRect(r image.Rectangle, maxPayload int) []image.Rectangle {
	if r.Empty() {
		return nil
	}
	tileW := min(r.Dx(), max(maxPayload/4, 1))
	rows := max(maxPayload/(tileW*4), 1)
	chunks := []image.Rectangle{}
	for y := r.Min.Y; y < r.Max.Y; y += rows {
		for x := r.Min.X; x < r.Max.X; x += tileW {
			chunks = append(chunks, image.Rect(x, y, min(x+tileW, r.Max.X), min(y+rows, r.Max.Y)))
		}
	}
	return chunks
}

// packRect copies the pixels of r into buf, tightly packed, growing buf if needed
func packRect(img *swapchain.XRGB8888Image, r image.Rectangle, buf []byte) []byte {
	rowBytes := r.Dx() * 4
	need := rowBytes * r.Dy()
	if cap(buf) < need {
		buf = make([]byte, need)
	}
	buf = buf[:need]
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := (y - r.Min.Y) * rowBytes
		copy(buf[off:off+rowBytes], img.Row(y, r.Min.X, r.Max.X))
	}
	return buf
}

// modeRefresh computes the refresh rate of a RandR mode in mHz
func modeRefresh(m randr.ModeInfo) int {
	if m.Htotal == 0 || m.Vtotal == 0 {
		return 0
	}
	mHz := uint64(m.DotClock) * 1000 / (uint64(m.Htotal) * uint64(m.Vtotal))
	if m.ModeFlags&randr.ModeFlagInterlace != 0 {
		mHz *= 2
	}
	if m.ModeFlags&randr.ModeFlagDoubleScan != 0 {
		mHz /= 2
	}
	return int(mHz)
}

// hostRefresh returns the fastest refresh rate among the host's active CRTCs
func hostRefresh(conn *xgb.Conn, root xproto.Window) int {
	log := logrus.WithField("fallback", renderloop.DefaultRefreshMHz)
	if err := randr.Init(conn); err != nil {
		log.WithError(err).Debugln("No RandR, assuming default refresh")
		return renderloop.DefaultRefreshMHz
	}
	resources, err := randr.GetScreenResourcesCurrent(conn, root).Reply()
	if err != nil {
		log.WithError(err).Debugln("Failed to query screen resources")
		return renderloop.DefaultRefreshMHz
	}
	modes := map[uint32]randr.ModeInfo{}
	for _, m := range resources.Modes {
		modes[m.Id] = m
	}
	best := 0
	for _, crtc := range resources.Crtcs {
		info, err := randr.GetCrtcInfo(conn, crtc, resources.ConfigTimestamp).Reply()
		if err != nil || info.Mode == 0 {
			continue
		}
		best = max(best, modeRefresh(modes[uint32(info.Mode)]))
	}
	if best == 0 {
		return renderloop.DefaultRefreshMHz
	}
	return best
}
