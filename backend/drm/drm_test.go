//go:build linux

package drm

import (
	"encoding/binary"
	"image"
	"testing"
	"time"
	"unsafe"

	"github.com/mstarongithub/vblank/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIoctlNumbers(t *testing.T) {
	// Values from the kernel headers
	assert.Equal(t, uintptr(0xc010640c), ioctlGetCap)
	assert.Equal(t, uintptr(0xc04064a0), ioctlGetResources)
	assert.Equal(t, uintptr(0xc06864a2), ioctlSetCrtc)
	assert.Equal(t, uintptr(0xc01464a6), ioctlGetEncoder)
	assert.Equal(t, uintptr(0xc05064a7), ioctlGetConnector)
	assert.Equal(t, uintptr(0xc01c64ae), ioctlAddFB)
	assert.Equal(t, uintptr(0xc00464af), ioctlRmFB)
	assert.Equal(t, uintptr(0xc01864b0), ioctlPageFlip)
	assert.Equal(t, uintptr(0xc02064b2), ioctlCreateDumb)
	assert.Equal(t, uintptr(0xc01064b3), ioctlMapDumb)
	assert.Equal(t, uintptr(0xc00464b4), ioctlDestroyDumb)
}

func TestStructLayout(t *testing.T) {
	assert.Equal(t, uintptr(68), unsafe.Sizeof(modeInfo{}))
	assert.Equal(t, uintptr(36), unsafe.Offsetof(modeCrtc{}.Mode))
	assert.Equal(t, uintptr(24), unsafe.Offsetof(modeInfo{}.VRefresh))
}

func TestConnectorName(t *testing.T) {
	assert.Equal(t, "DP-1", connectorName(10, 1))
	assert.Equal(t, "HDMI-A-2", connectorName(11, 2))
	assert.Equal(t, "eDP-1", connectorName(14, 1))
	assert.Equal(t, "Unknown-3", connectorName(99, 3))
}

func mode(w, h uint16, clock uint32, htotal, vtotal uint16, typ uint32) modeInfo {
	return modeInfo{HDisplay: w, VDisplay: h, Clock: clock, HTotal: htotal, VTotal: vtotal, Type: typ}
}

func TestRefresh(t *testing.T) {
	m := mode(1920, 1080, 148500, 2200, 1125, 0)
	assert.Equal(t, 60000, refreshMHz(m))
	// 59.94 Hz variant
	assert.Equal(t, 59940, refreshMHz(mode(1920, 1080, 148352, 2200, 1125, 0)))
	m.Flags = modeFlagInterlace
	assert.Equal(t, 120000, refreshMHz(m))
	m.Flags = modeFlagDblScan
	assert.Equal(t, 30000, refreshMHz(m))
	assert.Equal(t, 75000, refreshMHz(modeInfo{VRefresh: 75}))

	om := toMode(mode(2560, 1440, 241500, 2720, 1481, modeTypePreferred))
	assert.Equal(t, image.Pt(2560, 1440), om.Size)
	assert.True(t, om.Preferred)
}

func TestPreferredAndFindMode(t *testing.T) {
	_, ok := preferredMode(nil)
	assert.False(t, ok)

	first := mode(1280, 720, 74250, 1650, 750, 0)
	preferred := mode(1920, 1080, 148500, 2200, 1125, modeTypePreferred)
	m, ok := preferredMode([]modeInfo{first, preferred})
	require.True(t, ok)
	assert.Equal(t, preferred, m)
	m, _ = preferredMode([]modeInfo{first})
	assert.Equal(t, first, m)

	found, ok := findMode([]modeInfo{first, preferred}, output.Mode{Size: image.Pt(1280, 720), RefreshMHz: 60000})
	require.True(t, ok)
	assert.Equal(t, first, found)
	_, ok = findMode([]modeInfo{first}, output.Mode{Size: image.Pt(1280, 720), RefreshMHz: 50000})
	assert.False(t, ok)
}

func TestPickCrtc(t *testing.T) {
	crtcs := []uint32{40, 41, 42}
	encoders := []getEncoder{
		{EncoderID: 7, CrtcID: 41, PossibleCrtcs: 0b011},
		{EncoderID: 8, PossibleCrtcs: 0b100},
	}
	crtc, ok := pickCrtc(7, encoders, crtcs, map[uint32]bool{})
	require.True(t, ok)
	assert.Equal(t, uint32(41), crtc, "keeps the current CRTC")

	crtc, ok = pickCrtc(7, encoders, crtcs, map[uint32]bool{41: true})
	require.True(t, ok)
	assert.Equal(t, uint32(40), crtc)

	_, ok = pickCrtc(7, encoders, crtcs, map[uint32]bool{40: true, 41: true, 42: true})
	assert.False(t, ok)
}

func vblankEvent(typ uint32, crtc uint64, sec, usec, seq uint32) []byte {
	buf := make([]byte, vblankEventSize)
	binary.LittleEndian.PutUint32(buf[0:], typ)
	binary.LittleEndian.PutUint32(buf[4:], vblankEventSize)
	binary.LittleEndian.PutUint64(buf[8:], crtc)
	binary.LittleEndian.PutUint32(buf[16:], sec)
	binary.LittleEndian.PutUint32(buf[20:], usec)
	binary.LittleEndian.PutUint32(buf[24:], seq)
	return buf
}

func TestParseEvents(t *testing.T) {
	var buf []byte
	buf = append(buf, vblankEvent(eventFlipComplete, 41, 12, 500, 7)...)
	// Plain vblank events are skipped
	buf = append(buf, vblankEvent(0x01, 41, 13, 0, 8)...)
	buf = append(buf, vblankEvent(eventFlipComplete, 42, 13, 16, 9)...)
	// Truncated trailer is ignored
	buf = append(buf, 2, 0, 0, 0)

	events := parseEvents(buf)
	require.Len(t, events, 2)
	assert.Equal(t, flipEvent{crtc: 41, sequence: 7, timestamp: 12*time.Second + 500*time.Microsecond}, events[0])
	assert.Equal(t, uint32(42), events[1].crtc)
	assert.Empty(t, parseEvents(nil))
	assert.Empty(t, parseEvents([]byte{2, 0, 0, 0, 4, 0, 0, 0}))
}
