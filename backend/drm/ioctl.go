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
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	iocWrite = 1
	iocRead  = 2

	ioctlBase = 'd'
)

func iowr(nr uintptr, size uintptr) uintptr {
	return (iocRead|iocWrite)<<30 | size<<16 | ioctlBase<<8 | nr
}

var (
	ioctlGetCap         = iowr(0x0c, unsafe.Sizeof(getCap{}))
	ioctlGetResources   = iowr(0xa0, unsafe.Sizeof(cardRes{}))
	ioctlSetCrtc        = iowr(0xa2, unsafe.Sizeof(modeCrtc{}))
	ioctlGetEncoder     = iowr(0xa6, unsafe.Sizeof(getEncoder{}))
	ioctlGetConnector   = iowr(0xa7, unsafe.Sizeof(getConnector{}))
	ioctlAddFB          = iowr(0xae, unsafe.Sizeof(fbCmd{}))
	ioctlRmFB           = iowr(0xaf, unsafe.Sizeof(uint32(0)))
	ioctlPageFlip       = iowr(0xb0, unsafe.Sizeof(pageFlip{}))
	ioctlCreateDumb     = iowr(0xb2, unsafe.Sizeof(createDumb{}))
	ioctlMapDumb        = iowr(0xb3, unsafe.Sizeof(mapDumb{}))
	ioctlDestroyDumb    = iowr(0xb4, unsafe.Sizeof(destroyDumb{}))
	errShortEnumeration = errors.New("object list changed while reading it")
)

const (
	capDumbBuffer         = 0x1
	capTimestampMonotonic = 0x6

	pageFlipEvent = 0x1

	connectorConnected = 1

	modeTypePreferred = 1 << 3
	modeFlagInterlace = 1 << 4
	modeFlagDblScan   = 1 << 5

	eventFlipComplete = 0x02
)

type getCap struct {
	Capability uint64
	Value      uint64
}

type cardRes struct {
	FBIDPtr, CrtcIDPtr, ConnectorIDPtr, EncoderIDPtr  uint64
	CountFBs, CountCrtcs, CountConnectors, CountEncoders uint32
	MinWidth, MaxWidth, MinHeight, MaxHeight           uint32
}

type modeInfo struct {
	Clock                                         uint32
	HDisplay, HSyncStart, HSyncEnd, HTotal, HSkew uint16
	VDisplay, VSyncStart, VSyncEnd, VTotal, VScan uint16
	VRefresh                                      uint32
	Flags                                         uint32
	Type                                          uint32
	Name                                          [32]byte
}

type getConnector struct {
	EncodersPtr, ModesPtr, PropsPtr, PropValuesPtr uint64
	CountModes, CountProps, CountEncoders          uint32
	EncoderID, ConnectorID                         uint32
	ConnectorType, ConnectorTypeID                 uint32
	Connection                                     uint32
	MMWidth, MMHeight                              uint32
	Subpixel                                       uint32
	_                                              uint32
}

type getEncoder struct {
	EncoderID, EncoderType, CrtcID, PossibleCrtcs, PossibleClones uint32
}

type modeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FBID             uint32
	X, Y             uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             modeInfo
}

type fbCmd struct {
	FBID, Width, Height, Pitch, BPP, Depth, Handle uint32
}

type pageFlip struct {
	CrtcID, FBID, Flags, Reserved uint32
	UserData                      uint64
}

type createDumb struct {
	Height, Width, BPP, Flags, Handle, Pitch uint32
	Size                                     uint64
}

type mapDumb struct {
	Handle uint32
	_      uint32
	Offset uint64
}

type destroyDumb struct {
	Handle uint32
}

// ioctl retries on interruption like libdrm does
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

func ptr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}

// card is an open DRM device
type card struct {
	fd int
}

func (c *card) capability(cap uint64) (uint64, error) {
	arg := getCap{Capability: cap}
	if err := ioctl(c.fd, ioctlGetCap, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}
	return arg.Value, nil
}

type resources struct {
	crtcs      []uint32
	connectors []uint32
}

func (c *card) resources() (resources, error) {
	var res cardRes
	if err := ioctl(c.fd, ioctlGetResources, unsafe.Pointer(&res)); err != nil {
		return resources{}, fmt.Errorf("getting resources: %w", err)
	}
	r := resources{
		crtcs:      make([]uint32, res.CountCrtcs),
		connectors: make([]uint32, res.CountConnectors),
	}
	counts := res
	res = cardRes{
		CrtcIDPtr:       ptr(r.crtcs),
		ConnectorIDPtr:  ptr(r.connectors),
		CountCrtcs:      counts.CountCrtcs,
		CountConnectors: counts.CountConnectors,
	}
	err := ioctl(c.fd, ioctlGetResources, unsafe.Pointer(&res))
	runtime.KeepAlive(r)
	if err != nil {
		return resources{}, fmt.Errorf("getting resources: %w", err)
	}
	if res.CountCrtcs > counts.CountCrtcs || res.CountConnectors > counts.CountConnectors {
		return resources{}, errShortEnumeration
	}
	return r, nil
}

type connector struct {
	id       uint32
	typ      uint32
	typeID   uint32
	status   uint32
	encoder  uint32
	encoders []uint32
	modes    []modeInfo
}

func (c *card) connector(id uint32) (connector, error) {
	// Zero counts make the kernel probe the connector
	arg := getConnector{ConnectorID: id}
	if err := ioctl(c.fd, ioctlGetConnector, unsafe.Pointer(&arg)); err != nil {
		return connector{}, fmt.Errorf("getting connector %d: %w", id, err)
	}
	conn := connector{
		encoders: make([]uint32, arg.CountEncoders),
		modes:    make([]modeInfo, arg.CountModes),
	}
	counts := arg
	arg = getConnector{
		ConnectorID:   id,
		EncodersPtr:   ptr(conn.encoders),
		ModesPtr:      ptr(conn.modes),
		CountEncoders: counts.CountEncoders,
		CountModes:    counts.CountModes,
	}
	err := ioctl(c.fd, ioctlGetConnector, unsafe.Pointer(&arg))
	runtime.KeepAlive(conn)
	if err != nil {
		return connector{}, fmt.Errorf("getting connector %d: %w", id, err)
	}
	if arg.CountEncoders > counts.CountEncoders || arg.CountModes > counts.CountModes {
		return connector{}, errShortEnumeration
	}
	conn.id = id
	conn.typ = arg.ConnectorType
	conn.typeID = arg.ConnectorTypeID
	conn.status = arg.Connection
	conn.encoder = arg.EncoderID
	return conn, nil
}

func (c *card) encoder(id uint32) (getEncoder, error) {
	arg := getEncoder{EncoderID: id}
	if err := ioctl(c.fd, ioctlGetEncoder, unsafe.Pointer(&arg)); err != nil {
		return getEncoder{}, fmt.Errorf("getting encoder %d: %w", id, err)
	}
	return arg, nil
}

func (c *card) setCrtc(crtc, fb, conn uint32, mode modeInfo) error {
	conns := []uint32{conn}
	arg := modeCrtc{
		SetConnectorsPtr: ptr(conns),
		CountConnectors:  1,
		CrtcID:           crtc,
		FBID:             fb,
		ModeValid:        1,
		Mode:             mode,
	}
	err := ioctl(c.fd, ioctlSetCrtc, unsafe.Pointer(&arg))
	runtime.KeepAlive(conns)
	return err
}

func (c *card) pageFlip(crtc, fb uint32) error {
	arg := pageFlip{CrtcID: crtc, FBID: fb, Flags: pageFlipEvent, UserData: uint64(crtc)}
	return ioctl(c.fd, ioctlPageFlip, unsafe.Pointer(&arg))
}
