// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package wayland

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"unsafe"

	"github.com/adrg/xdg"
	"golang.org/x/sys/unix"
)

// Milliseconds the watcher blocks in poll before checking for shutdown
const pollTimeout = 100

// Events handled in one go before the loop gets to do something else
const maxDispatchBatch = 64

var errHangup = errors.New("wayland connection hung up")

// socketPath resolves a display name like libwayland does.
// Plain names live in $XDG_RUNTIME_DIR, empty lets the client library read $WAYLAND_DISPLAY itself.
func socketPath(display string) string {
	if display == "" || filepath.IsAbs(display) || strings.Contains(display, "/") {
		return display
	}
	return filepath.Join(xdg.RuntimeDir, display)
}

// socketOf digs the socket out of a client library struct, which doesn't export it.
// The first field holding something with a raw descriptor wins.
func socketOf(v any) (syscall.Conn, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%T is not a pointer to a struct", v)
	}
	rv = rv.Elem()
	connType := reflect.TypeOf((*syscall.Conn)(nil)).Elem()
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		value := reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem()
		if value.Kind() == reflect.Interface {
			if value.IsNil() {
				continue
			}
			value = value.Elem()
		}
		if !value.Type().Implements(connType) {
			continue
		}
		if value.Kind() == reflect.Pointer && value.IsNil() {
			return nil, errors.New("connection not open")
		}
		return value.Interface().(syscall.Conn), nil
	}
	return nil, fmt.Errorf("%T has no socket", v)
}

// connFD returns the descriptor of the socket behind v, for polling only
func connFD(v any) (int, error) {
	conn, err := socketOf(v)
	if err != nil {
		return -1, err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// pollReadable waits up to timeout milliseconds for fd to have something to read
func pollReadable(fd int, timeout int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		return true, nil
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return false, errHangup
	}
	return false, nil
}

// staleSender reports whether a dispatch error only means the event was for an object we already destroyed.
// The host may still have events queued for it, the connection itself is fine.
func staleSender(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable find sender")
}
