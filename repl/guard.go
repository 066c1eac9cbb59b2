// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package repl

import (
	"errors"
	"io"
	"sync/atomic"
)

var ErrClosed = errors.New("closed")

// ReaderGuard lets the repl close stdin without closing the real stdin.
// Reads after Close fail, a read already blocked keeps blocking until the underlying reader returns.
type ReaderGuard struct {
	closed  atomic.Bool
	wrapped io.Reader
}

func NewReaderGuard(wraps io.Reader) *ReaderGuard {
	return &ReaderGuard{wrapped: wraps}
}

func (r *ReaderGuard) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	n, err := r.wrapped.Read(p)
	if r.closed.Load() {
		return 0, ErrClosed
	}
	return n, err
}

func (r *ReaderGuard) Close() error {
	r.closed.Store(true)
	return nil
}

// WriterGuard is ReaderGuard for stdout
type WriterGuard struct {
	closed  atomic.Bool
	wrapped io.Writer
}

func NewWriterGuard(wraps io.Writer) *WriterGuard {
	return &WriterGuard{wrapped: wraps}
}

func (w *WriterGuard) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	return w.wrapped.Write(p)
}

func (w *WriterGuard) Close() error {
	w.closed.Store(true)
	return nil
}
