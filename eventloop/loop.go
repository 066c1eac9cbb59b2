// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package eventloop is the single threaded main loop everything output related runs on.
//
// Other goroutines never touch compositor state. They hand closures to the loop with Post
// and the loop runs them one after another.
package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/mstarongithub/vblank/util/multiplexer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var ErrLoopStopped = errors.New("event loop stopped")

// Default size of the queue between other goroutines and the loop
const DefaultQueueSize = 256

// Timer is a pending AfterFunc callback
type Timer interface {
	// Stop prevents the callback from running. Returns false if it already ran or was stopped.
	// Only call it on the loop.
	Stop() bool
}

// Scheduler is the part of the loop render loops and outputs need
type Scheduler interface {
	// Monotonic time since an arbitrary epoch
	Now() time.Duration
	// Runs fn on the loop after d
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop runs posted functions sequentially on the goroutine calling Run
type Loop struct {
	inbox   *multiplexer.ManyToOne[func()]
	running atomic.Bool
	// Number of functions run so far, for stats
	dispatched atomic.Uint64
}

func New() *Loop {
	return NewWithQueueSize(DefaultQueueSize)
}

func NewWithQueueSize(size int) *Loop {
	return &Loop{
		inbox: multiplexer.NewManyToOne(make(chan func(), size)),
	}
}

// Post queues fn to run on the loop. Safe to call from any goroutine.
// Blocks while the queue is full, fails once the loop stopped.
func (l *Loop) Post(fn func()) error {
	if err := l.inbox.Send(fn); err != nil {
		return ErrLoopStopped
	}
	return nil
}

// Run processes posted functions until ctx is done or Stop is called.
// Returns nil after Stop and the context's error otherwise.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer l.running.Store(false)
	defer l.inbox.Close()
	logrus.Debugln("Event loop started")
	for {
		select {
		case <-ctx.Done():
			logrus.WithError(ctx.Err()).Debugln("Event loop cancelled")
			return ctx.Err()
		case fn, ok := <-l.inbox.Receiver():
			if !ok {
				logrus.Debugln("Event loop stopped")
				return nil
			}
			l.dispatch(fn)
		}
	}
}

// RunPending runs everything that is queued right now without blocking and returns how many functions ran.
// Meant for driving the loop by hand, mostly in tests.
func (l *Loop) RunPending() int {
	n := 0
	for {
		select {
		case fn, ok := <-l.inbox.Receiver():
			if !ok {
				return n
			}
			l.dispatch(fn)
			n++
		default:
			return n
		}
	}
}

// Stop makes Run return after the already queued functions ran
func (l *Loop) Stop() {
	l.inbox.Close()
}

func (l *Loop) Stopped() bool {
	return l.inbox.Closed()
}

func (l *Loop) Dispatched() uint64 {
	return l.dispatched.Load()
}

func (l *Loop) dispatch(fn func()) {
	if fn == nil {
		return
	}
	l.dispatched.Add(1)
	fn()
}

// Now returns CLOCK_MONOTONIC, the clock DRM page flip events and
// Wayland presentation feedback use as well
func (l *Loop) Now() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		logrus.WithError(err).Warnln("clock_gettime failed")
		return 0
	}
	return time.Duration(ts.Nano())
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.timer.Stop()
	return true
}

// AfterFunc runs fn on the loop once d has passed.
// A timer stopped after it expired but before fn got its turn on the loop never runs fn.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		err := l.Post(func() {
			if !t.stopped.CompareAndSwap(false, true) {
				return
			}
			fn()
		})
		if err != nil {
			logrus.WithError(err).Debugln("Dropping timer, loop is gone")
		}
	})
	return t
}
