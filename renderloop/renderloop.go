// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package renderloop paces the repaints of a single output against its vblank source.
//
// A RenderLoop is Idle or Armed. Armed means a frame was presented and the loop waits for the
// sink to report completion. Repaints requested in the meantime are folded into one and fired
// right from the completion, so at most one frame per output is ever in flight.
package renderloop

import (
	"time"

	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/util"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateIdle = State(iota)
	StateArmed
)

func (s State) String() string {
	if s == StateArmed {
		return "armed"
	}
	return "idle"
}

const (
	// Used when a sink doesn't tell its refresh rate
	DefaultRefreshMHz = 60000
	// How long before the estimated vblank a repaint gets started
	DefaultSafetyMargin = 1500 * time.Microsecond
)

// Stats counts what a loop did over its lifetime
type Stats struct {
	Requested uint64
	Completed uint64
	Failed    uint64
}

type RenderLoop struct {
	sched      eventloop.Scheduler
	refreshMHz int
	interval   time.Duration
	margin     time.Duration
	last       time.Duration
	state      State
	pending    bool
	timer      eventloop.Timer
	inhibit    int
	detached   bool
	listeners  []func()
	stats      Stats
	name       string
}

// New creates an idle loop running at refreshMHz (millihertz, 60000 for 60Hz)
func New(sched eventloop.Scheduler, refreshMHz int) *RenderLoop {
	l := &RenderLoop{
		sched:  sched,
		margin: DefaultSafetyMargin,
	}
	l.setRefresh(refreshMHz)
	return l
}

// SetName sets the name used in log messages, usually the output's
func (l *RenderLoop) SetName(name string) {
	l.name = name
}

func (l *RenderLoop) log() *logrus.Entry {
	return logrus.WithField("output", l.name)
}

func (l *RenderLoop) setRefresh(mHz int) {
	if mHz <= 0 {
		mHz = DefaultRefreshMHz
	}
	l.refreshMHz = mHz
	l.interval = time.Duration(1_000_000_000_000 / int64(mHz))
	// Never spend more than half a frame on the margin
	l.margin = min(DefaultSafetyMargin, l.interval/2)
}

// OnFrameRequested registers fn to be called whenever the loop wants a new frame rendered
func (l *RenderLoop) OnFrameRequested(fn func()) {
	l.listeners = append(l.listeners, fn)
}

func (l *RenderLoop) State() State {
	return l.state
}

func (l *RenderLoop) RefreshMHz() int {
	return l.refreshMHz
}

func (l *RenderLoop) VblankInterval() time.Duration {
	return l.interval
}

// Timestamp of the last completed frame
func (l *RenderLoop) LastPresentation() time.Duration {
	return l.last
}

// Whether a repaint has been requested but not fired yet
func (l *RenderLoop) RepaintPending() bool {
	return l.pending || l.timer != nil
}

func (l *RenderLoop) Inhibited() bool {
	return l.inhibit > 0
}

func (l *RenderLoop) Detached() bool {
	return l.detached
}

func (l *RenderLoop) Stats() Stats {
	return l.stats
}

// NextPresentation estimates when the next vblank happens, based on the last completion
func (l *RenderLoop) NextPresentation() time.Duration {
	now := l.sched.Now()
	// The completion timestamp may be in the future
	var since int64
	if now >= l.last {
		since = int64((now - l.last) / l.interval)
	}
	return l.last + l.interval*time.Duration(since+1)
}

// ScheduleRepaint asks for a new frame.
// While idle a timer to the next vblank is started, while armed the request waits for the completion.
// Multiple requests before the frame fires are one request.
func (l *RenderLoop) ScheduleRepaint() {
	if l.detached {
		return
	}
	if l.inhibit > 0 || l.state == StateArmed {
		l.pending = true
		return
	}
	if l.timer != nil {
		return
	}
	l.pending = false
	l.startTimer()
}

func (l *RenderLoop) startTimer() {
	delay := l.NextPresentation() - l.margin - l.sched.Now()
	if delay < 0 {
		delay = 0
	}
	l.timer = l.sched.AfterFunc(delay, l.timerFired)
}

func (l *RenderLoop) stopTimer() bool {
	if l.timer == nil {
		return false
	}
	l.timer.Stop()
	l.timer = nil
	return true
}

func (l *RenderLoop) timerFired() {
	l.timer = nil
	if l.detached {
		return
	}
	l.fire()
}

func (l *RenderLoop) fire() {
	l.pending = false
	l.stats.Requested++
	for _, fn := range l.listeners {
		fn()
		if l.detached {
			return
		}
	}
}

// Arm marks a frame as in flight. Call it once after every successful present.
func (l *RenderLoop) Arm() {
	if l.detached {
		return
	}
	if l.state == StateArmed {
		util.ContractViolation(logrus.Fields{"output": l.name}, "render loop armed twice without completion")
		return
	}
	l.state = StateArmed
	// A repaint requested while the frame was being rendered now waits for the completion
	if l.stopTimer() {
		l.pending = true
	}
}

// NotifyFrameCompleted is the completion signal of the sink, with a monotonic timestamp in nanoseconds.
// A repaint requested in the meantime is started before this returns.
func (l *RenderLoop) NotifyFrameCompleted(timestamp time.Duration) {
	if l.detached {
		return
	}
	if l.state != StateArmed {
		l.log().WithField("timestamp", timestamp).Debugln("Ignoring frame completion while idle")
		return
	}
	if timestamp < l.last {
		timestamp = l.last
	}
	l.last = timestamp
	l.state = StateIdle
	l.stats.Completed++
	if l.pending && l.inhibit == 0 {
		l.fire()
	}
}

// NotifyFrameFailed drops the in flight frame without a timestamp, like a failed present.
// A pending repaint gets scheduled for the next vblank.
func (l *RenderLoop) NotifyFrameFailed() {
	if l.detached || l.state != StateArmed {
		return
	}
	l.state = StateIdle
	l.stats.Failed++
	if l.pending {
		l.ScheduleRepaint()
	}
}

// SetRefreshRate retunes the loop. The cadence restarts but armed frames and pending repaints stay.
func (l *RenderLoop) SetRefreshRate(mHz int) {
	l.setRefresh(mHz)
	l.log().WithField("refresh-mhz", l.refreshMHz).Debugln("Render loop refresh rate changed")
	if l.stopTimer() {
		l.startTimer()
	}
}

// Inhibit suspends repaints, like while the output is powered off. Calls nest.
func (l *RenderLoop) Inhibit() {
	l.inhibit++
	if l.stopTimer() {
		l.pending = true
	}
}

func (l *RenderLoop) Uninhibit() {
	if l.inhibit == 0 {
		util.ContractViolation(logrus.Fields{"output": l.name}, "render loop uninhibited more often than inhibited")
		return
	}
	l.inhibit--
	if l.inhibit == 0 && l.pending && l.state == StateIdle {
		l.ScheduleRepaint()
	}
}

// Detach disconnects the loop from everything, late completions and timers are ignored afterwards
func (l *RenderLoop) Detach() {
	l.detached = true
	l.stopTimer()
	l.pending = false
	l.state = StateIdle
	l.listeners = nil
}
