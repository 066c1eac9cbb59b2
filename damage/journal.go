// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package damage keeps the damage history of a presentation target.
// Together with buffer ages it tells a renderer how little it has to repaint.
package damage

import (
	"github.com/mstarongithub/vblank/region"
	"github.com/mstarongithub/vblank/util"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the history depth used when none is given
const DefaultCapacity = 10

// Journal records the damage of every completed frame, newest first.
// It is not safe for concurrent use, all access happens on the event loop.
type Journal struct {
	log      []region.Region
	capacity int
}

// New creates an empty journal remembering up to capacity frames.
// The capacity must be at least the largest age a buffer of the owning swapchain can report,
// anything older than that falls back to a full repaint anyways.
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		log:      make([]region.Region, 0, capacity),
		capacity: capacity,
	}
}

// Capacity returns how many frames the journal retains at most
func (j *Journal) Capacity() int {
	return j.capacity
}

// Len returns how many frames are currently retained
func (j *Journal) Len() int {
	return len(j.log)
}

// SetCapacity changes the retention depth, dropping the oldest entries if needed
func (j *Journal) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	j.capacity = capacity
	if len(j.log) > capacity {
		j.log = j.log[:capacity]
	}
}

// Add records the damage produced by the frame that was just submitted
func (j *Journal) Add(damage region.Region) {
	if len(j.log) >= j.capacity {
		j.log = j.log[:j.capacity-1]
	}
	j.log = append(j.log, region.Region{})
	copy(j.log[1:], j.log[:len(j.log)-1])
	j.log[0] = damage
}

// Pop removes and returns the newest entry, for frames that were recorded but never made it to the screen.
// Returns false if the journal is empty.
func (j *Journal) Pop() (region.Region, bool) {
	if len(j.log) == 0 {
		return region.Region{}, false
	}
	newest := j.log[0]
	j.log = append(j.log[:0], j.log[1:]...)
	return newest, true
}

// Clear forgets all history. The next accumulation of any age returns the fallback.
func (j *Journal) Clear() {
	j.log = j.log[:0]
}

// Accumulate returns what has to be repainted on a buffer of the given age.
// Age 0 means the buffer contents are unknown, and an age older than the retained history can't be answered,
// both return full.
// Otherwise the union of the damage of the last age frames is returned, which may well be empty.
func (j *Journal) Accumulate(age int, full region.Region) region.Region {
	if age < 0 {
		util.ContractViolation(logrus.Fields{"age": age}, "negative buffer age")
		age = 0
	}
	if age == 0 || age > len(j.log) {
		return full
	}
	var out region.Region
	for _, damage := range j.log[:age] {
		out = out.Union(damage)
	}
	return out
}
