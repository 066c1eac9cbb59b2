// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backend

import (
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/renderloop"
)

// SoftwareVsync stands in for a vblank interrupt on backends that have none.
// It completes a frame at the render loop's next presentation time.
type SoftwareVsync struct {
	timer eventloop.Timer
}

// Schedule completes the frame just presented on rl. A still pending completion is replaced.
func (v *SoftwareVsync) Schedule(loop *eventloop.Loop, rl *renderloop.RenderLoop) {
	v.Stop()
	delay := max(rl.NextPresentation()-loop.Now(), 0)
	v.timer = loop.AfterFunc(delay, func() {
		v.timer = nil
		rl.NotifyFrameCompleted(loop.Now())
	})
}

// Pending reports whether a completion is still outstanding
func (v *SoftwareVsync) Pending() bool {
	return v.timer != nil
}

func (v *SoftwareVsync) Stop() {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}
