// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package compositor

import (
	"fmt"

	"github.com/mstarongithub/vblank/common/ipc"
	"github.com/mstarongithub/vblank/output"
)

func ipcMode(m output.Mode) ipc.OutputMode {
	return ipc.OutputMode{
		Width:       m.Size.X,
		Height:      m.Size.Y,
		RefreshRate: m.RefreshMHz,
		Preferred:   m.Preferred,
	}
}

// ListOutputs answers an OutputRequest
func (c *Compositor) ListOutputs(req ipc.OutputRequest) ipc.OutputResponse {
	resp := ipc.OutputResponse{Outputs: []string{}}
	if req.IncludeModes {
		resp.OutputModes = map[string][]ipc.OutputMode{}
	}
	for _, out := range c.outputs {
		if req.SpecifiesOutput && out.Name() != req.TargetOutput {
			continue
		}
		resp.Outputs = append(resp.Outputs, out.Name())
		if req.IncludeModes {
			modes := []ipc.OutputMode{}
			for _, m := range out.Modes() {
				modes = append(modes, ipcMode(m))
			}
			resp.OutputModes[out.Name()] = modes
		}
	}
	resp.OutputsFound = len(resp.Outputs)
	return resp
}

// InspectOutput describes the named output
func (c *Compositor) InspectOutput(name string) (ipc.OutputInfo, error) {
	out, ok := c.OutputByName(name)
	if !ok {
		return ipc.OutputInfo{}, fmt.Errorf("%w: %s", ErrUnknownOutput, name)
	}
	stats := out.Stats()
	info := ipc.OutputInfo{
		Name:      out.Name(),
		Index:     out.Index(),
		X:         out.Position().X,
		Y:         out.Position().Y,
		Mode:      ipcMode(out.Mode()),
		Scale:     out.Scale(),
		Transform: out.Transform().String(),
		Enabled:   out.Enabled(),
		Failed:    out.Failed(),
		Frames: ipc.FrameStats{
			Presented:           stats.Presented,
			Dropped:             stats.Dropped,
			ConsecutiveFailures: stats.ConsecutiveFailures,
		},
	}
	if err := out.Failure(); err != nil {
		info.Failure = err.Error()
	}
	return info, nil
}

// InspectLoop describes the render loop of the named output
func (c *Compositor) InspectLoop(name string) (ipc.LoopInfo, error) {
	out, ok := c.OutputByName(name)
	if !ok {
		return ipc.LoopInfo{}, fmt.Errorf("%w: %s", ErrUnknownOutput, name)
	}
	loop := out.RenderLoop()
	stats := loop.Stats()
	return ipc.LoopInfo{
		Output:           out.Name(),
		State:            loop.State().String(),
		RefreshRate:      loop.RefreshMHz(),
		VblankIntervalNs: loop.VblankInterval().Nanoseconds(),
		LastPresentNs:    loop.LastPresentation().Nanoseconds(),
		RepaintPending:   loop.RepaintPending(),
		Inhibited:        loop.Inhibited(),
		Requested:        stats.Requested,
		Completed:        stats.Completed,
		Failed:           stats.Failed,
	}, nil
}

// InspectSwapchains describes the swapchain of every layer of the named output
func (c *Compositor) InspectSwapchains(name string) ([]ipc.SwapchainInfo, error) {
	out, ok := c.OutputByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOutput, name)
	}
	infos := []ipc.SwapchainInfo{}
	for _, layer := range out.Layers() {
		chain := layer.Swapchain()
		info := ipc.SwapchainInfo{
			Output:    out.Name(),
			Layer:     layer.Role().String(),
			Width:     chain.Size().X,
			Height:    chain.Size().Y,
			Format:    chain.Format().String(),
			MaxSlots:  chain.MaxSlots(),
			Busy:      chain.Busy(),
			BufferAge: chain.SupportsBufferAge(),
			Slots:     []ipc.SlotInfo{},
		}
		if j := layer.Journal(); j != nil {
			info.JournalLen = j.Len()
		}
		for _, slot := range chain.Slots() {
			info.Slots = append(info.Slots, ipc.SlotInfo{
				ID:    slot.ID(),
				Age:   slot.Age(),
				State: slot.State().String(),
			})
		}
		infos = append(infos, info)
	}
	return infos, nil
}
