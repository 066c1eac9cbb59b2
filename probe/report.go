// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package probe

import (
	"fmt"
	"io"

	"github.com/mstarongithub/vblank/common/ipc"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
)

type Mode struct {
	Width      int
	Height     int
	RefreshMHz int
	Preferred  bool
	// wlroots picture aspect ratio enum, 0 if unknown
	AspectRatio int
}

type Output struct {
	Name  string
	Modes []Mode
}

func (m Mode) IPC() ipc.OutputMode {
	return ipc.OutputMode{
		Width:       m.Width,
		Height:      m.Height,
		RefreshRate: m.RefreshMHz,
		Preferred:   m.Preferred,
	}
}

// Response answers req from a list of probed outputs
func Response(outputs []Output, req ipc.OutputRequest) ipc.OutputResponse {
	if req.SpecifiesOutput {
		outputs = sliceutils.Filter(outputs, func(o Output) bool {
			return o.Name == req.TargetOutput
		})
	}
	resp := ipc.OutputResponse{Outputs: []string{}}
	if req.IncludeModes {
		resp.OutputModes = map[string][]ipc.OutputMode{}
	}
	for _, o := range outputs {
		resp.Outputs = append(resp.Outputs, o.Name)
		if req.IncludeModes {
			modes := []ipc.OutputMode{}
			for _, m := range o.Modes {
				modes = append(modes, m.IPC())
			}
			resp.OutputModes[o.Name] = modes
		}
	}
	resp.OutputsFound = len(resp.Outputs)
	return resp
}

// PrintOutputs lists output names
func PrintOutputs(w io.Writer, outputs []Output) {
	for i, o := range outputs {
		fmt.Fprintf(w, "Output %v: %s\n", i, o.Name)
	}
}

// PrintModes lists the modes of the named output
func PrintModes(w io.Writer, outputs []Output, name string) error {
	filtered := sliceutils.Filter(outputs, func(o Output) bool {
		return o.Name == name
	})
	if len(filtered) == 0 {
		return fmt.Errorf("output %s not found", name)
	}
	fmt.Fprintf(w, "Modes for output %s:\n", name)
	for _, m := range filtered[0].Modes {
		line := fmt.Sprintf("\t- %dx%d@%d.%03d (Ratio: %d)", m.Width, m.Height, m.RefreshMHz/1000, m.RefreshMHz%1000, m.AspectRatio)
		if m.Preferred {
			line += " (preferred)"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
