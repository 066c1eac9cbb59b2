// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package probe asks wlroots which outputs the machine has, for tool mode
package probe

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/swaywm/go-wlroots/wlroots"
)

// BridgeLogs routes wlroots log messages into logrus
func BridgeLogs(verbosity wlroots.LogImportance) {
	wlroots.OnLog(verbosity, func(importance wlroots.LogImportance, msg string) {
		switch importance {
		case wlroots.LogImportanceDebug:
			logrus.Debugln(msg)
		case wlroots.LogImportanceInfo:
			logrus.Infoln(msg)
		case wlroots.LogImportanceError:
			logrus.Errorln(msg)
		case wlroots.LogImportanceSilent:
			return
		}
	})
}

// Outputs starts a wlroots backend just long enough to see which outputs it brings up.
// wlroots picks the backend from the environment, so nested sessions report their windows.
func Outputs() ([]Output, error) {
	display := wlroots.NewDisplay()
	defer display.Destroy()

	backend, err := display.BackendAutocreate()
	if err != nil {
		return nil, fmt.Errorf("creating wlroots backend: %w", err)
	}
	defer backend.Destroy()

	outputs := []Output{}
	backend.OnNewOutput(func(output wlroots.Output) {
		logrus.WithField("name", output.Name()).Debugln("Probed output")
		outputs = append(outputs, fromWlroots(output))
	})
	// Starting enumerates the outputs
	if err = backend.Start(); err != nil {
		return nil, fmt.Errorf("starting wlroots backend: %w", err)
	}
	return outputs, nil
}

func fromWlroots(output wlroots.Output) Output {
	out := Output{Name: output.Name()}
	for _, mode := range output.Modes() {
		out.Modes = append(out.Modes, Mode{
			Width:       int(mode.Width()),
			Height:      int(mode.Height()),
			RefreshMHz:  int(mode.Refresh()),
			Preferred:   mode.Preferred(),
			AspectRatio: int(mode.PictureAspectRatio()),
		})
	}
	return out
}
