// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"flag"

	"github.com/mstarongithub/vblank/config"
	"github.com/sirupsen/logrus"
)

var (
	configPath *string = flag.String(
		"config",
		"",
		"Path to the config file. Searched for in the xdg config dirs if empty",
	)
	toolMode *bool = flag.Bool(
		"tool",
		false,
		"Start as a tool instead of a compositor",
	)
	help *bool = flag.Bool(
		"help",
		false,
		"Show the help message",
	)
	debug *bool = flag.Bool(
		"debug",
		false,
		"Log at debug level, overrides the config",
	)
	backendSelection *string = flag.String(
		"backend",
		"",
		"Backend to present on: auto, drm, x11, wayland or virtual. Overrides the config",
	)
)

func main() {
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to load config")
	}
	logrus.SetLevel(conf.Level())
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *backendSelection != "" {
		conf.Backend = *backendSelection
	}

	if *toolMode {
		utilMain(&conf)
	} else {
		compositorMain(&conf)
	}
}
