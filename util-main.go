// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mstarongithub/vblank/common/ipc"
	"github.com/mstarongithub/vblank/config"
	"github.com/mstarongithub/vblank/probe"
	"github.com/sirupsen/logrus"
	"github.com/swaywm/go-wlroots/wlroots"
)

var (
	utilAction *string = flag.String(
		"action",
		"",
		"The action to perform. Can be one of:"+
			"\n\t- none: Do nothing"+
			"\n\t- outputs: List available outputs"+
			"\n\t- modes <output>: List available modes for an output"+
			"\n\t- json: Print outputs and their modes as json",
	)
	outputSelection *string = flag.String(
		"output",
		"",
		"Output to perform the action on. Required for some actions",
	)
)

func utilMain(_ *config.Config) {
	if *help {
		utilHelpMessage()
		return
	}

	verbosity := wlroots.LogImportanceError
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		verbosity = wlroots.LogImportanceDebug
	}
	probe.BridgeLogs(verbosity)

	if *utilAction == "none" {
		return
	}

	outputs, err := probe.Outputs()
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to probe outputs")
	}

	switch *utilAction {
	case "", "outputs":
		probe.PrintOutputs(os.Stdout, outputs)
	case "modes":
		if *outputSelection == "" {
			fmt.Println("Output has to be specified")
			return
		}
		if err := probe.PrintModes(os.Stdout, outputs, *outputSelection); err != nil {
			fmt.Println(err)
		}
	case "json":
		response := probe.Response(outputs, ipc.OutputRequest{
			IncludeModes:    true,
			SpecifiesOutput: *outputSelection != "",
			TargetOutput:    *outputSelection,
		})
		data, err := json.MarshalIndent(response, "", "  ")
		if err != nil {
			logrus.WithError(err).Fatalln("Failed to encode outputs")
		}
		fmt.Println(string(data))
	default:
		fmt.Printf("Unknown action %s\n", *utilAction)
		utilHelpMessage()
	}
}

func utilHelpMessage() {
	fmt.Println("---- Help message for vblank in tool mode ----")
	fmt.Println("\nIn tool mode, vblank offers tools for figuring out which outputs and modes a machine has")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is $XDG_CONFIG_HOME/" + config.SearchPath)
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-debug: Log at debug level")
	fmt.Println("\t-help: Show this help message (or the one for compositor mode if -tool is not set)")
	fmt.Println("\nTool flags:")
	fmt.Println("\t-action: The action to perform. Can be one of:")
	fmt.Println("\t\t- (default) outputs: List available outputs")
	fmt.Println("\t\t- modes: List available modes for an output. Use with -output")
	fmt.Println("\t\t- json: Print outputs with their modes as json. -output narrows it to one")
	fmt.Println("\t\t- none: Do nothing")
	fmt.Println("\t-output: Output to perform the action on. Required for -action modes")
}
