// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mstarongithub/vblank/compositor"
	"github.com/mstarongithub/vblank/config"
	"github.com/mstarongithub/vblank/eventloop"
	"github.com/mstarongithub/vblank/repl"
	"github.com/mstarongithub/vblank/scene"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func compositorMain(conf *config.Config) {
	if *help {
		compositorHelpMessage()
		return
	}

	b, kind, err := newBackend(conf)
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to set up backend")
	}
	logrus.WithField("backend", kind).Infoln("Backend selected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	loop := eventloop.New()
	comp := compositor.New(b, scene.NewDemo(), loop, compositor.Options{
		MaxPresentFailures: conf.MaxPresentFailures,
	})
	events, err := comp.Subscribe("main")
	if err != nil {
		logrus.WithError(err).Fatalln("Failed to subscribe to compositor events")
	}
	go logEvents(events)

	// Nothing else runs on the loop yet, so starting here is the same as starting on it
	if err := comp.Start(ctx); err != nil {
		comp.Close()
		logrus.WithError(err).Fatalln("Failed to start compositor")
	}

	group.Go(func() error {
		return loop.Run(ctx)
	})

	console := repl.NewConsole(comp, stop)
	switch conf.StartType {
	case config.START_REPL:
		group.Go(func() error {
			return runRepl(ctx, console)
		})
	case config.START_SINGLE_COMMAND:
		if conf.StartCommand != nil {
			cmd := *conf.StartCommand
			group.Go(func() error {
				answer, err := console.Handle(cmd, repl.NewRepl(nil, nil))
				fmt.Println(answer)
				if err != nil && !errors.Is(err, repl.ErrQuit) {
					return fmt.Errorf("start command %q: %w", cmd, err)
				}
				return nil
			})
		}
	case config.START_NONE:
	}

	err = group.Wait()
	// The loop is done, closing from here can't race with it
	if closeErr := comp.Close(); closeErr != nil {
		logrus.WithError(closeErr).Errorln("Failed to close compositor cleanly")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithError(err).Fatalln("Compositor stopped with an error")
	}
	logrus.Infoln("Stopped")
}

// runRepl runs the console until it quits or ctx is done.
// Reading stdin can't be interrupted, so on cancellation the reader is left behind for the exiting process.
func runRepl(ctx context.Context, console *repl.Console) error {
	commandRepl := repl.NewRepl(nil, nil)
	commandRepl.Prompt = "vblank> "
	logrus.Debugln("Starting repl")
	done := make(chan error, 1)
	go func() {
		done <- commandRepl.Run(console.Handle)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("repl: %w", err)
		}
		return nil
	case <-ctx.Done():
		commandRepl.Close()
		return nil
	}
}

func logEvents(events <-chan compositor.Event) {
	for ev := range events {
		entry := logrus.WithFields(logrus.Fields{
			"event":  ev.Kind,
			"output": ev.Output,
		})
		if ev.Err != nil {
			entry.WithError(ev.Err).Warningln("Output failed")
		} else {
			entry.Infoln("Output event")
		}
	}
}

func compositorHelpMessage() {
	fmt.Println("---- Help message for vblank ----")
	fmt.Println("\nvblank drives outputs through a backend and repaints only what changed")
	fmt.Println("\nGeneral flags:")
	fmt.Println("\t-config: Path to the config file. Default is $XDG_CONFIG_HOME/" + config.SearchPath)
	fmt.Println("\t-tool: Start as a tool instead of a compositor")
	fmt.Println("\t-debug: Log at debug level")
	fmt.Println("\t-help: Show this help message (or the one for tool mode if -tool is set)")
	fmt.Println("\nCompositor flags:")
	fmt.Println("\t-backend: auto, drm, x11, wayland or virtual. Auto picks wayland inside a wayland session,")
	fmt.Println("\t\tx11 inside an X session, drm if the device exists and virtual otherwise")
	fmt.Println("\nEnvironment variables prefixed with " + config.EnvPrefix + "_ override the config file")
}
