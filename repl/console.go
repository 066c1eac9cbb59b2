// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package repl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mstarongithub/vblank/common/ipc"
	"github.com/mstarongithub/vblank/compositor"
	"github.com/mstarongithub/vblank/output"
	"github.com/mstarongithub/vblank/util"
	"github.com/sirupsen/logrus"
)

const DefaultCommandTimeout = 5 * time.Second

const helpText = `Commands:
	outputs [name]                  List outputs and their modes
	inspect output|loop|swapchain <name>
	repaint [name]                  Request a frame, on all outputs if no name is given
	enable <name> / disable <name>
	transform <name> <transform>    normal, 90, 180, 270, flipped, flipped-90, ...
	run <command> [args...]         Start a program
	quit`

// Console answers repl commands about a running compositor.
// Commands touching the compositor are posted to its event loop and waited for.
type Console struct {
	comp    *compositor.Compositor
	onQuit  func()
	Timeout time.Duration
}

func NewConsole(comp *compositor.Compositor, onQuit func()) *Console {
	return &Console{
		comp:    comp,
		onQuit:  onQuit,
		Timeout: DefaultCommandTimeout,
	}
}

type loopResult struct {
	value any
	err   error
}

// onLoop runs fn on the event loop and renders what it returns as json
func (c *Console) onLoop(fn func() (any, error)) string {
	done := make(chan loopResult, 1)
	err := c.comp.Loop().Post(func() {
		v, err := fn()
		done <- loopResult{v, err}
	})
	if err != nil {
		return "error: " + err.Error()
	}
	var res loopResult
	select {
	case res = <-done:
	case <-time.After(c.Timeout):
		return "error: event loop did not answer in time"
	}
	if res.err != nil {
		return "error: " + res.err.Error()
	}
	if s, ok := res.value.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(res.value, "", "  ")
	if err != nil {
		return "error: " + err.Error()
	}
	return string(data)
}

func (c *Console) withOutput(name string, fn func(*output.Output) (any, error)) func() (any, error) {
	return func() (any, error) {
		out, ok := c.comp.OutputByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", compositor.ErrUnknownOutput, name)
		}
		return fn(out)
	}
}

// Handle is a MessageHandler
func (c *Console) Handle(input string, r *Repl) (string, error) {
	var cmd, target, arg string
	util.Unpack(strings.Fields(input), &cmd, &target, &arg)
	logrus.WithFields(logrus.Fields{
		"cmd":    cmd,
		"target": target,
		"arg":    arg,
	}).Debugln("Parsed console command")

	switch cmd {
	case "help":
		return helpText, nil
	case "quit":
		if c.onQuit != nil {
			c.onQuit()
		}
		return "Quitting", ErrQuit
	case "outputs":
		return c.onLoop(func() (any, error) {
			return c.comp.ListOutputs(ipc.OutputRequest{
				IncludeModes:    true,
				SpecifiesOutput: target != "",
				TargetOutput:    target,
			}), nil
		}), nil
	case "inspect":
		if arg == "" {
			return "Usage: inspect output|loop|swapchain <name>", nil
		}
		switch target {
		case "output":
			return c.onLoop(func() (any, error) { return c.comp.InspectOutput(arg) }), nil
		case "loop":
			return c.onLoop(func() (any, error) { return c.comp.InspectLoop(arg) }), nil
		case "swapchain":
			return c.onLoop(func() (any, error) { return c.comp.InspectSwapchains(arg) }), nil
		default:
			return fmt.Sprintf("Can't inspect %q", target), nil
		}
	case "repaint":
		return c.onLoop(func() (any, error) {
			if target == "" {
				c.comp.ScheduleRepaintAll()
				return "Repaint scheduled on all outputs", nil
			}
			if err := c.comp.ScheduleRepaint(target); err != nil {
				return nil, err
			}
			return "Repaint scheduled on " + target, nil
		}), nil
	case "enable", "disable":
		if target == "" {
			return "Usage: " + cmd + " <name>", nil
		}
		return c.onLoop(c.withOutput(target, func(out *output.Output) (any, error) {
			if out.Failed() {
				return nil, errors.New("output failed and can't be enabled again")
			}
			out.SetEnabled(cmd == "enable")
			return fmt.Sprintf("%s %sd", out.Name(), cmd), nil
		})), nil
	case "transform":
		t, err := output.ParseTransform(arg)
		if target == "" || err != nil {
			return "Usage: transform <name> <transform>", nil
		}
		return c.onLoop(c.withOutput(target, func(out *output.Output) (any, error) {
			out.SetTransform(t)
			return fmt.Sprintf("%s transform set to %s", out.Name(), t), nil
		})), nil
	case "run":
		return c.run(strings.TrimSpace(strings.TrimPrefix(input, "run")), r), nil
	default:
		return "Unknown command, try help", nil
	}
}

func (c *Console) run(cmdString string, r *Repl) string {
	parts := strings.Fields(cmdString)
	if len(parts) == 0 {
		return "Usage: run <command> [args...]"
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdout = r.Output
	cmd.Stderr = r.Output
	if err := cmd.Start(); err != nil {
		logrus.WithError(err).WithField("command", cmdString).Errorln("Command failed to start")
		return "error: " + err.Error()
	}
	go func() {
		err := cmd.Wait()
		var exiterr *exec.ExitError
		if errors.As(err, &exiterr) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"exit-code": exiterr.ExitCode(),
				"command":   cmdString,
			}).Warningln("Bad command completion")
		}
	}()
	return "Running " + parts[0]
}
