// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrQuit is returned by handlers to end the repl without it being a failure
var ErrQuit = errors.New("quit")

type MessageHandler func(string, *Repl) (string, error)

// ReadCloser combines the Reader and Closer interfaces
type ReadCloser interface {
	io.Reader
	io.Closer
}

type Repl struct {
	Input  ReadCloser
	Output io.WriteCloser
	// Printed before every line of input if set
	Prompt  string
	scanner *bufio.Scanner
	writer  *bufio.Writer
}

// Creates a new repl
// If no input is given, stdin will be used
// If no output is given, stdout will be used
// Note: The given reader and writer will be closed if the repl is started and then stops
func NewRepl(in ReadCloser, out io.WriteCloser) *Repl {
	if in == nil {
		in = NewReaderGuard(os.Stdin)
	}
	if out == nil {
		out = NewWriterGuard(os.Stdout)
	}
	return &Repl{
		Input:   in,
		Output:  out,
		scanner: bufio.NewScanner(in),
		writer:  bufio.NewWriter(out),
	}
}

// Starts the repl
// Blocks execution until the repl closes
// All non empty input will be passed to the handler func
// If it receives an error from the message handler or during writing, it calls Close.
// A handler returning ErrQuit ends the repl with a nil error after writing its answer.
func (r *Repl) Run(onMessage MessageHandler) error {
	if err := r.prompt(); err != nil {
		r.Close()
		return err
	}
	for r.scanner.Scan() {
		newMessage := strings.TrimSpace(r.scanner.Text())
		if newMessage == "" {
			if err := r.prompt(); err != nil {
				r.Close()
				return err
			}
			continue
		}
		res, handlerErr := onMessage(newMessage, r)
		if handlerErr != nil && !errors.Is(handlerErr, ErrQuit) {
			r.Close()
			return fmt.Errorf("message handler errored out on message \"%s\": %w", newMessage, handlerErr)
		}
		if err := r.write(res); err != nil {
			r.Close()
			return err
		}
		if handlerErr != nil {
			r.Close()
			return nil
		}
		if err := r.prompt(); err != nil {
			r.Close()
			return err
		}
	}
	if err := r.scanner.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func (r *Repl) write(res string) error {
	if _, err := r.writer.WriteString(res + "\n"); err != nil {
		return fmt.Errorf("failed to write result \"%s\": %w", res, err)
	}
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

func (r *Repl) prompt() error {
	if r.Prompt == "" {
		return nil
	}
	if _, err := r.writer.WriteString(r.Prompt); err != nil {
		return fmt.Errorf("failed to write prompt: %w", err)
	}
	return r.writer.Flush()
}

// Close stops the repl if it was still running
// This will also close the reader and writer
func (r *Repl) Close() {
	r.Input.Close()
	r.Output.Close()
}
