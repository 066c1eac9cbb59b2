// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package multiplexer

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("multiplexer has been closed")

// A many to one multiplexer
// Yes, channels technically already are that, but there are a bunch of problems with using raw channels as multiplexer:
// If any of the senders tries to send to a closed channel, it explodes
// Thus, wrap it inside a struct that handles that case of a closed channel
type ManyToOne[T any] struct {
	outbound chan T
	done     chan struct{}
	lock     sync.RWMutex
	once     sync.Once
	closed   bool
}

// NewManyToOne creates a new ManyToOne multiplexer
// The given channel will be where all messages will be sent to
func NewManyToOne[T any](receiver chan T) *ManyToOne[T] {
	return &ManyToOne[T]{
		outbound: receiver,
		done:     make(chan struct{}),
	}
}

// Send a message to this many to one plexer
// Blocks while the receiver is full. If closed, the message won't get sent
func (m *ManyToOne[T]) Send(msg T) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.outbound <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Receiver returns the channel all messages end up in
func (m *ManyToOne[T]) Receiver() <-chan T {
	return m.outbound
}

// Closes the channel and marks the plexer as closed
// Senders blocked in Send return ErrClosed. Safe to call more than once
func (m *ManyToOne[T]) Close() {
	m.once.Do(func() {
		// Unblock pending senders first so they give up their read lock
		close(m.done)
		m.lock.Lock()
		m.closed = true
		close(m.outbound)
		m.lock.Unlock()
	})
}

func (m *ManyToOne[T]) Closed() bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.closed
}
