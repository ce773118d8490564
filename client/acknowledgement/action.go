// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package acknowledgement implements fragment retransmission: timers are
// started when a real fragment is sent, cancelled when its acknowledgement
// arrives, and turned into retransmission instructions when they expire.
package acknowledgement

import (
	"errors"
	"fmt"
	"sync"

	"gopkg.in/eapache/channels.v1"

	"github.com/katzenpost/replyarq/core/fragment"
)

// ErrHalted is returned when sending on a channel that was closed as part
// of shutdown.
var ErrHalted = errors.New("acknowledgement: halted")

type actionKind uint8

const (
	startTimer actionKind = iota + 1
	removeTimer
)

// Action is a command for the ActionController.  The only possible values
// are those returned by NewStartTimer and NewRemoveTimer.
type Action struct {
	kind actionKind
	id   fragment.Identifier
}

// NewStartTimer returns the Action starting the retransmission timer of id.
func NewStartTimer(id fragment.Identifier) Action {
	return Action{kind: startTimer, id: id}
}

// NewRemoveTimer returns the Action cancelling the retransmission timer of
// id.
func NewRemoveTimer(id fragment.Identifier) Action {
	return Action{kind: removeTimer, id: id}
}

// ID returns the fragment the Action applies to.
func (a Action) ID() fragment.Identifier {
	return a.id
}

// IsStartTimer returns true iff a starts a timer.
func (a Action) IsStartTimer() bool {
	return a.kind == startTimer
}

// IsRemoveTimer returns true iff a cancels a timer.
func (a Action) IsRemoveTimer() bool {
	return a.kind == removeTimer
}

func (a Action) String() string {
	switch a.kind {
	case startTimer:
		return fmt.Sprintf("StartTimer(%v)", a.id)
	case removeTimer:
		return fmt.Sprintf("RemoveTimer(%v)", a.id)
	default:
		return fmt.Sprintf("Action(%d, %v)", a.kind, a.id)
	}
}

// unbounded is an InfiniteChannel that reports ErrHalted instead of
// panicking when sent on after Close.
type unbounded struct {
	sync.RWMutex

	ch     *channels.InfiniteChannel
	closed bool
}

func newUnbounded() *unbounded {
	return &unbounded{ch: channels.NewInfiniteChannel()}
}

func (u *unbounded) send(v interface{}) error {
	u.RLock()
	defer u.RUnlock()
	if u.closed {
		return ErrHalted
	}
	u.ch.In() <- v
	return nil
}

func (u *unbounded) out() <-chan interface{} {
	return u.ch.Out()
}

func (u *unbounded) len() int {
	return u.ch.Len()
}

func (u *unbounded) close() {
	u.Lock()
	defer u.Unlock()
	if !u.closed {
		u.closed = true
		u.ch.Close()
	}
}

// ActionChannel carries Actions to the ActionController.  Sends never
// block, so the acknowledgement path can not stall packet reception.
type ActionChannel struct {
	u *unbounded
}

// NewActionChannel returns a new ActionChannel.
func NewActionChannel() *ActionChannel {
	return &ActionChannel{u: newUnbounded()}
}

// Send enqueues a.  It returns ErrHalted once the channel is closed.
func (c *ActionChannel) Send(a Action) error {
	return c.u.send(a)
}

// Out returns the receive side of the channel.  Values are Actions.
func (c *ActionChannel) Out() <-chan interface{} {
	return c.u.out()
}

// Len returns the number of Actions buffered in the channel.
func (c *ActionChannel) Len() int {
	return c.u.len()
}

// Close closes the channel.  Subsequent Sends fail with ErrHalted.
func (c *ActionChannel) Close() {
	c.u.close()
}
