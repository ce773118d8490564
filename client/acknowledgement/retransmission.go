// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package acknowledgement

import (
	"github.com/katzenpost/replyarq/core/fragment"
)

// RetransmissionSink is the outbound packet pipeline.  It owns the fragment
// payloads and re-injects the fragment named by id.
type RetransmissionSink interface {
	Retransmit(id fragment.Identifier) error
}

// RetransmissionQueue is an unbounded RetransmissionSink drained by the
// packet construction layer.
type RetransmissionQueue struct {
	u *unbounded
}

// NewRetransmissionQueue returns a new RetransmissionQueue.
func NewRetransmissionQueue() *RetransmissionQueue {
	return &RetransmissionQueue{u: newUnbounded()}
}

// Retransmit implements RetransmissionSink.
func (q *RetransmissionQueue) Retransmit(id fragment.Identifier) error {
	return q.u.send(id)
}

// Out returns the receive side of the queue.  Values are
// fragment.Identifiers.
func (q *RetransmissionQueue) Out() <-chan interface{} {
	return q.u.out()
}

// Len returns the number of queued retransmissions.
func (q *RetransmissionQueue) Len() int {
	return q.u.len()
}

// Close closes the queue.  Subsequent Retransmit calls fail with ErrHalted.
func (q *RetransmissionQueue) Close() {
	q.u.close()
}
