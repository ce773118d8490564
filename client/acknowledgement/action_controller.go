// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package acknowledgement

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyarq/client/instrument"
	"github.com/katzenpost/replyarq/core/delayqueue"
	"github.com/katzenpost/replyarq/core/fragment"
	"github.com/katzenpost/replyarq/core/log"
	"github.com/katzenpost/replyarq/core/monotime"
	"github.com/katzenpost/replyarq/core/retry"
	"github.com/katzenpost/replyarq/core/worker"
)

// ControllerConfig is the ActionController configuration.
type ControllerConfig struct {
	// Policy yields the retransmission timeout of each attempt.
	Policy retry.Policy

	// MaxRetransmissions is the number of retransmissions after which a
	// fragment is abandoned.  Zero never abandons.
	MaxRetransmissions int

	// Clock drives the timers.  Nil selects the runtime clock.
	Clock monotime.Clock
}

// ActionController owns the retransmission timers.  All of its state is
// private to its worker go routine.
type ActionController struct {
	worker.Worker

	log      *logging.Logger
	counters *instrument.Counters

	actions    *ActionChannel
	sink       RetransmissionSink
	fatalErrCh chan<- error

	policy             retry.Policy
	maxRetransmissions int

	queue    *delayqueue.DelayQueue[fragment.Identifier]
	pending  map[fragment.Identifier]delayqueue.Key
	attempts map[fragment.Identifier]int
	live     atomic.Int64

	// Acknowledged ids, kept for one timeout so that a sent notification
	// racing behind its own acknowledgement does not arm a timer.
	acked     *delayqueue.DelayQueue[fragment.Identifier]
	ackedKeys map[fragment.Identifier]delayqueue.Key
}

// NewActionController creates an ActionController reading from actions and
// retransmitting to sink.  Failures that leave the controller unable to
// operate are reported on fatalErrCh.
func NewActionController(logBackend *log.Backend, cfg *ControllerConfig, actions *ActionChannel, sink RetransmissionSink, counters *instrument.Counters, fatalErrCh chan<- error) *ActionController {
	clock := cfg.Clock
	if clock == nil {
		clock = monotime.Runtime{}
	}
	return &ActionController{
		log:                logBackend.GetLogger("ack_controller"),
		counters:           counters,
		actions:            actions,
		sink:               sink,
		fatalErrCh:         fatalErrCh,
		policy:             cfg.Policy,
		maxRetransmissions: cfg.MaxRetransmissions,
		queue:              delayqueue.New[fragment.Identifier](clock),
		pending:            make(map[fragment.Identifier]delayqueue.Key),
		attempts:           make(map[fragment.Identifier]int),
		acked:              delayqueue.New[fragment.Identifier](clock),
		ackedKeys:          make(map[fragment.Identifier]delayqueue.Key),
	}
}

// Len returns the number of live retransmission timers.  It is safe to call
// from any go routine.
func (c *ActionController) Len() int {
	return int(c.live.Load())
}

// Start starts the controller's worker.
func (c *ActionController) Start() {
	c.Go(c.worker)
}

func (c *ActionController) worker() {
	actionCh := c.actions.Out()
	for {
		select {
		case <-c.HaltCh():
			c.drain()
			return
		case v, ok := <-actionCh:
			if !ok {
				c.log.Debug("Action channel closed, no longer accepting actions")
				actionCh = nil
				continue
			}
			c.handleMessage(v)
		case <-c.queue.Ready():
			c.handleExpired()
		case <-c.acked.Ready():
			c.forgetAcknowledged()
		}
	}
}

func (c *ActionController) handleMessage(v interface{}) {
	a, ok := v.(Action)
	if !ok {
		c.log.Errorf("BUG: protocol violation, unexpected value on the action channel: %T", v)
		return
	}
	c.handleAction(a)
}

func (c *ActionController) handleAction(a Action) {
	defer c.live.Store(int64(len(c.pending)))
	switch a.kind {
	case startTimer:
		c.startTimer(a.id)
	case removeTimer:
		c.removeTimer(a.id)
	default:
		c.log.Errorf("BUG: protocol violation, invalid action: %v", a)
	}
}

func (c *ActionController) startTimer(id fragment.Identifier) {
	if _, ok := c.ackedKeys[id]; ok {
		c.log.Debugf("Not starting a timer for %v, already acknowledged", id)
		return
	}
	if key, ok := c.pending[id]; ok {
		c.log.Debugf("Replacing live timer for %v", id)
		_, _ = c.queue.Remove(key)
	}
	timeout := c.policy.Next(c.attempts[id])
	c.pending[id] = c.queue.Insert(id, timeout)
	c.log.Debugf("Started timer for %v, expires in %v", id, timeout)
}

func (c *ActionController) removeTimer(id fragment.Identifier) {
	delete(c.attempts, id)
	if key, ok := c.ackedKeys[id]; ok {
		_, _ = c.acked.Remove(key)
	}
	c.ackedKeys[id] = c.acked.Insert(id, c.policy.Next(0))

	key, ok := c.pending[id]
	if !ok {
		// The acknowledgement either beat the sent notification or arrived
		// after the timer fired.
		c.log.Debugf("No timer to remove for %v", id)
		return
	}
	delete(c.pending, id)
	if _, err := c.queue.Remove(key); err != nil {
		c.log.Errorf("BUG: timer index out of sync for %v: %v", id, err)
	}
}

func (c *ActionController) handleExpired() {
	defer c.live.Store(int64(len(c.pending)))
	for _, e := range c.queue.Expired() {
		id := e.Item
		delete(c.pending, id)

		attempt := c.attempts[id]
		if c.maxRetransmissions > 0 && attempt >= c.maxRetransmissions {
			c.log.Warningf("Abandoning %v after %d retransmissions", id, attempt)
			delete(c.attempts, id)
			c.counters.RetransmissionAbandoned()
			continue
		}
		c.attempts[id] = attempt + 1

		c.log.Debugf("Timer for %v expired, retransmitting (attempt %d)", id, attempt+1)
		if err := c.sink.Retransmit(id); err != nil {
			c.onSinkError(id, err)
			continue
		}
		c.counters.RetransmissionFired()
	}
}

func (c *ActionController) forgetAcknowledged() {
	for _, e := range c.acked.Expired() {
		delete(c.ackedKeys, e.Item)
	}
}

func (c *ActionController) onSinkError(id fragment.Identifier, err error) {
	if errors.Is(err, ErrHalted) || c.IsHalted() {
		c.log.Debugf("Dropping retransmission of %v during shutdown: %v", id, err)
		return
	}
	err = fmt.Errorf("acknowledgement: failed to retransmit %v: %w", id, err)
	c.log.Error(err.Error())
	select {
	case c.fatalErrCh <- err:
	case <-c.HaltCh():
	}
}

func (c *ActionController) drain() {
	n := c.queue.Clear()
	if n != len(c.pending) {
		c.log.Errorf("BUG: drained %d timers but indexed %d", n, len(c.pending))
	}
	clear(c.pending)
	clear(c.attempts)
	c.acked.Clear()
	clear(c.ackedKeys)
	c.live.Store(0)
	c.log.Debugf("Halted, dropped %d outstanding timers", n)
}
