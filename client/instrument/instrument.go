// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument provides the counters exported by the reliability and
// reply subsystems.  Counters are registered against an injected
// prometheus.Registerer so that tests can use a private registry.
package instrument

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "replyarq"

// Counters is the set of counters shared by the client tasks.  A nil
// *Counters is valid and records nothing.
type Counters struct {
	reg prometheus.Registerer

	timersStarted          prometheus.Counter
	retransmissionsFired   prometheus.Counter
	retransmissionsDropped prometheus.Counter
	acksReceived           prometheus.Counter
	acksMalformed          prometheus.Counter
	surbRequests           prometheus.Counter
	surbsReceived          prometheus.Counter
	pendingRepliesDropped  prometheus.Counter
	flushFailures          prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) (*Counters, error) {
	c := &Counters{
		reg:                    reg,
		timersStarted:          newCounter("retransmission_timers_started_total", "Number of real packets for which a retransmission timer was started"),
		retransmissionsFired:   newCounter("retransmissions_fired_total", "Number of retransmission instructions emitted"),
		retransmissionsDropped: newCounter("retransmissions_abandoned_total", "Number of fragments abandoned after too many retransmissions"),
		acksReceived:           newCounter("acknowledgements_received_total", "Number of acknowledgements received"),
		acksMalformed:          newCounter("acknowledgements_malformed_total", "Number of undecodable acknowledgements"),
		surbRequests:           newCounter("reply_surb_requests_total", "Number of requests for additional reply SURBs sent"),
		surbsReceived:          newCounter("reply_surbs_received_total", "Number of reply SURBs received from remote peers"),
		pendingRepliesDropped:  newCounter("pending_reply_fragments_dropped_total", "Number of buffered reply fragments dropped for lack of SURBs"),
		flushFailures:          newCounter("storage_flush_failures_total", "Number of failed reply storage flushes"),
	}
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			c.unregister()
			return nil, err
		}
	}
	return c, nil
}

func (c *Counters) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.timersStarted,
		c.retransmissionsFired,
		c.retransmissionsDropped,
		c.acksReceived,
		c.acksMalformed,
		c.surbRequests,
		c.surbsReceived,
		c.pendingRepliesDropped,
		c.flushFailures,
	}
}

func (c *Counters) unregister() bool {
	ok := true
	for _, col := range c.collectors() {
		ok = c.reg.Unregister(col) && ok
	}
	return ok
}

// Unregister removes every counter from the registerer they were created
// against, after which New may be called again with the same registerer.
func (c *Counters) Unregister() error {
	if c == nil {
		return nil
	}
	if !c.unregister() {
		return errors.New("instrument: not every counter was registered")
	}
	return nil
}

// TimerStarted counts a retransmission timer started for a real packet.
func (c *Counters) TimerStarted() {
	if c != nil {
		c.timersStarted.Inc()
	}
}

// RetransmissionFired counts a retransmission instruction.
func (c *Counters) RetransmissionFired() {
	if c != nil {
		c.retransmissionsFired.Inc()
	}
}

// RetransmissionAbandoned counts a fragment given up on.
func (c *Counters) RetransmissionAbandoned() {
	if c != nil {
		c.retransmissionsDropped.Inc()
	}
}

// AckReceived counts a valid acknowledgement.
func (c *Counters) AckReceived() {
	if c != nil {
		c.acksReceived.Inc()
	}
}

// AckMalformed counts an acknowledgement that failed to decode.
func (c *Counters) AckMalformed() {
	if c != nil {
		c.acksMalformed.Inc()
	}
}

// SurbRequestSent counts a request for more reply SURBs.
func (c *Counters) SurbRequestSent() {
	if c != nil {
		c.surbRequests.Inc()
	}
}

// SurbsReceived counts n reply SURBs received from a peer.
func (c *Counters) SurbsReceived(n int) {
	if c != nil {
		c.surbsReceived.Add(float64(n))
	}
}

// PendingRepliesDropped counts n buffered reply fragments dropped.
func (c *Counters) PendingRepliesDropped(n int) {
	if c != nil {
		c.pendingRepliesDropped.Add(float64(n))
	}
}

// FlushFailed counts a failed storage flush.
func (c *Counters) FlushFailed() {
	if c != nil {
		c.flushFailures.Inc()
	}
}
