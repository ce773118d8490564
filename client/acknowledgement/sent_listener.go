// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package acknowledgement

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyarq/client/instrument"
	"github.com/katzenpost/replyarq/core/fragment"
	"github.com/katzenpost/replyarq/core/log"
	"github.com/katzenpost/replyarq/core/worker"
)

// SentNotificationListener starts a retransmission timer for every real
// fragment the outbound scheduler puts on the wire.
type SentNotificationListener struct {
	worker.Worker

	log      *logging.Logger
	counters *instrument.Counters

	notifications <-chan fragment.Identifier
	actions       *ActionChannel
}

// NewSentNotificationListener creates a listener consuming notifications.
func NewSentNotificationListener(logBackend *log.Backend, notifications <-chan fragment.Identifier, actions *ActionChannel, counters *instrument.Counters) *SentNotificationListener {
	return &SentNotificationListener{
		log:           logBackend.GetLogger("sent_listener"),
		counters:      counters,
		notifications: notifications,
		actions:       actions,
	}
}

// Start starts the listener's worker.
func (l *SentNotificationListener) Start() {
	l.Go(l.worker)
}

func (l *SentNotificationListener) worker() {
	for {
		select {
		case <-l.HaltCh():
			return
		case id, ok := <-l.notifications:
			if !ok {
				l.log.Debug("Notification source closed")
				return
			}
			l.onSent(id)
		}
	}
}

func (l *SentNotificationListener) onSent(id fragment.Identifier) {
	switch {
	case id.IsCover():
		return
	case id.IsReply():
		// The sender of a reply has no path to redeliver it on.
		return
	}
	if err := l.actions.Send(NewStartTimer(id)); err != nil {
		l.log.Debugf("Not starting timer for %v: %v", id, err)
		return
	}
	l.counters.TimerStarted()
}
