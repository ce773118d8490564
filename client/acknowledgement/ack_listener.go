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

// AcknowledgementListener cancels the retransmission timer of every fragment
// confirmed by an inbound acknowledgement.  Acknowledgements arrive in
// batches of decrypted plaintexts, each an encoded fragment.Identifier.
type AcknowledgementListener struct {
	worker.Worker

	log      *logging.Logger
	counters *instrument.Counters

	acks    <-chan [][]byte
	actions *ActionChannel
}

// NewAcknowledgementListener creates a listener consuming acks.
func NewAcknowledgementListener(logBackend *log.Backend, acks <-chan [][]byte, actions *ActionChannel, counters *instrument.Counters) *AcknowledgementListener {
	return &AcknowledgementListener{
		log:      logBackend.GetLogger("ack_listener"),
		counters: counters,
		acks:     acks,
		actions:  actions,
	}
}

// Start starts the listener's worker.
func (l *AcknowledgementListener) Start() {
	l.Go(l.worker)
}

func (l *AcknowledgementListener) worker() {
	for {
		select {
		case <-l.HaltCh():
			return
		case batch, ok := <-l.acks:
			if !ok {
				l.log.Debug("Acknowledgement source closed")
				return
			}
			l.onAcks(batch)
		}
	}
}

func (l *AcknowledgementListener) onAcks(batch [][]byte) {
	for _, b := range batch {
		id, err := fragment.FromBytes(b)
		if err != nil {
			l.log.Warningf("Discarding malformed acknowledgement: %v", err)
			l.counters.AckMalformed()
			continue
		}
		if id.IsCover() {
			continue
		}
		if err := l.actions.Send(NewRemoveTimer(id)); err != nil {
			l.log.Debugf("Not removing timer for %v: %v", id, err)
			return
		}
		l.counters.AckReceived()
	}
}
