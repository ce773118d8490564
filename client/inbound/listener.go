// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package inbound

import (
	"context"
	"errors"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyarq/client/replies"
	"github.com/katzenpost/replyarq/core/log"
	"github.com/katzenpost/replyarq/core/worker"
)

// ReplySubmitter accepts requests for the pending reply handler.
type ReplySubmitter interface {
	Submit(req replies.ReplyRequest) error
}

// InputMessageListener dispatches application messages to the packet
// layer, or to the pending reply handler for replies.
type InputMessageListener struct {
	worker.Worker

	log *logging.Logger

	input   <-chan InputMessage
	handler replies.MessageHandler
	storage *replies.CombinedReplyStorage
	replies ReplySubmitter
}

// NewInputMessageListener creates a listener consuming input.
func NewInputMessageListener(logBackend *log.Backend, input <-chan InputMessage, handler replies.MessageHandler, storage *replies.CombinedReplyStorage, submitter ReplySubmitter) *InputMessageListener {
	return &InputMessageListener{
		log:     logBackend.GetLogger("input_listener"),
		input:   input,
		handler: handler,
		storage: storage,
		replies: submitter,
	}
}

// Start starts the listener's worker.
func (l *InputMessageListener) Start() {
	l.Go(l.worker)
}

func (l *InputMessageListener) worker() {
	ctx, cancel := l.Context()
	defer cancel()

	for {
		select {
		case <-l.HaltCh():
			return
		case msg, ok := <-l.input:
			if !ok {
				l.log.Debug("Input channel closed")
				return
			}
			l.onMessage(ctx, msg)
		}
	}
}

func (l *InputMessageListener) onMessage(ctx context.Context, msg InputMessage) {
	switch m := msg.(type) {
	case *Regular:
		if err := l.handler.SendRegular(ctx, m.Recipient, m.Data, m.TransmitLane); err != nil {
			l.log.Errorf("Failed to send message to %v: %v", m.Recipient, err)
		}
	case *Anonymous:
		l.onAnonymous(ctx, m)
	case *Reply:
		err := l.replies.Submit(&replies.SendReply{Tag: m.Tag, Data: m.Data, Lane: m.TransmitLane})
		switch {
		case errors.Is(err, replies.ErrHalted):
			l.log.Debugf("Dropping reply to %v during shutdown", m.Tag)
		case err != nil:
			l.log.Errorf("Failed to queue reply to %v: %v", m.Tag, err)
		}
	default:
		l.log.Errorf("BUG: unknown input message: %T", msg)
	}
}

func (l *InputMessageListener) onAnonymous(ctx context.Context, m *Anonymous) {
	tags := l.storage.TagsStorage()
	tag, err := tags.GetOrCreate(m.Recipient)
	if err != nil {
		l.log.Errorf("Failed to create a sender tag for %v: %v", m.Recipient, err)
		return
	}
	keys, err := l.handler.SendAnonymous(ctx, m.Recipient, tag, m.Data, m.ReplySurbs, m.TransmitLane)
	if err != nil {
		l.log.Errorf("Failed to send anonymous message to %v: %v", m.Recipient, err)
		return
	}
	l.storage.KeyStorage().InsertMultiple(keys)
}
