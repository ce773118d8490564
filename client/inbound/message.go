// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package inbound is the entry point through which applications submit
// outbound messages.
package inbound

import (
	"context"

	"github.com/katzenpost/replyarq/client/lane"
	"github.com/katzenpost/replyarq/client/replies"
)

// InputMessage is a message submitted by the application.  The only
// implementations are Regular, Anonymous and Reply.
type InputMessage interface {
	// Lane returns the transmission lane the message is scheduled on.
	Lane() lane.TransmissionLane

	isInputMessage()
}

// Regular is a message addressed to Recipient, revealing our address.
type Regular struct {
	Recipient    replies.Recipient
	Data         []byte
	TransmitLane lane.TransmissionLane
}

// Anonymous is a message addressed to Recipient under our sender tag for
// them, carrying ReplySurbs reply SURBs they can answer with.
type Anonymous struct {
	Recipient    replies.Recipient
	Data         []byte
	ReplySurbs   uint32
	TransmitLane lane.TransmissionLane
}

// Reply is an answer to the peer behind Tag, sent with their reply SURBs.
// It never carries a recipient address.
type Reply struct {
	Tag          replies.AnonymousSenderTag
	Data         []byte
	TransmitLane lane.TransmissionLane
}

// NewRegular returns a Regular message.
func NewRegular(recipient replies.Recipient, data []byte, l lane.TransmissionLane) InputMessage {
	return &Regular{Recipient: recipient, Data: data, TransmitLane: l}
}

// NewAnonymous returns an Anonymous message.
func NewAnonymous(recipient replies.Recipient, data []byte, replySurbs uint32, l lane.TransmissionLane) InputMessage {
	return &Anonymous{Recipient: recipient, Data: data, ReplySurbs: replySurbs, TransmitLane: l}
}

// NewReply returns a Reply message.
func NewReply(tag replies.AnonymousSenderTag, data []byte, l lane.TransmissionLane) InputMessage {
	return &Reply{Tag: tag, Data: data, TransmitLane: l}
}

// Lane implements InputMessage.
func (m *Regular) Lane() lane.TransmissionLane { return m.TransmitLane }

// Lane implements InputMessage.
func (m *Anonymous) Lane() lane.TransmissionLane { return m.TransmitLane }

// Lane implements InputMessage.
func (m *Reply) Lane() lane.TransmissionLane { return m.TransmitLane }

func (*Regular) isInputMessage()   {}
func (*Anonymous) isInputMessage() {}
func (*Reply) isInputMessage()     {}

// InputMessageSender is the application side of the bounded input
// channel.  Send blocks while the channel is full.
type InputMessageSender struct {
	ch chan<- InputMessage
}

// NewInputChannel returns a channel of capacity size, as the sender and
// the receive side handed to the InputMessageListener.
func NewInputChannel(size int) (*InputMessageSender, <-chan InputMessage) {
	ch := make(chan InputMessage, size)
	return &InputMessageSender{ch: ch}, ch
}

// Send queues msg, or fails once ctx is done.
func (s *InputMessageSender) Send(ctx context.Context, msg InputMessage) error {
	select {
	case s.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
