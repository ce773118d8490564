// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"context"

	"github.com/katzenpost/replyarq/client/lane"
	"github.com/katzenpost/replyarq/core/fragment"
)

// ReplyRequest is a request for the PendingReplyHandler.
type ReplyRequest interface {
	isReplyRequest()
}

// SendReply asks for Data to be sent to the peer behind Tag using the
// reply SURBs they gave us.
type SendReply struct {
	Tag  AnonymousSenderTag
	Data []byte
	Lane lane.TransmissionLane
}

// AdditionalSurbs delivers reply SURBs received from the peer behind Tag.
type AdditionalSurbs struct {
	Tag   AnonymousSenderTag
	Surbs []ReplySurb

	// FromRequest is set when the SURBs answer one of our requests, as
	// opposed to arriving unsolicited alongside a message.
	FromRequest bool
}

// AdditionalSurbsRequest relays a request from Recipient, who we sent
// anonymous messages to, for Amount more reply SURBs.
type AdditionalSurbsRequest struct {
	Recipient Recipient
	Amount    uint32
}

func (*SendReply) isReplyRequest()              {}
func (*AdditionalSurbs) isReplyRequest()        {}
func (*AdditionalSurbsRequest) isReplyRequest() {}

// ReplyPacket is a reply fragment paired with the SURB it is sent with.
type ReplyPacket struct {
	Fragment fragment.Fragment
	Surb     ReplySurb
	Lane     lane.TransmissionLane
}

// MessageHandler builds and queues packets.  It is implemented by the
// packet layer.
type MessageHandler interface {
	// SendRegular sends data to recipient without reply SURBs.
	SendRegular(ctx context.Context, recipient Recipient, data []byte, l lane.TransmissionLane) error

	// SendAnonymous sends data to recipient under tag, along with
	// replySurbs reply SURBs, and returns the keys of those SURBs.
	SendAnonymous(ctx context.Context, recipient Recipient, tag AnonymousSenderTag, data []byte, replySurbs uint32, l lane.TransmissionLane) ([]SurbEncryptionKey, error)

	// SendReplyPackets sends reply fragments to the peer behind tag.
	SendReplyPackets(ctx context.Context, tag AnonymousSenderTag, packets []ReplyPacket) error

	// SendSurbRequest asks the peer behind tag for amount more reply
	// SURBs, using surb.
	SendSurbRequest(ctx context.Context, tag AnonymousSenderTag, surb ReplySurb, amount uint32) error

	// SendAdditionalSurbs sends amount reply SURBs to recipient under tag,
	// and returns their keys.
	SendAdditionalSurbs(ctx context.Context, recipient Recipient, tag AnonymousSenderTag, amount uint32) ([]SurbEncryptionKey, error)
}
