// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package lane names the transmission lanes outbound messages are
// scheduled on.  Lanes are only carried through this module, the outbound
// scheduler interprets them.
package lane

import "fmt"

type kind uint8

const (
	general kind = iota
	reply
	retransmission
	control
	connection
)

// TransmissionLane is a scheduling class attached to outbound messages.
// The zero value is General.
type TransmissionLane struct {
	kind kind
	id   uint64
}

var (
	// General is the lane of ordinary application traffic.
	General = TransmissionLane{kind: general}

	// Reply is the lane of replies sent with reply SURBs.
	Reply = TransmissionLane{kind: reply}

	// Retransmission is the lane of retransmitted fragments.
	Retransmission = TransmissionLane{kind: retransmission}

	// Control is the lane of control messages such as reply SURB requests.
	Control = TransmissionLane{kind: control}
)

// ConnectionID returns the lane of the multiplexed connection id.
func ConnectionID(id uint64) TransmissionLane {
	return TransmissionLane{kind: connection, id: id}
}

// IsConnection returns the connection id of l, if l is a connection lane.
func (l TransmissionLane) IsConnection() (uint64, bool) {
	return l.id, l.kind == connection
}

func (l TransmissionLane) String() string {
	switch l.kind {
	case general:
		return "General"
	case reply:
		return "Reply"
	case retransmission:
		return "Retransmission"
	case control:
		return "Control"
	case connection:
		return fmt.Sprintf("ConnectionID(%d)", l.id)
	default:
		return fmt.Sprintf("TransmissionLane(%d)", l.kind)
	}
}
