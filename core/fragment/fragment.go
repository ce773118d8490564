// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package fragment names the packet sized pieces that outbound messages
// are split into.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// IdentifierLength is the length of an encoded Identifier in bytes.
	IdentifierLength = 4 + 1

	// MaxFragmentsPerSet is the largest number of fragments one message
	// may be split into.
	MaxFragmentsPerSet = 255
)

var (
	// ErrInvalidLength is returned when decoding an Identifier from a
	// buffer of the wrong size.
	ErrInvalidLength = errors.New("fragment: invalid identifier length")

	// ErrMessageTooLong is returned by Split when the message would need
	// more than MaxFragmentsPerSet fragments.
	ErrMessageTooLong = errors.New("fragment: message too long")

	// ErrInvalidSetID is returned by Split for the set id reserved for
	// cover traffic.
	ErrInvalidSetID = errors.New("fragment: invalid set id")

	// CoverID is the identifier carried by every cover traffic packet.
	CoverID = Identifier{}
)

// Identifier uniquely names one fragment of one message.  Reply messages
// use negative set ids.
type Identifier struct {
	SetID    int32
	Position uint8
}

// IsCover returns true iff id is the cover traffic sentinel.
func (id Identifier) IsCover() bool {
	return id == CoverID
}

// IsReply returns true iff id belongs to a reply message.
func (id Identifier) IsReply() bool {
	return id.SetID < 0
}

// Bytes returns the wire encoding of the identifier, as carried inside an
// acknowledgement.
func (id Identifier) Bytes() []byte {
	b := make([]byte, IdentifierLength)
	binary.BigEndian.PutUint32(b, uint32(id.SetID))
	b[4] = id.Position
	return b
}

func (id Identifier) String() string {
	if id.IsCover() {
		return "cover"
	}
	return fmt.Sprintf("%d.%d", id.SetID, id.Position)
}

// FromBytes decodes an Identifier.
func FromBytes(b []byte) (Identifier, error) {
	if len(b) != IdentifierLength {
		return Identifier{}, ErrInvalidLength
	}
	return Identifier{
		SetID:    int32(binary.BigEndian.Uint32(b)),
		Position: b[4],
	}, nil
}

// RandomSetID returns a fresh non-zero set id, negative iff reply is set.
func RandomSetID(reply bool) (int32, error) {
	var b [4]byte
	for {
		if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
			return 0, err
		}
		v := int32(binary.BigEndian.Uint32(b[:]) & 0x7fffffff)
		if v == 0 {
			continue
		}
		if reply {
			v = -v
		}
		return v, nil
	}
}

// Fragment is one chunk of a message.
type Fragment struct {
	ID      Identifier
	Payload []byte
}

// Split chunks data into fragments of at most maxPayload bytes, all
// belonging to the set setID.  An empty message still yields one fragment.
func Split(setID int32, data []byte, maxPayload int) ([]Fragment, error) {
	if setID == 0 {
		return nil, ErrInvalidSetID
	}
	if maxPayload <= 0 {
		return nil, fmt.Errorf("fragment: invalid payload size %d", maxPayload)
	}
	n := (len(data) + maxPayload - 1) / maxPayload
	if n == 0 {
		n = 1
	}
	if n > MaxFragmentsPerSet {
		return nil, ErrMessageTooLong
	}

	frags := make([]Fragment, 0, n)
	for i := 0; i < n; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		frags = append(frags, Fragment{
			ID: Identifier{
				SetID:    setID,
				Position: uint8(i),
			},
			Payload: data[start:end],
		})
	}
	return frags, nil
}
