// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// AnonymousSenderTagSize is the size of an AnonymousSenderTag in bytes.
	AnonymousSenderTagSize = 16

	// RecipientSize is the size of a Recipient address in bytes: the
	// identity key, the encryption key and the gateway identity.
	RecipientSize = 96
)

// ErrInvalidRecipient is returned when decoding a Recipient of the wrong
// length.
var ErrInvalidRecipient = errors.New("replies: invalid recipient length")

// AnonymousSenderTag is the pseudonym a peer knows us by.  Reply SURBs are
// stored and requested under it.
type AnonymousSenderTag [AnonymousSenderTagSize]byte

// NewAnonymousSenderTag returns a fresh random tag.
func NewAnonymousSenderTag() (AnonymousSenderTag, error) {
	var t AnonymousSenderTag
	_, err := io.ReadFull(rand.Reader, t[:])
	return t, err
}

func (t AnonymousSenderTag) String() string {
	return hex.EncodeToString(t[:])
}

// Recipient is the address of a mix network client.
type Recipient [RecipientSize]byte

// RecipientFromBytes decodes b into a Recipient.
func RecipientFromBytes(b []byte) (Recipient, error) {
	var r Recipient
	if len(b) != RecipientSize {
		return r, ErrInvalidRecipient
	}
	copy(r[:], b)
	return r, nil
}

func (r Recipient) String() string {
	return hex.EncodeToString(r[:8])
}

// UsedSenderTags maps recipients to the tag we use with them, so that each
// peer always sees the same pseudonym.  It is safe for concurrent use.
type UsedSenderTags struct {
	sync.Mutex
	m map[Recipient]AnonymousSenderTag
}

// NewUsedSenderTags returns an empty UsedSenderTags.
func NewUsedSenderTags() *UsedSenderTags {
	return &UsedSenderTags{m: make(map[Recipient]AnonymousSenderTag)}
}

// Get returns the tag used with recipient.
func (u *UsedSenderTags) Get(recipient Recipient) (AnonymousSenderTag, bool) {
	u.Lock()
	defer u.Unlock()
	t, ok := u.m[recipient]
	return t, ok
}

// Insert records tag as the one used with recipient.
func (u *UsedSenderTags) Insert(recipient Recipient, tag AnonymousSenderTag) {
	u.Lock()
	defer u.Unlock()
	u.m[recipient] = tag
}

// GetOrCreate returns the tag used with recipient, creating one if this is
// the first anonymous message to them.
func (u *UsedSenderTags) GetOrCreate(recipient Recipient) (AnonymousSenderTag, error) {
	u.Lock()
	defer u.Unlock()
	if t, ok := u.m[recipient]; ok {
		return t, nil
	}
	t, err := NewAnonymousSenderTag()
	if err != nil {
		return t, err
	}
	u.m[recipient] = t
	return t, nil
}

// Len returns the number of recipients with a tag.
func (u *UsedSenderTags) Len() int {
	u.Lock()
	defer u.Unlock()
	return len(u.m)
}

// Range calls fn for every recipient until fn returns false.  fn must not
// call back into u.
func (u *UsedSenderTags) Range(fn func(Recipient, AnonymousSenderTag) bool) {
	u.Lock()
	defer u.Unlock()
	for r, t := range u.m {
		if !fn(r, t) {
			return
		}
	}
}
