// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package replies keeps the state needed to receive and send anonymous
// replies: the keys of the reply SURBs we handed out, the reply SURBs
// remote peers handed us, and the pseudonyms we use with each peer.
package replies

import (
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
)

const (
	// SurbEncryptionKeySize is the size of a SurbEncryptionKey in bytes.
	SurbEncryptionKeySize = 16

	// EncryptionKeyDigestSize is the size of an EncryptionKeyDigest in bytes.
	EncryptionKeyDigestSize = blake2b.Size256
)

// SurbEncryptionKey is the symmetric key a reply sent with one of our reply
// SURBs is encrypted with.
type SurbEncryptionKey [SurbEncryptionKeySize]byte

// EncryptionKeyDigest identifies a SurbEncryptionKey in a received reply.
type EncryptionKeyDigest [EncryptionKeyDigestSize]byte

// NewSurbEncryptionKey returns a fresh random key.
func NewSurbEncryptionKey() (SurbEncryptionKey, error) {
	var k SurbEncryptionKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// Digest returns the digest the key is referenced by.
func (k SurbEncryptionKey) Digest() EncryptionKeyDigest {
	return blake2b.Sum256(k[:])
}

func (d EncryptionKeyDigest) String() string {
	return hex.EncodeToString(d[:8])
}

// UsedReplyKey is a SurbEncryptionKey along with the unix time at which it
// was handed out.
type UsedReplyKey struct {
	Key    SurbEncryptionKey
	SentAt int64
}

// SentReplyKeys holds the keys of every reply SURB we handed out, indexed
// by digest.  It is safe for concurrent use.
type SentReplyKeys struct {
	m   sync.Map
	len atomic.Int64
}

// NewSentReplyKeys returns an empty SentReplyKeys.
func NewSentReplyKeys() *SentReplyKeys {
	return new(SentReplyKeys)
}

// Insert stores key, timestamped now.
func (s *SentReplyKeys) Insert(key SurbEncryptionKey) {
	s.Restore(UsedReplyKey{Key: key, SentAt: time.Now().Unix()})
}

// InsertMultiple stores every key in keys, timestamped now.
func (s *SentReplyKeys) InsertMultiple(keys []SurbEncryptionKey) {
	now := time.Now().Unix()
	for _, key := range keys {
		s.Restore(UsedReplyKey{Key: key, SentAt: now})
	}
}

// Restore stores a previously timestamped key.
func (s *SentReplyKeys) Restore(k UsedReplyKey) {
	if _, loaded := s.m.Swap(k.Key.Digest(), k); !loaded {
		s.len.Add(1)
	}
}

// TryPop removes and returns the key with digest d.  A missing key means
// the reply is forged, duplicated or arrived after its key expired.
func (s *SentReplyKeys) TryPop(d EncryptionKeyDigest) (UsedReplyKey, bool) {
	v, ok := s.m.LoadAndDelete(d)
	if !ok {
		return UsedReplyKey{}, false
	}
	s.len.Add(-1)
	return v.(UsedReplyKey), true
}

// Len returns the number of stored keys.
func (s *SentReplyKeys) Len() int {
	return int(s.len.Load())
}

// Range calls fn for every stored key until fn returns false.
func (s *SentReplyKeys) Range(fn func(EncryptionKeyDigest, UsedReplyKey) bool) {
	s.m.Range(func(k, v any) bool {
		return fn(k.(EncryptionKeyDigest), v.(UsedReplyKey))
	})
}

// RemoveOlderThan drops every key handed out before cutoff, and returns
// the number of keys dropped.
func (s *SentReplyKeys) RemoveOlderThan(cutoff time.Time) int {
	n := 0
	s.m.Range(func(k, v any) bool {
		if v.(UsedReplyKey).SentAt < cutoff.Unix() {
			if _, ok := s.m.LoadAndDelete(k); ok {
				s.len.Add(-1)
				n++
			}
		}
		return true
	})
	return n
}
