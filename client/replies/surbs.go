// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"sync"
	"time"
)

// ReplySurb is a single use reply block received from a remote peer.  The
// block is opaque here, it is only ever handed back to the packet layer.
type ReplySurb struct {
	SURB []byte
}

type surbEntry struct {
	sync.Mutex

	surbs            []ReplySurb
	pendingReception uint32
	lastReceived     time.Time
}

func (e *surbEntry) pop(n int) []ReplySurb {
	out := make([]ReplySurb, n)
	copy(out, e.surbs[:n])
	e.surbs = append(e.surbs[:0:0], e.surbs[n:]...)
	return out
}

// ReceivedReplySurbsMap is the inventory of reply SURBs received from
// remote peers, per sender tag.  Each tag is locked independently, and the
// map is safe for concurrent use.
type ReceivedReplySurbsMap struct {
	m sync.Map

	minThreshold int
	maxThreshold int
}

// NewReceivedReplySurbsMap returns an empty inventory.  Regular replies
// never bring a tag's inventory below minThreshold, and no more SURBs are
// requested once maxThreshold are available or in flight.
func NewReceivedReplySurbsMap(minThreshold, maxThreshold int) *ReceivedReplySurbsMap {
	return &ReceivedReplySurbsMap{
		minThreshold: minThreshold,
		maxThreshold: maxThreshold,
	}
}

func (s *ReceivedReplySurbsMap) entry(tag AnonymousSenderTag) (*surbEntry, bool) {
	v, ok := s.m.Load(tag)
	if !ok {
		return nil, false
	}
	return v.(*surbEntry), true
}

func (s *ReceivedReplySurbsMap) entryOrCreate(tag AnonymousSenderTag) *surbEntry {
	v, _ := s.m.LoadOrStore(tag, new(surbEntry))
	return v.(*surbEntry)
}

// MinSurbThreshold returns the reserve kept back from regular replies.
func (s *ReceivedReplySurbsMap) MinSurbThreshold() int {
	return s.minThreshold
}

// MaxSurbThreshold returns the inventory size above which no more SURBs
// are requested.
func (s *ReceivedReplySurbsMap) MaxSurbThreshold() int {
	return s.maxThreshold
}

// AvailableSurbs returns the number of SURBs stored for tag.
func (s *ReceivedReplySurbsMap) AvailableSurbs(tag AnonymousSenderTag) int {
	e, ok := s.entry(tag)
	if !ok {
		return 0
	}
	e.Lock()
	defer e.Unlock()
	return len(e.surbs)
}

// ContainsSurbsFor returns true iff SURBs were ever received for tag, even
// if all of them have since been used.
func (s *ReceivedReplySurbsMap) ContainsSurbsFor(tag AnonymousSenderTag) bool {
	_, ok := s.entry(tag)
	return ok
}

// InsertSurbs adds surbs to the inventory of tag.
func (s *ReceivedReplySurbsMap) InsertSurbs(tag AnonymousSenderTag, surbs []ReplySurb) {
	e := s.entryOrCreate(tag)
	e.Lock()
	defer e.Unlock()
	e.surbs = append(e.surbs, surbs...)
	e.lastReceived = time.Now()
}

// ReturnSurbs puts back surbs that were withdrawn but not used, ahead of
// the rest of the inventory.
func (s *ReceivedReplySurbsMap) ReturnSurbs(tag AnonymousSenderTag, surbs []ReplySurb) {
	e := s.entryOrCreate(tag)
	e.Lock()
	defer e.Unlock()
	e.surbs = append(append([]ReplySurb{}, surbs...), e.surbs...)
}

// Restore replaces the inventory of tag, keeping the time the SURBs were
// last received.
func (s *ReceivedReplySurbsMap) Restore(tag AnonymousSenderTag, surbs []ReplySurb, lastReceived time.Time) {
	e := s.entryOrCreate(tag)
	e.Lock()
	defer e.Unlock()
	e.surbs = append([]ReplySurb{}, surbs...)
	e.lastReceived = lastReceived
}

// GetReplySurbs withdraws amount SURBs for tag, provided at least
// MinSurbThreshold remain afterwards.  It returns the SURBs, the number of
// SURBs left, and false if nothing was withdrawn, in which case the count
// is the unchanged inventory.
func (s *ReceivedReplySurbsMap) GetReplySurbs(tag AnonymousSenderTag, amount int) ([]ReplySurb, int, bool) {
	e, ok := s.entry(tag)
	if !ok {
		return nil, 0, false
	}
	e.Lock()
	defer e.Unlock()
	left := len(e.surbs)
	if amount < 0 || left < s.minThreshold+amount {
		return nil, left, false
	}
	return e.pop(amount), left - amount, true
}

// GetReplySurbIgnoringThreshold withdraws a single SURB for tag even if
// that eats into the reserve.  It is used to ask a peer for more SURBs.
// The surb is nil if the inventory is empty, and known is false if no
// SURBs were ever received for tag.
func (s *ReceivedReplySurbsMap) GetReplySurbIgnoringThreshold(tag AnonymousSenderTag) (surb *ReplySurb, remaining int, known bool) {
	e, ok := s.entry(tag)
	if !ok {
		return nil, 0, false
	}
	e.Lock()
	defer e.Unlock()
	if len(e.surbs) == 0 {
		return nil, 0, true
	}
	surb = &e.pop(1)[0]
	return surb, len(e.surbs), true
}

// PendingReception returns the number of SURBs requested from the peer
// behind tag that have not arrived yet.
func (s *ReceivedReplySurbsMap) PendingReception(tag AnonymousSenderTag) uint32 {
	e, ok := s.entry(tag)
	if !ok {
		return 0
	}
	e.Lock()
	defer e.Unlock()
	return e.pendingReception
}

// IncrementPendingReception records n more requested SURBs and returns the
// new total.
func (s *ReceivedReplySurbsMap) IncrementPendingReception(tag AnonymousSenderTag, n uint32) uint32 {
	e := s.entryOrCreate(tag)
	e.Lock()
	defer e.Unlock()
	e.pendingReception += n
	return e.pendingReception
}

// DecrementPendingReception records the arrival of n requested SURBs and
// returns the new total.  Peers may send more than asked, so the total
// saturates at zero.
func (s *ReceivedReplySurbsMap) DecrementPendingReception(tag AnonymousSenderTag, n uint32) uint32 {
	e, ok := s.entry(tag)
	if !ok {
		return 0
	}
	e.Lock()
	defer e.Unlock()
	if n > e.pendingReception {
		e.pendingReception = 0
	} else {
		e.pendingReception -= n
	}
	return e.pendingReception
}

// ResetPendingReception forgets every outstanding request for tag.
func (s *ReceivedReplySurbsMap) ResetPendingReception(tag AnonymousSenderTag) {
	if e, ok := s.entry(tag); ok {
		e.Lock()
		e.pendingReception = 0
		e.Unlock()
	}
}

// SurbsLastReceivedAt returns the time SURBs for tag last arrived.
func (s *ReceivedReplySurbsMap) SurbsLastReceivedAt(tag AnonymousSenderTag) (time.Time, bool) {
	e, ok := s.entry(tag)
	if !ok {
		return time.Time{}, false
	}
	e.Lock()
	defer e.Unlock()
	return e.lastReceived, true
}

// RemoveStale drops the SURBs of every tag that received none since
// cutoff, and returns the number of SURBs dropped.  Old SURBs were built
// against keys the mix network has since rotated out.
func (s *ReceivedReplySurbsMap) RemoveStale(cutoff time.Time) int {
	n := 0
	s.m.Range(func(_, v any) bool {
		e := v.(*surbEntry)
		e.Lock()
		if e.lastReceived.Before(cutoff) {
			n += len(e.surbs)
			e.surbs = nil
		}
		e.Unlock()
		return true
	})
	return n
}

// Range calls fn with a copy of the inventory of every tag, until fn
// returns false.
func (s *ReceivedReplySurbsMap) Range(fn func(tag AnonymousSenderTag, surbs []ReplySurb, lastReceived time.Time) bool) {
	s.m.Range(func(k, v any) bool {
		e := v.(*surbEntry)
		e.Lock()
		surbs := append([]ReplySurb{}, e.surbs...)
		lastReceived := e.lastReceived
		e.Unlock()
		return fn(k.(AnonymousSenderTag), surbs, lastReceived)
	})
}
