// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package backend persists reply storage across client restarts.
package backend

import (
	"errors"
	"time"

	"github.com/katzenpost/replyarq/client/replies"
)

var (
	// ErrNoStoredData is returned by Load when there is nothing to load,
	// the caller is expected to InitFresh.
	ErrNoStoredData = errors.New("backend: no stored reply data")

	// ErrIncompleteFlush is returned by Load when the previous flush never
	// finished, so the stored data can not be trusted.
	ErrIncompleteFlush = errors.New("backend: incomplete data flush")

	// ErrCorruptedData is returned by Load when a stored record is invalid.
	ErrCorruptedData = errors.New("backend: corrupted reply data")
)

// Backend is a reply storage persistence backend.  Backends are used from
// a single go routine.
type Backend interface {
	// StartSession marks the stored data as in use.  If the process
	// exits without StopSession, the next Load discards keys and SURBs.
	StartSession() error

	// StopSession marks the stored data as no longer in use.
	StopSession() error

	// Load returns the stored reply storage.
	Load() (*replies.CombinedReplyStorage, error)

	// InitFresh replaces whatever is stored with fresh, empty storage.
	InitFresh(fresh *replies.CombinedReplyStorage) error

	// Flush writes storage out.  On failure the previously flushed data
	// is kept.
	Flush(storage *replies.CombinedReplyStorage) error

	// Close releases the backend's resources.
	Close() error
}

// Empty is the Backend of ephemeral clients.  It stores nothing.
type Empty struct{}

// StartSession implements Backend.
func (Empty) StartSession() error { return nil }

// StopSession implements Backend.
func (Empty) StopSession() error { return nil }

// Load implements Backend.  It always returns ErrNoStoredData.
func (Empty) Load() (*replies.CombinedReplyStorage, error) { return nil, ErrNoStoredData }

// InitFresh implements Backend.
func (Empty) InitFresh(*replies.CombinedReplyStorage) error { return nil }

// Flush implements Backend.
func (Empty) Flush(*replies.CombinedReplyStorage) error { return nil }

// Close implements Backend.
func (Empty) Close() error { return nil }

// Thresholds are the SURB thresholds stored alongside the data.
type Thresholds struct {
	Min int
	Max int
}

// purgeDecision is what to discard from data last flushed at lastFlush.
// Reply SURBs go stale first, as the mix keys they were built with
// rotate, then reply keys, then the pseudonyms themselves.
type purgeDecision struct {
	surbs bool
	keys  bool
	tags  bool
}

func decidePurge(lastFlush, now time.Time, inUse bool) purgeDecision {
	days := int(now.Sub(lastFlush) / (24 * time.Hour))
	return purgeDecision{
		surbs: inUse || days > 0,
		keys:  inUse || days > 1,
		tags:  days > 2,
	}
}
