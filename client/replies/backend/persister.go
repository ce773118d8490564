// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package backend

import (
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyarq/client/instrument"
	"github.com/katzenpost/replyarq/client/replies"
	"github.com/katzenpost/replyarq/core/log"
	"github.com/katzenpost/replyarq/core/retry"
	"github.com/katzenpost/replyarq/core/worker"
)

const (
	flushAttempts     = 4
	flushRetryBase    = 250 * time.Millisecond
	flushRetryMaximum = 5 * time.Second
)

// Persister owns a Backend for the lifetime of a client: it loads the
// reply storage, flushes it periodically and once more on halt.
type Persister struct {
	worker.Worker

	log      *logging.Logger
	counters *instrument.Counters

	backend  Backend
	storage  *replies.CombinedReplyStorage
	interval time.Duration

	retryBase time.Duration
	retryMax  time.Duration
}

// NewPersister loads the reply storage from b, or initialises fresh
// storage with the given thresholds if nothing usable is stored, and
// starts a storage session.
func NewPersister(logBackend *log.Backend, b Backend, thresholds Thresholds, interval time.Duration, counters *instrument.Counters) (*Persister, error) {
	p := &Persister{
		log:      logBackend.GetLogger("storage"),
		counters: counters,
		backend:   b,
		interval:  interval,
		retryBase: flushRetryBase,
		retryMax:  flushRetryMaximum,
	}

	storage, err := b.Load()
	switch {
	case err == nil:
		p.log.Noticef("Loaded %d reply keys and %d sender tags", storage.KeyStorage().Len(), storage.TagsStorage().Len())
		if storage.MinSurbThreshold() != thresholds.Min || storage.MaxSurbThreshold() != thresholds.Max {
			p.log.Warningf("Stored SURB thresholds %d/%d differ from the configured %d/%d, keeping the stored ones",
				storage.MinSurbThreshold(), storage.MaxSurbThreshold(), thresholds.Min, thresholds.Max)
		}
	case errors.Is(err, ErrNoStoredData):
		p.log.Debug("No stored reply data, starting fresh")
	default:
		p.log.Warningf("Discarding stored reply data: %v", err)
	}
	if err != nil {
		storage = replies.NewCombinedReplyStorage(thresholds.Min, thresholds.Max)
		if err = b.InitFresh(storage); err != nil {
			return nil, err
		}
	}
	p.storage = storage

	if err = b.StartSession(); err != nil {
		return nil, err
	}
	return p, nil
}

// Storage returns the reply storage.
func (p *Persister) Storage() *replies.CombinedReplyStorage {
	return p.storage
}

// Start starts the periodic flush.
func (p *Persister) Start() {
	p.Go(p.worker)
}

// Flush writes the reply storage out now, retrying transient backend
// errors with backoff unless the Persister is halted.  Failures are logged
// and counted, the in-memory data is unaffected.
func (p *Persister) Flush() error {
	return p.flush(p.HaltCh())
}

// flush retries transient failures until cancelCh is closed.  A nil
// cancelCh retries through every attempt.
func (p *Persister) flush(cancelCh <-chan interface{}) error {
	var err error
attempts:
	for attempt := 0; attempt < flushAttempts; attempt++ {
		if err = p.backend.Flush(p.storage); err == nil {
			return nil
		}
		if !retry.IsTransientError(err) || attempt == flushAttempts-1 {
			break
		}
		delay := retry.Delay(p.retryBase, p.retryMax, retry.DefaultJitter, attempt)
		p.log.Warningf("Transient failure flushing reply storage, retrying in %v: %v", delay, err)
		select {
		case <-cancelCh:
			break attempts
		case <-time.After(delay):
		}
	}
	p.log.Errorf("Failed to flush reply storage: %v", err)
	p.counters.FlushFailed()
	return err
}

func (p *Persister) worker() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.HaltCh():
			p.shutdown()
			return
		case <-ticker.C:
			_ = p.Flush()
		}
	}
}

func (p *Persister) shutdown() {
	if err := p.flush(nil); err != nil {
		// Leave the session open, the data on disk is stale and the next
		// load must not trust it.
		p.log.Error("Not stopping the storage session after a failed flush")
	} else if err := p.backend.StopSession(); err != nil {
		p.log.Errorf("Failed to stop the storage session: %v", err)
	}
	if err := p.backend.Close(); err != nil {
		p.log.Errorf("Failed to close the reply storage backend: %v", err)
	}
}
