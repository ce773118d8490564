// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package backend

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyarq/client/replies"
	"github.com/katzenpost/replyarq/core/log"
)

const (
	metadataBucket   = "metadata"
	replyKeysBucket  = "reply_keys"
	replySurbsBucket = "reply_surbs"
	senderTagsBucket = "sender_tags"

	versionKey         = "version"
	thresholdsKey      = "thresholds"
	inUseKey           = "in_use"
	flushInProgressKey = "flush_in_progress"
	lastFlushKey       = "last_flush"

	boltVersion = 0
)

var dataBuckets = []string{replyKeysBucket, replySurbsBucket, senderTagsBucket}

// Status is the bookkeeping state of a reply store.
type Status struct {
	InUse           bool
	FlushInProgress bool
	LastFlush       time.Time
	Thresholds      *Thresholds

	ReplyKeys   int
	SurbSenders int
	ReplySurbs  int
	SenderTags  int
}

// Bolt is a Backend storing reply data in a bbolt database file.
type Bolt struct {
	log *logging.Logger
	db  *bolt.DB
	now func() time.Time

	// flushHook, if set, runs last in the Flush data transaction.
	flushHook func(*bolt.Tx) error
}

// NewBolt creates (or opens) the reply store in the file f.
func NewBolt(logBackend *log.Backend, f string) (*Bolt, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	b := &Bolt{
		log: logBackend.GetLogger("storage"),
		db:  db,
		now: time.Now,
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		// Ensure that all the buckets exists, and grab the metadata bucket.
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range dataBuckets {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if v := bkt.Get([]byte(versionKey)); v != nil {
			// Well it looks like we loaded as opposed to created.
			if len(v) != 1 || v[0] != boltVersion {
				return fmt.Errorf("backend: incompatible version: %d", uint(v[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{boltVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func putFlag(bkt *bolt.Bucket, key string, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	return bkt.Put([]byte(key), []byte{b})
}

func getFlag(bkt *bolt.Bucket, key string) bool {
	v := bkt.Get([]byte(key))
	return len(v) == 1 && v[0] == 1
}

func putTime(bkt *bolt.Bucket, key string, t time.Time) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.Unix()))
	return bkt.Put([]byte(key), b[:])
}

func getTime(bkt *bolt.Bucket, key string) (time.Time, bool) {
	v := bkt.Get([]byte(key))
	if len(v) != 8 {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint64(v)), 0), true
}

func getThresholds(bkt *bolt.Bucket) (*Thresholds, error) {
	v := bkt.Get([]byte(thresholdsKey))
	if v == nil {
		return nil, nil
	}
	th := new(Thresholds)
	if err := cbor.Unmarshal(v, th); err != nil {
		return nil, fmt.Errorf("%w: thresholds: %v", ErrCorruptedData, err)
	}
	return th, nil
}

func recreateBuckets(tx *bolt.Tx, names ...string) error {
	for _, name := range names {
		if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if _, err := tx.CreateBucket([]byte(name)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bolt) setFlag(key string, v bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putFlag(tx.Bucket([]byte(metadataBucket)), key, v)
	})
}

// StartSession implements Backend.
func (b *Bolt) StartSession() error {
	return b.setFlag(inUseKey, true)
}

// StopSession implements Backend.
func (b *Bolt) StopSession() error {
	return b.setFlag(inUseKey, false)
}

// Load implements Backend.  Data left behind by a session that was never
// stopped, or that has not been flushed for days, is purged first.
func (b *Bolt) Load() (*replies.CombinedReplyStorage, error) {
	var storage *replies.CombinedReplyStorage
	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		if getFlag(meta, flushInProgressKey) {
			return ErrIncompleteFlush
		}
		th, err := getThresholds(meta)
		if err != nil {
			return err
		}
		lastFlush, flushed := getTime(meta, lastFlushKey)
		switch {
		case th == nil && !flushed:
			return ErrNoStoredData
		case !flushed || lastFlush.Unix() == 0:
			return ErrIncompleteFlush
		case th == nil:
			return fmt.Errorf("%w: missing thresholds", ErrCorruptedData)
		}

		inUse := getFlag(meta, inUseKey)
		if inUse {
			b.log.Error("The previous session was not stopped cleanly, purging reply keys and reply SURBs")
		}
		purge := decidePurge(lastFlush, b.now(), inUse)
		if err = b.purge(tx, purge); err != nil {
			return err
		}

		storage = replies.NewCombinedReplyStorage(th.Min, th.Max)
		return b.read(tx, storage)
	})
	if err != nil {
		return nil, err
	}
	return storage, nil
}

func (b *Bolt) purge(tx *bolt.Tx, p purgeDecision) error {
	var names []string
	if p.surbs {
		b.log.Notice("Purging stored reply SURBs")
		names = append(names, replySurbsBucket)
	}
	if p.keys {
		b.log.Notice("Purging stored reply keys")
		names = append(names, replyKeysBucket)
	}
	if p.tags {
		b.log.Notice("Purging stored sender tags")
		names = append(names, senderTagsBucket)
	}
	return recreateBuckets(tx, names...)
}

func (b *Bolt) read(tx *bolt.Tx, storage *replies.CombinedReplyStorage) error {
	// Stop at the first invalid record, nothing else can be trusted then.
	if err := tx.Bucket([]byte(replyKeysBucket)).ForEach(func(_, v []byte) error {
		var rec storedReplyKey
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("%w: reply key: %v", ErrCorruptedData, err)
		}
		return restoreReplyKey(storage, &rec)
	}); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(replySurbsBucket)).ForEach(func(k, v []byte) error {
		var rec storedSurbs
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("%w: reply SURBs: %v", ErrCorruptedData, err)
		}
		return restoreSurbs(storage, k, &rec)
	}); err != nil {
		return err
	}
	return tx.Bucket([]byte(senderTagsBucket)).ForEach(func(k, v []byte) error {
		return restoreSenderTag(storage, &storedSenderTag{Recipient: k, Tag: v})
	})
}

// InitFresh implements Backend.
func (b *Bolt) InitFresh(fresh *replies.CombinedReplyStorage) error {
	th, err := cbor.Marshal(&Thresholds{Min: fresh.MinSurbThreshold(), Max: fresh.MaxSurbThreshold()})
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := recreateBuckets(tx, dataBuckets...); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(metadataBucket))
		if err := meta.Delete([]byte(lastFlushKey)); err != nil {
			return err
		}
		if err := putFlag(meta, flushInProgressKey, false); err != nil {
			return err
		}
		return meta.Put([]byte(thresholdsKey), th)
	})
}

// Flush implements Backend.  The flush in progress marker is committed on
// its own, so that a flush that never completes is detected on Load, and
// cleared again if the data transaction fails and rolls back.
func (b *Bolt) Flush(storage *replies.CombinedReplyStorage) error {
	snap := takeSnapshot(storage)
	th, err := cbor.Marshal(&snap.thresholds)
	if err != nil {
		return err
	}

	if err = b.setFlag(flushInProgressKey, true); err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := recreateBuckets(tx, dataBuckets...); err != nil {
			return err
		}

		kBkt := tx.Bucket([]byte(replyKeysBucket))
		for i := range snap.keys {
			v, err := cbor.Marshal(&snap.keys[i])
			if err != nil {
				return err
			}
			var k replies.SurbEncryptionKey
			copy(k[:], snap.keys[i].Key)
			d := k.Digest()
			if err = kBkt.Put(d[:], v); err != nil {
				return err
			}
		}
		sBkt := tx.Bucket([]byte(replySurbsBucket))
		for tag, rec := range snap.surbs {
			v, err := cbor.Marshal(&rec)
			if err != nil {
				return err
			}
			if err = sBkt.Put(append([]byte{}, tag[:]...), v); err != nil {
				return err
			}
		}
		tBkt := tx.Bucket([]byte(senderTagsBucket))
		for _, rec := range snap.tags {
			if err := tBkt.Put(rec.Recipient, rec.Tag); err != nil {
				return err
			}
		}

		meta := tx.Bucket([]byte(metadataBucket))
		if err := meta.Put([]byte(thresholdsKey), th); err != nil {
			return err
		}
		if err := putTime(meta, lastFlushKey, b.now()); err != nil {
			return err
		}
		if err := putFlag(meta, flushInProgressKey, false); err != nil {
			return err
		}
		if b.flushHook != nil {
			return b.flushHook(tx)
		}
		return nil
	})
	if err != nil {
		if cErr := b.setFlag(flushInProgressKey, false); cErr != nil {
			b.log.Errorf("Failed to clear the flush marker after a failed flush: %v", cErr)
		}
		return err
	}
	return nil
}

// Status returns the bookkeeping state of the store.
func (b *Bolt) Status() (*Status, error) {
	st := new(Status)
	err := b.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		st.InUse = getFlag(meta, inUseKey)
		st.FlushInProgress = getFlag(meta, flushInProgressKey)
		st.LastFlush, _ = getTime(meta, lastFlushKey)

		var err error
		if st.Thresholds, err = getThresholds(meta); err != nil {
			return err
		}
		st.ReplyKeys = tx.Bucket([]byte(replyKeysBucket)).Stats().KeyN
		st.SenderTags = tx.Bucket([]byte(senderTagsBucket)).Stats().KeyN
		return tx.Bucket([]byte(replySurbsBucket)).ForEach(func(_, v []byte) error {
			var rec storedSurbs
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: reply SURBs: %v", ErrCorruptedData, err)
			}
			st.SurbSenders++
			st.ReplySurbs += len(rec.Surbs)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Purge discards the selected stored data.
func (b *Bolt) Purge(surbs, keys, tags bool) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return b.purge(tx, purgeDecision{surbs: surbs, keys: keys, tags: tags})
	})
}

// Close implements Backend.
func (b *Bolt) Close() error {
	if err := b.db.Sync(); err != nil {
		b.log.Warningf("Failed to sync reply store: %v", err)
	}
	return b.db.Close()
}
