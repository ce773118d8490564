// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package backend

import (
	"fmt"
	"time"

	"github.com/katzenpost/replyarq/client/replies"
)

type storedReplyKey struct {
	Key    []byte
	SentAt int64
}

type storedSurbs struct {
	LastReceived int64
	Surbs        [][]byte
}

type storedSenderTag struct {
	Recipient []byte
	Tag       []byte
}

// snapshot is a point in time copy of reply storage.
type snapshot struct {
	thresholds Thresholds
	keys       []storedReplyKey
	surbs      map[replies.AnonymousSenderTag]storedSurbs
	tags       []storedSenderTag
}

func takeSnapshot(storage *replies.CombinedReplyStorage) *snapshot {
	s := &snapshot{
		thresholds: Thresholds{
			Min: storage.MinSurbThreshold(),
			Max: storage.MaxSurbThreshold(),
		},
		surbs: make(map[replies.AnonymousSenderTag]storedSurbs),
	}
	storage.KeyStorage().Range(func(_ replies.EncryptionKeyDigest, k replies.UsedReplyKey) bool {
		s.keys = append(s.keys, storedReplyKey{Key: append([]byte{}, k.Key[:]...), SentAt: k.SentAt})
		return true
	})
	storage.SurbsStorage().Range(func(tag replies.AnonymousSenderTag, surbs []replies.ReplySurb, lastReceived time.Time) bool {
		rec := storedSurbs{LastReceived: lastReceived.Unix()}
		for _, surb := range surbs {
			rec.Surbs = append(rec.Surbs, surb.SURB)
		}
		s.surbs[tag] = rec
		return true
	})
	storage.TagsStorage().Range(func(r replies.Recipient, tag replies.AnonymousSenderTag) bool {
		s.tags = append(s.tags, storedSenderTag{Recipient: append([]byte{}, r[:]...), Tag: append([]byte{}, tag[:]...)})
		return true
	})
	return s
}

func restoreReplyKey(storage *replies.CombinedReplyStorage, rec *storedReplyKey) error {
	var k replies.UsedReplyKey
	if len(rec.Key) != replies.SurbEncryptionKeySize {
		return fmt.Errorf("%w: reply key of %d bytes", ErrCorruptedData, len(rec.Key))
	}
	copy(k.Key[:], rec.Key)
	k.SentAt = rec.SentAt
	storage.KeyStorage().Restore(k)
	return nil
}

func restoreSurbs(storage *replies.CombinedReplyStorage, rawTag []byte, rec *storedSurbs) error {
	var tag replies.AnonymousSenderTag
	if len(rawTag) != replies.AnonymousSenderTagSize {
		return fmt.Errorf("%w: sender tag of %d bytes", ErrCorruptedData, len(rawTag))
	}
	copy(tag[:], rawTag)
	surbs := make([]replies.ReplySurb, 0, len(rec.Surbs))
	for _, b := range rec.Surbs {
		surbs = append(surbs, replies.ReplySurb{SURB: b})
	}
	storage.SurbsStorage().Restore(tag, surbs, time.Unix(rec.LastReceived, 0))
	return nil
}

func restoreSenderTag(storage *replies.CombinedReplyStorage, rec *storedSenderTag) error {
	r, err := replies.RecipientFromBytes(rec.Recipient)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedData, err)
	}
	var tag replies.AnonymousSenderTag
	if len(rec.Tag) != replies.AnonymousSenderTagSize {
		return fmt.Errorf("%w: sender tag of %d bytes", ErrCorruptedData, len(rec.Tag))
	}
	copy(tag[:], rec.Tag)
	storage.TagsStorage().Insert(r, tag)
	return nil
}
