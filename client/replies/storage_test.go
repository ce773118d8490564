// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) SurbEncryptionKey {
	k, err := NewSurbEncryptionKey()
	require.NoError(t, err)
	return k
}

func newTag(t *testing.T) AnonymousSenderTag {
	tag, err := NewAnonymousSenderTag()
	require.NoError(t, err)
	return tag
}

func makeSurbs(n int) []ReplySurb {
	surbs := make([]ReplySurb, n)
	for i := range surbs {
		surbs[i] = ReplySurb{SURB: []byte{byte(i)}}
	}
	return surbs
}

func TestSentReplyKeysPopOnce(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	keys := NewSentReplyKeys()
	k1, k2, k3 := newKey(t), newKey(t), newKey(t)
	keys.Insert(k1)
	keys.InsertMultiple([]SurbEncryptionKey{k2, k3})
	require.Equal(3, keys.Len())

	got, ok := keys.TryPop(k2.Digest())
	require.True(ok)
	require.Equal(k2, got.Key)
	_, ok = keys.TryPop(k2.Digest())
	require.False(ok)

	for _, k := range []SurbEncryptionKey{k1, k3} {
		got, ok := keys.TryPop(k.Digest())
		require.True(ok)
		require.Equal(k, got.Key)
	}
	require.Equal(0, keys.Len())
}

func TestSentReplyKeysDigest(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k := newKey(t)
	require.Equal(k.Digest(), k.Digest())
	require.NotEqual(k.Digest(), newKey(t).Digest())
	require.Len(k.Digest().String(), 16)
}

func TestSentReplyKeysExpiry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	keys := NewSentReplyKeys()
	old, fresh := newKey(t), newKey(t)
	now := time.Now()
	keys.Restore(UsedReplyKey{Key: old, SentAt: now.Add(-48 * time.Hour).Unix()})
	keys.Restore(UsedReplyKey{Key: fresh, SentAt: now.Unix()})

	require.Equal(1, keys.RemoveOlderThan(now.Add(-24*time.Hour)))
	require.Equal(1, keys.Len())
	_, ok := keys.TryPop(old.Digest())
	require.False(ok)
	_, ok = keys.TryPop(fresh.Digest())
	require.True(ok)
}

func TestSentReplyKeysConcurrent(t *testing.T) {
	t.Parallel()

	keys := NewSentReplyKeys()
	all := make([]SurbEncryptionKey, 64)
	for i := range all {
		all[i] = newKey(t)
	}
	keys.InsertMultiple(all)

	var wg sync.WaitGroup
	popped := make(chan SurbEncryptionKey, len(all)*2)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, k := range all {
				if got, ok := keys.TryPop(k.Digest()); ok {
					popped <- got.Key
				}
			}
		}()
	}
	wg.Wait()
	close(popped)

	seen := make(map[SurbEncryptionKey]bool)
	for k := range popped {
		require.False(t, seen[k], "key popped twice")
		seen[k] = true
	}
	require.Len(t, seen, len(all))
	require.Equal(t, 0, keys.Len())
}

func TestReplySurbsThreshold(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	surbs := NewReceivedReplySurbsMap(3, 200)
	p := newTag(t)
	surbs.InsertSurbs(p, makeSurbs(5))

	got, left, ok := surbs.GetReplySurbs(p, 4)
	require.False(ok)
	require.Nil(got)
	require.Equal(5, left)
	require.Equal(5, surbs.AvailableSurbs(p))

	got, left, ok = surbs.GetReplySurbs(p, 2)
	require.True(ok)
	require.Len(got, 2)
	require.Equal(3, left)
	require.Equal(3, surbs.AvailableSurbs(p))

	// Oldest first.
	require.Equal([]byte{0}, got[0].SURB)
	require.Equal([]byte{1}, got[1].SURB)
}

func TestReplySurbsThresholdInvariant(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	const minThreshold = 4
	surbs := NewReceivedReplySurbsMap(minThreshold, 200)
	p := newTag(t)
	for stored := 0; stored < 12; stored++ {
		for amount := 0; amount < 12; amount++ {
			surbs.Restore(p, makeSurbs(stored), time.Now())
			_, left, ok := surbs.GetReplySurbs(p, amount)
			if ok {
				require.GreaterOrEqual(left, minThreshold)
				require.Equal(stored-amount, surbs.AvailableSurbs(p))
			} else {
				require.Equal(stored, left)
				require.Equal(stored, surbs.AvailableSurbs(p))
			}
		}
	}
}

func TestReplySurbsUnknownTag(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	surbs := NewReceivedReplySurbsMap(3, 200)
	p := newTag(t)
	require.False(surbs.ContainsSurbsFor(p))
	require.Equal(0, surbs.AvailableSurbs(p))

	_, left, ok := surbs.GetReplySurbs(p, 1)
	require.False(ok)
	require.Equal(0, left)

	surb, left, known := surbs.GetReplySurbIgnoringThreshold(p)
	require.False(known)
	require.Nil(surb)
	require.Equal(0, left)
}

func TestReplySurbsIgnoringThreshold(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	surbs := NewReceivedReplySurbsMap(3, 200)
	p := newTag(t)
	surbs.InsertSurbs(p, makeSurbs(2))

	surb, left, known := surbs.GetReplySurbIgnoringThreshold(p)
	require.True(known)
	require.NotNil(surb)
	require.Equal(1, left)

	_, _, _ = surbs.GetReplySurbIgnoringThreshold(p)
	surb, left, known = surbs.GetReplySurbIgnoringThreshold(p)
	require.True(known)
	require.Nil(surb)
	require.Equal(0, left)
	require.True(surbs.ContainsSurbsFor(p))

	surbs.ReturnSurbs(p, makeSurbs(1))
	require.Equal(1, surbs.AvailableSurbs(p))
}

func TestReplySurbsPendingReception(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	surbs := NewReceivedReplySurbsMap(3, 200)
	p := newTag(t)
	require.Equal(uint32(10), surbs.IncrementPendingReception(p, 10))
	require.Equal(uint32(4), surbs.DecrementPendingReception(p, 6))
	require.Equal(uint32(0), surbs.DecrementPendingReception(p, 6))
	surbs.IncrementPendingReception(p, 5)
	surbs.ResetPendingReception(p)
	require.Equal(uint32(0), surbs.PendingReception(p))
}

func TestReplySurbsRemoveStale(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	surbs := NewReceivedReplySurbsMap(3, 200)
	old, fresh := newTag(t), newTag(t)
	now := time.Now()
	surbs.Restore(old, makeSurbs(4), now.Add(-13*time.Hour))
	surbs.Restore(fresh, makeSurbs(5), now)

	require.Equal(4, surbs.RemoveStale(now.Add(-12*time.Hour)))
	require.Equal(0, surbs.AvailableSurbs(old))
	require.True(surbs.ContainsSurbsFor(old))
	require.Equal(5, surbs.AvailableSurbs(fresh))

	n := 0
	surbs.Range(func(AnonymousSenderTag, []ReplySurb, time.Time) bool {
		n++
		return true
	})
	require.Equal(2, n)
}

func TestReplySurbsConcurrent(t *testing.T) {
	t.Parallel()

	const minThreshold = 5
	surbs := NewReceivedReplySurbsMap(minThreshold, 1000)
	p := newTag(t)
	surbs.InsertSurbs(p, makeSurbs(minThreshold))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			surbs.InsertSurbs(p, makeSurbs(3))
		}
	}()
	withdrawn := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if got, left, ok := surbs.GetReplySurbs(p, 2); ok {
				withdrawn += len(got)
				assert.GreaterOrEqual(t, left, minThreshold)
			}
		}
	}()
	wg.Wait()
	require.Equal(t, minThreshold+300-withdrawn, surbs.AvailableSurbs(p))
}

func TestUsedSenderTags(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tags := NewUsedSenderTags()
	var alice, bob Recipient
	alice[0], bob[0] = 1, 2

	a1, err := tags.GetOrCreate(alice)
	require.NoError(err)
	a2, err := tags.GetOrCreate(alice)
	require.NoError(err)
	require.Equal(a1, a2)

	b := newTag(t)
	tags.Insert(bob, b)
	got, ok := tags.Get(bob)
	require.True(ok)
	require.Equal(b, got)
	require.NotEqual(a1, b)
	require.Equal(2, tags.Len())

	_, err = RecipientFromBytes([]byte{1, 2, 3})
	require.ErrorIs(err, ErrInvalidRecipient)
	r, err := RecipientFromBytes(alice[:])
	require.NoError(err)
	require.Equal(alice, r)
}

func TestCombinedReplyStorage(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s := NewCombinedReplyStorage(10, 200)
	require.Equal(10, s.MinSurbThreshold())
	require.Equal(200, s.MaxSurbThreshold())

	p := newTag(t)
	require.False(s.ContainsSurbsFor(p))
	s.SurbsStorage().InsertSurbs(p, makeSurbs(7))
	require.True(s.ContainsSurbsFor(p))
	require.Equal(7, s.AvailableSurbs(p))
	require.Equal(0, s.KeyStorage().Len())
	require.Equal(0, s.TagsStorage().Len())
}
