// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package replies

// CombinedReplyStorage is all of the reply state, as loaded from and
// flushed to a storage backend.
type CombinedReplyStorage struct {
	keys  *SentReplyKeys
	surbs *ReceivedReplySurbsMap
	tags  *UsedSenderTags
}

// NewCombinedReplyStorage returns empty storage with the given SURB
// thresholds.
func NewCombinedReplyStorage(minSurbThreshold, maxSurbThreshold int) *CombinedReplyStorage {
	return &CombinedReplyStorage{
		keys:  NewSentReplyKeys(),
		surbs: NewReceivedReplySurbsMap(minSurbThreshold, maxSurbThreshold),
		tags:  NewUsedSenderTags(),
	}
}

// KeyStorage returns the keys of the reply SURBs we handed out.
func (c *CombinedReplyStorage) KeyStorage() *SentReplyKeys {
	return c.keys
}

// SurbsStorage returns the reply SURBs received from peers.
func (c *CombinedReplyStorage) SurbsStorage() *ReceivedReplySurbsMap {
	return c.surbs
}

// TagsStorage returns the pseudonyms used with each peer.
func (c *CombinedReplyStorage) TagsStorage() *UsedSenderTags {
	return c.tags
}

// MinSurbThreshold returns the per-tag reserve of reply SURBs.
func (c *CombinedReplyStorage) MinSurbThreshold() int {
	return c.surbs.MinSurbThreshold()
}

// MaxSurbThreshold returns the per-tag inventory above which no more reply
// SURBs are requested.
func (c *CombinedReplyStorage) MaxSurbThreshold() int {
	return c.surbs.MaxSurbThreshold()
}

// AvailableSurbs returns the number of reply SURBs stored for tag.
func (c *CombinedReplyStorage) AvailableSurbs(tag AnonymousSenderTag) int {
	return c.surbs.AvailableSurbs(tag)
}

// ContainsSurbsFor returns true iff reply SURBs were ever received for tag.
func (c *CombinedReplyStorage) ContainsSurbsFor(tag AnonymousSenderTag) bool {
	return c.surbs.ContainsSurbsFor(tag)
}
