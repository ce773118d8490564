// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

// Package delayqueue implements a timer store that yields each entry once,
// at or after its deadline.
//
// A DelayQueue is meant to be driven from a select loop alongside other
// event sources.  It never reports exhaustion: an empty queue is only
// temporarily empty, and Ready hands out a channel that blocks until the
// owning loop comes around again after the next Insert.
package delayqueue

import (
	"errors"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/katzenpost/replyarq/core/monotime"
)

// ErrUnknownKey is returned by Remove when the entry already fired, was
// already removed, or never existed.
var ErrUnknownKey = errors.New("delayqueue: unknown key")

// never is handed out by Ready for an empty queue.  Nothing ever sends on
// it and it is never closed.
var never = make(chan time.Time)

// Key is a handle to a pending entry, usable for early removal.
type Key uint64

// Expired is an entry whose deadline has passed.
type Expired[T any] struct {
	Key      Key
	Item     T
	Deadline time.Duration
}

type entry[T any] struct {
	key      Key
	deadline time.Duration
	item     T
}

// DelayQueue is a deadline ordered store.  It is not safe for concurrent
// use; exactly one goroutine is expected to own it.
type DelayQueue[T any] struct {
	clock monotime.Clock

	tree    *avl.Tree
	nodes   map[Key]*avl.Node
	nextKey Key
}

// New returns an empty DelayQueue driven by clock.
func New[T any](clock monotime.Clock) *DelayQueue[T] {
	if clock == nil {
		clock = monotime.Runtime{}
	}
	return &DelayQueue[T]{
		clock: clock,
		tree:  newTree[T](),
		nodes: make(map[Key]*avl.Node),
	}
}

func newTree[T any]() *avl.Tree {
	return avl.New(func(a, b interface{}) int {
		entryA, entryB := a.(*entry[T]), b.(*entry[T])
		switch {
		case entryA.deadline < entryB.deadline:
			return -1
		case entryA.deadline > entryB.deadline:
			return 1
		case entryA.key < entryB.key:
			return -1
		case entryA.key > entryB.key:
			return 1
		default:
			return 0
		}
	})
}

// Insert schedules item to be yielded no earlier than timeout from now.
func (q *DelayQueue[T]) Insert(item T, timeout time.Duration) Key {
	q.nextKey++
	e := &entry[T]{
		key:      q.nextKey,
		deadline: q.clock.Now() + timeout,
		item:     item,
	}
	node := q.tree.Insert(e)
	if node.Value.(*entry[T]) != e {
		// Keys are unique, so the tree can never hold an equal entry.
		panic("BUG: delayqueue: duplicate entry")
	}
	q.nodes[e.key] = node
	return e.key
}

// Remove cancels the pending entry named by key and returns its item.
func (q *DelayQueue[T]) Remove(key Key) (T, error) {
	node, ok := q.nodes[key]
	if !ok {
		var zero T
		return zero, ErrUnknownKey
	}
	delete(q.nodes, key)
	q.tree.Remove(node)
	return node.Value.(*entry[T]).item, nil
}

// Contains returns true iff key names a pending entry.
func (q *DelayQueue[T]) Contains(key Key) bool {
	_, ok := q.nodes[key]
	return ok
}

// Len returns the number of pending entries.
func (q *DelayQueue[T]) Len() int {
	return len(q.nodes)
}

// Ready returns a channel that fires once the earliest pending deadline is
// reached.  For an empty queue the channel never fires.  The result is only
// valid until the next Insert, Remove or Expired call; callers re-arm it on
// every loop iteration.
func (q *DelayQueue[T]) Ready() <-chan time.Time {
	first := q.tree.Iterator(avl.Forward).First()
	if first == nil {
		return never
	}
	return q.clock.After(first.Value.(*entry[T]).deadline - q.clock.Now())
}

// Expired removes and returns every entry whose deadline has passed, in
// deadline order.  Each entry is returned exactly once.
func (q *DelayQueue[T]) Expired() []Expired[T] {
	now := q.clock.Now()

	var expired []Expired[T]
	iter := q.tree.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		e := node.Value.(*entry[T])
		if e.deadline > now {
			break
		}
		expired = append(expired, Expired[T]{
			Key:      e.key,
			Item:     e.item,
			Deadline: e.deadline,
		})
		delete(q.nodes, e.key)
		// Removing the current node is the one modification the
		// iterator tolerates.
		q.tree.Remove(node)
	}
	return expired
}

// Clear drops every pending entry without yielding it, and returns how many
// were dropped.
func (q *DelayQueue[T]) Clear() int {
	n := len(q.nodes)
	q.tree = newTree[T]()
	q.nodes = make(map[Key]*avl.Node)
	return n
}
