// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/replyarq/client/instrument"
	"github.com/katzenpost/replyarq/client/lane"
	"github.com/katzenpost/replyarq/core/log"
)

type surbRequest struct {
	tag    AnonymousSenderTag
	amount uint32
}

type fakeMessageHandler struct {
	sync.Mutex

	err          error
	packets      []ReplyPacket
	surbRequests []surbRequest
	surbsSent    map[Recipient]uint32
	surbBatches  []uint32
}

func (f *fakeMessageHandler) SendRegular(context.Context, Recipient, []byte, lane.TransmissionLane) error {
	return f.err
}

func (f *fakeMessageHandler) SendAnonymous(_ context.Context, _ Recipient, _ AnonymousSenderTag, _ []byte, replySurbs uint32, _ lane.TransmissionLane) ([]SurbEncryptionKey, error) {
	return nil, f.err
}

func (f *fakeMessageHandler) SendReplyPackets(_ context.Context, _ AnonymousSenderTag, packets []ReplyPacket) error {
	f.Lock()
	defer f.Unlock()
	if f.err != nil {
		return f.err
	}
	f.packets = append(f.packets, packets...)
	return nil
}

func (f *fakeMessageHandler) SendSurbRequest(_ context.Context, tag AnonymousSenderTag, _ ReplySurb, amount uint32) error {
	f.Lock()
	defer f.Unlock()
	if f.err != nil {
		return f.err
	}
	f.surbRequests = append(f.surbRequests, surbRequest{tag: tag, amount: amount})
	return nil
}

func (f *fakeMessageHandler) SendAdditionalSurbs(_ context.Context, recipient Recipient, _ AnonymousSenderTag, amount uint32) ([]SurbEncryptionKey, error) {
	f.Lock()
	defer f.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.surbsSent == nil {
		f.surbsSent = make(map[Recipient]uint32)
	}
	f.surbsSent[recipient] += amount
	f.surbBatches = append(f.surbBatches, amount)
	keys := make([]SurbEncryptionKey, amount)
	for i := range keys {
		keys[i][0], keys[i][1] = byte(i), byte(i>>8)
	}
	return keys, nil
}

func (f *fakeMessageHandler) sentPackets() int {
	f.Lock()
	defer f.Unlock()
	return len(f.packets)
}

const testPayloadSize = 10

func testHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		FragmentPayloadSize:       testPayloadSize,
		MinimumRequestSize:        10,
		MaximumRequestSize:        100,
		MaximumAllowedRequestSize: 500,
		RerequestWaitingPeriod:    10 * time.Second,
		DropWaitingPeriod:         5 * time.Minute,
		MaximumSurbAge:            12 * time.Hour,
		MaximumKeyAge:             24 * time.Hour,
		CheckInterval:             time.Hour,
	}
}

type handlerHarness struct {
	storage  *CombinedReplyStorage
	fake     *fakeMessageHandler
	counters *instrument.Counters
	registry *prometheus.Registry
	h        *PendingReplyHandler
	now      time.Time
}

func newHandlerHarness(t *testing.T, minThreshold int, cfg *HandlerConfig) *handlerHarness {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	counters, err := instrument.New(registry)
	require.NoError(t, err)

	hh := &handlerHarness{
		storage:  NewCombinedReplyStorage(minThreshold, 200),
		fake:     new(fakeMessageHandler),
		counters: counters,
		registry: registry,
		now:      time.Now(),
	}
	hh.h = NewPendingReplyHandler(logBackend, cfg, hh.storage, hh.fake, counters)
	hh.h.now = func() time.Time { return hh.now }
	return hh
}

func reply(tag AnonymousSenderTag, fragments int) *SendReply {
	return &SendReply{
		Tag:  tag,
		Data: bytes.Repeat([]byte{'r'}, fragments*testPayloadSize),
		Lane: lane.Reply,
	}
}

func TestPendingReplySentImmediately(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())
	ctx := context.Background()

	p := newTag(t)
	hh.storage.SurbsStorage().InsertSurbs(p, makeSurbs(10))
	hh.h.handleRequest(ctx, reply(p, 3))

	require.Len(hh.fake.packets, 3)
	require.Equal(7, hh.storage.AvailableSurbs(p))
	require.Empty(hh.h.pending)
	require.Empty(hh.fake.surbRequests)
	for i, pkt := range hh.fake.packets {
		require.True(pkt.Fragment.ID.IsReply())
		require.Equal(uint8(i), pkt.Fragment.ID.Position)
		require.Equal(lane.Reply, pkt.Lane)
	}
}

func TestPendingReplyBuffersAndRequests(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())
	ctx := context.Background()

	p := newTag(t)
	hh.storage.SurbsStorage().InsertSurbs(p, makeSurbs(4))
	hh.h.handleRequest(ctx, reply(p, 3))

	// One fragment fits above the reserve, the rest waits.
	require.Len(hh.fake.packets, 1)
	require.Equal(2, hh.h.pendingLen(p))

	// The request for more SURBs dips into the reserve.
	require.Equal([]surbRequest{{tag: p, amount: 10}}, hh.fake.surbRequests)
	require.Equal(2, hh.storage.AvailableSurbs(p))
	require.Equal(uint32(10), hh.storage.SurbsStorage().PendingReception(p))
	require.Equal(float64(1), counterValue(t, hh, "reply_surb_requests_total"))

	hh.h.handleRequest(ctx, &AdditionalSurbs{Tag: p, Surbs: makeSurbs(10), FromRequest: true})
	require.Len(hh.fake.packets, 3)
	require.Equal(0, hh.h.pendingLen(p))
	require.Equal(10, hh.storage.AvailableSurbs(p))
	require.Equal(uint32(0), hh.storage.SurbsStorage().PendingReception(p))
	require.Len(hh.fake.surbRequests, 1)
}

func TestPendingReplyUnknownTag(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())

	hh.h.handleRequest(context.Background(), reply(newTag(t), 1))
	require.Empty(hh.fake.packets)
	require.Empty(hh.fake.surbRequests)
	require.Empty(hh.h.pending)
}

func TestPendingReplySendFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())
	ctx := context.Background()

	p := newTag(t)
	hh.storage.SurbsStorage().InsertSurbs(p, makeSurbs(20))
	hh.fake.err = errors.New("packet layer unavailable")
	hh.h.handleRequest(ctx, reply(p, 2))

	require.Equal(20, hh.storage.AvailableSurbs(p))
	require.Equal(2, hh.h.pendingLen(p))

	hh.fake.err = nil
	hh.h.handleRequest(ctx, &AdditionalSurbs{Tag: p})
	require.Len(hh.fake.packets, 2)
	require.Equal(18, hh.storage.AvailableSurbs(p))
}

func TestPendingReplyStale(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())
	ctx := context.Background()

	p := newTag(t)
	hh.storage.SurbsStorage().Restore(p, makeSurbs(5), hh.now)
	hh.h.handleRequest(ctx, reply(p, 4))
	require.Len(hh.fake.packets, 2)
	require.Len(hh.fake.surbRequests, 1)

	hh.now = hh.now.Add(5 * time.Second)
	hh.h.inspectStale(ctx)
	require.Len(hh.fake.surbRequests, 1)

	hh.now = hh.now.Add(6 * time.Second)
	hh.h.inspectStale(ctx)
	require.Len(hh.fake.surbRequests, 2)
	require.Equal(2, hh.h.pendingLen(p))

	hh.now = hh.now.Add(5 * time.Minute)
	hh.h.inspectStale(ctx)
	require.Equal(0, hh.h.pendingLen(p))
	require.Equal(float64(2), counterValue(t, hh, "pending_reply_fragments_dropped_total"))
}

func TestPendingReplyExpiry(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())

	p := newTag(t)
	hh.storage.SurbsStorage().Restore(p, makeSurbs(5), hh.now.Add(-13*time.Hour))
	hh.storage.KeyStorage().Restore(UsedReplyKey{Key: newKey(t), SentAt: hh.now.Add(-25 * time.Hour).Unix()})
	hh.storage.KeyStorage().Insert(newKey(t))

	hh.h.inspectStale(context.Background())
	require.Equal(0, hh.storage.AvailableSurbs(p))
	require.Equal(1, hh.storage.KeyStorage().Len())
}

func TestPendingReplySurbRequestFromPeer(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())
	ctx := context.Background()

	var alice Recipient
	alice[0] = 0xa1
	tag, err := hh.storage.TagsStorage().GetOrCreate(alice)
	require.NoError(err)

	hh.h.handleRequest(ctx, &AdditionalSurbsRequest{Recipient: alice, Amount: 1000})
	require.Equal(uint32(500), hh.fake.surbsSent[alice])
	require.Equal([]uint32{100, 100, 100, 100, 100}, hh.fake.surbBatches)

	hh.h.handleRequest(ctx, &AdditionalSurbsRequest{Recipient: alice, Amount: 5})
	again, _ := hh.storage.TagsStorage().Get(alice)
	require.Equal(tag, again)
	require.Equal(uint32(505), hh.fake.surbsSent[alice])
	require.Equal(uint32(5), hh.fake.surbBatches[len(hh.fake.surbBatches)-1])
}

func TestPendingReplySurbRequestBatches(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())

	var bob Recipient
	bob[0] = 0xb0
	_, err := hh.storage.TagsStorage().GetOrCreate(bob)
	require.NoError(err)

	hh.h.handleRequest(context.Background(), &AdditionalSurbsRequest{Recipient: bob, Amount: 250})
	require.Equal([]uint32{100, 100, 50}, hh.fake.surbBatches)
	require.Equal(uint32(250), hh.fake.surbsSent[bob])
}

func TestPendingReplySurbRequestFromUnknownPeer(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())

	var mallory Recipient
	mallory[0] = 0x3a
	hh.h.handleRequest(context.Background(), &AdditionalSurbsRequest{Recipient: mallory, Amount: 50})
	require.Empty(hh.fake.surbsSent)
	require.Empty(hh.fake.surbBatches)
	require.Equal(0, hh.storage.KeyStorage().Len())
	require.Equal(0, hh.storage.TagsStorage().Len())
}

func TestPendingReplyUnsolicitedSurbs(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())

	p := newTag(t)
	hh.storage.SurbsStorage().IncrementPendingReception(p, 10)
	hh.h.handleRequest(context.Background(), &AdditionalSurbs{Tag: p, Surbs: makeSurbs(4)})
	require.Equal(uint32(10), hh.storage.SurbsStorage().PendingReception(p))
	require.Equal(4, hh.storage.AvailableSurbs(p))

	hh.h.handleRequest(context.Background(), &AdditionalSurbs{Tag: p, Surbs: makeSurbs(4), FromRequest: true})
	require.Equal(uint32(6), hh.storage.SurbsStorage().PendingReception(p))
}

func TestPendingReplyWorker(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	hh := newHandlerHarness(t, 3, testHandlerConfig())
	hh.h.Start()

	p := newTag(t)
	require.NoError(hh.h.Submit(&AdditionalSurbs{Tag: p, Surbs: makeSurbs(10)}))
	require.NoError(hh.h.Submit(reply(p, 2)))
	require.Eventually(func() bool { return hh.fake.sentPackets() == 2 }, time.Second, time.Millisecond)

	hh.h.Halt()
	require.ErrorIs(hh.h.Submit(reply(p, 1)), ErrHalted)
}

func counterValue(t *testing.T, hh *handlerHarness, name string) float64 {
	families, err := hh.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "replyarq_"+name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("unknown counter %s", name)
	return 0
}
