// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/replyarq/client/lane"
	"github.com/katzenpost/replyarq/client/replies"
	"github.com/katzenpost/replyarq/core/log"
)

type sentMessage struct {
	kind      string
	recipient replies.Recipient
	tag       replies.AnonymousSenderTag
	data      []byte
	surbs     uint32
	lane      lane.TransmissionLane
}

type fakeMessageHandler struct {
	sync.Mutex

	err  error
	sent []sentMessage
}

func (f *fakeMessageHandler) record(m sentMessage) error {
	f.Lock()
	defer f.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeMessageHandler) messages() []sentMessage {
	f.Lock()
	defer f.Unlock()
	return append([]sentMessage{}, f.sent...)
}

func (f *fakeMessageHandler) SendRegular(_ context.Context, recipient replies.Recipient, data []byte, l lane.TransmissionLane) error {
	return f.record(sentMessage{kind: "regular", recipient: recipient, data: data, lane: l})
}

func (f *fakeMessageHandler) SendAnonymous(_ context.Context, recipient replies.Recipient, tag replies.AnonymousSenderTag, data []byte, replySurbs uint32, l lane.TransmissionLane) ([]replies.SurbEncryptionKey, error) {
	if err := f.record(sentMessage{kind: "anonymous", recipient: recipient, tag: tag, data: data, surbs: replySurbs, lane: l}); err != nil {
		return nil, err
	}
	keys := make([]replies.SurbEncryptionKey, 0, replySurbs)
	for i := uint32(0); i < replySurbs; i++ {
		key, err := replies.NewSurbEncryptionKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (f *fakeMessageHandler) SendReplyPackets(context.Context, replies.AnonymousSenderTag, []replies.ReplyPacket) error {
	return errors.New("unexpected reply packets")
}

func (f *fakeMessageHandler) SendSurbRequest(context.Context, replies.AnonymousSenderTag, replies.ReplySurb, uint32) error {
	return errors.New("unexpected surb request")
}

func (f *fakeMessageHandler) SendAdditionalSurbs(context.Context, replies.Recipient, replies.AnonymousSenderTag, uint32) ([]replies.SurbEncryptionKey, error) {
	return nil, errors.New("unexpected additional surbs")
}

type fakeSubmitter struct {
	sync.Mutex

	err  error
	reqs []replies.ReplyRequest
}

func (s *fakeSubmitter) Submit(req replies.ReplyRequest) error {
	s.Lock()
	defer s.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

type harness struct {
	handler   *fakeMessageHandler
	submitter *fakeSubmitter
	storage   *replies.CombinedReplyStorage
	listener  *InputMessageListener
}

func newHarness(t *testing.T, input <-chan InputMessage) *harness {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	h := &harness{
		handler:   &fakeMessageHandler{},
		submitter: &fakeSubmitter{},
		storage:   replies.NewCombinedReplyStorage(10, 200),
	}
	h.listener = NewInputMessageListener(logBackend, input, h.handler, h.storage, h.submitter)
	return h
}

func testRecipient(b byte) replies.Recipient {
	var r replies.Recipient
	r[0] = b
	return r
}

func TestInputMessageLanes(t *testing.T) {
	require := require.New(t)

	tag, err := replies.NewAnonymousSenderTag()
	require.NoError(err)

	require.Equal(lane.General, NewRegular(testRecipient(1), nil, lane.General).Lane())
	require.Equal(lane.ConnectionID(7), NewAnonymous(testRecipient(1), nil, 5, lane.ConnectionID(7)).Lane())
	require.Equal(lane.Reply, NewReply(tag, nil, lane.Reply).Lane())
}

func TestListenerRegular(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, nil)

	h.listener.onMessage(context.Background(), NewRegular(testRecipient(1), []byte("hello"), lane.General))

	sent := h.handler.messages()
	require.Len(sent, 1)
	require.Equal("regular", sent[0].kind)
	require.Equal(testRecipient(1), sent[0].recipient)
	require.Equal([]byte("hello"), sent[0].data)
	require.Equal(0, h.storage.TagsStorage().Len())
	require.Equal(0, h.storage.KeyStorage().Len())
}

func TestListenerAnonymousReusesTag(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, nil)
	ctx := context.Background()

	h.listener.onMessage(ctx, NewAnonymous(testRecipient(2), []byte("a"), 3, lane.ConnectionID(1)))
	h.listener.onMessage(ctx, NewAnonymous(testRecipient(2), []byte("b"), 2, lane.ConnectionID(1)))

	sent := h.handler.messages()
	require.Len(sent, 2)
	require.Equal(sent[0].tag, sent[1].tag)
	require.Equal(uint32(3), sent[0].surbs)
	require.Equal(lane.ConnectionID(1), sent[1].lane)

	tag, ok := h.storage.TagsStorage().Get(testRecipient(2))
	require.True(ok)
	require.Equal(sent[0].tag, tag)
	require.Equal(5, h.storage.KeyStorage().Len())
}

func TestListenerAnonymousFailureStoresNoKeys(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, nil)
	h.handler.err = errors.New("mix queue full")

	h.listener.onMessage(context.Background(), NewAnonymous(testRecipient(3), []byte("a"), 4, lane.General))

	require.Equal(0, h.storage.KeyStorage().Len())
	require.Equal(1, h.storage.TagsStorage().Len())
}

func TestListenerReply(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, nil)

	tag, err := replies.NewAnonymousSenderTag()
	require.NoError(err)

	h.listener.onMessage(context.Background(), NewReply(tag, []byte("re"), lane.Reply))

	require.Empty(h.handler.messages())
	require.Len(h.submitter.reqs, 1)
	req, ok := h.submitter.reqs[0].(*replies.SendReply)
	require.True(ok)
	require.Equal(tag, req.Tag)
	require.Equal([]byte("re"), req.Data)
	require.Equal(lane.Reply, req.Lane)

	h.submitter.err = replies.ErrHalted
	h.listener.onMessage(context.Background(), NewReply(tag, []byte("late"), lane.Reply))
	require.Len(h.submitter.reqs, 1)
}

func TestListenerWorker(t *testing.T) {
	require := require.New(t)

	sender, input := NewInputChannel(4)
	h := newHarness(t, input)
	h.listener.Start()

	ctx := context.Background()
	require.NoError(sender.Send(ctx, NewRegular(testRecipient(1), []byte("1"), lane.General)))
	require.NoError(sender.Send(ctx, NewRegular(testRecipient(1), []byte("2"), lane.General)))

	require.Eventually(func() bool {
		return len(h.handler.messages()) == 2
	}, time.Second, 10*time.Millisecond)

	sent := h.handler.messages()
	require.Equal([]byte("1"), sent[0].data)
	require.Equal([]byte("2"), sent[1].data)

	h.listener.Halt()
}

func TestInputSenderBlocksWhenFull(t *testing.T) {
	require := require.New(t)

	sender, input := NewInputChannel(1)
	require.NoError(sender.Send(context.Background(), NewRegular(testRecipient(1), nil, lane.General)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sender.Send(ctx, NewRegular(testRecipient(1), nil, lane.General))
	require.ErrorIs(err, context.DeadlineExceeded)

	<-input
	require.NoError(sender.Send(context.Background(), NewRegular(testRecipient(1), nil, lane.General)))
}
