// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers.
// SPDX-License-Identifier: AGPL-3.0-only

package replies

import (
	"context"
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyarq/client/instrument"
	"github.com/katzenpost/replyarq/client/lane"
	"github.com/katzenpost/replyarq/core/fragment"
	"github.com/katzenpost/replyarq/core/log"
	"github.com/katzenpost/replyarq/core/worker"
)

// ErrHalted is returned by Submit once the handler is halted.
var ErrHalted = errors.New("replies: halted")

// maxSurbsPerMessage caps the reply SURBs sent to a peer in one message.
const maxSurbsPerMessage = 100

// HandlerConfig is the PendingReplyHandler configuration.
type HandlerConfig struct {
	// FragmentPayloadSize is the number of reply bytes per fragment.
	FragmentPayloadSize int

	// MinimumRequestSize and MaximumRequestSize bound the number of
	// reply SURBs asked for at once.
	MinimumRequestSize uint32
	MaximumRequestSize uint32

	// MaximumAllowedRequestSize bounds the number of reply SURBs a peer
	// may ask us for at once.
	MaximumAllowedRequestSize uint32

	// RerequestWaitingPeriod is how long requested SURBs may take to
	// arrive before they are asked for again.
	RerequestWaitingPeriod time.Duration

	// DropWaitingPeriod is how long pending replies wait for SURBs before
	// they are dropped.
	DropWaitingPeriod time.Duration

	// MaximumSurbAge and MaximumKeyAge expire stored reply SURBs and reply
	// keys.  Zero disables expiry.
	MaximumSurbAge time.Duration
	MaximumKeyAge  time.Duration

	// CheckInterval is the period of the stale queue inspection.
	CheckInterval time.Duration

	// QueueSize is the capacity of the request channel.
	QueueSize int
}

type pendingFragment struct {
	frag fragment.Fragment
	lane lane.TransmissionLane
}

type pendingReplies struct {
	fragments   []pendingFragment
	lastRequest time.Time
}

// PendingReplyHandler sends replies with reply SURBs, holding them back
// until enough SURBs are available and asking the peer for more.  Pending
// replies are private to its worker go routine.
type PendingReplyHandler struct {
	worker.Worker

	log      *logging.Logger
	counters *instrument.Counters
	cfg      *HandlerConfig
	now      func() time.Time

	storage   *CombinedReplyStorage
	handler   MessageHandler
	requestCh chan ReplyRequest

	pending map[AnonymousSenderTag]*pendingReplies
}

// NewPendingReplyHandler creates a PendingReplyHandler.
func NewPendingReplyHandler(logBackend *log.Backend, cfg *HandlerConfig, storage *CombinedReplyStorage, handler MessageHandler, counters *instrument.Counters) *PendingReplyHandler {
	return &PendingReplyHandler{
		log:       logBackend.GetLogger("pending_replies"),
		counters:  counters,
		cfg:       cfg,
		now:       time.Now,
		storage:   storage,
		handler:   handler,
		requestCh: make(chan ReplyRequest, cfg.QueueSize),
		pending:   make(map[AnonymousSenderTag]*pendingReplies),
	}
}

// Start starts the handler's worker.
func (h *PendingReplyHandler) Start() {
	h.Go(h.worker)
}

// Submit queues req, blocking while the request channel is full.
func (h *PendingReplyHandler) Submit(req ReplyRequest) error {
	select {
	case h.requestCh <- req:
		return nil
	case <-h.HaltCh():
		return ErrHalted
	}
}

func (h *PendingReplyHandler) worker() {
	ctx, cancel := h.Context()
	defer cancel()

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.HaltCh():
			n := 0
			for _, p := range h.pending {
				n += len(p.fragments)
			}
			h.log.Debugf("Halted, discarding %d pending reply fragments", n)
			return
		case req := <-h.requestCh:
			h.handleRequest(ctx, req)
		case <-ticker.C:
			h.inspectStale(ctx)
		}
	}
}

func (h *PendingReplyHandler) handleRequest(ctx context.Context, req ReplyRequest) {
	switch r := req.(type) {
	case *SendReply:
		h.handleSendReply(ctx, r)
	case *AdditionalSurbs:
		h.handleAdditionalSurbs(ctx, r)
	case *AdditionalSurbsRequest:
		h.handleSurbRequest(ctx, r)
	default:
		h.log.Errorf("BUG: unknown reply request: %T", req)
	}
}

func (h *PendingReplyHandler) handleSendReply(ctx context.Context, r *SendReply) {
	if !h.storage.ContainsSurbsFor(r.Tag) {
		h.log.Warningf("No reply SURBs were ever received for %v, dropping reply", r.Tag)
		return
	}
	setID, err := fragment.RandomSetID(true)
	if err != nil {
		h.log.Errorf("Failed to pick a set id for a reply to %v: %v", r.Tag, err)
		return
	}
	frags, err := fragment.Split(setID, r.Data, h.cfg.FragmentPayloadSize)
	if err != nil {
		h.log.Warningf("Dropping reply to %v: %v", r.Tag, err)
		return
	}

	p := h.pendingFor(r.Tag)
	for _, f := range frags {
		p.fragments = append(p.fragments, pendingFragment{frag: f, lane: r.Lane})
	}
	h.clearPending(ctx, r.Tag)
	h.requestMoreIfNeeded(ctx, r.Tag)
}

func (h *PendingReplyHandler) handleAdditionalSurbs(ctx context.Context, r *AdditionalSurbs) {
	surbs := h.storage.SurbsStorage()
	surbs.InsertSurbs(r.Tag, r.Surbs)
	if r.FromRequest {
		surbs.DecrementPendingReception(r.Tag, uint32(len(r.Surbs)))
	}
	h.counters.SurbsReceived(len(r.Surbs))
	h.log.Debugf("Received %d reply SURBs for %v", len(r.Surbs), r.Tag)

	h.clearPending(ctx, r.Tag)
	h.requestMoreIfNeeded(ctx, r.Tag)
}

func (h *PendingReplyHandler) handleSurbRequest(ctx context.Context, r *AdditionalSurbsRequest) {
	amount := r.Amount
	if amount > h.cfg.MaximumAllowedRequestSize {
		h.log.Warningf("%v asked for %d reply SURBs, sending %d", r.Recipient, amount, h.cfg.MaximumAllowedRequestSize)
		amount = h.cfg.MaximumAllowedRequestSize
	}
	if amount == 0 {
		return
	}
	tag, ok := h.storage.TagsStorage().Get(r.Recipient)
	if !ok {
		h.log.Warningf("Ignoring a request for %d reply SURBs from %v, we never sent them anything", amount, r.Recipient)
		return
	}
	for remaining := amount; remaining > 0; {
		n := min(remaining, maxSurbsPerMessage)
		keys, err := h.handler.SendAdditionalSurbs(ctx, r.Recipient, tag, n)
		if err != nil {
			h.log.Errorf("Failed to send %d of %d reply SURBs to %v: %v", remaining, amount, r.Recipient, err)
			return
		}
		h.storage.KeyStorage().InsertMultiple(keys)
		remaining -= n
	}
}

func (h *PendingReplyHandler) pendingFor(tag AnonymousSenderTag) *pendingReplies {
	p, ok := h.pending[tag]
	if !ok {
		p = new(pendingReplies)
		h.pending[tag] = p
	}
	return p
}

func (h *PendingReplyHandler) pendingLen(tag AnonymousSenderTag) int {
	if p, ok := h.pending[tag]; ok {
		return len(p.fragments)
	}
	return 0
}

// clearPending sends as many pending fragments for tag as the reply SURB
// reserve allows.
func (h *PendingReplyHandler) clearPending(ctx context.Context, tag AnonymousSenderTag) {
	p, ok := h.pending[tag]
	if !ok {
		return
	}
	n := h.storage.AvailableSurbs(tag) - h.storage.MinSurbThreshold()
	if n > len(p.fragments) {
		n = len(p.fragments)
	}
	if n <= 0 {
		return
	}
	surbs, _, ok := h.storage.SurbsStorage().GetReplySurbs(tag, n)
	if !ok {
		return
	}

	packets := make([]ReplyPacket, 0, n)
	for i, f := range p.fragments[:n] {
		packets = append(packets, ReplyPacket{
			Fragment: f.frag,
			Surb:     surbs[i],
			Lane:     f.lane,
		})
	}
	if err := h.handler.SendReplyPackets(ctx, tag, packets); err != nil {
		h.log.Errorf("Failed to send %d reply fragments to %v: %v", n, tag, err)
		h.storage.SurbsStorage().ReturnSurbs(tag, surbs)
		return
	}

	p.fragments = p.fragments[n:]
	if len(p.fragments) == 0 {
		delete(h.pending, tag)
	}
}

// shouldRequestMoreSurbs returns the number of reply SURBs to ask the peer
// behind tag for, or zero.
func (h *PendingReplyHandler) shouldRequestMoreSurbs(tag AnonymousSenderTag) uint32 {
	surbs := h.storage.SurbsStorage()
	wanted := h.pendingLen(tag) + surbs.MinSurbThreshold()
	have := surbs.AvailableSurbs(tag) + int(surbs.PendingReception(tag))
	if have >= wanted || have >= surbs.MaxSurbThreshold() {
		return 0
	}

	amount := uint32(wanted - have)
	if amount < h.cfg.MinimumRequestSize {
		amount = h.cfg.MinimumRequestSize
	}
	if amount > h.cfg.MaximumRequestSize {
		amount = h.cfg.MaximumRequestSize
	}
	return amount
}

func (h *PendingReplyHandler) requestMoreIfNeeded(ctx context.Context, tag AnonymousSenderTag) {
	if amount := h.shouldRequestMoreSurbs(tag); amount > 0 {
		h.requestSurbs(ctx, tag, amount)
	}
}

func (h *PendingReplyHandler) requestSurbs(ctx context.Context, tag AnonymousSenderTag, amount uint32) {
	surbs := h.storage.SurbsStorage()
	surb, _, known := surbs.GetReplySurbIgnoringThreshold(tag)
	switch {
	case !known:
		h.log.Warningf("No reply SURBs were ever received for %v, can not request more", tag)
		return
	case surb == nil:
		h.log.Warningf("Out of reply SURBs for %v, can not request more", tag)
		return
	}

	if err := h.handler.SendSurbRequest(ctx, tag, *surb, amount); err != nil {
		h.log.Errorf("Failed to request reply SURBs from %v: %v", tag, err)
		surbs.ReturnSurbs(tag, []ReplySurb{*surb})
		return
	}
	surbs.IncrementPendingReception(tag, amount)
	h.pendingFor(tag).lastRequest = h.now()
	h.counters.SurbRequestSent()
	h.log.Debugf("Requested %d reply SURBs from %v", amount, tag)
}

// inspectStale asks again for reply SURBs that are overdue, and drops
// pending replies that waited too long for them.
func (h *PendingReplyHandler) inspectStale(ctx context.Context) {
	now := h.now()
	for tag, p := range h.pending {
		if len(p.fragments) == 0 {
			delete(h.pending, tag)
			continue
		}
		lastReceived, ok := h.storage.SurbsStorage().SurbsLastReceivedAt(tag)
		if !ok {
			h.log.Errorf("BUG: pending replies for %v with no reply SURBs", tag)
			continue
		}
		if now.Sub(lastReceived) > h.cfg.DropWaitingPeriod {
			h.log.Warningf("Dropping %d reply fragments for %v, no reply SURBs arrived", len(p.fragments), tag)
			h.counters.PendingRepliesDropped(len(p.fragments))
			delete(h.pending, tag)
			continue
		}
		last := lastReceived
		if p.lastRequest.After(last) {
			last = p.lastRequest
		}
		if now.Sub(last) > h.cfg.RerequestWaitingPeriod {
			h.log.Debugf("Requested reply SURBs for %v are overdue, asking again", tag)
			h.storage.SurbsStorage().ResetPendingReception(tag)
			h.requestMoreIfNeeded(ctx, tag)
		}
	}

	if h.cfg.MaximumKeyAge > 0 {
		if n := h.storage.KeyStorage().RemoveOlderThan(now.Add(-h.cfg.MaximumKeyAge)); n > 0 {
			h.log.Debugf("Expired %d reply keys", n)
		}
	}
	if h.cfg.MaximumSurbAge > 0 {
		if n := h.storage.SurbsStorage().RemoveStale(now.Add(-h.cfg.MaximumSurbAge)); n > 0 {
			h.log.Debugf("Expired %d reply SURBs", n)
		}
	}
}
