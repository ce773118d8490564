// client.go - Reply and retransmission client core.
// Copyright (C) 2018  David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package client wires the retransmission and reply SURB machinery of a
// mix network client together.
package client

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/replyarq/client/acknowledgement"
	"github.com/katzenpost/replyarq/client/config"
	"github.com/katzenpost/replyarq/client/inbound"
	"github.com/katzenpost/replyarq/client/instrument"
	"github.com/katzenpost/replyarq/client/replies"
	"github.com/katzenpost/replyarq/client/replies/backend"
	"github.com/katzenpost/replyarq/core/fragment"
	"github.com/katzenpost/replyarq/core/log"
	"github.com/katzenpost/replyarq/core/monotime"
	"github.com/katzenpost/replyarq/core/retry"
	"github.com/katzenpost/replyarq/core/worker"
)

// PacketLayer is the packet building and sending side of the client.
type PacketLayer struct {
	// Handler builds and queues packets.
	Handler replies.MessageHandler

	// SentNotifications carries the id of every fragment handed to the
	// network.
	SentNotifications <-chan fragment.Identifier

	// Acknowledgements carries batches of serialized fragment ids taken
	// from received acknowledgement packets.
	Acknowledgements <-chan [][]byte

	// Clock drives the retransmission timers.  Nil selects the runtime
	// clock.
	Clock monotime.Clock
}

// Client runs the retransmission and reply tasks.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	fatalErrCh chan error
	haltOnce   *sync.Once

	registry *prometheus.Registry
	counters *instrument.Counters
	metrics  *instrument.Listener

	persister       *backend.Persister
	actions         *acknowledgement.ActionChannel
	retransmissions *acknowledgement.RetransmissionQueue
	controller      *acknowledgement.ActionController
	sentListener    *acknowledgement.SentNotificationListener
	ackListener     *acknowledgement.AcknowledgementListener
	pendingReplies  *replies.PendingReplyHandler
	input           *inbound.InputMessageSender
	inputListener   *inbound.InputMessageListener
}

// New creates a new Client with the provided configuration, driving the
// given packet layer.  Nothing runs until Start is called.
func New(cfg *config.Config, p *PacketLayer) (*Client, error) {
	if p == nil || p.Handler == nil {
		return nil, errors.New("client: a packet layer with a message handler is required")
	}

	c := new(Client)
	c.cfg = cfg
	c.fatalErrCh = make(chan error)
	c.haltOnce = new(sync.Once)

	if err := c.initLogging(); err != nil {
		return nil, err
	}
	if err := c.initMetrics(); err != nil {
		return nil, err
	}

	b, err := newBackend(c.logBackend, cfg)
	if err != nil {
		c.closeMetrics()
		return nil, err
	}
	thresholds := backend.Thresholds{
		Min: cfg.ReplySurbs.MinimumReplySurbStorageThreshold,
		Max: cfg.ReplySurbs.MaximumReplySurbStorageThreshold,
	}
	if c.persister, err = backend.NewPersister(c.logBackend, b, thresholds, cfg.Storage.Flush(), c.counters); err != nil {
		b.Close()
		c.closeMetrics()
		return nil, err
	}
	storage := c.persister.Storage()

	c.actions = acknowledgement.NewActionChannel()
	c.retransmissions = acknowledgement.NewRetransmissionQueue()
	ctrlCfg := &acknowledgement.ControllerConfig{
		Policy:             retransmissionPolicy(cfg.Acknowledgements),
		MaxRetransmissions: cfg.Acknowledgements.MaxRetransmissions,
		Clock:              p.Clock,
	}
	c.controller = acknowledgement.NewActionController(c.logBackend, ctrlCfg, c.actions, c.retransmissions, c.counters, c.fatalErrCh)
	c.sentListener = acknowledgement.NewSentNotificationListener(c.logBackend, p.SentNotifications, c.actions, c.counters)
	c.ackListener = acknowledgement.NewAcknowledgementListener(c.logBackend, p.Acknowledgements, c.actions, c.counters)

	c.pendingReplies = replies.NewPendingReplyHandler(c.logBackend, handlerConfig(cfg), storage, p.Handler, c.counters)

	var input <-chan inbound.InputMessage
	c.input, input = inbound.NewInputChannel(cfg.Debug.InputQueueSize)
	c.inputListener = inbound.NewInputMessageListener(c.logBackend, input, p.Handler, storage, c.pendingReplies)

	return c, nil
}

func (c *Client) initLogging() error {
	f := c.cfg.Logging.File
	if !c.cfg.Logging.Disable && c.cfg.Logging.File != "" {
		if !filepath.IsAbs(f) {
			return errors.New("log file path must be absolute path")
		}
	}

	var err error
	c.logBackend, err = log.New(f, c.cfg.Logging.Level, c.cfg.Logging.Disable)
	if err == nil {
		c.log = c.logBackend.GetLogger("replyarq/client")
	}
	return err
}

func (c *Client) initMetrics() error {
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector())
	c.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var err error
	if c.counters, err = instrument.New(c.registry); err != nil {
		return err
	}
	if addr := c.cfg.Metrics.Address; addr != "" {
		if c.metrics, err = instrument.Listen(addr, c.registry, c.logBackend.GetLogger("metrics")); err != nil {
			c.counters.Unregister()
			return fmt.Errorf("client: failed to start the metrics listener: %w", err)
		}
	}
	return nil
}

func (c *Client) closeMetrics() {
	if c.metrics != nil {
		if err := c.metrics.Close(); err != nil {
			c.log.Warningf("Failed to close the metrics listener: %v", err)
		}
	}
	c.counters.Unregister()
}

func newBackend(logBackend *log.Backend, cfg *config.Config) (backend.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		b, err := backend.NewBolt(logBackend, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendPostgres:
		b, err := backend.NewPostgres(logBackend, cfg.Storage.DSN, cfg.Storage.MaxConnections, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return backend.Empty{}, nil
	}
}

func retransmissionPolicy(aCfg *config.Acknowledgements) retry.Policy {
	if aCfg.Backoff == config.BackoffExponential {
		return &retry.Exponential{Base: aCfg.Timeout(), Max: aCfg.MaxTimeout(), Jitter: aCfg.Jitter}
	}
	return retry.Fixed(aCfg.Timeout())
}

func handlerConfig(cfg *config.Config) *replies.HandlerConfig {
	r := cfg.ReplySurbs
	return &replies.HandlerConfig{
		FragmentPayloadSize:       cfg.Debug.FragmentPayloadSize,
		MinimumRequestSize:        uint32(r.MinimumReplySurbRequestSize),
		MaximumRequestSize:        uint32(r.MaximumReplySurbRequestSize),
		MaximumAllowedRequestSize: uint32(r.MaximumAllowedReplySurbRequestSize),
		RerequestWaitingPeriod:    r.RerequestWaitingPeriod(),
		DropWaitingPeriod:         r.DropWaitingPeriod(),
		MaximumSurbAge:            r.SurbAge(),
		MaximumKeyAge:             r.KeyAge(),
		CheckInterval:             cfg.Debug.CheckInterval(),
		QueueSize:                 cfg.Debug.InputQueueSize,
	}
}

// Start starts every client task.
func (c *Client) Start() {
	c.persister.Start()
	c.controller.Start()
	c.sentListener.Start()
	c.ackListener.Start()
	c.pendingReplies.Start()
	c.inputListener.Start()

	// Must not run under worker.Worker.Go, halt waits for the worker's
	// go routines and would deadlock.
	go c.fatalErr()
	c.log.Notice("Started")
}

func (c *Client) fatalErr() {
	select {
	case <-c.HaltCh():
	case err := <-c.fatalErrCh:
		c.log.Warningf("Shutting down due to error: %v", err)
		c.Shutdown()
	}
}

// GetConfig returns the client configuration.
func (c *Client) GetConfig() *config.Config {
	return c.cfg
}

// GetLogger returns a new logger with the given name.
func (c *Client) GetLogger(name string) *logging.Logger {
	return c.logBackend.GetLogger(name)
}

// Registry returns the registry the client metrics are registered with.
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

// Input returns the sender through which the application submits
// messages.
func (c *Client) Input() *inbound.InputMessageSender {
	return c.input
}

// Retransmissions returns the queue of fragments the packet layer must
// send again.
func (c *Client) Retransmissions() *acknowledgement.RetransmissionQueue {
	return c.retransmissions
}

// PendingRetransmissions returns the number of fragments awaiting an
// acknowledgement.
func (c *Client) PendingRetransmissions() int {
	return c.controller.Len()
}

// ReplyStorage returns the reply keys, reply SURBs and sender tags.
func (c *Client) ReplyStorage() *replies.CombinedReplyStorage {
	return c.persister.Storage()
}

// ReceivedSurbs hands reply SURBs received from the peer behind tag to the
// pending reply handler.  fromRequest is set when they answer one of our
// requests for more.
func (c *Client) ReceivedSurbs(tag replies.AnonymousSenderTag, surbs []replies.ReplySurb, fromRequest bool) error {
	return c.pendingReplies.Submit(&replies.AdditionalSurbs{Tag: tag, Surbs: surbs, FromRequest: fromRequest})
}

// ReceivedSurbRequest hands a peer's request for amount more reply SURBs
// to the pending reply handler.
func (c *Client) ReceivedSurbRequest(recipient replies.Recipient, amount uint32) error {
	return c.pendingReplies.Submit(&replies.AdditionalSurbsRequest{Recipient: recipient, Amount: amount})
}

// Shutdown cleanly shuts down a given Client instance.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() { c.halt() })
}

// Wait waits till the Client is terminated for any reason.
func (c *Client) Wait() {
	<-c.HaltCh()
}

func (c *Client) halt() {
	c.log.Notice("Starting graceful shutdown.")

	c.inputListener.Halt()
	c.sentListener.Halt()
	c.ackListener.Halt()
	c.actions.Close()
	c.controller.Halt()
	c.retransmissions.Close()
	c.pendingReplies.Halt()
	c.persister.Halt()
	c.closeMetrics()

	c.Halt()
	c.log.Notice("Shutdown complete.")
}
