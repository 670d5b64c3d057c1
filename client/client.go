// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client implements the protocol engine: connection and session
// lifecycle, request correlation, topic pub/sub, and point-to-point
// message delivery for the hosted messaging service.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/magnetsystems/mmx-go/config"
	"github.com/magnetsystems/mmx-go/offline"
	"github.com/magnetsystems/mmx-go/topics"
	"github.com/magnetsystems/mmx-go/transport"
	"github.com/magnetsystems/mmx-go/wire"
	"github.com/magnetsystems/mmx-go/xid"
)

// PriorityNotAvailable suspends message flow entirely; the server queues
// reliable messages until a real priority is restored.
const PriorityNotAvailable = -255

// Client is a thread-safe connection to the messaging service.
type Client struct {
	cfg  *config.Settings
	log  *slog.Logger
	dial transport.DialFunc

	// State management
	state *stateManager

	// Connection
	conn   net.Conn
	enc    *wire.Encoder
	connMu sync.RWMutex

	// Request correlation
	pending *correlator

	// Inbound chunk reassembly
	assembler *assembler

	// Deferred operations while disconnected
	queue offline.Queue

	listeners *listeners
	metrics   *metrics

	// Session
	authMu   sync.Mutex
	auth     authState
	user     xid.ID
	creds    *credentialStore
	delivery *deliveryTracker

	// Message-flow priority, re-sent after every (re)authentication.
	priority int32

	// Lifecycle. stopCh and doneCh belong to the current stream and are
	// guarded by connMu; ackCh lives for the whole client.
	stopCh   chan struct{}
	doneCh   chan struct{}
	ackCh    chan ackJob
	reconnMu sync.Mutex
}

type ackJob struct {
	messageID string
	from      string
}

// New creates a client with the given options.
func New(opts *Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.withDefaults()

	c := &Client{
		cfg:       opts.Settings,
		log:       opts.Logger,
		dial:      opts.Dial,
		state:     newStateManager(),
		pending:   newCorrelator(uuid.NewString()[:8]),
		assembler: newAssembler(opts.Settings.RequestTimeout),
		queue:     opts.Queue,
		listeners: newListeners(opts.Logger),
		metrics:   newMetrics(),
		ackCh:     make(chan ackJob, 64),
		creds: newCredentialStore(opts.Settings.DataDir,
			opts.Settings.AppID, opts.Settings.GuestSecret),
	}
	return c, nil
}

// Connect opens the stanza stream. The session is not usable for protocol
// operations until Login or LoginAnonymously succeeds.
func (c *Client) Connect(ctx context.Context) error {
	if c.state.isClosed() {
		return ErrClientClosed
	}
	if !c.state.transitionFrom(StateConnecting, StateDisconnected, StateReconnecting) {
		return ErrAlreadyConnected
	}

	if err := c.doConnect(ctx); err != nil {
		c.state.set(StateDisconnected)
		return err
	}

	// The loops must be running before the state change makes the
	// stream visible to Disconnect.
	c.connMu.Lock()
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stop, done := c.stopCh, c.doneCh
	c.connMu.Unlock()
	go c.readLoop(stop, done)
	go c.ackLoop(stop)
	c.state.set(StateConnected)

	c.listeners.notifyConn(StateConnected, nil)
	return nil
}

func (c *Client) doConnect(ctx context.Context) error {
	conn, err := c.dial(ctx, c.cfg.Addr())
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, c.cfg.Addr(), err)
	}

	enc := wire.NewEncoder(conn)
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := enc.OpenStream(c.cfg.Domain()); err != nil {
		conn.Close()
		return fmt.Errorf("%w: open stream: %v", ErrConnectFailed, err)
	}
	conn.SetWriteDeadline(time.Time{})

	c.connMu.Lock()
	c.conn = conn
	c.enc = enc
	c.connMu.Unlock()
	return nil
}

// Disconnect closes the stream deliberately. Stored credentials and the
// offline queue are kept; Connect may be called again.
func (c *Client) Disconnect() error {
	if !c.state.transitionFrom(StateDisconnecting,
		StateConnected, StateAuthenticating, StateAuthenticated) {
		return nil
	}

	// Tell the server to stop routing before the stream goes away.
	if c.isLoggedIn() {
		c.write(&wire.Presence{Type: "unavailable"})
	}
	c.connMu.RLock()
	if c.enc != nil {
		c.enc.CloseStream()
	}
	c.connMu.RUnlock()

	c.cleanup(ErrNotConnected)
	c.state.set(StateDisconnected)
	c.listeners.notifyConn(StateDisconnected, nil)
	return nil
}

// Close permanently closes the client and its offline queue.
func (c *Client) Close() error {
	if c.state.isClosed() {
		return nil
	}
	c.state.set(StateClosed)
	c.cleanup(ErrClientClosed)
	c.listeners.close()
	return c.queue.Close()
}

// cleanup tears the stream down and fails every in-flight request with
// err. Safe to call from racing callers; the second sees no stream.
func (c *Client) cleanup(err error) {
	c.connMu.Lock()
	stop, done := c.stopCh, c.doneCh
	c.stopCh, c.doneCh = nil, nil
	conn := c.conn
	c.conn = nil
	c.enc = nil
	c.connMu.Unlock()

	// Signal the loops before closing the conn, so the read loop's
	// decode error is recognized as a deliberate shutdown.
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}
	if stop != nil {
		<-done
	}

	c.pending.clear(err)
	c.setLoggedIn(false)
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected reports whether the stream is open.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// IsAuthenticated reports whether the session is established.
func (c *Client) IsAuthenticated() bool {
	return c.state.isAuthenticated()
}

// User returns the authenticated identity, zero before login.
func (c *Client) User() xid.ID {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.user
}

// Address returns the full wire address of this end-point.
func (c *Client) Address() string {
	return c.User().Address(c.cfg.AppID, c.cfg.Domain())
}

// SetPriority sets the message-flow priority for this end-point. Values in
// [-128,128] enable delivery; PriorityNotAvailable suspends it. The value
// is remembered and restored after every reconnection.
func (c *Client) SetPriority(p int) error {
	if p != PriorityNotAvailable && (p < -128 || p > 128) {
		return ErrBadPriority
	}
	atomic.StoreInt32(&c.priority, int32(p))
	if !c.state.isAuthenticated() {
		return nil
	}
	return c.sendPriority()
}

// Priority returns the current message-flow priority.
func (c *Client) Priority() int {
	return int(atomic.LoadInt32(&c.priority))
}

func (c *Client) sendPriority() error {
	p := atomic.LoadInt32(&c.priority)
	if p == PriorityNotAvailable {
		return c.write(&wire.Presence{Type: "unavailable", Status: "Blocking"})
	}
	return c.write(&wire.Presence{Priority: int(p), Status: "Online"})
}

// write sends one stanza under the write deadline.
func (c *Client) write(s wire.Stanza) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.conn == nil || c.enc == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.enc.Encode(s)
}

// request sends a command and blocks for the correlated response. A nil
// result discards the response body.
func (c *Client) request(ns, command, dst string, body, result any) error {
	if !c.state.isConnected() {
		return ErrNotConnected
	}

	var text string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		text = string(raw)
	}

	id := c.pending.nextID()
	iq := &wire.IQ{
		ID:   id,
		Type: wire.IQSet,
		To:   c.cfg.Domain(),
		Command: &wire.Command{
			Namespace:   ns,
			Name:        command,
			ContentType: wire.ContentTypeJSON,
			Dst:         dst,
			Body:        text,
		},
	}

	op := c.pending.add(id)
	if err := c.write(iq); err != nil {
		c.pending.remove(id)
		c.metrics.countRequest(context.Background(), command, err)
		return err
	}

	res, err := op.wait(c.pending, c.cfg.RequestTimeout)
	if err == nil && res == nil {
		err = ErrConnectionLost
	}
	if err == nil {
		err = responseError(res)
	}
	c.metrics.countRequest(context.Background(), command, err)
	if err != nil {
		return err
	}
	if result != nil && res.Command != nil && res.Command.Body != "" {
		if err := json.Unmarshal([]byte(res.Command.Body), result); err != nil {
			return ErrMalformedStanza
		}
	}
	return nil
}

// responseError extracts the server status from an error response.
func responseError(res *wire.IQ) error {
	if res == nil || res.Type != wire.IQError {
		return nil
	}
	se := &StatusError{Code: statusServerError, Message: "unknown error"}
	if res.Command != nil && res.Command.Body != "" {
		json.Unmarshal([]byte(res.Command.Body), se)
	}
	return se
}

// readLoop reads stanzas until the stream dies or the client stops. The
// channels are pinned to this stream so a concurrent reconnect cannot
// swap them underneath the loop.
func (c *Client) readLoop(stop, done chan struct{}) {
	defer close(done)

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}
	dec := wire.NewDecoder(conn)

	for {
		select {
		case <-stop:
			return
		default:
		}

		s, err := dec.Read()
		if err != nil {
			select {
			case <-stop:
				// Deliberate shutdown.
				return
			default:
			}
			go c.handleConnectionLost(err)
			return
		}
		c.handleStanza(s)
	}
}

func (c *Client) handleStanza(s wire.Stanza) {
	switch st := s.(type) {
	case *wire.StreamHeader:
		// Server's side of the stream, nothing to act on.
	case *wire.IQ:
		c.handleIQ(st)
	case *wire.Message:
		c.handleMessage(st)
	case *wire.Presence:
		// Peer presence is not part of the client surface.
	}
}

func (c *Client) handleIQ(iq *wire.IQ) {
	if iq.IsResponse() {
		if !c.pending.complete(iq.ID, iq, nil) {
			c.log.Debug("dropping unmatched response", "id", iq.ID)
		}
		return
	}
	// Server-initiated requests are acknowledged with an empty result so
	// the peer does not retry.
	c.write(&wire.IQ{ID: iq.ID, Type: wire.IQResult, To: iq.From})
}

func (c *Client) handleMessage(m *wire.Message) {
	switch {
	case m.Signal != nil:
		c.handleSignal(m)
	case m.Event != nil:
		c.handleEvent(m)
	case m.Payload != nil:
		c.handlePayload(m)
	case m.ReceivedID != "":
		c.listeners.notifyReceipt(m.ReceivedID, xid.ParseAddress(m.From))
	}
}

// signalMeta is the JSON carried by server signals.
type signalMeta struct {
	Ack *struct {
		MessageID string `json:"msgId"`
		State     string `json:"state"`
	} `json:"endack"`
}

func (c *Client) handleSignal(m *wire.Message) {
	var meta signalMeta
	if err := json.Unmarshal([]byte(m.Signal.MMXMeta), &meta); err != nil {
		c.log.Warn("malformed signal", "id", m.ID, "err", err)
		return
	}
	if meta.Ack == nil {
		return
	}
	state := MessageState(meta.Ack.State)
	if state == "" {
		state = StateDelivered
	}
	c.listeners.notifyState(meta.Ack.MessageID, state)
}

func (c *Client) handleEvent(m *wire.Message) {
	_, topic, ok := topics.ParseNodeID(m.Event.Node)
	if !ok {
		c.log.Warn("event for unparseable node", "node", m.Event.Node)
		return
	}

	var latest time.Time
	for i := range m.Event.Items {
		item := &m.Event.Items[i]
		frame := &wire.Message{
			ID:      item.ID,
			Type:    m.Type,
			From:    m.From,
			Payload: &item.Payload,
		}
		full, err := c.assembler.add(frame)
		if err != nil {
			c.log.Warn("dropping item", "node", m.Event.Node, "id", item.ID, "err", err)
			continue
		}
		if full == nil {
			continue
		}
		msg, err := toMessage(full)
		if err != nil {
			c.log.Warn("dropping item", "node", m.Event.Node, "id", item.ID, "err", err)
			continue
		}
		c.metrics.msgsReceived.Add(context.Background(), 1)
		c.listeners.notifyItem(topic, msg)
		if msg.Stamp.After(latest) {
			latest = msg.Stamp
		}
	}

	if !latest.IsZero() {
		c.saveLastDelivery(latest)
	}
}

func (c *Client) saveLastDelivery(stamp time.Time) {
	c.authMu.Lock()
	tracker := c.delivery
	c.authMu.Unlock()
	if tracker == nil {
		return
	}
	if last, ok := tracker.Load(); ok && !stamp.After(last) {
		return
	}
	if err := tracker.Save(stamp); err != nil {
		c.log.Warn("failed to record last delivery", "err", err)
	}
}

func (c *Client) handlePayload(m *wire.Message) {
	full, err := c.assembler.add(m)
	if err != nil {
		c.log.Warn("dropping message", "id", m.ID, "err", err)
		return
	}
	if full == nil {
		return
	}
	msg, err := toMessage(full)
	if err != nil {
		c.log.Warn("dropping message", "id", full.ID, "err", err)
		return
	}

	c.metrics.msgsReceived.Add(context.Background(), 1)
	c.listeners.notifyMessage(msg)

	// Reliable messages are acknowledged off the dispatch goroutine so a
	// slow server cannot stall delivery.
	if full.Type == wire.MsgChat {
		select {
		case c.ackCh <- ackJob{messageID: full.ID, from: full.From}:
		default:
			c.log.Warn("ack queue full, dropping ack", "id", full.ID)
		}
	}
}

// ackLoop confirms reliable deliveries to the server.
func (c *Client) ackLoop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case job := <-c.ackCh:
			body := map[string]string{
				"msgId": job.messageID,
				"from":  job.from,
			}
			if err := c.request(wire.NSMsgAck, "ack", "", body, nil); err != nil {
				c.log.Debug("ack failed", "id", job.messageID, "err", err)
			}
		}
	}
}

func (c *Client) handleConnectionLost(err error) {
	if !c.state.transitionFrom(StateDisconnected,
		StateConnected, StateAuthenticating, StateAuthenticated) {
		return
	}
	c.log.Warn("connection lost", "err", err)

	wasLoggedIn := c.isLoggedIn()
	c.cleanup(ErrConnectionLost)
	c.listeners.notifyConn(StateDisconnected, err)

	if c.cfg.ReconnectEnabled && wasLoggedIn && !c.state.isClosed() {
		go c.reconnect()
	}
}

// reconnect re-establishes the stream and the session with exponential
// backoff, then restores priority and drains the offline queue.
func (c *Client) reconnect() {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()

	if !c.state.transition(StateDisconnected, StateReconnecting) {
		return
	}

	delay := c.cfg.ReconnectBackoff
	attempt := 0
	for !c.state.isClosed() {
		attempt++
		c.metrics.reconnects.Add(context.Background(), 1)
		c.log.Info("reconnecting", "attempt", attempt)

		err := c.Connect(context.Background())
		if err == nil {
			if err = c.relogin(); err == nil {
				return
			}
			// A failed re-login leaves a half-open stream behind.
			c.Disconnect()
			c.state.set(StateReconnecting)
		}
		c.log.Warn("reconnect failed", "attempt", attempt, "err", err)

		time.Sleep(delay)
		delay *= 2
		if delay > c.cfg.MaxReconnectWait {
			delay = c.cfg.MaxReconnectWait
		}
	}
}

// drainQueue replays deferred operations after authentication.
func (c *Client) drainQueue() {
	err := c.queue.Drain(func(op *offline.Op) error {
		switch op.Kind {
		case offline.KindPublish:
			return c.sendQueuedPublish(op)
		case offline.KindSend:
			return c.sendQueuedMessage(op)
		default:
			c.log.Warn("dropping unknown queued op", "kind", op.Kind)
			return nil
		}
	})
	if err != nil {
		c.log.Warn("offline queue drain interrupted", "err", err)
	}
}

// Listener registration. The returned handle removes the listener.

// OnMessage registers a point-to-point message listener.
func (c *Client) OnMessage(fn MessageListener) func() {
	id := c.listeners.addMessage(fn)
	return func() { c.listeners.remove(id) }
}

// OnItem registers a topic item listener.
func (c *Client) OnItem(fn ItemListener) func() {
	id := c.listeners.addItem(fn)
	return func() { c.listeners.remove(id) }
}

// OnReceipt registers a delivery receipt listener.
func (c *Client) OnReceipt(fn ReceiptListener) func() {
	id := c.listeners.addReceipt(fn)
	return func() { c.listeners.remove(id) }
}

// OnMessageState registers a sent-message disposition listener.
func (c *Client) OnMessageState(fn StateListener) func() {
	id := c.listeners.addState(fn)
	return func() { c.listeners.remove(id) }
}

// OnConnectionChange registers a connection lifecycle listener.
func (c *Client) OnConnectionChange(fn ConnectionListener) func() {
	id := c.listeners.addConn(fn)
	return func() { c.listeners.remove(id) }
}
