// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magnetsystems/mmx-go/config"
	"github.com/magnetsystems/mmx-go/topics"
	"github.com/magnetsystems/mmx-go/wire"
	"github.com/magnetsystems/mmx-go/xid"
)

// fakeServer accepts in-memory connections and answers commands. The
// default answer is an empty result; tests override per command.
type fakeServer struct {
	t *testing.T

	mu        sync.Mutex
	handlers  map[string]func(*wire.IQ) *wire.IQ
	commands  []string
	presences []*wire.Presence
	messages  []*wire.Message
	conns     []net.Conn
	encs      []*wire.Encoder
	results   []*wire.IQ
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{t: t, handlers: map[string]func(*wire.IQ) *wire.IQ{}}
}

func (s *fakeServer) handle(command string, fn func(*wire.IQ) *wire.IQ) {
	s.mu.Lock()
	s.handlers[command] = fn
	s.mu.Unlock()
}

func (s *fakeServer) dial(ctx context.Context, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	go s.serve(server)
	return client, nil
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	if st, err := dec.Read(); err != nil {
		return
	} else if _, ok := st.(*wire.StreamHeader); !ok {
		return
	}
	if err := enc.OpenStream("client"); err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.encs = append(s.encs, enc)
	s.mu.Unlock()

	for {
		st, err := dec.Read()
		if err != nil {
			return
		}
		switch v := st.(type) {
		case *wire.IQ:
			if v.IsResponse() {
				s.mu.Lock()
				s.results = append(s.results, v)
				s.mu.Unlock()
				continue
			}
			if v.Command == nil {
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, v.Command.Name)
			fn := s.handlers[v.Command.Name]
			s.mu.Unlock()
			res := okResult(v)
			if fn != nil {
				res = fn(v)
			}
			if res != nil {
				enc.Encode(res)
			}
		case *wire.Presence:
			s.mu.Lock()
			s.presences = append(s.presences, v)
			s.mu.Unlock()
		case *wire.Message:
			s.mu.Lock()
			s.messages = append(s.messages, v)
			s.mu.Unlock()
		}
	}
}

// push sends a stanza to the most recent connection.
func (s *fakeServer) push(st wire.Stanza) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.encs, "no client connected")
	return s.encs[len(s.encs)-1].Encode(st)
}

// dropConnections severs every live connection, as a network failure would.
func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.encs = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *fakeServer) commandCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c == name {
			n++
		}
	}
	return n
}

func (s *fakeServer) lastPresence() *wire.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.presences) == 0 {
		return nil
	}
	return s.presences[len(s.presences)-1]
}

func okResult(iq *wire.IQ) *wire.IQ {
	return &wire.IQ{ID: iq.ID, Type: wire.IQResult}
}

func okResultBody(iq *wire.IQ, body any) *wire.IQ {
	raw, _ := json.Marshal(body)
	return &wire.IQ{ID: iq.ID, Type: wire.IQResult, Command: &wire.Command{
		Namespace:   iq.Command.Namespace,
		Name:        iq.Command.Name,
		ContentType: wire.ContentTypeJSON,
		Body:        string(raw),
	}}
}

func errorResult(iq *wire.IQ, code int, msg string) *wire.IQ {
	raw, _ := json.Marshal(&StatusError{Code: code, Message: msg})
	return &wire.IQ{ID: iq.ID, Type: wire.IQError, Command: &wire.Command{
		Namespace:   iq.Command.Namespace,
		Name:        iq.Command.Name,
		ContentType: wire.ContentTypeJSON,
		Body:        string(raw),
	}}
}

func testSettings(t *testing.T) *config.Settings {
	s := config.New()
	s.Host = "mmx.test"
	s.AppID = "app1"
	s.APIKey = "api-key-1"
	s.GuestSecret = "guest-secret-1"
	s.DeviceID = "dev1"
	s.DataDir = t.TempDir()
	s.RequestTimeout = 2 * time.Second
	s.ReconnectEnabled = false
	return s
}

func newTestClient(t *testing.T, srv *fakeServer, s *config.Settings) *Client {
	if s == nil {
		s = testSettings(t)
	}
	c, err := New(&Options{
		Settings: s,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dial:     srv.dial,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectLoginLogout(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	require.Error(t, c.Connect(context.Background()))

	require.NoError(t, c.Login("alice", "secret", 0))
	assert.True(t, c.IsAuthenticated())
	assert.Equal(t, "alice", c.User().UserID())
	assert.Equal(t, "dev1", c.User().DeviceID())
	assert.Equal(t, 1, srv.commandCount("login"))

	// Delivery was announced right after login.
	require.Eventually(t, func() bool {
		p := srv.lastPresence()
		return p != nil && p.Type == ""
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Logout())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, srv.commandCount("logout"))

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestLoginRejectedWithoutAutoCreate(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("login", func(iq *wire.IQ) *wire.IQ {
		return errorResult(iq, statusUnauthorized, "not authorized")
	})
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Login("alice", "wrong", 0)
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, srv.commandCount("login"))
	assert.Zero(t, srv.commandCount("usercreate"))
}

func TestLoginAutoCreateRetriesOnce(t *testing.T) {
	srv := newFakeServer(t)
	var mu sync.Mutex
	created := false
	srv.handle("login", func(iq *wire.IQ) *wire.IQ {
		mu.Lock()
		defer mu.Unlock()
		if !created {
			return errorResult(iq, statusUnauthorized, "no such user")
		}
		return okResult(iq)
	})
	srv.handle("usercreate", func(iq *wire.IQ) *wire.IQ {
		mu.Lock()
		created = true
		mu.Unlock()
		assert.Contains(t, iq.Command.Body, createModeUpgrade)
		return okResult(iq)
	})

	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", AuthAutoCreate))
	assert.True(t, c.IsAuthenticated())
	assert.Equal(t, 2, srv.commandCount("login"))
	assert.Equal(t, 1, srv.commandCount("usercreate"))
}

func TestLoginAutoCreateNoSecondRetry(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("login", func(iq *wire.IQ) *wire.IQ {
		return errorResult(iq, statusUnauthorized, "not authorized")
	})

	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	err := c.Login("alice", "secret", AuthAutoCreate)
	require.ErrorIs(t, err, ErrAuthFailed)
	// One original attempt plus exactly one retry after registration.
	assert.Equal(t, 2, srv.commandCount("login"))
	assert.Equal(t, 1, srv.commandCount("usercreate"))
	assert.Equal(t, StateConnected, c.State())
}

func TestAnonymousIdentityPersists(t *testing.T) {
	dataDir := t.TempDir()

	var mu sync.Mutex
	known := map[string]bool{}
	loginUser := func(iq *wire.IQ) string {
		var req struct {
			Username string `json:"username"`
		}
		json.Unmarshal([]byte(iq.Command.Body), &req)
		return req.Username
	}
	installAuth := func(srv *fakeServer) {
		srv.handle("login", func(iq *wire.IQ) *wire.IQ {
			mu.Lock()
			defer mu.Unlock()
			if !known[loginUser(iq)] {
				return errorResult(iq, statusUnauthorized, "no such user")
			}
			return okResult(iq)
		})
		srv.handle("usercreate", func(iq *wire.IQ) *wire.IQ {
			assert.Contains(t, iq.Command.Body, createModeGuest)
			mu.Lock()
			known[loginUser(iq)] = true
			mu.Unlock()
			return okResult(iq)
		})
	}

	srv1 := newFakeServer(t)
	installAuth(srv1)
	s1 := testSettings(t)
	s1.DataDir = dataDir
	c1 := newTestClient(t, srv1, s1)
	require.NoError(t, c1.Connect(context.Background()))
	require.NoError(t, c1.LoginAnonymously())
	first := c1.User().UserID()
	require.True(t, strings.HasPrefix(first, "guest-"))
	require.NoError(t, c1.Close())
	assert.Equal(t, 1, srv1.commandCount("usercreate"))

	// A fresh client over the same data directory resumes the identity.
	srv2 := newFakeServer(t)
	installAuth(srv2)
	s2 := testSettings(t)
	s2.DataDir = dataDir
	c2 := newTestClient(t, srv2, s2)
	require.NoError(t, c2.Connect(context.Background()))
	require.NoError(t, c2.LoginAnonymously())
	assert.Equal(t, first, c2.User().UserID())
	assert.Zero(t, srv2.commandCount("usercreate"))
}

func TestRequestTimeoutLeavesNoResidue(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("login", func(iq *wire.IQ) *wire.IQ {
		return nil // never answer
	})
	s := testSettings(t)
	s.RequestTimeout = 100 * time.Millisecond
	c := newTestClient(t, srv, s)
	require.NoError(t, c.Connect(context.Background()))

	err := c.Login("alice", "secret", 0)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateConnected, c.State())
	assert.Zero(t, c.pending.count())
}

func TestServerRequestGetsEmptyResult(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, srv.push(&wire.IQ{ID: "srv-1", Type: wire.IQSet, From: "mmx.test"}))
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for _, r := range srv.results {
			if r.ID == "srv-1" && r.Type == wire.IQResult {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	// The client must still be healthy afterwards.
	require.NoError(t, c.Login("alice", "secret", 0))
}

func TestIncomingMessageAcked(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", 0))

	got := make(chan *Message, 1)
	c.OnMessage(func(m *Message) { got <- m })

	mmxmeta, err := encodeMMXMeta(xid.New("bob"), []xid.ID{xid.New("alice")})
	require.NoError(t, err)
	encoded := encodePayloadData([]byte("hello alice"))
	require.NoError(t, srv.push(&wire.Message{
		ID:   "m-100",
		Type: wire.MsgChat,
		From: "bob%app1@mmx.test",
		Payload: &wire.PayloadExt{
			MMXMeta: mmxmeta,
			MsgType: "text",
			Chunk:   wire.Chunk{Offset: 0, Len: len(encoded), Total: len(encoded)},
			Stamp:   time.Now().UTC(),
			Data:    encoded,
		},
	}))

	select {
	case m := <-got:
		assert.Equal(t, "m-100", m.ID)
		assert.Equal(t, "bob", m.From.UserID())
		assert.Equal(t, []byte("hello alice"), m.Content)
		assert.False(t, m.Droppable)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// Reliable delivery is acknowledged back to the server.
	require.Eventually(t, func() bool {
		return srv.commandCount("ack") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChunkedMessageReassembled(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", 0))

	got := make(chan *Message, 1)
	c.OnMessage(func(m *Message) { got <- m })

	content := []byte("a rather long body split across frames")
	encoded := encodePayloadData(content)
	half := len(encoded) / 2
	parts := []struct {
		id      string
		chunk   wire.Chunk
		data    string
		receipt bool
	}{
		{"m-200", wire.Chunk{Offset: 0, Len: half, Total: len(encoded)}, encoded[:half], false},
		{"m-201", wire.Chunk{Offset: half, Len: len(encoded) - half, Total: len(encoded)}, encoded[half:], true},
	}
	for _, p := range parts {
		require.NoError(t, srv.push(&wire.Message{
			ID:             p.id,
			Type:           wire.MsgHeadline,
			From:           "bob%app1@mmx.test",
			ReceiptRequest: p.receipt,
			Payload: &wire.PayloadExt{
				MsgType: "blob",
				CID:     "cid-200",
				Chunk:   p.chunk,
				Data:    p.data,
			},
		}))
	}

	select {
	case m := <-got:
		assert.Equal(t, content, m.Content)
		assert.True(t, m.Droppable)
		// The receipt request rode on the final frame.
		assert.True(t, m.ReceiptRequested)
	case <-time.After(2 * time.Second):
		t.Fatal("assembled message not delivered")
	}
	// Droppable messages are never acknowledged.
	assert.Zero(t, srv.commandCount("ack"))
}

func TestTopicItemDeliveredAndRecorded(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", 0))

	got := make(chan topics.Topic, 1)
	c.OnItem(func(topic topics.Topic, m *Message) { got <- topic })

	stamp := time.Now().UTC().Truncate(time.Second)
	encoded := encodePayloadData([]byte("news"))
	require.NoError(t, srv.push(&wire.Message{
		ID:   "ev-1",
		Type: wire.MsgHeadline,
		From: "mmx.test",
		Event: &wire.Event{
			Node: topics.Global("updates").NodeID("app1"),
			Items: []wire.EventItem{{
				ID: "item-1",
				Payload: wire.PayloadExt{
					MsgType: "text",
					Chunk:   wire.Chunk{Offset: 0, Len: len(encoded), Total: len(encoded)},
					Stamp:   stamp,
					Data:    encoded,
				},
			}},
		},
	}))

	select {
	case topic := <-got:
		assert.True(t, topic.Equals(topics.Global("updates")))
	case <-time.After(2 * time.Second):
		t.Fatal("item not delivered")
	}

	// The delivery time is persisted for the next catch-up request.
	require.Eventually(t, func() bool {
		c.authMu.Lock()
		tracker := c.delivery
		c.authMu.Unlock()
		last, ok := tracker.Load()
		return ok && last.Equal(stamp)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSignalUpdatesMessageState(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", 0))

	type update struct {
		id    string
		state MessageState
	}
	got := make(chan update, 1)
	c.OnMessageState(func(id string, state MessageState) {
		got <- update{id, state}
	})

	require.NoError(t, srv.push(&wire.Message{
		ID:     "sig-1",
		Type:   wire.MsgHeadline,
		From:   "mmx.test",
		Signal: &wire.SignalExt{MMXMeta: `{"endack":{"msgId":"m-7","state":"RECEIVED"}}`},
	}))

	select {
	case u := <-got:
		assert.Equal(t, "m-7", u.id)
		assert.Equal(t, StateReceived, u.state)
	case <-time.After(2 * time.Second):
		t.Fatal("state update not delivered")
	}
}

func TestOfflineQueueDrainedAfterLogin(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)

	// Both a publish and a reliable send are deferred while offline.
	itemID, err := c.Publish(topics.Global("updates"), &Payload{
		MsgType: "text", Data: []byte("queued item"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, itemID)

	msgID, err := c.Send([]xid.ID{xid.New("bob")}, &Payload{
		MsgType: "text", Data: []byte("queued message"),
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, msgID)

	n, err := c.queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", 0))

	require.Eventually(t, func() bool {
		n, _ := c.queue.Len()
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.commandCount("publish"))
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	sent := srv.messages[0]
	srv.mu.Unlock()
	assert.Equal(t, msgID, sent.ID)
	assert.Equal(t, wire.MsgChat, sent.Type)
}

func TestDroppableSendSkippedWhileOffline(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)

	id, err := c.Send([]xid.ID{xid.New("bob")}, &Payload{
		MsgType: "text", Data: []byte("gone"),
	}, &SendOptions{Droppable: true})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n, err := c.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPriorityRestoredAfterReconnect(t *testing.T) {
	srv := newFakeServer(t)
	s := testSettings(t)
	s.ReconnectEnabled = true
	s.ReconnectBackoff = 10 * time.Millisecond
	s.MaxReconnectWait = 50 * time.Millisecond
	c := newTestClient(t, srv, s)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", 0))
	require.NoError(t, c.SetPriority(42))

	require.Eventually(t, func() bool {
		p := srv.lastPresence()
		return p != nil && p.Priority == 42
	}, 2*time.Second, 10*time.Millisecond)

	srv.dropConnections()

	require.Eventually(t, func() bool {
		return c.IsAuthenticated() && srv.commandCount("login") >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 42, c.Priority())
	require.Eventually(t, func() bool {
		p := srv.lastPresence()
		return p != nil && p.Priority == 42 && p.Type == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoDeliveryOnLoginIsOneShot(t *testing.T) {
	srv := newFakeServer(t)
	s := testSettings(t)
	s.ReconnectEnabled = true
	s.ReconnectBackoff = 10 * time.Millisecond
	s.MaxReconnectWait = 50 * time.Millisecond
	c := newTestClient(t, srv, s)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", AuthNoDeliveryOnLogin))

	// Login announced unavailability instead of presence.
	require.Eventually(t, func() bool {
		p := srv.lastPresence()
		return p != nil && p.Type == "unavailable"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, PriorityNotAvailable, c.Priority())

	// The application lifts the suspension; a later reconnect keeps the
	// restored priority rather than suspending again.
	require.NoError(t, c.SetPriority(0))
	srv.dropConnections()

	require.Eventually(t, func() bool {
		return c.IsAuthenticated() && srv.commandCount("login") >= 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		p := srv.lastPresence()
		return p != nil && p.Type == ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.Priority())
}

func TestSetPriorityValidation(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	require.ErrorIs(t, c.SetPriority(129), ErrBadPriority)
	require.ErrorIs(t, c.SetPriority(-129), ErrBadPriority)
	require.NoError(t, c.SetPriority(128))
	require.NoError(t, c.SetPriority(PriorityNotAvailable))
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle("query", func(iq *wire.IQ) *wire.IQ {
		return nil // never answer
	})
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", 0))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetMessagesState("m-1")
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return c.pending.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Disconnect())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not resolved by disconnect")
	}
	assert.Zero(t, c.pending.count())
}

func TestConcurrentDisconnects(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
	}
	wg.Wait()
	assert.Equal(t, StateDisconnected, c.State())

	// The lifecycle survives the pile-up.
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Login("alice", "secret", 0))
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, srv, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
}
