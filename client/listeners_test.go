// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestListeners() *listeners {
	return newListeners(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestListenersFIFO(t *testing.T) {
	l := newTestListeners()
	defer l.close()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	l.addMessage(func(m *Message) {
		mu.Lock()
		order = append(order, m.ID)
		mu.Unlock()
		if m.ID == "m-99" {
			close(done)
		}
	})

	for _, id := range []string{"m-1", "m-2", "m-3", "m-99"} {
		l.notifyMessage(&Message{ID: id})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callbacks not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-99"}, order)
}

func TestListenersPanicDoesNotStarveOthers(t *testing.T) {
	l := newTestListeners()
	defer l.close()

	got := make(chan string, 2)
	l.addState(func(id string, _ MessageState) { panic("listener bug") })
	l.addState(func(id string, _ MessageState) { got <- id })

	l.notifyState("m-1", StateDelivered)
	l.notifyState("m-2", StateDelivered)

	for _, want := range []string{"m-1", "m-2"} {
		select {
		case id := <-got:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatal("surviving listener not called")
		}
	}
}

func TestListenersRemove(t *testing.T) {
	l := newTestListeners()
	defer l.close()

	calls := make(chan struct{}, 4)
	id := l.addMessage(func(*Message) { calls <- struct{}{} })
	l.notifyMessage(&Message{ID: "m-1"})

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}

	l.remove(id)
	l.notifyMessage(&Message{ID: "m-2"})
	// Give the queue a moment; nothing further may arrive.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, calls)
}
