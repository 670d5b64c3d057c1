// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"sync"

	"github.com/magnetsystems/mmx-go/topics"
	"github.com/magnetsystems/mmx-go/xid"
)

// MessageListener receives point-to-point messages.
type MessageListener func(msg *Message)

// ItemListener receives published topic items.
type ItemListener func(topic topics.Topic, msg *Message)

// ReceiptListener is notified when a recipient confirms delivery of the
// named message.
type ReceiptListener func(messageID string, from xid.ID)

// StateListener is notified when the server reports a disposition change
// for a sent message.
type StateListener func(messageID string, state MessageState)

// ConnectionListener observes connection lifecycle changes. err is nil on
// deliberate disconnects.
type ConnectionListener func(state State, err error)

// listenerID identifies a registration for later removal.
type listenerID uint64

// listeners fans events out to registered callbacks. Callbacks run on a
// single queue goroutine in strict FIFO order, so listener code never
// stalls frame dispatch. A panic in one callback is logged and does not
// starve the others.
type listeners struct {
	mu      sync.RWMutex
	nextID  listenerID
	message map[listenerID]MessageListener
	item    map[listenerID]ItemListener
	receipt map[listenerID]ReceiptListener
	state   map[listenerID]StateListener
	conn    map[listenerID]ConnectionListener

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []func()
	closed bool

	log *slog.Logger
}

func newListeners(log *slog.Logger) *listeners {
	l := &listeners{
		message: make(map[listenerID]MessageListener),
		item:    make(map[listenerID]ItemListener),
		receipt: make(map[listenerID]ReceiptListener),
		state:   make(map[listenerID]StateListener),
		conn:    make(map[listenerID]ConnectionListener),
		log:     log,
	}
	l.qcond = sync.NewCond(&l.qmu)
	go l.run()
	return l
}

// enqueue appends an event to the callback queue.
func (l *listeners) enqueue(fn func()) {
	l.qmu.Lock()
	if !l.closed {
		l.queue = append(l.queue, fn)
		l.qcond.Signal()
	}
	l.qmu.Unlock()
}

// run drains the callback queue in order; it exits after close once the
// queue is empty.
func (l *listeners) run() {
	for {
		l.qmu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.qcond.Wait()
		}
		if len(l.queue) == 0 {
			l.qmu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.qmu.Unlock()
		fn()
	}
}

// close stops the callback goroutine after pending events are delivered.
func (l *listeners) close() {
	l.qmu.Lock()
	l.closed = true
	l.qcond.Broadcast()
	l.qmu.Unlock()
}

func (l *listeners) id() listenerID {
	l.nextID++
	return l.nextID
}

func (l *listeners) addMessage(fn MessageListener) listenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.id()
	l.message[id] = fn
	return id
}

func (l *listeners) addItem(fn ItemListener) listenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.id()
	l.item[id] = fn
	return id
}

func (l *listeners) addReceipt(fn ReceiptListener) listenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.id()
	l.receipt[id] = fn
	return id
}

func (l *listeners) addState(fn StateListener) listenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.id()
	l.state[id] = fn
	return id
}

func (l *listeners) addConn(fn ConnectionListener) listenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.id()
	l.conn[id] = fn
	return id
}

func (l *listeners) remove(id listenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.message, id)
	delete(l.item, id)
	delete(l.receipt, id)
	delete(l.state, id)
	delete(l.conn, id)
}

func (l *listeners) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("listener panicked", "panic", r)
		}
	}()
	fn()
}

func (l *listeners) notifyMessage(msg *Message) {
	l.mu.RLock()
	fns := make([]MessageListener, 0, len(l.message))
	for _, fn := range l.message {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	l.enqueue(func() {
		for _, fn := range fns {
			l.call(func() { fn(msg) })
		}
	})
}

func (l *listeners) notifyItem(topic topics.Topic, msg *Message) {
	l.mu.RLock()
	fns := make([]ItemListener, 0, len(l.item))
	for _, fn := range l.item {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	l.enqueue(func() {
		for _, fn := range fns {
			l.call(func() { fn(topic, msg) })
		}
	})
}

func (l *listeners) notifyReceipt(messageID string, from xid.ID) {
	l.mu.RLock()
	fns := make([]ReceiptListener, 0, len(l.receipt))
	for _, fn := range l.receipt {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	l.enqueue(func() {
		for _, fn := range fns {
			l.call(func() { fn(messageID, from) })
		}
	})
}

func (l *listeners) notifyState(messageID string, state MessageState) {
	l.mu.RLock()
	fns := make([]StateListener, 0, len(l.state))
	for _, fn := range l.state {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	l.enqueue(func() {
		for _, fn := range fns {
			l.call(func() { fn(messageID, state) })
		}
	})
}

func (l *listeners) notifyConn(state State, err error) {
	l.mu.RLock()
	fns := make([]ConnectionListener, 0, len(l.conn))
	for _, fn := range l.conn {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	l.enqueue(func() {
		for _, fn := range fns {
			l.call(func() { fn(state, err) })
		}
	})
}
