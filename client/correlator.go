// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/magnetsystems/mmx-go/wire"
)

// pendingOp represents an in-flight request waiting for its response.
type pendingOp struct {
	id      string
	done    chan struct{}
	err     error
	result  *wire.IQ
	created time.Time
}

// correlator matches responses to in-flight requests by stanza ID.
type correlator struct {
	mu      sync.RWMutex
	pending map[string]*pendingOp
	prefix  string
	seq     uint64
}

// newCorrelator creates a correlator. The prefix makes IDs unique across
// client instances sharing a connection history.
func newCorrelator(prefix string) *correlator {
	return &correlator{
		pending: make(map[string]*pendingOp),
		prefix:  prefix,
	}
}

// nextID returns a fresh correlation ID, never reused for the lifetime of
// the correlator.
func (cr *correlator) nextID() string {
	n := atomic.AddUint64(&cr.seq, 1)
	return cr.prefix + "-" + strconv.FormatUint(n, 10)
}

// add registers a new in-flight request.
func (cr *correlator) add(id string) *pendingOp {
	op := &pendingOp{
		id:      id,
		done:    make(chan struct{}),
		created: time.Now(),
	}
	cr.mu.Lock()
	cr.pending[id] = op
	cr.mu.Unlock()
	return op
}

// complete resolves the request with the given ID. Responses for unknown
// IDs (typically answers that arrived after their timeout) are reported as
// not matched so the caller can drop them.
func (cr *correlator) complete(id string, result *wire.IQ, err error) bool {
	cr.mu.Lock()
	op, exists := cr.pending[id]
	if exists {
		delete(cr.pending, id)
	}
	cr.mu.Unlock()

	if !exists {
		return false
	}
	op.result = result
	op.err = err
	close(op.done)
	return true
}

// remove drops an in-flight request without resolving it.
func (cr *correlator) remove(id string) {
	cr.mu.Lock()
	delete(cr.pending, id)
	cr.mu.Unlock()
}

// clear fails every in-flight request, typically on connection loss.
func (cr *correlator) clear(err error) {
	cr.mu.Lock()
	pending := cr.pending
	cr.pending = make(map[string]*pendingOp)
	cr.mu.Unlock()

	for _, op := range pending {
		op.err = err
		close(op.done)
	}
}

// count returns the number of in-flight requests.
func (cr *correlator) count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.pending)
}

// wait blocks until the request resolves or the timeout elapses. On
// timeout the entry is removed so a late response leaves no residue.
func (op *pendingOp) wait(cr *correlator, timeout time.Duration) (*wire.IQ, error) {
	select {
	case <-op.done:
		return op.result, op.err
	case <-time.After(timeout):
		cr.remove(op.id)
		// The response may have raced the timeout.
		select {
		case <-op.done:
			return op.result, op.err
		default:
		}
		return nil, ErrTimeout
	}
}
