// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package offline

import "sync"

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue keeps deferred operations in process memory. Ops are lost on
// restart; use BadgerQueue when durability matters.
type MemoryQueue struct {
	mu     sync.Mutex
	ops    []*Op
	closed bool
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue appends op.
func (q *MemoryQueue) Enqueue(op *Op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	cp := *op
	q.ops = append(q.ops, &cp)
	return nil
}

// Drain applies fn to each queued op in order, removing accepted ops.
func (q *MemoryQueue) Drain(fn func(op *Op) error) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return nil
		}
		op := q.ops[0]
		q.mu.Unlock()

		// fn runs without the lock held; it typically writes to the
		// connection.
		if err := fn(op); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.ops) > 0 && q.ops[0] == op {
			q.ops = q.ops[1:]
		}
		q.mu.Unlock()
	}
}

// Len reports the number of queued ops.
func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops), nil
}

// Close marks the queue closed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ops = nil
	return nil
}
