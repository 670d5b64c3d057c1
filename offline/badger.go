// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

var _ Queue = (*BadgerQueue)(nil)

// BadgerQueue persists deferred operations in BadgerDB so they survive
// process restarts.
//
// Key format: queue/{seq}, with seq a zero-padded monotonic counter so the
// natural key order is the FIFO order.
type BadgerQueue struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadgerQueue opens (or creates) the queue database under dir.
func OpenBadgerQueue(dir string) (*BadgerQueue, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}
	seq, err := db.GetSequence([]byte("queue-seq"), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open queue sequence: %w", err)
	}
	return &BadgerQueue{db: db, seq: seq}, nil
}

func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("queue/%020d", seq))
}

// Enqueue appends op.
func (q *BadgerQueue) Enqueue(op *Op) error {
	seq, err := q.seq.Next()
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal op: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(seq), data)
	})
}

// Drain applies fn to each queued op in key order, deleting accepted ops.
func (q *BadgerQueue) Drain(fn func(op *Op) error) error {
	for {
		var key []byte
		var op Op
		err := q.db.View(func(txn *badger.Txn) error {
			iopts := badger.DefaultIteratorOptions
			iopts.Prefix = []byte("queue/")
			it := txn.NewIterator(iopts)
			defer it.Close()
			it.Rewind()
			if !it.Valid() {
				return badger.ErrKeyNotFound
			}
			item := it.Item()
			key = item.KeyCopy(nil)
			return item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &op)
			})
		})
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(&op); err != nil {
			return err
		}
		if err := q.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return err
		}
	}
}

// Len reports the number of queued ops.
func (q *BadgerQueue) Len() (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = []byte("queue/")
		iopts.PrefetchValues = false
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close releases the sequence and closes the database.
func (q *BadgerQueue) Close() error {
	if err := q.seq.Release(); err != nil {
		q.db.Close()
		return err
	}
	return q.db.Close()
}
