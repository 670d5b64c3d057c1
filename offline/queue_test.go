// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadger(t *testing.T) Queue {
	t.Helper()
	q, err := OpenBadgerQueue(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func newMemory(t *testing.T) Queue {
	t.Helper()
	q := NewMemoryQueue()
	t.Cleanup(func() { q.Close() })
	return q
}

func queues() map[string]func(t *testing.T) Queue {
	return map[string]func(t *testing.T) Queue{
		"badger": newBadger,
		"memory": newMemory,
	}
}

func TestQueueFIFO(t *testing.T) {
	for name, newQueue := range queues() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			for _, id := range []string{"m-1", "m-2", "m-3"} {
				err := q.Enqueue(&Op{
					ID:     id,
					Kind:   KindPublish,
					Node:   "/app1/*/news",
					Data:   []byte(id),
					Queued: time.Now().UTC(),
				})
				require.NoError(t, err)
			}
			n, err := q.Len()
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			var got []string
			err = q.Drain(func(op *Op) error {
				got = append(got, op.ID)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"m-1", "m-2", "m-3"}, got)

			n, err = q.Len()
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestQueueDrainStopsOnError(t *testing.T) {
	errSend := errors.New("send failed")
	for name, newQueue := range queues() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			for _, id := range []string{"m-1", "m-2", "m-3"} {
				require.NoError(t, q.Enqueue(&Op{ID: id, Kind: KindSend, To: "bob"}))
			}

			calls := 0
			err := q.Drain(func(op *Op) error {
				calls++
				if op.ID == "m-2" {
					return errSend
				}
				return nil
			})
			assert.ErrorIs(t, err, errSend)
			assert.Equal(t, 2, calls)

			// m-1 was removed; m-2 and m-3 remain for the next drain.
			n, err := q.Len()
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			var got []string
			require.NoError(t, q.Drain(func(op *Op) error {
				got = append(got, op.ID)
				return nil
			}))
			assert.Equal(t, []string{"m-2", "m-3"}, got)
		})
	}
}

func TestBadgerQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenBadgerQueue(dir)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(&Op{ID: "m-1", Kind: KindPublish, Node: "/app1/*/news"}))
	require.NoError(t, q.Enqueue(&Op{ID: "m-2", Kind: KindPublish, Node: "/app1/*/news"}))
	require.NoError(t, q.Close())

	q, err = OpenBadgerQueue(dir)
	require.NoError(t, err)
	defer q.Close()

	var got []string
	require.NoError(t, q.Drain(func(op *Op) error {
		got = append(got, op.ID)
		return nil
	}))
	assert.Equal(t, []string{"m-1", "m-2"}, got)
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(&Op{ID: "m-1"}), ErrQueueClosed)
	assert.ErrorIs(t, q.Drain(func(*Op) error { return nil }), ErrQueueClosed)
}
