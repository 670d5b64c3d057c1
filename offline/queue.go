// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package offline queues outbound operations issued while the connection is
// down and replays them in order once the client is authenticated again.
package offline

import (
	"errors"
	"time"
)

// ErrQueueClosed is returned after Close.
var ErrQueueClosed = errors.New("offline queue closed")

// Kind discriminates queued operations.
type Kind string

const (
	// KindPublish is a topic publish.
	KindPublish Kind = "publish"
	// KindSend is a point-to-point send.
	KindSend Kind = "send"
)

// Op is one deferred operation.
type Op struct {
	// ID is the message ID assigned at enqueue time, kept stable across
	// the replay so receipts still correlate.
	ID   string `cbor:"1,keyasint"`
	Kind Kind   `cbor:"2,keyasint"`
	// Node is the pub/sub node for publishes.
	Node string `cbor:"3,keyasint,omitempty"`
	// To is the recipient address for sends.
	To      string    `cbor:"4,keyasint,omitempty"`
	MsgType string    `cbor:"5,keyasint,omitempty"`
	Meta    string    `cbor:"6,keyasint,omitempty"`
	Data    []byte    `cbor:"7,keyasint,omitempty"`
	Queued  time.Time `cbor:"8,keyasint"`
	// Envelope is the pre-rendered protocol metadata for sends.
	Envelope string `cbor:"9,keyasint,omitempty"`
	// Receipt records that the sender asked for a delivery receipt.
	Receipt bool `cbor:"10,keyasint,omitempty"`
}

// Queue stores deferred operations in FIFO order.
type Queue interface {
	// Enqueue appends op.
	Enqueue(op *Op) error
	// Drain applies fn to each queued op in order, removing ops that fn
	// accepts. It stops at the first error; the failed op and everything
	// behind it stay queued.
	Drain(fn func(op *Op) error) error
	// Len reports the number of queued ops.
	Len() (int, error)
	Close() error
}
