// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/magnetsystems/mmx-go/wire"
)

// assembler reassembles chunked payloads. Chunks for one logical message
// share a content ID and may arrive in any order; the message is released
// exactly once, when every byte of the total is covered.
type assembler struct {
	mu    sync.Mutex
	parts map[string]*partial
	ttl   time.Duration
}

type partial struct {
	first   *wire.Message
	buf     []byte
	spans   map[int]int // offset -> length of received chunks
	got     int
	receipt bool
	touched time.Time
}

func newAssembler(ttl time.Duration) *assembler {
	return &assembler{
		parts: make(map[string]*partial),
		ttl:   ttl,
	}
}

// add folds one frame in. It returns the completed message once all chunks
// have arrived, or nil while the payload is still partial. Unchunked frames
// pass straight through.
func (a *assembler) add(m *wire.Message) (*wire.Message, error) {
	p := m.Payload
	if p.Chunk.Complete() {
		return m, nil
	}
	if p.Chunk.Len != len(p.Data) {
		return nil, fmt.Errorf("%w: chunk declares %d bytes, carries %d",
			ErrMalformedStanza, p.Chunk.Len, len(p.Data))
	}

	cid := p.CID
	if cid == "" {
		cid = m.ID
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.evictStale()

	part, ok := a.parts[cid]
	if !ok {
		part = &partial{
			first: m,
			buf:   make([]byte, p.Chunk.Total),
			spans: make(map[int]int),
		}
		a.parts[cid] = part
	}
	// The receipt request rides on whichever frame the sender chose,
	// typically the last; keep it for the assembled message.
	if m.ReceiptRequest {
		part.receipt = true
	}
	if len(part.buf) != p.Chunk.Total {
		delete(a.parts, cid)
		return nil, fmt.Errorf("%w: chunk total changed mid-stream", ErrMalformedStanza)
	}
	if prev, dup := part.spans[p.Chunk.Offset]; dup && prev == p.Chunk.Len {
		// Duplicate delivery of the same chunk, ignore.
		part.touched = time.Now()
		return nil, nil
	}
	for off, length := range part.spans {
		if p.Chunk.Offset < off+length && off < p.Chunk.Offset+p.Chunk.Len {
			delete(a.parts, cid)
			return nil, fmt.Errorf("%w: overlapping chunks", ErrMalformedStanza)
		}
	}

	copy(part.buf[p.Chunk.Offset:], p.Data)
	part.spans[p.Chunk.Offset] = p.Chunk.Len
	part.got += p.Chunk.Len
	part.touched = time.Now()

	if part.got < p.Chunk.Total {
		return nil, nil
	}
	delete(a.parts, cid)

	out := part.first
	out.Payload.Data = string(part.buf)
	out.Payload.Chunk = wire.Chunk{Offset: 0, Len: p.Chunk.Total, Total: p.Chunk.Total}
	out.ReceiptRequest = part.receipt
	return out, nil
}

// evictStale drops partials that stopped receiving chunks. Caller holds the
// lock.
func (a *assembler) evictStale() {
	if a.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-a.ttl)
	for cid, part := range a.parts {
		if !part.touched.IsZero() && part.touched.Before(cutoff) {
			delete(a.parts, cid)
		}
	}
}

// pendingCount reports partially assembled messages, for tests and metrics.
func (a *assembler) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parts)
}
