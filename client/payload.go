// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/base64"
	"fmt"

	"github.com/magnetsystems/mmx-go/wire"
)

// Payload is application content for a point-to-point send or a topic
// publish. Data is opaque to the client; MsgType names the application's
// own content type and Meta carries string headers.
type Payload struct {
	MsgType string
	Meta    map[string]string
	Data    []byte
}

// size is the accountable content size: type tag, header keys and
// values, and data.
func (p *Payload) size() int {
	n := len(p.MsgType) + len(p.Data)
	for k, v := range p.Meta {
		n += len(k) + len(v)
	}
	return n
}

// validate checks the payload size. Content exactly at the limit is
// allowed.
func (p *Payload) validate(max int) error {
	if n := p.size(); n > max {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, n, max)
	}
	return nil
}

// Payload bytes travel base64-encoded in stanza character data. Chunk
// offsets refer to the encoded form.
var payloadEncoding = base64.StdEncoding

func encodePayloadData(data []byte) string {
	return payloadEncoding.EncodeToString(data)
}

func decodePayloadData(text string) ([]byte, error) {
	data, err := payloadEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStanza, err)
	}
	return data, nil
}

// splitChunks partitions encoded text into spans of at most size bytes.
// Empty content yields a single zero-length chunk so the frame still
// carries the total.
func splitChunks(text string, size int) []wire.Chunk {
	total := len(text)
	if total == 0 {
		return []wire.Chunk{{Offset: 0, Len: 0, Total: 0}}
	}
	chunks := make([]wire.Chunk, 0, (total+size-1)/size)
	for off := 0; off < total; off += size {
		n := size
		if off+n > total {
			n = total - off
		}
		chunks = append(chunks, wire.Chunk{Offset: off, Len: n, Total: total})
	}
	return chunks
}
