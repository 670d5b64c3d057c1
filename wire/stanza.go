// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the fixed stanza/extension stream protocol spoken
// by the messaging server. Three top-level frames exist: iq (request/response
// correlated by id), message (payloads, receipts, pub/sub events, signals),
// and presence (message-flow priority). Application commands travel as an
// extension element with command/ctype/dst attributes and a JSON body.
package wire

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Extension namespaces.
const (
	NSPayload     = "com.magnet:msg:payload"
	NSSignal      = "com.magnet:msg:signal"
	NSMsgState    = "com.magnet:msg:state"
	NSMsgAck      = "com.magnet:msg:ack"
	NSPubSub      = "com.magnet:pubsub"
	NSPubSubEvent = "com.magnet:pubsub:event"
	NSUser        = "com.magnet:user:account"
	NSAuth        = "com.magnet:user:auth"
	NSReceipts    = "urn:xmpp:receipts"
)

// ContentTypeJSON is the only body content type the client emits.
const ContentTypeJSON = "application/json"

// IQ types.
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Message types. Chat messages are stored by the server until delivered;
// headline messages are droppable.
const (
	MsgChat     = "chat"
	MsgHeadline = "headline"
	MsgError    = "error"
)

// Stanza is a top-level frame.
type Stanza interface {
	stanza()
}

// Command is the application command extension carried inside an iq:
//
//	<mmx xmlns="NS" command="..." ctype="application/json" dst="...">body</mmx>
type Command struct {
	Namespace   string
	Name        string
	ContentType string
	// Dst optionally targets another client end-point; requests without it
	// are handled by the server itself.
	Dst  string
	Body string
}

// IQ is a correlated request or response frame.
type IQ struct {
	ID      string
	Type    string
	From    string
	To      string
	Command *Command
}

func (*IQ) stanza() {}

// IsResponse reports whether the frame answers a pending request.
func (iq *IQ) IsResponse() bool {
	return iq.Type == IQResult || iq.Type == IQError
}

// Chunk locates a partial payload within the complete content.
type Chunk struct {
	Offset int
	Len    int
	Total  int
}

// Complete reports whether the chunk spans the whole content.
func (c Chunk) Complete() bool {
	return c.Offset == 0 && c.Len == c.Total
}

// format renders "offset/len/total".
func (c Chunk) format() string {
	return fmt.Sprintf("%d/%d/%d", c.Offset, c.Len, c.Total)
}

func parseChunk(s string) (Chunk, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Chunk{}, fmt.Errorf("malformed chunk attribute %q", s)
	}
	var c Chunk
	var err error
	if c.Offset, err = strconv.Atoi(parts[0]); err != nil {
		return Chunk{}, fmt.Errorf("malformed chunk offset %q", parts[0])
	}
	if c.Len, err = strconv.Atoi(parts[1]); err != nil {
		return Chunk{}, fmt.Errorf("malformed chunk length %q", parts[1])
	}
	if c.Total, err = strconv.Atoi(parts[2]); err != nil {
		return Chunk{}, fmt.Errorf("malformed chunk total %q", parts[2])
	}
	if c.Offset < 0 || c.Len < 0 || c.Total < 0 || c.Offset+c.Len > c.Total {
		return Chunk{}, fmt.Errorf("inconsistent chunk %q", s)
	}
	return c, nil
}

// PayloadExt is the application payload extension of a message:
//
//	<mmx xmlns="com.magnet:msg:payload">
//	  <mmxmeta>{json}</mmxmeta>
//	  <meta>{json}</meta>
//	  <payload mtype="t" cid="c" chunk="o/l/t" stamp="rfc3339">data</payload>
//	</mmx>
type PayloadExt struct {
	// MMXMeta carries protocol metadata (sender, recipients) as JSON.
	MMXMeta string
	// Meta carries application headers as JSON.
	Meta string

	MsgType string
	CID     string
	Chunk   Chunk
	Stamp   time.Time
	Data    string
}

// SignalExt is the server signal extension (send acks) of a message:
//
//	<mmx xmlns="com.magnet:msg:signal"><mmxmeta>{json}</mmxmeta></mmx>
type SignalExt struct {
	MMXMeta string
}

// EventItem is one published item inside a pub/sub event.
type EventItem struct {
	ID      string
	Payload PayloadExt
}

// Event is the pub/sub item delivery extension of a message:
//
//	<event xmlns="com.magnet:pubsub:event" node="...">
//	  <item id="...">payload-ext children</item>...
//	</event>
type Event struct {
	Node  string
	Items []EventItem
}

// Message is an asynchronous frame: a point-to-point payload, a delivery
// receipt, a pub/sub event, or a server signal.
type Message struct {
	ID   string
	Type string
	From string
	To   string

	Payload *PayloadExt
	Signal  *SignalExt
	Event   *Event

	// ReceiptRequest asks the recipient to send back a delivery receipt.
	ReceiptRequest bool
	// ReceivedID carries a delivery receipt for the message it names.
	ReceivedID string
}

func (*Message) stanza() {}

// Presence controls message-flow routing for this end-point.
type Presence struct {
	// Type is "" (available) or "unavailable".
	Type string
	// Priority in [-128,128]; meaningful only when available.
	Priority int
	// Status is a free-form note ("Online", "Blocking").
	Status string
}

func (*Presence) stanza() {}

// StreamHeader opens a stanza stream.
type StreamHeader struct {
	To   string
	From string
	ID   string
}

func (*StreamHeader) stanza() {}

func attr(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
