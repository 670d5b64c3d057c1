// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magnetsystems/mmx-go/wire"
	"github.com/magnetsystems/mmx-go/xid"
)

// Message is a received point-to-point message or topic item.
type Message struct {
	ID      string
	From    xid.ID
	To      []xid.ID
	MsgType string
	Meta    map[string]string
	Content []byte
	Stamp   time.Time
	// Droppable messages were sent without store-and-forward; the server
	// discarded them for any recipient that was offline.
	Droppable bool
	// ReceiptRequested is set when the sender asked for a delivery
	// receipt; answer with SendDeliveryReceipt.
	ReceiptRequested bool
}

// SendOptions control delivery of a point-to-point send.
type SendOptions struct {
	// Droppable sends without store-and-forward. Offline recipients
	// never see the message.
	Droppable bool
	// RequestReceipt asks each recipient for a delivery receipt.
	RequestReceipt bool
}

// MessageState is the server-side disposition of a sent message.
type MessageState string

// Message states as reported by the server.
const (
	StateUnknown           MessageState = "UNKNOWN"
	StatePending           MessageState = "PENDING"
	StateWakeupRequired    MessageState = "WAKEUP_REQUIRED"
	StateWakeupSent        MessageState = "WAKEUP_SENT"
	StateWakeupTimedOut    MessageState = "WAKEUP_TIMEDOUT"
	StateClientPending     MessageState = "CLIENT_PENDING"
	StateDeliveryAttempted MessageState = "DELIVERY_ATTEMPTED"
	StateDelivered         MessageState = "DELIVERED"
	StateReceived          MessageState = "RECEIVED"
	StateTimedOut          MessageState = "TIMEDOUT"
)

// newMessageID returns a globally unique message ID.
func newMessageID() string {
	return uuid.NewString()
}

// wireID is the identity encoding used inside mmxmeta JSON.
type wireID struct {
	UserID      string `json:"userId"`
	DevID       string `json:"devId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

func toWireID(id xid.ID) wireID {
	return wireID{
		UserID:      id.UserID(),
		DevID:       id.DeviceID(),
		DisplayName: id.DisplayName(),
	}
}

func (w wireID) toXID() xid.ID {
	return xid.NewEndpoint(w.UserID, w.DevID).WithDisplayName(w.DisplayName)
}

// mmxMeta is the protocol envelope inside the payload extension.
type mmxMeta struct {
	From *wireID  `json:"From,omitempty"`
	To   []wireID `json:"To,omitempty"`
}

func encodeMMXMeta(from xid.ID, to []xid.ID) (string, error) {
	m := mmxMeta{}
	if from.UserID() != "" {
		f := toWireID(from)
		m.From = &f
	}
	for _, id := range to {
		m.To = append(m.To, toWireID(id))
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMMXMeta(text string) (from xid.ID, to []xid.ID, err error) {
	if text == "" {
		return xid.ID{}, nil, nil
	}
	var m mmxMeta
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return xid.ID{}, nil, fmt.Errorf("%w: %v", ErrMalformedStanza, err)
	}
	if m.From != nil {
		from = m.From.toXID()
	}
	for _, w := range m.To {
		to = append(to, w.toXID())
	}
	return from, to, nil
}

func encodeMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMeta(text string) (map[string]string, error) {
	if text == "" {
		return nil, nil
	}
	meta := make(map[string]string)
	if err := json.Unmarshal([]byte(text), &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStanza, err)
	}
	return meta, nil
}

// toMessage converts a fully assembled frame into the delivered form. The
// sender address on the stanza wins over mmxmeta when mmxmeta is absent.
func toMessage(m *wire.Message) (*Message, error) {
	p := m.Payload
	from, to, err := decodeMMXMeta(p.MMXMeta)
	if err != nil {
		return nil, err
	}
	if from.UserID() == "" && m.From != "" {
		from = xid.ParseAddress(m.From)
	}
	meta, err := decodeMeta(p.Meta)
	if err != nil {
		return nil, err
	}
	content, err := decodePayloadData(p.Data)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:               m.ID,
		From:             from,
		To:               to,
		MsgType:          p.MsgType,
		Meta:             meta,
		Content:          content,
		Stamp:            p.Stamp,
		Droppable:        m.Type == wire.MsgHeadline,
		ReceiptRequested: m.ReceiptRequest,
	}, nil
}
