// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/magnetsystems/mmx-go/offline"
	"github.com/magnetsystems/mmx-go/wire"
	"github.com/magnetsystems/mmx-go/xid"
)

// multicastUser is the server component that fans a single send out to
// multiple recipients.
const multicastUser = "mmx$multicast"

// Send delivers a payload to one or more recipients and returns the
// message ID. Reliable sends issued while disconnected are queued and
// replayed after the next login; droppable sends are silently dropped
// when there is no session, mirroring how the server treats them for
// offline recipients.
func (c *Client) Send(to []xid.ID, payload *Payload, opts *SendOptions) (string, error) {
	if len(to) == 0 {
		return "", ErrNoRecipient
	}
	if opts == nil {
		opts = &SendOptions{}
	}
	if err := payload.validate(c.cfg.MaxPayloadSize); err != nil {
		return "", err
	}

	dst, envelope, err := c.resolveRecipients(to)
	if err != nil {
		return "", err
	}
	metaJSON, err := encodeMeta(payload.Meta)
	if err != nil {
		return "", err
	}
	msgID := newMessageID()

	if !c.state.isAuthenticated() {
		if opts.Droppable {
			c.log.Debug("dropping droppable send while offline", "id", msgID)
			return msgID, nil
		}
		op := &offline.Op{
			ID:       msgID,
			Kind:     offline.KindSend,
			To:       dst,
			MsgType:  payload.MsgType,
			Meta:     metaJSON,
			Data:     payload.Data,
			Envelope: envelope,
			Receipt:  opts.RequestReceipt,
			Queued:   time.Now().UTC(),
		}
		if err := c.queue.Enqueue(op); err != nil {
			return "", err
		}
		return msgID, nil
	}

	err = c.sendFrames(dst, envelope, msgID, payload.MsgType, metaJSON,
		encodePayloadData(payload.Data), opts.Droppable, opts.RequestReceipt)
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// resolveRecipients picks the wire destination: the recipient itself, or
// the multicast component with the full list in the envelope.
func (c *Client) resolveRecipients(to []xid.ID) (dst, envelope string, err error) {
	domain := c.cfg.Domain()
	if len(to) == 1 {
		envelope, err = encodeMMXMeta(c.User(), to)
		if err != nil {
			return "", "", err
		}
		return to[0].Address(c.cfg.AppID, domain), envelope, nil
	}
	envelope, err = encodeMMXMeta(c.User(), to)
	if err != nil {
		return "", "", err
	}
	dst = xid.New(multicastUser).Address(c.cfg.AppID, domain)
	return dst, envelope, nil
}

// sendFrames writes the message as one frame per chunk, all sharing a
// content ID. The envelope and headers ride on the first frame; the
// receipt request rides on the last.
func (c *Client) sendFrames(dst, envelope, msgID, msgType, metaJSON, encoded string, droppable, receipt bool) error {
	stanzaType := wire.MsgChat
	if droppable {
		stanzaType = wire.MsgHeadline
	}

	chunks := splitChunks(encoded, c.cfg.ChunkSize)
	cid := ""
	if len(chunks) > 1 {
		cid = msgID
	}
	stamp := time.Now().UTC()

	for i, chunk := range chunks {
		frame := &wire.Message{
			ID:   msgID,
			Type: stanzaType,
			From: c.Address(),
			To:   dst,
			Payload: &wire.PayloadExt{
				MsgType: msgType,
				CID:     cid,
				Chunk:   chunk,
				Stamp:   stamp,
				Data:    encoded[chunk.Offset : chunk.Offset+chunk.Len],
			},
		}
		if i == 0 {
			frame.Payload.MMXMeta = envelope
			frame.Payload.Meta = metaJSON
		}
		if i == len(chunks)-1 {
			frame.ReceiptRequest = receipt
		}
		if i > 0 {
			// Chunk frames after the first get their own stanza IDs.
			frame.ID = newMessageID()
		}
		if err := c.write(frame); err != nil {
			return err
		}
	}
	c.metrics.msgsSent.Add(context.Background(), 1)
	return nil
}

func (c *Client) sendQueuedMessage(op *offline.Op) error {
	return c.sendFrames(op.To, op.Envelope, op.ID, op.MsgType, op.Meta,
		encodePayloadData(op.Data), false, op.Receipt)
}

// SendDeliveryReceipt confirms delivery of a received message to its
// sender. Call it when the message carried ReceiptRequested.
func (c *Client) SendDeliveryReceipt(msg *Message) error {
	if !c.state.isAuthenticated() {
		return ErrNotAuthenticated
	}
	if msg.From.IsZero() {
		return ErrNoRecipient
	}
	return c.write(&wire.Message{
		ID:         newMessageID(),
		Type:       wire.MsgChat,
		From:       c.Address(),
		To:         msg.From.Address(c.cfg.AppID, c.cfg.Domain()),
		ReceivedID: msg.ID,
	})
}

// errorContent is the body of an error message sent back to a sender.
type errorContent struct {
	MessageID string `json:"msgId"`
	Code      int    `json:"code"`
	Text      string `json:"message,omitempty"`
}

// SendError reports a processing failure for a received message back to
// its sender.
func (c *Client) SendError(to xid.ID, messageID string, code int, text string) error {
	if !c.state.isAuthenticated() {
		return ErrNotAuthenticated
	}
	body, err := json.Marshal(&errorContent{MessageID: messageID, Code: code, Text: text})
	if err != nil {
		return err
	}
	encoded := encodePayloadData(body)
	return c.write(&wire.Message{
		ID:   newMessageID(),
		Type: wire.MsgError,
		From: c.Address(),
		To:   to.Address(c.cfg.AppID, c.cfg.Domain()),
		Payload: &wire.PayloadExt{
			MsgType: "mmxerror",
			Chunk:   wire.Chunk{Offset: 0, Len: len(encoded), Total: len(encoded)},
			Stamp:   time.Now().UTC(),
			Data:    encoded,
		},
	})
}

// GetMessagesState queries the server-side disposition of sent messages.
func (c *Client) GetMessagesState(messageIDs ...string) (map[string]MessageState, error) {
	if !c.state.isAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	if len(messageIDs) == 0 {
		return map[string]MessageState{}, nil
	}
	var raw map[string]string
	if err := c.request(wire.NSMsgState, "query", "", messageIDs, &raw); err != nil {
		return nil, err
	}
	states := make(map[string]MessageState, len(messageIDs))
	for _, id := range messageIDs {
		if s, ok := raw[id]; ok {
			states[id] = MessageState(s)
		} else {
			states[id] = StateUnknown
		}
	}
	return states, nil
}
