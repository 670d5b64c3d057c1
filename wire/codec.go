// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"
)

func start(name string, attrs ...xml.Attr) xml.StartElement {
	return xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
}

func mkAttr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// optAttr appends name="value" only when value is non-empty.
func optAttr(attrs []xml.Attr, name, value string) []xml.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, mkAttr(name, value))
}

// MarshalXML implements xml.Marshaler.
func (iq *IQ) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	attrs := []xml.Attr{mkAttr("id", iq.ID), mkAttr("type", iq.Type)}
	attrs = optAttr(attrs, "from", iq.From)
	attrs = optAttr(attrs, "to", iq.To)
	st := start("iq", attrs...)
	if err := e.EncodeToken(st); err != nil {
		return err
	}
	if iq.Command != nil {
		if err := encodeCommand(e, iq.Command); err != nil {
			return err
		}
	}
	return e.EncodeToken(st.End())
}

func encodeCommand(e *xml.Encoder, c *Command) error {
	attrs := []xml.Attr{
		mkAttr("xmlns", c.Namespace),
		mkAttr("command", c.Name),
		mkAttr("ctype", c.ContentType),
	}
	attrs = optAttr(attrs, "dst", c.Dst)
	st := start("mmx", attrs...)
	if err := e.EncodeToken(st); err != nil {
		return err
	}
	if c.Body != "" {
		if err := e.EncodeToken(xml.CharData(c.Body)); err != nil {
			return err
		}
	}
	return e.EncodeToken(st.End())
}

// UnmarshalXML implements xml.Unmarshaler.
func (iq *IQ) UnmarshalXML(d *xml.Decoder, st xml.StartElement) error {
	iq.ID = attr(st.Attr, "id")
	iq.Type = attr(st.Attr, "type")
	iq.From = attr(st.Attr, "from")
	iq.To = attr(st.Attr, "to")
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "mmx" {
				cmd, err := decodeCommand(d, t)
				if err != nil {
					return err
				}
				iq.Command = cmd
			} else if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func decodeCommand(d *xml.Decoder, st xml.StartElement) (*Command, error) {
	c := &Command{
		Namespace:   st.Name.Space,
		Name:        attr(st.Attr, "command"),
		ContentType: attr(st.Attr, "ctype"),
		Dst:         attr(st.Attr, "dst"),
	}
	body, err := readText(d)
	if err != nil {
		return nil, err
	}
	c.Body = body
	return c, nil
}

// readText collects character data up to the closing tag of the element
// whose start was already consumed.
func readText(d *xml.Decoder) (string, error) {
	var text []byte
	for {
		tok, err := d.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			text = append(text, t...)
		case xml.StartElement:
			if err := d.Skip(); err != nil {
				return "", err
			}
		case xml.EndElement:
			return string(text), nil
		}
	}
}

// MarshalXML implements xml.Marshaler.
func (m *Message) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	attrs := []xml.Attr{mkAttr("id", m.ID), mkAttr("type", m.Type)}
	attrs = optAttr(attrs, "from", m.From)
	attrs = optAttr(attrs, "to", m.To)
	st := start("message", attrs...)
	if err := e.EncodeToken(st); err != nil {
		return err
	}
	if m.Payload != nil {
		if err := encodePayloadExt(e, m.Payload); err != nil {
			return err
		}
	}
	if m.Signal != nil {
		sig := start("mmx", mkAttr("xmlns", NSSignal))
		if err := e.EncodeToken(sig); err != nil {
			return err
		}
		if err := encodeTextElem(e, "mmxmeta", m.Signal.MMXMeta); err != nil {
			return err
		}
		if err := e.EncodeToken(sig.End()); err != nil {
			return err
		}
	}
	if m.Event != nil {
		if err := encodeEvent(e, m.Event); err != nil {
			return err
		}
	}
	if m.ReceiptRequest {
		req := start("request", mkAttr("xmlns", NSReceipts))
		if err := e.EncodeToken(req); err != nil {
			return err
		}
		if err := e.EncodeToken(req.End()); err != nil {
			return err
		}
	}
	if m.ReceivedID != "" {
		rcv := start("received", mkAttr("xmlns", NSReceipts), mkAttr("id", m.ReceivedID))
		if err := e.EncodeToken(rcv); err != nil {
			return err
		}
		if err := e.EncodeToken(rcv.End()); err != nil {
			return err
		}
	}
	return e.EncodeToken(st.End())
}

func encodeTextElem(e *xml.Encoder, name, text string) error {
	if text == "" {
		return nil
	}
	st := start(name)
	if err := e.EncodeToken(st); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(text)); err != nil {
		return err
	}
	return e.EncodeToken(st.End())
}

func encodePayloadExt(e *xml.Encoder, p *PayloadExt) error {
	st := start("mmx", mkAttr("xmlns", NSPayload))
	if err := e.EncodeToken(st); err != nil {
		return err
	}
	if err := encodeTextElem(e, "mmxmeta", p.MMXMeta); err != nil {
		return err
	}
	if err := encodeTextElem(e, "meta", p.Meta); err != nil {
		return err
	}
	attrs := []xml.Attr{mkAttr("mtype", p.MsgType)}
	attrs = optAttr(attrs, "cid", p.CID)
	attrs = append(attrs, mkAttr("chunk", p.Chunk.format()))
	attrs = append(attrs, mkAttr("stamp", p.Stamp.UTC().Format(time.RFC3339)))
	pl := start("payload", attrs...)
	if err := e.EncodeToken(pl); err != nil {
		return err
	}
	if p.Data != "" {
		if err := e.EncodeToken(xml.CharData(p.Data)); err != nil {
			return err
		}
	}
	if err := e.EncodeToken(pl.End()); err != nil {
		return err
	}
	return e.EncodeToken(st.End())
}

func encodeEvent(e *xml.Encoder, ev *Event) error {
	st := start("event", mkAttr("xmlns", NSPubSubEvent), mkAttr("node", ev.Node))
	if err := e.EncodeToken(st); err != nil {
		return err
	}
	for i := range ev.Items {
		it := start("item", mkAttr("id", ev.Items[i].ID))
		if err := e.EncodeToken(it); err != nil {
			return err
		}
		if err := encodePayloadExt(e, &ev.Items[i].Payload); err != nil {
			return err
		}
		if err := e.EncodeToken(it.End()); err != nil {
			return err
		}
	}
	return e.EncodeToken(st.End())
}

// UnmarshalXML implements xml.Unmarshaler.
func (m *Message) UnmarshalXML(d *xml.Decoder, st xml.StartElement) error {
	m.ID = attr(st.Attr, "id")
	m.Type = attr(st.Attr, "type")
	m.From = attr(st.Attr, "from")
	m.To = attr(st.Attr, "to")
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "mmx" && t.Name.Space == NSPayload:
				p, err := decodePayloadExt(d)
				if err != nil {
					return err
				}
				m.Payload = p
			case t.Name.Local == "mmx" && t.Name.Space == NSSignal:
				sig, err := decodeSignal(d)
				if err != nil {
					return err
				}
				m.Signal = sig
			case t.Name.Local == "event" && t.Name.Space == NSPubSubEvent:
				ev, err := decodeEvent(d, t)
				if err != nil {
					return err
				}
				m.Event = ev
			case t.Name.Local == "request" && t.Name.Space == NSReceipts:
				m.ReceiptRequest = true
				if err := d.Skip(); err != nil {
					return err
				}
			case t.Name.Local == "received" && t.Name.Space == NSReceipts:
				m.ReceivedID = attr(t.Attr, "id")
				if err := d.Skip(); err != nil {
					return err
				}
			default:
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

func decodeSignal(d *xml.Decoder) (*SignalExt, error) {
	sig := &SignalExt{}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "mmxmeta" {
				text, err := readText(d)
				if err != nil {
					return nil, err
				}
				sig.MMXMeta = text
			} else if err := d.Skip(); err != nil {
				return nil, err
			}
		case xml.EndElement:
			return sig, nil
		}
	}
}

func decodePayloadExt(d *xml.Decoder) (*PayloadExt, error) {
	p := &PayloadExt{}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "mmxmeta":
				text, err := readText(d)
				if err != nil {
					return nil, err
				}
				p.MMXMeta = text
			case "meta":
				text, err := readText(d)
				if err != nil {
					return nil, err
				}
				p.Meta = text
			case "payload":
				p.MsgType = attr(t.Attr, "mtype")
				p.CID = attr(t.Attr, "cid")
				if s := attr(t.Attr, "chunk"); s != "" {
					chunk, err := parseChunk(s)
					if err != nil {
						return nil, err
					}
					p.Chunk = chunk
				}
				if s := attr(t.Attr, "stamp"); s != "" {
					stamp, err := time.Parse(time.RFC3339, s)
					if err != nil {
						return nil, fmt.Errorf("malformed stamp %q", s)
					}
					p.Stamp = stamp
				}
				text, err := readText(d)
				if err != nil {
					return nil, err
				}
				p.Data = text
			default:
				if err := d.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			return p, nil
		}
	}
}

func decodeEvent(d *xml.Decoder, st xml.StartElement) (*Event, error) {
	ev := &Event{Node: attr(st.Attr, "node")}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "item" {
				if err := d.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			item := EventItem{ID: attr(t.Attr, "id")}
			if err := decodeItem(d, &item); err != nil {
				return nil, err
			}
			ev.Items = append(ev.Items, item)
		case xml.EndElement:
			return ev, nil
		}
	}
}

func decodeItem(d *xml.Decoder, item *EventItem) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "mmx" && t.Name.Space == NSPayload {
				p, err := decodePayloadExt(d)
				if err != nil {
					return err
				}
				item.Payload = *p
			} else if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

// MarshalXML implements xml.Marshaler.
func (p *Presence) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	var attrs []xml.Attr
	attrs = optAttr(attrs, "type", p.Type)
	st := start("presence", attrs...)
	if err := e.EncodeToken(st); err != nil {
		return err
	}
	if p.Type == "" {
		if err := encodeTextElem(e, "priority", strconv.Itoa(p.Priority)); err != nil {
			return err
		}
	}
	if err := encodeTextElem(e, "status", p.Status); err != nil {
		return err
	}
	return e.EncodeToken(st.End())
}

// UnmarshalXML implements xml.Unmarshaler.
func (p *Presence) UnmarshalXML(d *xml.Decoder, st xml.StartElement) error {
	p.Type = attr(st.Attr, "type")
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "priority":
				text, err := readText(d)
				if err != nil {
					return err
				}
				n, err := strconv.Atoi(text)
				if err != nil {
					return fmt.Errorf("malformed priority %q", text)
				}
				p.Priority = n
			case "status":
				text, err := readText(d)
				if err != nil {
					return err
				}
				p.Status = text
			default:
				if err := d.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

// Encoder writes stanzas to a stream connection.
type Encoder struct {
	w   io.Writer
	enc *xml.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, enc: xml.NewEncoder(w)}
}

// OpenStream writes the stream opening tag addressed to the service domain.
func (e *Encoder) OpenStream(to string) error {
	_, err := fmt.Fprintf(e.w, `<stream to=%q version="1.0">`, to)
	return err
}

// CloseStream writes the stream closing tag.
func (e *Encoder) CloseStream() error {
	_, err := io.WriteString(e.w, "</stream>")
	return err
}

// Encode writes one stanza and flushes it to the connection.
func (e *Encoder) Encode(s Stanza) error {
	var err error
	switch st := s.(type) {
	case *IQ:
		err = st.MarshalXML(e.enc, xml.StartElement{})
	case *Message:
		err = st.MarshalXML(e.enc, xml.StartElement{})
	case *Presence:
		err = st.MarshalXML(e.enc, xml.StartElement{})
	default:
		return fmt.Errorf("unsupported stanza %T", s)
	}
	if err != nil {
		return err
	}
	return e.enc.Flush()
}

// Decoder reads stanzas from a stream connection. Unknown top-level
// elements are skipped.
type Decoder struct {
	dec *xml.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: xml.NewDecoder(r)}
}

// Read returns the next stanza. The stream header is returned as a
// *StreamHeader without consuming its children; the stream closing tag
// yields io.EOF.
func (d *Decoder) Read() (Stanza, error) {
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "stream":
				return &StreamHeader{
					To:   attr(t.Attr, "to"),
					From: attr(t.Attr, "from"),
					ID:   attr(t.Attr, "id"),
				}, nil
			case "iq":
				var iq IQ
				if err := iq.UnmarshalXML(d.dec, t); err != nil {
					return nil, err
				}
				return &iq, nil
			case "message":
				var msg Message
				if err := msg.UnmarshalXML(d.dec, t); err != nil {
					return nil, err
				}
				return &msg, nil
			case "presence":
				var p Presence
				if err := p.UnmarshalXML(d.dec, t); err != nil {
					return nil, err
				}
				return &p, nil
			default:
				if err := d.dec.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			// Stream closed by the peer.
			return nil, io.EOF
		}
	}
}
