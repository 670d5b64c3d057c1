// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials the websocket front-end and adapts the framed connection
// to a byte stream.
type WSDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Dial connects to the websocket endpoint at url (ws:// or wss://).
func (d *WSDialer) Dial(ctx context.Context, url string) (net.Conn, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: d.Timeout,
		TLSClientConfig:  d.TLSConfig,
	}
	ws, _, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// wsConn presents a websocket connection as a net.Conn. Writes map to one
// binary frame each; reads drain frames in order.
type wsConn struct {
	ws *websocket.Conn
	r  io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			// Frame drained, move to the next one.
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
