// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport dials byte-stream connections to the messaging server.
// The stream codec sits on top of a plain net.Conn, so every variant (TCP,
// TLS, websocket, compressed) is exposed as one.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// DialFunc establishes a connection to the server. The client takes one of
// these so tests can substitute an in-memory pipe.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Dialer dials TCP connections, optionally wrapped in TLS and stream
// compression.
type Dialer struct {
	// Timeout bounds connection establishment including the TLS handshake.
	Timeout time.Duration
	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config
	// CompressionLevel enables stream compression when non-zero.
	CompressionLevel int
}

// Dial connects to addr and returns the wrapped connection.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if d.TLSConfig != nil {
		cfg := d.TLSConfig
		if cfg.ServerName == "" {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				conn.Close()
				return nil, err
			}
			cfg = cfg.Clone()
			cfg.ServerName = host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	if d.CompressionLevel != 0 {
		return Compress(conn, d.CompressionLevel)
	}
	return conn, nil
}
