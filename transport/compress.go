// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// Compress wraps conn in bidirectional zlib stream compression. Each Write
// is flushed so a stanza is never stuck in the compressor.
func Compress(conn net.Conn, level int) (net.Conn, error) {
	w, err := zlib.NewWriterLevel(conn, level)
	if err != nil {
		return nil, err
	}
	return &compConn{Conn: conn, w: w}, nil
}

type compConn struct {
	net.Conn

	// The zlib reader is created lazily: NewReader blocks on the stream
	// header, which the peer only sends with its first payload.
	rOnce sync.Once
	rErr  error
	r     io.ReadCloser

	wmu sync.Mutex
	w   *zlib.Writer
}

func (c *compConn) Read(p []byte) (int, error) {
	c.rOnce.Do(func() {
		c.r, c.rErr = zlib.NewReader(c.Conn)
	})
	if c.rErr != nil {
		return 0, c.rErr
	}
	return c.r.Read(p)
}

func (c *compConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.w.Flush()
}

func (c *compConn) Close() error {
	c.wmu.Lock()
	c.w.Close()
	c.wmu.Unlock()
	return c.Conn.Close()
}
