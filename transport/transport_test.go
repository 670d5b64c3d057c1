// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	cl, err := Compress(left, zlib.DefaultCompression)
	require.NoError(t, err)
	cr, err := Compress(right, zlib.DefaultCompression)
	require.NoError(t, err)

	msg := []byte(`<presence><priority>0</priority></presence>`)
	go func() {
		cl.Write(msg)
	}()

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(cr, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)

	// And back the other way on the same streams.
	go func() {
		cr.Write([]byte("ack"))
	}()
	buf = make([]byte, 3)
	_, err = io.ReadFull(cl, buf)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(buf))
}

func TestWSDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// Echo frames back.
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := &WSDialer{Timeout: 5 * time.Second}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := d.Dial(context.Background(), url)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestDialerConnRefused(t *testing.T) {
	d := &Dialer{Timeout: time.Second}
	// Reserve a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = d.Dial(context.Background(), addr)
	assert.Error(t, err)
}
