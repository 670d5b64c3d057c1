// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"log/slog"

	"github.com/magnetsystems/mmx-go/config"
	"github.com/magnetsystems/mmx-go/offline"
	"github.com/magnetsystems/mmx-go/transport"
)

// Options configure a Client beyond the wire settings.
type Options struct {
	// Settings carry server address, app credentials, and protocol knobs.
	Settings *config.Settings

	// Logger receives structured client logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Dial overrides connection establishment. Defaults to a TCP dialer
	// built from Settings (TLS and compression included). Tests inject an
	// in-memory pipe here.
	Dial transport.DialFunc

	// Queue holds operations issued while disconnected. Defaults to an
	// in-memory queue; pass an offline.BadgerQueue for durability.
	Queue offline.Queue
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.Settings == nil {
		return ErrNoServer
	}
	return o.Settings.Validate()
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dial == nil {
		d := &transport.Dialer{
			Timeout:          o.Settings.ConnectTimeout,
			CompressionLevel: o.Settings.CompressionLevel,
		}
		if o.Settings.TLSEnabled {
			d.TLSConfig = o.Settings.TLSConfig
			if d.TLSConfig == nil {
				d.TLSConfig = &tls.Config{}
			}
		}
		o.Dial = d.Dial
	}
	if o.Queue == nil {
		o.Queue = offline.NewMemoryQueue()
	}
}
