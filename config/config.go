// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config holds the client settings for connecting to a messaging
// server on behalf of one application.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultPort            = 5222
	DefaultRequestTimeout  = 30 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultMaxPayloadSize  = 200 * 1024
	DefaultChunkSize       = 100 * 1024
	DefaultReconnectMin    = 1 * time.Second
	DefaultReconnectMax    = 2 * time.Minute
	DefaultMaxLastPubItems = 1
)

// Settings configures a client session. The zero value is not usable; start
// from New and adjust.
type Settings struct {
	// Server endpoint.
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ServiceName string `yaml:"service_name"` // wire domain; defaults to Host

	// Application scope. Every account and topic is partitioned by AppID;
	// APIKey authorizes account auto-creation and GuestSecret additionally
	// authorizes anonymous account creation.
	AppID       string `yaml:"app_id"`
	APIKey      string `yaml:"api_key"`
	GuestSecret string `yaml:"guest_secret"`

	// Device identity of this end-point.
	DeviceID string `yaml:"device_id"`

	// Optional user display name sent with outgoing payload metadata.
	DisplayName string `yaml:"display_name"`

	// DataDir holds persisted local state: the encrypted anonymous
	// credential and the last-delivery record.
	DataDir string `yaml:"data_dir"`

	// Transport.
	TLSEnabled        bool          `yaml:"tls_enabled"`
	CompressionLevel  int           `yaml:"compression_level"` // 0 disables stream compression
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconnectEnabled  bool          `yaml:"reconnect_enabled"`
	ReconnectBackoff  time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectWait  time.Duration `yaml:"max_reconnect_wait"`
	TLSConfig         *tls.Config   `yaml:"-"`

	// Payload limits.
	MaxPayloadSize int `yaml:"max_payload_size"`
	ChunkSize      int `yaml:"chunk_size"`

	// MaxLastPubItems is the per-topic item count requested from the server
	// after authentication to catch up on items published while offline.
	// 0 disables the catch-up request.
	MaxLastPubItems int `yaml:"max_last_pub_items"`
}

// New returns settings with defaults applied.
func New() *Settings {
	return &Settings{
		Port:             DefaultPort,
		ConnectTimeout:   DefaultConnectTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		RequestTimeout:   DefaultRequestTimeout,
		ReconnectEnabled: true,
		ReconnectBackoff: DefaultReconnectMin,
		MaxReconnectWait: DefaultReconnectMax,
		MaxPayloadSize:   DefaultMaxPayloadSize,
		ChunkSize:        DefaultChunkSize,
		MaxLastPubItems:  DefaultMaxLastPubItems,
		DataDir:          ".",
	}
}

// Load reads settings from a YAML file, applying defaults for absent fields.
func Load(path string) (*Settings, error) {
	s := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks settings consistency.
func (s *Settings) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}
	if s.AppID == "" {
		return fmt.Errorf("app_id is required")
	}
	if s.MaxPayloadSize <= 0 {
		return fmt.Errorf("max_payload_size must be positive")
	}
	if s.ChunkSize <= 0 || s.ChunkSize > s.MaxPayloadSize {
		return fmt.Errorf("chunk_size must be within (0, max_payload_size]")
	}
	if s.MaxLastPubItems < 0 {
		return fmt.Errorf("max_last_pub_items cannot be negative")
	}
	return nil
}

// Addr returns the dialable "host:port".
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Domain returns the wire domain of the server.
func (s *Settings) Domain() string {
	if s.ServiceName != "" {
		return s.ServiceName
	}
	return s.Host
}

// SetServer sets host and port.
func (s *Settings) SetServer(host string, port int) *Settings {
	s.Host = host
	s.Port = port
	return s
}

// SetApp sets the application scope.
func (s *Settings) SetApp(appID, apiKey string) *Settings {
	s.AppID = appID
	s.APIKey = apiKey
	return s
}

// SetGuestSecret sets the pre-shared secret for anonymous account creation.
func (s *Settings) SetGuestSecret(secret string) *Settings {
	s.GuestSecret = secret
	return s
}

// SetDeviceID sets this end-point's device identity.
func (s *Settings) SetDeviceID(id string) *Settings {
	s.DeviceID = id
	return s
}

// SetDataDir sets the directory for persisted local state.
func (s *Settings) SetDataDir(dir string) *Settings {
	s.DataDir = dir
	return s
}

// SetTLS enables TLS with an optional custom configuration.
func (s *Settings) SetTLS(cfg *tls.Config) *Settings {
	s.TLSEnabled = true
	s.TLSConfig = cfg
	return s
}
