// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoServer    = errors.New("no server configured")
	ErrNoAppID     = errors.New("app ID cannot be empty")
	ErrNoUser      = errors.New("user ID cannot be empty")
	ErrBadPriority = errors.New("priority out of range")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotAuthenticated = errors.New("client not authenticated")
	ErrConnectionLost   = errors.New("connection lost")
	ErrClientClosed     = errors.New("client has been closed")

	// Operation errors.
	ErrTimeout            = errors.New("request timed out")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum size")
	ErrBadRequest         = errors.New("bad request")
	ErrNoRecipient        = errors.New("no recipient specified")
	ErrTopicNotFound      = errors.New("topic not found")
	ErrTopicExists        = errors.New("topic already exists")
	ErrTopicPermission    = errors.New("topic operation not permitted")
	ErrSubscriptionExists = errors.New("subscription already exists")

	// Protocol errors.
	ErrMalformedStanza = errors.New("malformed stanza")
)

// Server status codes carried in error responses.
const (
	statusBadRequest   = 400
	statusUnauthorized = 401
	statusForbidden    = 403
	statusNotFound     = 404
	statusConflict     = 409
	statusGone         = 410
	statusServerError  = 500
)

// StatusError is an error response from the server with its original status
// code and message preserved.
type StatusError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("server status %d: %s", e.Code, e.Message)
}

// mapStatus translates a status error into the sentinel registered for its
// code, wrapping so both the sentinel and the *StatusError stay reachable
// through errors.Is / errors.As. The same code means different things per
// operation (409 is "topic exists" on create but "already subscribed" on
// subscribe), so each caller passes its own table.
func mapStatus(err error, table map[int]error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}
	if sentinel, ok := table[se.Code]; ok {
		return fmt.Errorf("%w: %w", sentinel, se)
	}
	return err
}
