// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package xid provides the addressable identity of a user or end-point.
//
// An identity targets a user (any of their devices) or a specific end-point
// (one device of one user). On the wire an identity becomes a full address of
// the form "userID%appID@domain/deviceID" where the node part is escaped.
package xid

import (
	"fmt"
	"strings"
)

// AppIDDelimiter separates the user ID from the application ID in the node
// part of a wire address.
const AppIDDelimiter = '%'

// ID identifies a user or an end-point. The user ID is case-insensitive; the
// device ID is case-sensitive and empty for a user-level identity. An ID is
// immutable after construction.
type ID struct {
	userID      string
	deviceID    string
	displayName string
}

// New returns a user-level identity.
func New(userID string) ID {
	return ID{userID: userID}
}

// NewEndpoint returns an end-point identity bound to one device.
func NewEndpoint(userID, deviceID string) ID {
	return ID{userID: userID, deviceID: deviceID}
}

// WithDisplayName returns a copy carrying an optional human-readable name.
// The display name does not participate in equality.
func (id ID) WithDisplayName(name string) ID {
	id.displayName = name
	return id
}

// UserID returns the un-escaped user ID.
func (id ID) UserID() string { return id.userID }

// DeviceID returns the device ID, or "" for a user-level identity.
func (id ID) DeviceID() string { return id.deviceID }

// DisplayName returns the optional display name.
func (id ID) DisplayName() string { return id.displayName }

// IsZero reports whether the identity is unset.
func (id ID) IsZero() bool { return id.userID == "" }

// Equals reports whether two identities address the same end-point. User IDs
// compare case-insensitively; if either device ID is unset the device part is
// ignored, otherwise device IDs compare exactly.
func (id ID) Equals(other ID) bool {
	if !strings.EqualFold(id.userID, other.userID) {
		return false
	}
	if id.deviceID != "" && other.deviceID != "" {
		return id.deviceID == other.deviceID
	}
	return true
}

// String renders "userID" or "userID/deviceID".
func (id ID) String() string {
	if id.deviceID == "" {
		return id.userID
	}
	return id.userID + "/" + id.deviceID
}

// Parse is the inverse of String.
func Parse(s string) ID {
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		return NewEndpoint(s[:slash], s[slash+1:])
	}
	return New(s)
}

// Validate rejects user IDs containing characters reserved by the wire
// address syntax.
func Validate(userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	if strings.ContainsAny(userID, "/%@") {
		return fmt.Errorf("user ID %q cannot contain '/', '%%', or '@'", userID)
	}
	return nil
}

// escapes per XEP-0106; '%' additionally escaped because it delimits the
// app ID within the node.
var nodeEscaper = strings.NewReplacer(
	`\`, `\5c`,
	" ", `\20`,
	`"`, `\22`,
	"&", `\26`,
	"'", `\27`,
	"/", `\2f`,
	":", `\3a`,
	"<", `\3c`,
	">", `\3e`,
	"@", `\40`,
)

var nodeUnescaper = strings.NewReplacer(
	`\20`, " ",
	`\22`, `"`,
	`\26`, "&",
	`\27`, "'",
	`\2f`, "/",
	`\3a`, ":",
	`\3c`, "<",
	`\3e`, ">",
	`\40`, "@",
	`\5c`, `\`,
)

// EscapeNode escapes a raw user ID for use as the node of a wire address.
func EscapeNode(userID string) string {
	return nodeEscaper.Replace(userID)
}

// UnescapeNode reverses EscapeNode.
func UnescapeNode(node string) string {
	return nodeUnescaper.Replace(node)
}

// MakeNode builds the escaped node "userID%appID". With an empty appID the
// node is just the escaped user ID.
func MakeNode(userID, appID string) string {
	esc := EscapeNode(userID)
	if appID == "" {
		return esc
	}
	return esc + string(AppIDDelimiter) + appID
}

// Address builds a full wire address "userID%appID@domain" or
// "userID%appID@domain/deviceID" for the identity.
func (id ID) Address(appID, domain string) string {
	addr := MakeNode(id.userID, appID) + "@" + domain
	if id.deviceID != "" {
		addr += "/" + id.deviceID
	}
	return addr
}

// ParseAddress extracts the identity from a full or bare wire address. The
// app ID and domain are discarded.
func ParseAddress(addr string) ID {
	var device string
	if slash := strings.IndexByte(addr, '/'); slash >= 0 {
		device = addr[slash+1:]
		addr = addr[:slash]
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		addr = addr[:at]
	}
	if sep := strings.LastIndexByte(addr, byte(AppIDDelimiter)); sep >= 0 {
		addr = addr[:sep]
	}
	user := UnescapeNode(addr)
	if device == "" {
		return New(user)
	}
	return NewEndpoint(user, device)
}

// AppIDOf returns the application ID embedded in a wire address, or "" if
// the address carries none.
func AppIDOf(addr string) string {
	if slash := strings.IndexByte(addr, '/'); slash >= 0 {
		addr = addr[:slash]
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		addr = addr[:at]
	}
	if sep := strings.LastIndexByte(addr, byte(AppIDDelimiter)); sep >= 0 {
		return addr[sep+1:]
	}
	return ""
}

// Bare strips the device part from a full wire address.
func Bare(addr string) string {
	if slash := strings.LastIndexByte(addr, '/'); slash >= 0 {
		return addr[:slash]
	}
	return addr
}
