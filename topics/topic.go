// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package topics provides pub/sub topic addressing. A topic lives in a
// namespace scoped by the application: global topics are shared by every user
// of the application, personal topics live under the current user, and user
// topics live under an arbitrary user (server administration only). The wire
// identity of a topic is a node ID of the form
//
//	/appID/*/path          (global)
//	/appID/escapedUser/path (personal or user)
//
// Path uniqueness is scoped to (appID, namespace owner).
package topics

import (
	"strings"

	"github.com/magnetsystems/mmx-go/xid"
)

// Delimiter separates segments of a node ID.
const Delimiter = '/'

// Wildcard is the reserved owner segment of a global topic node ID.
const Wildcard = "*"

// CurrentUser is the reserved owner segment of a personal topic whose
// owner has not been resolved to a concrete user yet.
const CurrentUser = "~"

// Topic addresses a pub/sub topic. The zero value is not a usable topic;
// construct with Global, Personal, or User.
type Topic struct {
	// Owner is the namespace owner. A zero owner means a global topic. For a
	// personal topic the owner is filled in with the authenticated user at
	// call time by the protocol layer.
	Owner xid.ID

	// Name is the topic path as supplied by the application, not yet
	// normalized.
	Name string

	// personal marks a topic whose owner is implicitly the current user.
	personal bool
}

// Global returns an application-wide topic.
func Global(name string) Topic {
	return Topic{Name: name}
}

// Personal returns a topic under the current user's namespace. The owner is
// resolved when an operation is issued on an authenticated connection.
func Personal(name string) Topic {
	return Topic{Name: name, personal: true}
}

// User returns a topic under an arbitrary user's namespace. Only visible to
// server-side administration.
func User(owner xid.ID, name string) Topic {
	return Topic{Owner: owner, Name: name}
}

// IsGlobal reports whether the topic lives in the application-wide namespace.
func (t Topic) IsGlobal() bool { return !t.personal && t.Owner.IsZero() }

// IsPersonal reports whether the topic's owner is implicitly the current user.
func (t Topic) IsPersonal() bool { return t.personal }

// WithOwner returns a copy with the owner resolved. Used by the protocol
// layer to pin a personal topic to the authenticated user.
func (t Topic) WithOwner(owner xid.ID) Topic {
	t.Owner = owner
	return t
}

// Equals compares two topics by namespace owner and normalized path.
func (t Topic) Equals(other Topic) bool {
	if t.IsGlobal() != other.IsGlobal() {
		return false
	}
	if !t.IsGlobal() && !t.Owner.Equals(other.Owner) {
		return false
	}
	return Normalize(t.Name) == Normalize(other.Name)
}

// String renders "path" for global topics and "owner#path" otherwise.
func (t Topic) String() string {
	if t.IsGlobal() {
		return Normalize(t.Name)
	}
	return t.Owner.UserID() + "#" + Normalize(t.Name)
}

// OwnerSegment returns the owner segment used in the node ID: the wildcard
// for global topics, the current-user marker for an unresolved personal
// topic, the escaped owner user ID otherwise.
func (t Topic) OwnerSegment() string {
	if t.IsGlobal() {
		return Wildcard
	}
	if t.personal && t.Owner.IsZero() {
		return CurrentUser
	}
	return strings.ToLower(xid.EscapeNode(t.Owner.UserID()))
}

// NodeID derives the wire identity of the topic within an application.
func (t Topic) NodeID(appID string) string {
	var b strings.Builder
	b.Grow(len(appID) + len(t.Name) + 8)
	b.WriteByte(Delimiter)
	b.WriteString(appID)
	b.WriteByte(Delimiter)
	b.WriteString(t.OwnerSegment())
	b.WriteByte(Delimiter)
	b.WriteString(Normalize(t.Name))
	return b.String()
}

// ParseNodeID recovers the topic from a node ID. The appID segment is
// returned alongside the topic; a malformed node ID yields ok=false.
func ParseNodeID(nodeID string) (appID string, t Topic, ok bool) {
	if nodeID == "" || nodeID[0] != Delimiter {
		return "", Topic{}, false
	}
	parts := strings.SplitN(nodeID[1:], string(Delimiter), 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", Topic{}, false
	}
	appID = parts[0]
	switch parts[1] {
	case Wildcard:
		return appID, Global(parts[2]), true
	case CurrentUser:
		return appID, Personal(parts[2]), true
	}
	return appID, User(xid.New(xid.UnescapeNode(parts[1])), parts[2]), true
}
