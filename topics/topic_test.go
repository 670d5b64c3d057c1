// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"strings"
	"testing"

	"github.com/magnetsystems/mmx-go/topics"
	"github.com/magnetsystems/mmx-go/xid"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"announcements", false},
		{"News/Sports", false},
		{"/leading/trailing/", false},
		{"", true},
		{"*", true},
		{"///", true},
		{"bad*char", true},
		{"bad#char", true},
		{"null\x00char", true},
		{string([]byte{0xFF, 0xFE}), true},
		{strings.Repeat("x", topics.MaxNameLen+1), true},
		{strings.Repeat("x", topics.MaxNameLen), false},
	}

	for _, tt := range tests {
		if err := topics.Validate(tt.name); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"News/Sports":  "news/sports",
		"/x/y/":        "x/y",
		"UPPER":        "upper",
		"already/good": "already/good",
	}
	for in, want := range tests {
		if got := topics.Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNodeID(t *testing.T) {
	global := topics.Global("News/Sports")
	if got, want := global.NodeID("app1"), "/app1/*/news/sports"; got != want {
		t.Errorf("global node ID = %q, want %q", got, want)
	}

	personal := topics.Personal("Drafts").WithOwner(xid.New("Bob Jones"))
	if got, want := personal.NodeID("app1"), `/app1/bob\20jones/drafts`; got != want {
		t.Errorf("personal node ID = %q, want %q", got, want)
	}

	unresolved := topics.Personal("Drafts")
	if got, want := unresolved.NodeID("app1"), "/app1/~/drafts"; got != want {
		t.Errorf("unresolved personal node ID = %q, want %q", got, want)
	}
}

func TestParseNodeID(t *testing.T) {
	appID, topic, ok := topics.ParseNodeID("/app1/*/news/sports")
	if !ok || appID != "app1" || !topic.IsGlobal() || topics.Normalize(topic.Name) != "news/sports" {
		t.Fatalf("parse global: app=%q topic=%v ok=%v", appID, topic, ok)
	}

	appID, topic, ok = topics.ParseNodeID(`/app1/bob\20jones/drafts`)
	if !ok || appID != "app1" || topic.IsGlobal() {
		t.Fatalf("parse user topic failed: %v", topic)
	}
	if !topic.Owner.Equals(xid.New("bob jones")) {
		t.Errorf("owner = %v, want bob jones", topic.Owner)
	}

	_, topic, ok = topics.ParseNodeID("/app1/~/drafts")
	if !ok || !topic.IsPersonal() {
		t.Fatalf("parse unresolved personal topic failed: %v", topic)
	}

	for _, bad := range []string{"", "no-slash", "/onlyapp", "/app//path", "/app/owner/"} {
		if _, _, ok := topics.ParseNodeID(bad); ok {
			t.Errorf("ParseNodeID(%q) should fail", bad)
		}
	}
}

func TestEquals(t *testing.T) {
	a := topics.Global("News")
	b := topics.Global("/news/")
	if !a.Equals(b) {
		t.Error("global topics with equivalent paths must be equal")
	}
	p := topics.Personal("news").WithOwner(xid.New("bob"))
	if a.Equals(p) {
		t.Error("global and personal topics must differ")
	}
}
