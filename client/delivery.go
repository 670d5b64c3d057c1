// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// deliveryTracker persists the timestamp of the last topic item delivered
// to listeners. After a reconnect, items published since this point are
// fetched so the subscriber misses nothing. The file is keyed to the
// server address and user, so accounts and servers do not share state.
type deliveryTracker struct {
	mu   sync.Mutex
	path string
}

func newDeliveryTracker(dir, serverAddr, userID string) *deliveryTracker {
	sum := blake3.Sum256([]byte(serverAddr + "/" + strings.ToLower(userID)))
	name := "lastdelivery-" + hex.EncodeToString(sum[:8])
	return &deliveryTracker{path: filepath.Join(dir, name)}
}

// Load returns the recorded timestamp; ok is false when none was recorded.
func (t *deliveryTracker) Load() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw, err := os.ReadFile(t.path)
	if err != nil || len(raw) != 8 {
		return time.Time{}, false
	}
	ms := int64(binary.BigEndian.Uint64(raw))
	return time.UnixMilli(ms).UTC(), true
}

// Save records the timestamp. Monotonicity is the caller's concern; Save
// overwrites unconditionally.
func (t *deliveryTracker) Save(stamp time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		return err
	}
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(stamp.UnixMilli()))
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw[:], 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}
