// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const credFileName = "anonymous.cred"

// Credentials is a generated anonymous account.
type Credentials struct {
	Username string `cbor:"1,keyasint"`
	Password string `cbor:"2,keyasint"`
}

// credentialStore persists the anonymous account encrypted at rest, so the
// same device keeps the same anonymous identity across restarts.
type credentialStore struct {
	dir        string
	passphrase string
}

// newCredentialStore keys the encryption to the app, so a credential file
// cannot be replayed against another app's guest secret.
func newCredentialStore(dir, appID, guestSecret string) *credentialStore {
	return &credentialStore{
		dir:        dir,
		passphrase: appID + ":" + guestSecret,
	}
}

// Load returns the stored credentials, or nil when none exist yet.
func (s *credentialStore) Load() (*Credentials, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, credFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := cbor.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

// Save writes the credentials encrypted, via a temp file and rename so a
// crash never leaves a truncated file behind.
func (s *credentialStore) Save(creds *Credentials) error {
	plain, err := cbor.Marshal(creds)
	if err != nil {
		return err
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return err
	}
	if _, err := w.Write(plain); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(s.dir, credFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadOrCreate returns existing credentials or generates, stores, and
// returns a fresh anonymous account.
func (s *credentialStore) LoadOrCreate() (*Credentials, error) {
	creds, err := s.Load()
	if err != nil {
		return nil, err
	}
	if creds != nil {
		return creds, nil
	}
	creds = &Credentials{
		Username: "guest-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Password: uuid.NewString(),
	}
	if err := s.Save(creds); err != nil {
		return nil, err
	}
	return creds, nil
}
