// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/magnetsystems/mmx-go/wire"
	"github.com/magnetsystems/mmx-go/xid"
)

// AuthFlag adjusts the login behavior.
type AuthFlag uint32

const (
	// AuthAutoCreate registers the account on the first not-authorized
	// failure, then retries the login once.
	AuthAutoCreate AuthFlag = 1 << iota
	// AuthAnonymous marks the account as an auto-generated guest.
	AuthAnonymous
	// AuthNoDeliveryOnLogin keeps message flow suspended after login;
	// delivery starts when SetPriority lifts it.
	AuthNoDeliveryOnLogin
)

// authState remembers the session credentials for automatic re-login.
type authState struct {
	username string
	password string
	flags    AuthFlag
	loggedIn bool
}

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	APIKey      string `json:"apiKey"`
	DeviceID    string `json:"devId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type createAccountRequest struct {
	CreateMode  string `json:"createMode"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	APIKey      string `json:"apiKey"`
	GuestSecret string `json:"guestSecret,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Account creation modes.
const (
	createModeGuest   = "GUEST"
	createModeUpgrade = "UPGRADE_USER"
)

// Login authenticates the open stream. With AuthAutoCreate a
// not-authorized failure triggers account registration followed by exactly
// one login retry; any other failure is returned as-is.
func (c *Client) Login(username, password string, flags AuthFlag) error {
	if username == "" {
		return ErrNoUser
	}
	if err := xid.Validate(username); err != nil {
		return fmt.Errorf("%w: %v", ErrNoUser, err)
	}
	if !c.state.transition(StateConnected, StateAuthenticating) {
		if c.state.isAuthenticated() {
			return ErrAlreadyConnected
		}
		return ErrNotConnected
	}

	err := c.doLogin(username, password)
	if err != nil && flags&AuthAutoCreate != 0 && errors.Is(err, ErrAuthFailed) {
		if err = c.createAccount(username, password, flags); err == nil {
			err = c.doLogin(username, password)
		}
	}
	if err != nil {
		c.state.transition(StateAuthenticating, StateConnected)
		return err
	}

	c.authMu.Lock()
	// The no-delivery flag applies to this login only; a later automatic
	// re-login restores whatever priority the application last set.
	c.auth = authState{
		username: username,
		password: password,
		flags:    flags &^ AuthNoDeliveryOnLogin,
		loggedIn: true,
	}
	c.user = xid.NewEndpoint(username, c.cfg.DeviceID).WithDisplayName(c.cfg.DisplayName)
	c.delivery = newDeliveryTracker(c.cfg.DataDir, c.cfg.Addr(), username)
	c.authMu.Unlock()

	c.state.set(StateAuthenticated)
	c.afterLogin(flags)
	c.listeners.notifyConn(StateAuthenticated, nil)
	return nil
}

func (c *Client) doLogin(username, password string) error {
	req := loginRequest{
		Username:    username,
		Password:    password,
		APIKey:      c.cfg.APIKey,
		DeviceID:    c.cfg.DeviceID,
		DisplayName: c.cfg.DisplayName,
	}
	err := c.request(wire.NSAuth, "login", "", &req, nil)
	return mapStatus(err, map[int]error{
		statusUnauthorized: ErrAuthFailed,
		statusForbidden:    ErrAuthFailed,
	})
}

func (c *Client) createAccount(username, password string, flags AuthFlag) error {
	mode := createModeUpgrade
	if flags&AuthAnonymous != 0 {
		mode = createModeGuest
	}
	req := createAccountRequest{
		CreateMode:  mode,
		Username:    username,
		Password:    password,
		APIKey:      c.cfg.APIKey,
		GuestSecret: c.cfg.GuestSecret,
		DisplayName: c.cfg.DisplayName,
	}
	err := c.request(wire.NSUser, "usercreate", "", &req, nil)
	return mapStatus(err, map[int]error{
		statusUnauthorized: ErrAuthFailed,
		statusForbidden:    ErrAuthFailed,
		statusConflict:     ErrAuthFailed,
	})
}

// afterLogin restores message flow and replays deferred operations.
func (c *Client) afterLogin(flags AuthFlag) {
	if flags&AuthNoDeliveryOnLogin != 0 {
		// Stay unavailable until the application lifts it.
		c.SetPriority(PriorityNotAvailable)
	} else if err := c.sendPriority(); err != nil {
		c.log.Warn("failed to announce presence", "err", err)
	}
	c.drainQueue()
	if flags&AuthNoDeliveryOnLogin == 0 && c.cfg.MaxLastPubItems > 0 {
		// Bound the gap caused by the outage: ask the server to re-send
		// recent items published since the last recorded delivery.
		go func() {
			if _, err := c.RequestLastPublishedItems(0, time.Time{}); err != nil {
				c.log.Debug("catch-up request failed", "err", err)
			}
		}()
	}
}

// LoginAnonymously authenticates with a generated guest account. The
// credentials persist encrypted under the data directory, so the same
// device resumes the same anonymous identity across restarts.
func (c *Client) LoginAnonymously() error {
	creds, err := c.creds.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return c.Login(creds.Username, creds.Password,
		AuthAnonymous|AuthAutoCreate)
}

// Logout ends the session but keeps the stream open, so another login can
// follow without reconnecting.
func (c *Client) Logout() error {
	if !c.state.transition(StateAuthenticated, StateConnected) {
		return ErrNotAuthenticated
	}
	c.write(&wire.Presence{Type: "unavailable"})
	err := c.request(wire.NSAuth, "logout", "", nil, nil)
	c.setLoggedIn(false)
	return err
}

// relogin re-authenticates after a reconnect using the remembered
// credentials.
func (c *Client) relogin() error {
	c.authMu.Lock()
	auth := c.auth
	c.authMu.Unlock()
	if auth.username == "" {
		return ErrNotAuthenticated
	}
	return c.Login(auth.username, auth.password, auth.flags)
}

func (c *Client) isLoggedIn() bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.auth.loggedIn
}

func (c *Client) setLoggedIn(v bool) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.auth.loggedIn = v
}
