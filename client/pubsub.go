// Copyright (c) Magnet Systems, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"time"

	"github.com/magnetsystems/mmx-go/offline"
	"github.com/magnetsystems/mmx-go/topics"
	"github.com/magnetsystems/mmx-go/wire"
	"github.com/magnetsystems/mmx-go/xid"
)

// PublisherPolicy controls who may publish to a topic.
type PublisherPolicy string

// Publisher policies.
const (
	PublishAnyone      PublisherPolicy = "anyone"
	PublishOwnerOnly   PublisherPolicy = "owner"
	PublishSubscribers PublisherPolicy = "subscribers"
)

// TopicOptions configure topic creation and update.
type TopicOptions struct {
	// Description is a free-form note shown in listings.
	Description string
	// MaxItems bounds the retained item history; 0 keeps the server
	// default, -1 disables persistence.
	MaxItems int
	// PublisherPolicy restricts publishing; empty keeps the server
	// default (anyone).
	PublisherPolicy PublisherPolicy
	// SubscribeOnCreate subscribes the creator in the same request.
	SubscribeOnCreate bool
	// DisableSubscriptions creates the topic closed to subscribers.
	DisableSubscriptions bool
}

// TopicInfo describes an existing topic.
type TopicInfo struct {
	Topic       topics.Topic
	Description string
	MaxItems    int
	Created     time.Time
	Modified    time.Time
}

// TopicSummary is the aggregate publication state of a topic.
type TopicSummary struct {
	Topic         topics.Topic
	ItemCount     int
	LastPublished time.Time
}

// Subscription records one subscription of this user.
type Subscription struct {
	Topic topics.Topic
	// ID is the server-issued subscription handle.
	ID string
	// DeviceID is set for a device-scoped subscription.
	DeviceID string
}

type topicRef struct {
	TopicName string `json:"topicName"`
	UserID    string `json:"userId,omitempty"`
}

func (c *Client) topicRef(t topics.Topic) topicRef {
	ref := topicRef{TopicName: topics.Normalize(t.Name)}
	if t.IsPersonal() {
		owner := t.Owner
		if owner.IsZero() {
			owner = c.User()
		}
		ref.UserID = owner.UserID()
	}
	return ref
}

func (c *Client) refTopic(ref topicRef) topics.Topic {
	if ref.UserID == "" {
		return topics.Global(ref.TopicName)
	}
	return topics.User(xid.New(ref.UserID), ref.TopicName)
}

// CreateTopic creates a topic. Creating a personal topic with a zero owner
// creates it under the authenticated user.
func (c *Client) CreateTopic(t topics.Topic, opts *TopicOptions) error {
	if err := c.checkTopicOp(t); err != nil {
		return err
	}
	if opts == nil {
		opts = &TopicOptions{}
	}
	req := struct {
		topicRef
		IsPersonal    bool   `json:"isPersonal"`
		Description   string `json:"description,omitempty"`
		MaxItems      int    `json:"maxItems,omitempty"`
		PublisherType string `json:"publisherType,omitempty"`
		Subscribe     bool   `json:"subscribeOnCreate,omitempty"`
		SubEnabled    bool   `json:"subscriptionEnabled"`
	}{
		topicRef:      c.topicRef(t),
		IsPersonal:    t.IsPersonal(),
		Description:   opts.Description,
		MaxItems:      opts.MaxItems,
		PublisherType: string(opts.PublisherPolicy),
		Subscribe:     opts.SubscribeOnCreate,
		SubEnabled:    !opts.DisableSubscriptions,
	}
	err := c.request(wire.NSPubSub, "createtopic", "", &req, nil)
	return mapStatus(err, map[int]error{
		statusConflict:  ErrTopicExists,
		statusForbidden: ErrTopicPermission,
	})
}

// UpdateTopic changes the mutable properties of an owned topic.
func (c *Client) UpdateTopic(t topics.Topic, opts *TopicOptions) error {
	if err := c.checkTopicOp(t); err != nil {
		return err
	}
	if opts == nil {
		return nil
	}
	req := struct {
		topicRef
		Description   string `json:"description,omitempty"`
		MaxItems      int    `json:"maxItems,omitempty"`
		PublisherType string `json:"publisherType,omitempty"`
	}{
		topicRef:      c.topicRef(t),
		Description:   opts.Description,
		MaxItems:      opts.MaxItems,
		PublisherType: string(opts.PublisherPolicy),
	}
	err := c.request(wire.NSPubSub, "updatetopic", "", &req, nil)
	return c.topicStatus(err)
}

// DeleteTopic removes a topic and its retained items.
func (c *Client) DeleteTopic(t topics.Topic) error {
	if err := c.checkTopicOp(t); err != nil {
		return err
	}
	ref := c.topicRef(t)
	err := c.request(wire.NSPubSub, "deletetopic", "", &ref, nil)
	return c.topicStatus(err)
}

// topicInfoDTO mirrors the server's topic description.
type topicInfoDTO struct {
	topicRef
	Description string `json:"description,omitempty"`
	MaxItems    int    `json:"maxItems,omitempty"`
	Created     int64  `json:"creationDate,omitempty"`
	Modified    int64  `json:"modifiedDate,omitempty"`
}

func (c *Client) infoFromDTO(d topicInfoDTO) TopicInfo {
	info := TopicInfo{
		Topic:       c.refTopic(d.topicRef),
		Description: d.Description,
		MaxItems:    d.MaxItems,
	}
	if d.Created != 0 {
		info.Created = time.UnixMilli(d.Created).UTC()
	}
	if d.Modified != 0 {
		info.Modified = time.UnixMilli(d.Modified).UTC()
	}
	return info
}

// GetTopic fetches the description of one topic.
func (c *Client) GetTopic(t topics.Topic) (*TopicInfo, error) {
	if err := c.checkTopicOp(t); err != nil {
		return nil, err
	}
	ref := c.topicRef(t)
	var dto topicInfoDTO
	if err := c.request(wire.NSPubSub, "getTopic", "", &ref, &dto); err != nil {
		return nil, c.topicStatus(err)
	}
	info := c.infoFromDTO(dto)
	return &info, nil
}

// ListTopics returns the topics visible to this user.
func (c *Client) ListTopics() ([]TopicInfo, error) {
	if !c.state.isAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	var res struct {
		Topics []topicInfoDTO `json:"results"`
	}
	if err := c.request(wire.NSPubSub, "listtopics", "", nil, &res); err != nil {
		return nil, err
	}
	infos := make([]TopicInfo, 0, len(res.Topics))
	for _, d := range res.Topics {
		infos = append(infos, c.infoFromDTO(d))
	}
	return infos, nil
}

// SearchTopics finds topics whose name or description matches the query.
func (c *Client) SearchTopics(query string, offset, limit int) ([]TopicInfo, error) {
	if !c.state.isAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	req := struct {
		Query  string `json:"topicName"`
		Offset int    `json:"offset,omitempty"`
		Limit  int    `json:"limit,omitempty"`
	}{Query: query, Offset: offset, Limit: limit}
	var res struct {
		Topics []topicInfoDTO `json:"results"`
	}
	if err := c.request(wire.NSPubSub, "searchTopic", "", &req, &res); err != nil {
		return nil, err
	}
	infos := make([]TopicInfo, 0, len(res.Topics))
	for _, d := range res.Topics {
		infos = append(infos, c.infoFromDTO(d))
	}
	return infos, nil
}

// GetTopicSummary returns aggregate publication state for the given
// topics, optionally bounded to a publication time window.
func (c *Client) GetTopicSummary(ts []topics.Topic, since, until time.Time) ([]TopicSummary, error) {
	if !c.state.isAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	refs := make([]topicRef, 0, len(ts))
	for _, t := range ts {
		refs = append(refs, c.topicRef(t))
	}
	req := struct {
		Topics []topicRef `json:"topicNodes"`
		Since  int64      `json:"since,omitempty"`
		Until  int64      `json:"until,omitempty"`
	}{Topics: refs}
	if !since.IsZero() {
		req.Since = since.UnixMilli()
	}
	if !until.IsZero() {
		req.Until = until.UnixMilli()
	}
	var res struct {
		Summaries []struct {
			topicRef
			Count   int   `json:"count"`
			LastPub int64 `json:"lastPubTime,omitempty"`
		} `json:"results"`
	}
	if err := c.request(wire.NSPubSub, "getSummary", "", &req, &res); err != nil {
		return nil, err
	}
	out := make([]TopicSummary, 0, len(res.Summaries))
	for _, s := range res.Summaries {
		sum := TopicSummary{Topic: c.refTopic(s.topicRef), ItemCount: s.Count}
		if s.LastPub != 0 {
			sum.LastPublished = time.UnixMilli(s.LastPub).UTC()
		}
		out = append(out, sum)
	}
	return out, nil
}

// Subscribe subscribes this user to a topic and returns the subscription
// ID. With devicewide false the subscription follows the user across
// devices. Subscribing again returns the existing subscription.
func (c *Client) Subscribe(t topics.Topic, devicewide bool) (string, error) {
	if err := c.checkTopicOp(t); err != nil {
		return "", err
	}
	req := struct {
		topicRef
		DeviceID   string `json:"devId,omitempty"`
		ErrorOnDup bool   `json:"errorOnDup"`
	}{topicRef: c.topicRef(t)}
	if devicewide {
		req.DeviceID = c.cfg.DeviceID
	}
	var res struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	err := c.request(wire.NSPubSub, "subscribe", "", &req, &res)
	if err != nil {
		return "", mapStatus(err, map[int]error{
			statusNotFound:  ErrTopicNotFound,
			statusForbidden: ErrTopicPermission,
			statusConflict:  ErrSubscriptionExists,
		})
	}
	return res.SubscriptionID, nil
}

// Unsubscribe removes a subscription. An empty subscription ID removes all
// of this user's subscriptions to the topic. It returns false when the
// subscription was already gone.
func (c *Client) Unsubscribe(t topics.Topic, subscriptionID string) (bool, error) {
	if err := c.checkTopicOp(t); err != nil {
		return false, err
	}
	req := struct {
		topicRef
		SubscriptionID string `json:"subscriptionId,omitempty"`
	}{topicRef: c.topicRef(t), SubscriptionID: subscriptionID}
	err := c.request(wire.NSPubSub, "unsubscribe", "", &req, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == statusGone {
		return false, nil
	}
	if err != nil {
		return false, mapStatus(err, map[int]error{
			statusNotFound:  ErrTopicNotFound,
			statusForbidden: ErrTopicPermission,
		})
	}
	return true, nil
}

// ListSubscriptions returns this user's subscriptions.
func (c *Client) ListSubscriptions() ([]Subscription, error) {
	if !c.state.isAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	var res struct {
		Subscriptions []struct {
			topicRef
			SubscriptionID string `json:"subscriptionId"`
			DeviceID       string `json:"devId,omitempty"`
		} `json:"subscriptions"`
	}
	if err := c.request(wire.NSPubSub, "getSubscriptions", "", nil, &res); err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(res.Subscriptions))
	for _, s := range res.Subscriptions {
		subs = append(subs, Subscription{
			Topic:    c.refTopic(s.topicRef),
			ID:       s.SubscriptionID,
			DeviceID: s.DeviceID,
		})
	}
	return subs, nil
}

// GetSubscribers returns up to limit subscribers of a topic, starting at
// offset.
func (c *Client) GetSubscribers(t topics.Topic, offset, limit int) ([]xid.ID, error) {
	if err := c.checkTopicOp(t); err != nil {
		return nil, err
	}
	req := struct {
		topicRef
		Offset int `json:"offset,omitempty"`
		Limit  int `json:"limit,omitempty"`
	}{topicRef: c.topicRef(t), Offset: offset, Limit: limit}
	var res struct {
		Subscribers []struct {
			UserID      string `json:"userId"`
			DisplayName string `json:"displayName,omitempty"`
		} `json:"subscribers"`
	}
	if err := c.request(wire.NSPubSub, "getSubscribers", "", &req, &res); err != nil {
		return nil, c.topicStatus(err)
	}
	ids := make([]xid.ID, 0, len(res.Subscribers))
	for _, s := range res.Subscribers {
		ids = append(ids, xid.New(s.UserID).WithDisplayName(s.DisplayName))
	}
	return ids, nil
}

type publishRequest struct {
	topicRef
	ItemID  string `json:"itemId"`
	MsgType string `json:"mtype,omitempty"`
	Meta    string `json:"meta,omitempty"`
	Data    string `json:"data"`
}

// Publish publishes a payload to a topic and returns the item ID. While
// disconnected the publish is queued and replayed after the next login.
// Publishing to your own missing personal topic creates it and retries
// once.
func (c *Client) Publish(t topics.Topic, payload *Payload) (string, error) {
	if err := payload.validate(c.cfg.MaxPayloadSize); err != nil {
		return "", err
	}
	if err := topics.Validate(t.Name); err != nil {
		return "", err
	}

	itemID := newMessageID()
	metaJSON, err := encodeMeta(payload.Meta)
	if err != nil {
		return "", err
	}

	if !c.state.isAuthenticated() {
		op := &offline.Op{
			ID:      itemID,
			Kind:    offline.KindPublish,
			Node:    t.NodeID(c.cfg.AppID),
			MsgType: payload.MsgType,
			Meta:    metaJSON,
			Data:    payload.Data,
			Queued:  time.Now().UTC(),
		}
		if err := c.queue.Enqueue(op); err != nil {
			return "", err
		}
		return itemID, nil
	}

	err = c.doPublish(t, itemID, payload.MsgType, metaJSON, encodePayloadData(payload.Data))
	if err != nil {
		return "", err
	}
	return itemID, nil
}

func (c *Client) doPublish(t topics.Topic, itemID, msgType, metaJSON, encoded string) error {
	req := publishRequest{
		topicRef: c.topicRef(t),
		ItemID:   itemID,
		MsgType:  msgType,
		Meta:     metaJSON,
		Data:     encoded,
	}
	err := c.request(wire.NSPubSub, "publish", "", &req, nil)
	err = mapStatus(err, map[int]error{
		statusNotFound:  ErrTopicNotFound,
		statusForbidden: ErrTopicPermission,
	})
	if errors.Is(err, ErrTopicNotFound) && c.isOwnPersonal(t) {
		// A user's own personal topic is created on demand, then the
		// publish is retried exactly once.
		if cerr := c.CreateTopic(t, nil); cerr != nil && !errors.Is(cerr, ErrTopicExists) {
			return cerr
		}
		err = c.request(wire.NSPubSub, "publish", "", &req, nil)
		err = mapStatus(err, map[int]error{
			statusNotFound:  ErrTopicNotFound,
			statusForbidden: ErrTopicPermission,
		})
	}
	return err
}

func (c *Client) sendQueuedPublish(op *offline.Op) error {
	_, t, ok := topics.ParseNodeID(op.Node)
	if !ok {
		c.log.Warn("dropping queued publish for unparseable node", "node", op.Node)
		return nil
	}
	err := c.doPublish(t, op.ID, op.MsgType, op.Meta, encodePayloadData(op.Data))
	if err == nil {
		c.metrics.msgsSent.Add(context.Background(), 1)
	}
	return err
}

// RequestLastPublishedItems asks the server to re-deliver items published
// since the last recorded delivery (or since the given time when set).
// The items arrive through the normal event path. It returns the number
// of items the server will deliver.
func (c *Client) RequestLastPublishedItems(maxItems int, since time.Time) (int, error) {
	if !c.state.isAuthenticated() {
		return 0, ErrNotAuthenticated
	}
	if maxItems <= 0 {
		maxItems = c.cfg.MaxLastPubItems
	}
	if since.IsZero() {
		c.authMu.Lock()
		tracker := c.delivery
		c.authMu.Unlock()
		if tracker != nil {
			if last, ok := tracker.Load(); ok {
				since = last
			}
		}
	}
	req := struct {
		Since    int64 `json:"since,omitempty"`
		MaxItems int   `json:"maxItems"`
	}{MaxItems: maxItems}
	if !since.IsZero() {
		req.Since = since.UnixMilli()
	}
	var res struct {
		Count int `json:"count"`
	}
	if err := c.request(wire.NSPubSub, "getlatest", "", &req, &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

// FetchOptions bound an item range query.
type FetchOptions struct {
	// Since and Until bound the publication time; zero means unbounded.
	Since time.Time
	Until time.Time
	// Offset and MaxItems page through the range.
	Offset   int
	MaxItems int
	// Ascending orders oldest first; the default is newest first.
	Ascending bool
}

// TopicItem is one persisted publication.
type TopicItem struct {
	ID        string
	Publisher xid.ID
	Published time.Time
	MsgType   string
	Meta      map[string]string
	Content   []byte
}

// itemDTO mirrors the server's persisted item encoding.
type itemDTO struct {
	ItemID    string `json:"itemId"`
	Publisher string `json:"publisher,omitempty"`
	Created   int64  `json:"creationDate,omitempty"`
	MsgType   string `json:"mtype,omitempty"`
	Meta      string `json:"meta,omitempty"`
	Data      string `json:"data"`
}

func itemFromDTO(d itemDTO) (TopicItem, error) {
	meta, err := decodeMeta(d.Meta)
	if err != nil {
		return TopicItem{}, err
	}
	content, err := decodePayloadData(d.Data)
	if err != nil {
		return TopicItem{}, err
	}
	item := TopicItem{
		ID:      d.ItemID,
		MsgType: d.MsgType,
		Meta:    meta,
		Content: content,
	}
	if d.Publisher != "" {
		item.Publisher = xid.ParseAddress(d.Publisher)
	}
	if d.Created != 0 {
		item.Published = time.UnixMilli(d.Created).UTC()
	}
	return item, nil
}

// GetItems returns persisted items of a topic within the given range.
// Requires subscriber or owner permission.
func (c *Client) GetItems(t topics.Topic, opts *FetchOptions) ([]TopicItem, error) {
	if err := c.checkTopicOp(t); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &FetchOptions{}
	}
	req := struct {
		topicRef
		Since     int64 `json:"since,omitempty"`
		Until     int64 `json:"until,omitempty"`
		Offset    int   `json:"offset,omitempty"`
		MaxItems  int   `json:"maxItems,omitempty"`
		Ascending bool  `json:"ascending"`
	}{
		topicRef:  c.topicRef(t),
		Offset:    opts.Offset,
		MaxItems:  opts.MaxItems,
		Ascending: opts.Ascending,
	}
	if !opts.Since.IsZero() {
		req.Since = opts.Since.UnixMilli()
	}
	if !opts.Until.IsZero() {
		req.Until = opts.Until.UnixMilli()
	}
	var res struct {
		Items []itemDTO `json:"items"`
	}
	if err := c.request(wire.NSPubSub, "fetch", "", &req, &res); err != nil {
		return nil, c.topicStatus(err)
	}
	return itemsFromDTO(res.Items)
}

// GetItemsByIDs returns the named persisted items of a topic. Unknown IDs
// are absent from the result.
func (c *Client) GetItemsByIDs(t topics.Topic, ids []string) ([]TopicItem, error) {
	if err := c.checkTopicOp(t); err != nil {
		return nil, err
	}
	req := struct {
		topicRef
		ItemIDs []string `json:"itemIds"`
	}{topicRef: c.topicRef(t), ItemIDs: ids}
	var res struct {
		Items []itemDTO `json:"items"`
	}
	if err := c.request(wire.NSPubSub, "getItems", "", &req, &res); err != nil {
		return nil, c.topicStatus(err)
	}
	return itemsFromDTO(res.Items)
}

func itemsFromDTO(dtos []itemDTO) ([]TopicItem, error) {
	items := make([]TopicItem, 0, len(dtos))
	for _, d := range dtos {
		item, err := itemFromDTO(d)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// RetractItems deletes the named persisted items. Owner only.
func (c *Client) RetractItems(t topics.Topic, ids []string) error {
	if err := c.checkTopicOp(t); err != nil {
		return err
	}
	req := struct {
		topicRef
		ItemIDs []string `json:"itemIds"`
	}{topicRef: c.topicRef(t), ItemIDs: ids}
	err := c.request(wire.NSPubSub, "retract", "", &req, nil)
	return c.topicStatus(err)
}

// ClearAllItems deletes every persisted item of a topic. Owner only.
func (c *Client) ClearAllItems(t topics.Topic) error {
	if err := c.checkTopicOp(t); err != nil {
		return err
	}
	ref := c.topicRef(t)
	err := c.request(wire.NSPubSub, "retractAll", "", &ref, nil)
	return c.topicStatus(err)
}

func (c *Client) checkTopicOp(t topics.Topic) error {
	if !c.state.isAuthenticated() {
		return ErrNotAuthenticated
	}
	return topics.Validate(t.Name)
}

// topicStatus maps the status codes shared by most topic operations.
func (c *Client) topicStatus(err error) error {
	return mapStatus(err, map[int]error{
		statusBadRequest: ErrBadRequest,
		statusNotFound:   ErrTopicNotFound,
		statusForbidden:  ErrTopicPermission,
	})
}

func (c *Client) isOwnPersonal(t topics.Topic) bool {
	if !t.IsPersonal() {
		return false
	}
	return t.Owner.IsZero() || t.Owner.Equals(c.User())
}
