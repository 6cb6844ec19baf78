// Copyright 2024 Pulse Technologies Inc. All rights reserved.

// A Go client for the Pulse real-time messaging server.
package pulse

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
)

const Version = "0.3.1"

// Status describes the connection state of a Client.
type Status int

const (
	DISCONNECTED Status = iota
	CONNECTING
	CONNECTED
	CLOSED
)

func (s Status) String() string {
	switch s {
	case DISCONNECTED:
		return "disconnected"
	case CONNECTING:
		return "connecting"
	case CONNECTED:
		return "connected"
	case CLOSED:
		return "closed"
	}
	return "unknown"
}

const maxRefreshSkew = 10 * time.Second

// retryRefreshTTL paces token refresh retries after a temporary failure.
const retryRefreshTTL uint32 = 10

// refreshIn returns how long to wait before refreshing a token with the
// given ttl, keeping a skew of 10% (capped) ahead of expiry.
func refreshIn(ttl uint32) time.Duration {
	d := time.Duration(ttl) * time.Second
	skew := d / 10
	if skew > maxRefreshSkew {
		skew = maxRefreshSkew
	}
	return d - skew
}

type request struct {
	cb func(*protocol.Reply, error)
}

type serverSub struct {
	offset      uint64
	epoch       string
	recoverable bool
}

// ServerSubscription is a snapshot of a channel the server subscribed
// this connection to.
type ServerSubscription struct {
	Channel     string
	State       SubStatus
	Recoverable bool
	Offset      uint64
	Epoch       string
}

// A Client is a single session with a Pulse server. It maintains the
// session across network interruptions, replaying client-side
// subscriptions and recovering missed publications where possible.
type Client struct {
	mu        sync.RWMutex
	url       string
	config    Config
	protoType protocol.Type
	encoder   protocol.CommandEncoder
	session   string
	log       zerolog.Logger
	events    *eventHub

	status    Status
	id        string
	token     string
	transport transport
	writer    *writeQueue
	// connCloseCh tears down the goroutines tied to one transport
	// (writer, ping); a fresh channel is made per connect attempt.
	connCloseCh chan struct{}

	subs       map[string]*Subscription
	subOrder   []string
	serverSubs map[string]*serverSub

	reqMu    sync.RWMutex
	requests map[uint32]request
	cmdID    uint32

	stats stats
	bo    backoff

	reconnect         bool
	reconnectAttempts int
	reconnectURL      string
	nextAttemptAt     time.Time
	reconnectCh       chan struct{}

	refreshTimer    *time.Timer
	refreshDeadline time.Time

	delayPing chan struct{}
	closeCh   chan struct{}
	readyChs  []chan error
}

// New creates a Client for the given endpoint. The connection is not
// established until Connect is called. Endpoints with format=protobuf
// use the binary protocol, all others JSON.
func New(url string, config Config) *Client {
	config = config.withDefaults()
	protoType := protocolType(url)
	protoName := "json"
	if protoType == protocol.TypeProtobuf {
		protoName = "protobuf"
	}
	c := &Client{
		url:         url,
		config:      config,
		protoType:   protoType,
		encoder:     newCommandEncoder(protoType),
		session:     nuid.Next(),
		events:      &eventHub{},
		status:      DISCONNECTED,
		token:       config.Token,
		subs:        make(map[string]*Subscription),
		serverSubs:  make(map[string]*serverSub),
		requests:    make(map[uint32]request),
		bo:          backoff{min: config.MinReconnectDelay, max: config.MaxReconnectDelay},
		reconnectCh: make(chan struct{}, 1),
		delayPing:   make(chan struct{}, 32),
		closeCh:     make(chan struct{}),
	}
	c.log = config.Logger.With().
		Str("session", c.session).
		Str("transport", "websocket").
		Str("protocol", protoName).
		Logger()
	go c.reconnectRoutine()
	return c
}

func (c *Client) nextCommandID() uint32 {
	return atomic.AddUint32(&c.cmdID, 1)
}

// State returns the current connection state.
func (c *Client) State() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// ClientID returns the connection id assigned by the server. Empty until
// the connection is established.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Stats returns a snapshot of connection counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot(c.session)
}

func (c *Client) connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == CONNECTED
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == CLOSED
}

// Connect establishes the session. It returns after the connect command
// is issued; use Ready or OnConnect to observe the outcome. A failed
// first dial is returned directly, reconnection then continues in the
// background with backoff.
func (c *Client) Connect() error {
	started, err := c.moveToConnecting(false)
	if err != nil || !started {
		return err
	}
	return c.connectFromScratch(false)
}

// moveToConnecting performs the guarded Disconnected -> Connecting
// transition. Concurrent connect attempts collapse here: only the caller
// observing DISCONNECTED proceeds.
func (c *Client) moveToConnecting(isReconnect bool) (bool, error) {
	c.mu.Lock()
	switch c.status {
	case CLOSED:
		c.mu.Unlock()
		return false, ErrClientClosed
	case CONNECTING, CONNECTED:
		c.mu.Unlock()
		return false, nil
	}
	if isReconnect && !c.reconnect {
		c.mu.Unlock()
		return false, nil
	}
	c.reconnect = true
	c.status = CONNECTING
	c.mu.Unlock()
	c.emitState(DISCONNECTED, CONNECTING)
	return true, nil
}

func (c *Client) connectFromScratch(isReconnect bool) error {
	c.mu.Lock()
	url := c.url
	if c.reconnectURL != "" {
		// Server-provided override holds for a single attempt.
		url = c.reconnectURL
		c.reconnectURL = ""
	}
	c.mu.Unlock()

	t, err := newWebsocketTransport(url, c.protoType, websocketConfig{
		Header:            c.config.Header,
		CookieJar:         c.config.CookieJar,
		TLSConfig:         c.config.TLSConfig,
		NetDialContext:    c.config.NetDialContext,
		HandshakeTimeout:  c.config.HandshakeTimeout,
		EnableCompression: c.config.EnableCompression,
	}, c.stats.addInBytes)
	if err != nil {
		c.emitError(err)
		c.handleDisconnect(&disconnect{
			Code:      disconnectCodeTransportClosed,
			Reason:    "connect error",
			Reconnect: true,
		})
		return err
	}

	if c.config.OnTransportCreated != nil {
		c.config.OnTransportCreated()
	}

	c.mu.Lock()
	if c.status != CONNECTING {
		c.mu.Unlock()
		_ = t.Close()
		return nil
	}
	connCloseCh := make(chan struct{})
	writer := newWriteQueue(c.config.WriteQueueSize)
	c.connCloseCh = connCloseCh
	c.transport = t
	c.writer = writer
	c.mu.Unlock()

	go writer.run(t, c.config.WriteTimeout, connCloseCh,
		func(n int) {
			c.stats.incrOut(n)
		},
		func(err error) {
			c.emitError(err)
			c.handleDisconnect(&disconnect{
				Code:      disconnectCodeTransportClosed,
				Reason:    "write error",
				Reconnect: true,
			})
		})
	go c.reader(t)

	if err := c.sendConnect(isReconnect); err != nil {
		c.handleDisconnect(&disconnect{
			Code:      disconnectCodeTransportClosed,
			Reason:    "connect error",
			Reconnect: true,
		})
		return err
	}
	return nil
}

func (c *Client) sendConnect(isReconnect bool) error {
	token := c.connectionToken()

	c.mu.RLock()
	req := &protocol.ConnectRequest{
		Token:   token,
		Name:    c.config.Name,
		Version: c.config.Version,
	}
	if len(c.config.Data) > 0 {
		req.Data = c.config.Data
	}
	if isReconnect && len(c.serverSubs) > 0 {
		subs := make(map[string]*protocol.SubscribeRequest)
		for channel, ss := range c.serverSubs {
			if !ss.recoverable {
				continue
			}
			subs[channel] = &protocol.SubscribeRequest{
				Recover: true,
				Epoch:   ss.epoch,
				Offset:  ss.offset,
			}
		}
		if len(subs) > 0 {
			req.Subs = subs
		}
	}
	c.mu.RUnlock()

	cmd := &protocol.Command{Id: c.nextCommandID(), Connect: req}
	return c.sendAsync(cmd, true, func(reply *protocol.Reply, err error) {
		c.handleConnectReply(reply, err, isReconnect)
	})
}

// connectionToken returns the token for the next connect command,
// consulting the configured callback when no token is cached.
func (c *Client) connectionToken() string {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" || c.config.GetToken == nil {
		return token
	}
	token, err := c.config.GetToken(ConnectionTokenEvent{})
	if err != nil {
		c.emitError(err)
		return ""
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token
}

func (c *Client) handleConnectReply(reply *protocol.Reply, err error, isReconnect bool) {
	if err != nil {
		if err == ErrClientDisconnected || err == ErrClientClosed {
			return
		}
		c.emitError(err)
		c.handleDisconnect(&disconnect{
			Code:      disconnectCodeTransportClosed,
			Reason:    "connect error",
			Reconnect: true,
		})
		return
	}
	if reply.Error != nil {
		serr := errorFromProto(reply.Error)
		c.emitError(serr)
		if serr.Code == codeTokenExpired {
			// Drop the stale token so the next attempt refreshes it.
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		}
		c.handleDisconnect(&disconnect{
			Code:      serr.Code,
			Reason:    serr.Message,
			Reconnect: true,
		})
		return
	}
	res := reply.Connect
	if res == nil {
		c.emitError(ErrBadProtocol)
		c.handleDisconnect(&disconnect{
			Code:   disconnectCodeBadProtocol,
			Reason: "bad connect reply",
		})
		return
	}

	c.mu.Lock()
	if c.status != CONNECTING {
		c.mu.Unlock()
		return
	}
	c.status = CONNECTED
	c.id = res.Client
	c.reconnectAttempts = 0
	c.nextAttemptAt = time.Time{}
	serverSubs := make(map[string]*serverSub, len(res.Subs))
	for channel, subRes := range res.Subs {
		serverSubs[channel] = &serverSub{
			offset:      subRes.Offset,
			epoch:       subRes.Epoch,
			recoverable: subRes.Recoverable,
		}
	}
	c.serverSubs = serverSubs
	readyChs := c.readyChs
	c.readyChs = nil
	connCloseCh := c.connCloseCh
	c.mu.Unlock()

	c.stats.incrConnects()
	c.stats.clearReconnect()
	c.emitState(CONNECTING, CONNECTED)
	for _, ch := range readyChs {
		ch <- nil
	}
	if c.events.onConnect != nil {
		c.events.onConnect(ConnectEvent{
			ClientID: res.Client,
			Version:  res.Version,
			Data:     res.Data,
		})
	}
	for channel, subRes := range res.Subs {
		if c.events.onServerSubscribe != nil {
			c.events.onServerSubscribe(ServerSubscribeEvent{
				Channel:      channel,
				Resubscribed: isReconnect,
				Recovered:    subRes.Recovered,
			})
		}
		for _, pub := range subRes.Publications {
			c.handleServerPublication(channel, pub)
		}
	}
	if res.Expires {
		c.scheduleRefresh(res.Ttl)
	}
	go c.periodicPing(connCloseCh)
	go c.resubscribeAll()
}

// resubscribeAll replays client-side subscriptions in insertion order so
// their subscribe commands reach the transport in a stable order.
func (c *Client) resubscribeAll() {
	c.mu.RLock()
	order := make([]*Subscription, 0, len(c.subOrder))
	for _, channel := range c.subOrder {
		if sub, ok := c.subs[channel]; ok {
			order = append(order, sub)
		}
	}
	c.mu.RUnlock()
	for _, sub := range order {
		sub.resubscribe()
	}
}

// reader is the transport-reader task: the only place inbound frames are
// classified. It reports the termination of its own transport; once that
// transport has been torn down or replaced, its close is ignored.
func (c *Client) reader(t transport) {
	for {
		reply, disc, err := t.Read()
		if err != nil {
			c.mu.RLock()
			current := c.transport == t
			c.mu.RUnlock()
			if !current {
				return
			}
			if disc == nil {
				disc = &disconnect{
					Code:      disconnectCodeTransportClosed,
					Reason:    "connection closed",
					Reconnect: true,
				}
			}
			c.handleDisconnect(disc)
			return
		}
		select {
		case c.delayPing <- struct{}{}:
		default:
		}
		c.handle(reply)
	}
}

func (c *Client) handle(reply *protocol.Reply) {
	c.stats.incrInMsgs()
	c.stats.incrReply(replyKind(reply))
	c.log.Debug().Str("event", "transport_on_reply").
		Uint32("id", reply.Id).Msg("reply received")
	if reply.Id > 0 {
		req, ok := c.takeRequest(reply.Id)
		if !ok {
			c.log.Debug().Str("event", "late_reply_dropped").
				Uint32("id", reply.Id).Msg("no waiter for reply")
			return
		}
		req.cb(reply, nil)
		return
	}
	if reply.Push == nil {
		return
	}
	c.handlePush(reply.Push)
}

func (c *Client) handlePush(push *protocol.Push) {
	channel := push.Channel
	switch {
	case push.Pub != nil:
		if sub, ok := c.subscription(channel); ok {
			sub.handlePublication(push.Pub)
			return
		}
		c.handleServerPublication(channel, push.Pub)
	case push.Join != nil:
		if sub, ok := c.subscription(channel); ok {
			sub.handleJoin(push.Join.Info)
			return
		}
		c.handleServerJoin(channel, push.Join.Info)
	case push.Leave != nil:
		if sub, ok := c.subscription(channel); ok {
			sub.handleLeave(push.Leave.Info)
			return
		}
		c.handleServerLeave(channel, push.Leave.Info)
	case push.Unsubscribe != nil:
		if sub, ok := c.subscription(channel); ok {
			sub.handleUnsubscribe(push.Unsubscribe.Code, push.Unsubscribe.Reason)
			return
		}
		c.handleServerUnsubscribe(channel)
	case push.Subscribe != nil:
		c.handleServerSubscribe(channel, push.Subscribe)
	case push.Message != nil:
		if c.events.onMessage != nil {
			c.events.onMessage(MessageEvent{Data: push.Message.Data})
		}
	case push.Disconnect != nil:
		d := push.Disconnect
		c.handleDisconnect(&disconnect{
			Code:      d.Code,
			Reason:    d.Reason,
			Reconnect: d.Reconnect,
		})
	case push.Refresh != nil:
		if push.Refresh.Expires {
			c.scheduleRefresh(push.Refresh.Ttl)
		}
	case push.Connect != nil:
		// The server greeting is consumed via the connect reply; a
		// second one mid-session means the stream is corrupt.
		c.emitError(ErrBadProtocol)
		c.handleDisconnect(&disconnect{
			Code:   disconnectCodeBadProtocol,
			Reason: "duplicate connect push",
		})
	}
}

func (c *Client) subscription(channel string) (*Subscription, bool) {
	c.mu.RLock()
	sub, ok := c.subs[channel]
	c.mu.RUnlock()
	return sub, ok
}

func (c *Client) handleServerPublication(channel string, pub *protocol.Publication) {
	c.mu.Lock()
	ss, ok := c.serverSubs[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	if pub.Offset > 0 {
		if ss.offset > 0 && pub.Offset <= ss.offset {
			c.mu.Unlock()
			c.log.Debug().Str("event", "publication_dropped").
				Str("channel", channel).Uint64("offset", pub.Offset).
				Msg("non-increasing publication offset")
			return
		}
		ss.offset = pub.Offset
	}
	c.mu.Unlock()
	if c.events.onServerPublication != nil {
		c.events.onServerPublication(PublicationEvent{
			Channel:     channel,
			Publication: pubFromProto(pub),
		})
	}
}

func (c *Client) handleServerJoin(channel string, info *protocol.ClientInfo) {
	if !c.hasServerSub(channel) || c.events.onServerJoin == nil || info == nil {
		return
	}
	c.events.onServerJoin(ServerJoinEvent{Channel: channel, ClientInfo: *infoFromProto(info)})
}

func (c *Client) handleServerLeave(channel string, info *protocol.ClientInfo) {
	if !c.hasServerSub(channel) || c.events.onServerLeave == nil || info == nil {
		return
	}
	c.events.onServerLeave(ServerLeaveEvent{Channel: channel, ClientInfo: *infoFromProto(info)})
}

func (c *Client) handleServerUnsubscribe(channel string) {
	c.mu.Lock()
	_, ok := c.serverSubs[channel]
	delete(c.serverSubs, channel)
	c.mu.Unlock()
	if ok && c.events.onServerUnsubscribe != nil {
		c.events.onServerUnsubscribe(ServerUnsubscribeEvent{Channel: channel})
	}
}

func (c *Client) handleServerSubscribe(channel string, sub *protocol.Subscribe) {
	c.mu.Lock()
	c.serverSubs[channel] = &serverSub{
		offset:      sub.Offset,
		epoch:       sub.Epoch,
		recoverable: sub.Recoverable,
	}
	c.mu.Unlock()
	if c.events.onServerSubscribe != nil {
		c.events.onServerSubscribe(ServerSubscribeEvent{Channel: channel})
	}
}

func (c *Client) hasServerSub(channel string) bool {
	c.mu.RLock()
	_, ok := c.serverSubs[channel]
	c.mu.RUnlock()
	return ok
}

// ServerSubscriptions returns a snapshot of channels the server
// subscribed this connection to.
func (c *Client) ServerSubscriptions() map[string]ServerSubscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ServerSubscription, len(c.serverSubs))
	for channel, ss := range c.serverSubs {
		out[channel] = ServerSubscription{
			Channel:     channel,
			State:       SUBSCRIBED,
			Recoverable: ss.recoverable,
			Offset:      ss.offset,
			Epoch:       ss.epoch,
		}
	}
	return out
}

// handleDisconnect is the single decision point for every termination:
// transport failures, server disconnect pushes and user disconnects all
// arrive here as a normalized disconnect.
func (c *Client) handleDisconnect(d *disconnect) {
	if d == nil {
		d = &disconnect{
			Code:      disconnectCodeTransportClosed,
			Reason:    "connection closed",
			Reconnect: true,
		}
	}

	c.mu.Lock()
	if c.status == DISCONNECTED || c.status == CLOSED {
		c.mu.Unlock()
		return
	}
	prev := c.status
	if c.connCloseCh != nil {
		close(c.connCloseCh)
		c.connCloseCh = nil
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
	t := c.transport
	c.transport = nil
	c.writer = nil
	c.status = DISCONNECTED
	c.id = ""
	if !d.Reconnect {
		c.reconnect = false
	}
	if d.ReconnectURL != "" {
		c.reconnectURL = d.ReconnectURL
	}
	doReconnect := c.reconnect
	readyChs := c.readyChs
	c.readyChs = nil
	subs := make([]*Subscription, 0, len(c.subs))
	for _, channel := range c.subOrder {
		if sub, ok := c.subs[channel]; ok {
			subs = append(subs, sub)
		}
	}
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	if prev == CONNECTED {
		c.stats.incrDisconnects()
	}
	c.log.Info().Str("event", "transport_disconnect").
		Uint32("code", d.Code).Str("reason", d.Reason).
		Bool("reconnect", d.Reconnect).Msg("disconnected")

	// Evict the correlator: every parked caller resolves now.
	c.reqMu.Lock()
	reqs := c.requests
	c.requests = make(map[uint32]request)
	c.reqMu.Unlock()
	for _, req := range reqs {
		req.cb(nil, ErrClientDisconnected)
	}
	for _, ch := range readyChs {
		ch <- ErrClientDisconnected
	}

	c.emitState(prev, DISCONNECTED)
	if c.events.onDisconnect != nil {
		c.events.onDisconnect(DisconnectEvent{
			Code:      d.Code,
			Reason:    d.Reason,
			Reconnect: d.Reconnect,
		})
	}

	// Registry teardown: desires survive, server state is gone.
	for _, sub := range subs {
		sub.moveToSubscribing(subCodeTransportClosed, "transport closed")
	}

	if doReconnect {
		c.scheduleReconnect(d)
	} else {
		c.stats.clearReconnect()
	}
}

func (c *Client) scheduleReconnect(d *disconnect) {
	c.mu.Lock()
	attempts := c.reconnectAttempts
	c.reconnectAttempts++
	at := time.Now().Add(c.bo.delay(attempts))
	if !d.NextReconnectAt.IsZero() {
		// Server-provided schedule wins over computed backoff.
		at = d.NextReconnectAt
	}
	c.nextAttemptAt = at
	url := c.reconnectURL
	if url == "" {
		url = c.url
	}
	c.mu.Unlock()

	c.stats.setReconnect(url, at)
	c.log.Debug().Str("event", "reconnect_scheduled").
		Time("at", at).Str("url", url).Msg("reconnect scheduled")
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// reconnectRoutine owns retry timing: at most one reconnect attempt is in
// flight, and user Disconnect or Close between attempts cancels the next.
func (c *Client) reconnectRoutine() {
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.reconnectCh:
			c.mu.RLock()
			at := c.nextAttemptAt
			c.mu.RUnlock()
			if wait := time.Until(at); wait > 0 {
				select {
				case <-c.closeCh:
					return
				case <-time.After(wait):
				}
			}
			started, err := c.moveToConnecting(true)
			if err != nil || !started {
				continue
			}
			// Dial errors feed back into handleDisconnect, which
			// schedules the next attempt.
			_ = c.connectFromScratch(true)
		}
	}
}

// Disconnect moves the client to DISCONNECTED and keeps it there until
// Connect is called again. Subscriptions keep their desired state.
func (c *Client) Disconnect() error {
	if c.isClosed() {
		return ErrClientClosed
	}
	c.mu.Lock()
	c.reconnect = false
	c.mu.Unlock()
	c.handleDisconnect(&disconnect{
		Code:      disconnectCodeDisconnectCalled,
		Reason:    "disconnect called",
		Reconnect: false,
	})
	return nil
}

// Close terminates the client forever: the transport is released, timers
// stop, internal tasks exit and every subsequent operation fails with
// ErrClientClosed.
func (c *Client) Close() error {
	if c.isClosed() {
		return nil
	}
	_ = c.Disconnect()

	c.mu.Lock()
	if c.status == CLOSED {
		c.mu.Unlock()
		return nil
	}
	prev := c.status
	c.status = CLOSED
	close(c.closeCh)
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*Subscription)
	c.subOrder = nil
	c.serverSubs = make(map[string]*serverSub)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.moveToUnsubscribed(subCodeClientClosed, "client closed", false)
	}
	c.emitState(prev, CLOSED)
	return nil
}

// Ready blocks until the connection is established. It fails immediately
// when the client is DISCONNECTED or CLOSED, and waits bounded by the
// configured ReadTimeout while CONNECTING.
func (c *Client) Ready() error {
	c.mu.Lock()
	switch c.status {
	case CONNECTED:
		c.mu.Unlock()
		return nil
	case CLOSED:
		c.mu.Unlock()
		return ErrClientClosed
	case DISCONNECTED:
		c.mu.Unlock()
		return ErrClientDisconnected
	}
	ch := make(chan error, 1)
	c.readyChs = append(c.readyChs, ch)
	c.mu.Unlock()

	t := time.NewTimer(c.config.ReadTimeout)
	defer t.Stop()
	select {
	case err := <-ch:
		return err
	case <-t.C:
		return ErrTimeout
	}
}

// NewSubscription registers client-side interest in a channel. The
// channel appears in the registry at most once.
func (c *Client) NewSubscription(channel string, opts ...SubOption) (*Subscription, error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	o := defaultSubOpts()
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == CLOSED {
		return nil, ErrClientClosed
	}
	if _, ok := c.subs[channel]; ok {
		return nil, ErrDuplicateSubscription
	}
	sub := newSubscription(c, channel, o)
	c.subs[channel] = sub
	c.subOrder = append(c.subOrder, channel)
	return sub, nil
}

// GetSubscription returns the registered subscription for a channel.
func (c *Client) GetSubscription(channel string) (*Subscription, bool) {
	return c.subscription(channel)
}

// Subscriptions returns a snapshot of registered client-side
// subscriptions keyed by channel.
func (c *Client) Subscriptions() map[string]*Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Subscription, len(c.subs))
	for channel, sub := range c.subs {
		out[channel] = sub
	}
	return out
}

// RemoveSubscription unsubscribes and drops a subscription from the
// registry, making the channel available again.
func (c *Client) RemoveSubscription(sub *Subscription) error {
	if sub == nil {
		return ErrUnknownSubscription
	}
	c.mu.Lock()
	cur, ok := c.subs[sub.Channel]
	if !ok || cur != sub {
		c.mu.Unlock()
		return ErrUnknownSubscription
	}
	delete(c.subs, sub.Channel)
	for i, channel := range c.subOrder {
		if channel == sub.Channel {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	sub.moveToUnsubscribed(subCodeUnsubscribeCalled, "subscription removed", true)
	return nil
}

// Send transmits data to the server without expecting a reply.
func (c *Client) Send(data []byte) error {
	cmd := &protocol.Command{Send: &protocol.SendRequest{Data: data}}
	encoded, err := c.encoder.Encode(cmd)
	if err != nil {
		return err
	}
	return c.enqueue(encoded, false)
}

// RPC sends a named request to the server and returns the response data.
func (c *Client) RPC(method string, data []byte) ([]byte, error) {
	cmd := &protocol.Command{
		Id:  c.nextCommandID(),
		Rpc: &protocol.RPCRequest{Method: method, Data: data},
	}
	reply, err := c.do(cmd, false)
	if err != nil {
		return nil, err
	}
	if reply.Rpc == nil {
		return nil, ErrBadProtocol
	}
	return reply.Rpc.Data, nil
}

// Publish publishes data into a channel. No subscription is required.
func (c *Client) Publish(channel string, data []byte) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	cmd := &protocol.Command{
		Id:      c.nextCommandID(),
		Publish: &protocol.PublishRequest{Channel: channel, Data: data},
	}
	_, err := c.do(cmd, false)
	return err
}

// HistoryResult contains publications from a channel history.
type HistoryResult struct {
	Publications []Publication
	Offset       uint64
	Epoch        string
}

// History returns publications kept in the channel history.
func (c *Client) History(channel string, opts ...HistoryOption) (HistoryResult, error) {
	if channel == "" {
		return HistoryResult{}, ErrEmptyChannel
	}
	var o HistoryOptions
	for _, opt := range opts {
		opt(&o)
	}
	req := &protocol.HistoryRequest{
		Channel: channel,
		Limit:   o.Limit,
		Reverse: o.Reverse,
	}
	if o.Since != nil {
		req.Since = &protocol.StreamPosition{Offset: o.Since.Offset, Epoch: o.Since.Epoch}
	}
	cmd := &protocol.Command{Id: c.nextCommandID(), History: req}
	reply, err := c.do(cmd, false)
	if err != nil {
		return HistoryResult{}, err
	}
	res := reply.History
	if res == nil {
		return HistoryResult{}, ErrBadProtocol
	}
	pubs := make([]Publication, 0, len(res.Publications))
	for _, pub := range res.Publications {
		pubs = append(pubs, pubFromProto(pub))
	}
	return HistoryResult{Publications: pubs, Offset: res.Offset, Epoch: res.Epoch}, nil
}

// PresenceResult contains clients currently in a channel.
type PresenceResult struct {
	Clients map[string]ClientInfo
}

// Presence returns information about clients in a channel.
func (c *Client) Presence(channel string) (PresenceResult, error) {
	if channel == "" {
		return PresenceResult{}, ErrEmptyChannel
	}
	cmd := &protocol.Command{
		Id:       c.nextCommandID(),
		Presence: &protocol.PresenceRequest{Channel: channel},
	}
	reply, err := c.do(cmd, false)
	if err != nil {
		return PresenceResult{}, err
	}
	res := reply.Presence
	if res == nil {
		return PresenceResult{}, ErrBadProtocol
	}
	clients := make(map[string]ClientInfo, len(res.Presence))
	for id, info := range res.Presence {
		clients[id] = *infoFromProto(info)
	}
	return PresenceResult{Clients: clients}, nil
}

// PresenceStatsResult is short presence information about a channel.
type PresenceStatsResult struct {
	NumClients int
	NumUsers   int
}

// PresenceStats returns short presence information about a channel.
func (c *Client) PresenceStats(channel string) (PresenceStatsResult, error) {
	if channel == "" {
		return PresenceStatsResult{}, ErrEmptyChannel
	}
	cmd := &protocol.Command{
		Id:            c.nextCommandID(),
		PresenceStats: &protocol.PresenceStatsRequest{Channel: channel},
	}
	reply, err := c.do(cmd, false)
	if err != nil {
		return PresenceStatsResult{}, err
	}
	res := reply.PresenceStats
	if res == nil {
		return PresenceStatsResult{}, ErrBadProtocol
	}
	return PresenceStatsResult{
		NumClients: int(res.NumClients),
		NumUsers:   int(res.NumUsers),
	}, nil
}

// Ping performs a round trip to the server.
func (c *Client) Ping() error {
	cmd := &protocol.Command{Id: c.nextCommandID(), Ping: &protocol.PingRequest{}}
	_, err := c.do(cmd, true)
	return err
}

// periodicPing keeps the session alive while it is idle. Any inbound
// frame delays the next ping.
func (c *Client) periodicPing(connCloseCh chan struct{}) {
	for {
		select {
		case <-c.delayPing:
		case <-connCloseCh:
			return
		case <-time.After(c.config.PingInterval):
			if err := c.Ping(); err != nil {
				if err == ErrClientClosed || err == ErrClientDisconnected {
					return
				}
				c.handleDisconnect(&disconnect{
					Code:      disconnectCodeNoPing,
					Reason:    "no ping",
					Reconnect: true,
				})
				return
			}
		}
	}
}

// scheduleRefresh arms the connection token refresh ahead of the
// server-reported ttl.
func (c *Client) scheduleRefresh(ttl uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != CONNECTED {
		return
	}
	c.refreshDeadline = time.Now().Add(time.Duration(ttl) * time.Second)
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(refreshIn(ttl), func() {
		c.sendRefresh(0)
	})
}

// sendRefresh renews the connection token. Failures retry with backoff
// until the ttl deadline passes, at which point the session is expired;
// a non-temporary error reply expires the session at once.
func (c *Client) sendRefresh(attempts int) {
	if !c.connected() {
		return
	}
	if c.config.GetToken == nil {
		c.log.Warn().Str("event", "refresh_skipped").
			Msg("token expires and no GetToken configured")
		return
	}
	token, err := c.config.GetToken(ConnectionTokenEvent{})
	if err != nil {
		c.emitError(err)
		c.retryRefresh(attempts)
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	cmd := &protocol.Command{
		Id:      c.nextCommandID(),
		Refresh: &protocol.RefreshRequest{Token: token},
	}
	err = c.sendAsync(cmd, true, func(reply *protocol.Reply, err error) {
		if err != nil {
			if err == ErrClientDisconnected || err == ErrClientClosed {
				return
			}
			c.emitError(err)
			c.retryRefresh(attempts)
			return
		}
		if reply.Error != nil {
			serr := errorFromProto(reply.Error)
			c.emitError(serr)
			if serr.Temporary {
				c.retryRefresh(attempts)
				return
			}
			c.handleDisconnect(&disconnect{
				Code:      codeExpired,
				Reason:    "expired",
				Reconnect: true,
			})
			return
		}
		if res := reply.Refresh; res != nil && res.Expires {
			c.scheduleRefresh(res.Ttl)
		}
	})
	if err != nil {
		c.retryRefresh(attempts)
	}
}

func (c *Client) retryRefresh(attempts int) {
	c.mu.Lock()
	deadline := c.refreshDeadline
	delay := c.bo.delay(attempts)
	if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
		c.mu.Unlock()
		// Out of runway: the token expires before another attempt can
		// succeed.
		c.handleDisconnect(&disconnect{
			Code:      codeExpired,
			Reason:    "expired",
			Reconnect: true,
		})
		return
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(delay, func() {
		c.sendRefresh(attempts + 1)
	})
	c.mu.Unlock()
}

// do issues a command and blocks until its reply, deadline or the loss
// of the connection, whichever happens first.
func (c *Client) do(cmd *protocol.Command, control bool) (*protocol.Reply, error) {
	type result struct {
		reply *protocol.Reply
		err   error
	}
	ch := make(chan result, 1)
	err := c.sendAsync(cmd, control, func(reply *protocol.Reply, err error) {
		ch <- result{reply, err}
	})
	if err != nil {
		return nil, err
	}
	res := <-ch
	if res.err != nil {
		return nil, res.err
	}
	if res.reply.Error != nil {
		return nil, errorFromProto(res.reply.Error)
	}
	return res.reply, nil
}

// sendAsync registers the command with the correlator, queues the encoded
// bytes and arms the per-request deadline. The callback fires exactly
// once: with the matching reply, on deadline, or on connection loss.
func (c *Client) sendAsync(cmd *protocol.Command, control bool, cb func(*protocol.Reply, error)) error {
	encoded, err := c.encoder.Encode(cmd)
	if err != nil {
		return err
	}
	c.addRequest(cmd.Id, cb)
	if err := c.enqueue(encoded, control); err != nil {
		c.takeRequest(cmd.Id)
		return err
	}
	c.log.Debug().Str("event", "transport_send").
		Uint32("id", cmd.Id).Int("bytes", len(encoded)).Msg("command queued")
	go func() {
		t := time.NewTimer(c.config.ReadTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			if req, ok := c.takeRequest(cmd.Id); ok {
				req.cb(nil, ErrTimeout)
			}
		case <-c.closeCh:
			if req, ok := c.takeRequest(cmd.Id); ok {
				req.cb(nil, ErrClientClosed)
			}
		}
	}()
	return nil
}

func (c *Client) enqueue(data []byte, control bool) error {
	c.mu.RLock()
	writer := c.writer
	status := c.status
	c.mu.RUnlock()
	if status == CLOSED {
		return ErrClientClosed
	}
	if writer == nil || (status != CONNECTED && status != CONNECTING) {
		return ErrClientDisconnected
	}
	return writer.push(data, control)
}

func (c *Client) addRequest(id uint32, cb func(*protocol.Reply, error)) {
	c.reqMu.Lock()
	c.requests[id] = request{cb}
	c.reqMu.Unlock()
}

// takeRequest removes and returns the correlator entry for id. Whoever
// wins the removal owns the one callback invocation.
func (c *Client) takeRequest(id uint32) (request, bool) {
	c.reqMu.Lock()
	req, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
	}
	c.reqMu.Unlock()
	return req, ok
}

func (c *Client) emitState(from, to Status) {
	c.log.Info().Str("event", "state_changed").
		Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	if c.events.onState != nil {
		c.events.onState(StateEvent{From: from, To: to, At: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	if err == nil {
		return
	}
	c.log.Debug().Str("event", "client_error").Err(err).Msg("async error")
	if c.events.onError != nil {
		c.events.onError(ErrorEvent{Error: err})
	}
}

func replyKind(r *protocol.Reply) string {
	switch {
	case r.Id == 0:
		return "push"
	case r.Error != nil:
		return "error"
	case r.Connect != nil:
		return "connect"
	case r.Subscribe != nil:
		return "subscribe"
	case r.Unsubscribe != nil:
		return "unsubscribe"
	case r.Publish != nil:
		return "publish"
	case r.Presence != nil:
		return "presence"
	case r.PresenceStats != nil:
		return "presence_stats"
	case r.History != nil:
		return "history"
	case r.Rpc != nil:
		return "rpc"
	case r.Refresh != nil:
		return "refresh"
	case r.SubRefresh != nil:
		return "sub_refresh"
	case r.Ping != nil:
		return "ping"
	default:
		return "unknown"
	}
}
