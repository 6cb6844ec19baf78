// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"sync"
	"time"

	"github.com/centrifugal/protocol"
)

// SubStatus describes the state of a Subscription.
type SubStatus int

const (
	UNSUBSCRIBED SubStatus = iota
	SUBSCRIBING
	SUBSCRIBED
)

func (s SubStatus) String() string {
	switch s {
	case UNSUBSCRIBED:
		return "unsubscribed"
	case SUBSCRIBING:
		return "subscribing"
	case SUBSCRIBED:
		return "subscribed"
	}
	return "unknown"
}

// Codes attached to subscribing/unsubscribed events raised by the client
// itself. Codes coming from server pushes pass through unchanged.
const (
	subCodeUnsubscribeCalled uint32 = 0
	subCodeSubscribeCalled   uint32 = 0
	subCodeTransportClosed   uint32 = 1
	subCodeInsufficientState uint32 = 2
	subCodeClientClosed      uint32 = 3
	subCodeSubscribeError    uint32 = 4
)

// Server unsubscribe pushes inside this code range ask the client to
// subscribe again on its own schedule.
const (
	unsubscribeCodeResubscribeLow  uint32 = 2500
	unsubscribeCodeResubscribeHigh uint32 = 2999
)

// SubscribedEvent is fired when a subscription becomes SUBSCRIBED.
type SubscribedEvent struct {
	Resubscribed   bool
	Recovered      bool
	Recoverable    bool
	StreamPosition *StreamPosition
	Data           []byte
}

// SubscribingEvent is fired when a subscription moves to SUBSCRIBING.
type SubscribingEvent struct {
	Code   uint32
	Reason string
}

// UnsubscribedEvent is fired when a subscription moves to UNSUBSCRIBED.
type UnsubscribedEvent struct {
	Code   uint32
	Reason string
}

// JoinEvent notifies that a client joined the channel.
type JoinEvent struct {
	ClientInfo
}

// LeaveEvent notifies that a client left the channel.
type LeaveEvent struct {
	ClientInfo
}

// SubscriptionErrorEvent carries an asynchronous subscription error.
type SubscriptionErrorEvent struct {
	Error error
}

type (
	SubscribedHandler        func(SubscribedEvent)
	SubscribingHandler       func(SubscribingEvent)
	UnsubscribedHandler      func(UnsubscribedEvent)
	JoinHandler              func(JoinEvent)
	LeaveHandler             func(LeaveEvent)
	SubscriptionErrorHandler func(SubscriptionErrorEvent)
)

type subEventHub struct {
	onPublication  PublicationHandler
	onJoin         JoinHandler
	onLeave        LeaveHandler
	onSubscribed   SubscribedHandler
	onSubscribing  SubscribingHandler
	onUnsubscribed UnsubscribedHandler
	onError        SubscriptionErrorHandler
}

// Subscription represents client-side interest in a channel. It survives
// reconnects: once subscribed it is replayed automatically every time the
// connection is re-established.
type Subscription struct {
	mu      sync.Mutex
	Channel string

	client *Client
	opts   subOpts
	events *subEventHub
	bo     backoff

	status SubStatus

	// Recovery position, advanced by publications while SUBSCRIBED and
	// carried into subscribe requests once a position is known.
	recoverable bool
	restore     bool
	offset      uint64
	epoch       string

	resubAttempts int
	resubTimer    *time.Timer
	refreshTimer  *time.Timer

	err error
}

func newSubscription(c *Client, channel string, opts subOpts) *Subscription {
	s := &Subscription{
		Channel: channel,
		client:  c,
		opts:    opts,
		events:  &subEventHub{},
		bo:      backoff{min: opts.minResubDelay, max: opts.maxResubDelay},
		status:  UNSUBSCRIBED,
	}
	if opts.since != nil {
		s.restore = true
		s.offset = opts.since.Offset
		s.epoch = opts.since.Epoch
	}
	return s
}

// OnPublication registers a handler for publications in this channel.
func (s *Subscription) OnPublication(h PublicationHandler) { s.events.onPublication = h }

// OnJoin registers a handler for join notifications.
func (s *Subscription) OnJoin(h JoinHandler) { s.events.onJoin = h }

// OnLeave registers a handler for leave notifications.
func (s *Subscription) OnLeave(h LeaveHandler) { s.events.onLeave = h }

// OnSubscribed registers a handler fired on entering SUBSCRIBED.
func (s *Subscription) OnSubscribed(h SubscribedHandler) { s.events.onSubscribed = h }

// OnSubscribing registers a handler fired on entering SUBSCRIBING.
func (s *Subscription) OnSubscribing(h SubscribingHandler) { s.events.onSubscribing = h }

// OnUnsubscribed registers a handler fired on entering UNSUBSCRIBED.
func (s *Subscription) OnUnsubscribed(h UnsubscribedHandler) { s.events.onUnsubscribed = h }

// OnError registers a handler for asynchronous subscription errors.
func (s *Subscription) OnError(h SubscriptionErrorHandler) { s.events.onError = h }

// State returns the current subscription state.
func (s *Subscription) State() SubStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StreamPosition returns the last known recovery position for the channel.
func (s *Subscription) StreamPosition() StreamPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamPosition{Offset: s.offset, Epoch: s.epoch}
}

// Subscribe asks the server for publications in the channel. It does not
// wait for the subscribe command to be sent; the outcome is reported
// through the subscription event handlers. While the client is not
// connected the desire to subscribe is remembered and replayed on connect.
func (s *Subscription) Subscribe() error {
	if s.client.isClosed() {
		return ErrClientClosed
	}
	s.mu.Lock()
	if s.status == SUBSCRIBED || s.status == SUBSCRIBING {
		s.mu.Unlock()
		return nil
	}
	s.status = SUBSCRIBING
	s.err = nil
	s.mu.Unlock()
	s.emitSubscribing(subCodeSubscribeCalled, "subscribe called")
	if !s.client.connected() {
		return nil
	}
	go s.sendSubscribe(false)
	return nil
}

// Unsubscribe removes interest in the channel. The local state moves to
// UNSUBSCRIBED immediately regardless of the server reply.
func (s *Subscription) Unsubscribe() error {
	if s.client.isClosed() {
		return ErrClientClosed
	}
	s.moveToUnsubscribed(subCodeUnsubscribeCalled, "unsubscribe called", true)
	return nil
}

// Publish publishes data into this channel.
func (s *Subscription) Publish(data []byte) error {
	return s.client.Publish(s.Channel, data)
}

// History returns a channel history slice.
func (s *Subscription) History(opts ...HistoryOption) (HistoryResult, error) {
	return s.client.History(s.Channel, opts...)
}

// Presence returns online clients in this channel.
func (s *Subscription) Presence() (PresenceResult, error) {
	return s.client.Presence(s.Channel)
}

// PresenceStats returns short presence information for this channel.
func (s *Subscription) PresenceStats() (PresenceStatsResult, error) {
	return s.client.PresenceStats(s.Channel)
}

func (s *Subscription) subscribeToken() (string, error) {
	if s.opts.getToken != nil && s.opts.token == "" {
		return s.opts.getToken(SubscriptionTokenEvent{Channel: s.Channel})
	}
	return s.opts.token, nil
}

// sendSubscribe issues the subscribe command carrying the recovery
// position when one is known. Runs outside the reader goroutine because
// the token callback may block.
func (s *Subscription) sendSubscribe(isResubscribe bool) {
	token, err := s.subscribeToken()
	if err != nil {
		s.emitError(err)
		s.moveToUnsubscribed(subCodeSubscribeError, "token error", false)
		return
	}

	s.mu.Lock()
	if s.status != SUBSCRIBING {
		s.mu.Unlock()
		return
	}
	req := &protocol.SubscribeRequest{
		Channel:     s.Channel,
		Token:       token,
		Data:        s.opts.data,
		Positioned:  s.opts.positioned,
		Recoverable: s.opts.recoverable,
		JoinLeave:   s.opts.joinLeave,
	}
	if s.opts.recoverable && s.restore {
		req.Recover = true
		req.Offset = s.offset
		req.Epoch = s.epoch
	}
	s.mu.Unlock()

	c := s.client
	cmd := &protocol.Command{Id: c.nextCommandID(), Subscribe: req}
	err = c.sendAsync(cmd, false, func(reply *protocol.Reply, err error) {
		s.handleSubscribeReply(reply, err, isResubscribe)
	})
	if err != nil {
		s.handleSubscribeReply(nil, err, isResubscribe)
	}
}

func (s *Subscription) handleSubscribeReply(reply *protocol.Reply, err error, isResubscribe bool) {
	if err != nil {
		switch {
		case err == ErrClientDisconnected:
			// Desire stays SUBSCRIBING, replayed on reconnect.
		case err == ErrClientClosed:
			s.moveToUnsubscribed(subCodeClientClosed, "client closed", false)
		default:
			s.emitError(&SubscriptionError{Channel: s.Channel, Err: err})
			s.scheduleResubscribe()
		}
		return
	}
	if reply.Error != nil {
		serr := errorFromProto(reply.Error)
		s.emitError(&SubscriptionError{Channel: s.Channel, Err: serr})
		if serr.Temporary || serr.Code == codeTokenExpired {
			if serr.Code == codeTokenExpired {
				// Cached token is stale, force the callback next time.
				s.mu.Lock()
				s.opts.token = ""
				s.mu.Unlock()
			}
			s.scheduleResubscribe()
			return
		}
		s.mu.Lock()
		s.err = serr
		s.mu.Unlock()
		s.moveToUnsubscribed(serr.Code, serr.Message, false)
		return
	}

	res := reply.Subscribe
	if res == nil {
		s.emitError(&SubscriptionError{Channel: s.Channel, Err: ErrBadProtocol})
		return
	}

	s.mu.Lock()
	if s.status != SUBSCRIBING {
		s.mu.Unlock()
		return
	}
	s.status = SUBSCRIBED
	s.resubAttempts = 0
	s.recoverable = res.Recoverable
	s.epoch = res.Epoch
	if res.Recoverable {
		s.restore = true
	}
	// The result offset is the stream head after recovery; recovered
	// publications below already ran the stream up to it.
	recovered := res.Publications
	if res.Offset > 0 {
		s.offset = res.Offset
	}
	sp := &StreamPosition{Offset: s.offset, Epoch: s.epoch}
	s.mu.Unlock()

	if s.events.onSubscribed != nil {
		s.events.onSubscribed(SubscribedEvent{
			Resubscribed:   isResubscribe,
			Recovered:      res.Recovered,
			Recoverable:    res.Recoverable,
			StreamPosition: sp,
			Data:           res.Data,
		})
	}
	for _, pub := range recovered {
		s.deliverPublication(pub)
	}
	if res.Expires {
		s.scheduleSubRefresh(res.Ttl)
	}
}

// scheduleResubscribe retries a failed subscribe after a jittered delay,
// as long as the desire to subscribe still holds.
func (s *Subscription) scheduleResubscribe() {
	s.mu.Lock()
	if s.status != SUBSCRIBING {
		s.mu.Unlock()
		return
	}
	delay := s.bo.delay(s.resubAttempts)
	s.resubAttempts++
	if s.resubTimer != nil {
		s.resubTimer.Stop()
	}
	s.resubTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		pending := s.status == SUBSCRIBING
		s.mu.Unlock()
		if pending && s.client.connected() {
			s.sendSubscribe(true)
		}
	})
	s.mu.Unlock()
}

// resubscribe is called by the client after every successful connect to
// replay the desired subscription state.
func (s *Subscription) resubscribe() {
	s.mu.Lock()
	pending := s.status == SUBSCRIBING
	s.mu.Unlock()
	if pending {
		s.sendSubscribe(true)
	}
}

// moveToSubscribing is the registry teardown step on disconnect: the
// subscription keeps its desire and its recovery position, the server-side
// state is gone.
func (s *Subscription) moveToSubscribing(code uint32, reason string) {
	s.mu.Lock()
	s.stopTimersLocked()
	if s.status != SUBSCRIBED && s.status != SUBSCRIBING {
		s.mu.Unlock()
		return
	}
	changed := s.status == SUBSCRIBED
	s.status = SUBSCRIBING
	s.mu.Unlock()
	if changed {
		s.emitSubscribing(code, reason)
	}
}

func (s *Subscription) moveToUnsubscribed(code uint32, reason string, sendCmd bool) {
	s.mu.Lock()
	s.stopTimersLocked()
	if s.status == UNSUBSCRIBED {
		s.mu.Unlock()
		return
	}
	s.status = UNSUBSCRIBED
	s.mu.Unlock()

	if sendCmd && s.client.connected() {
		c := s.client
		cmd := &protocol.Command{
			Id:          c.nextCommandID(),
			Unsubscribe: &protocol.UnsubscribeRequest{Channel: s.Channel},
		}
		_ = c.sendAsync(cmd, false, func(reply *protocol.Reply, err error) {
			if err != nil {
				c.log.Debug().Str("event", "unsubscribe_failed").
					Str("channel", s.Channel).Err(err).Msg("unsubscribe command failed")
			}
		})
	}
	if s.events.onUnsubscribed != nil {
		s.events.onUnsubscribed(UnsubscribedEvent{Code: code, Reason: reason})
	}
}

func (s *Subscription) stopTimersLocked() {
	if s.resubTimer != nil {
		s.resubTimer.Stop()
		s.resubTimer = nil
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
}

// handlePublication enforces offset ordering for recoverable and
// positioned subscriptions: regressions are dropped, gaps invalidate the
// position and force a resubscribe carrying the last known position.
func (s *Subscription) handlePublication(pub *protocol.Publication) {
	s.mu.Lock()
	if s.status != SUBSCRIBED {
		s.mu.Unlock()
		return
	}
	if pub.Offset > 0 && (s.recoverable || s.opts.positioned) {
		if s.offset > 0 {
			if pub.Offset <= s.offset {
				s.mu.Unlock()
				s.client.log.Debug().Str("event", "publication_dropped").
					Str("channel", s.Channel).Uint64("offset", pub.Offset).
					Msg("non-increasing publication offset")
				return
			}
			if pub.Offset != s.offset+1 {
				s.mu.Unlock()
				s.client.log.Warn().Str("event", "stream_position_lost").
					Str("channel", s.Channel).Uint64("offset", pub.Offset).
					Msg("publication offset gap, resubscribing")
				s.moveToSubscribing(subCodeInsufficientState, "insufficient state")
				go s.sendSubscribe(true)
				return
			}
		}
		s.offset = pub.Offset
	}
	s.mu.Unlock()
	s.deliverPublication(pub)
}

func (s *Subscription) deliverPublication(pub *protocol.Publication) {
	event := PublicationEvent{Channel: s.Channel, Publication: pubFromProto(pub)}
	if s.events.onPublication != nil {
		s.events.onPublication(event)
	}
	if s.client.events.onPublication != nil {
		s.client.events.onPublication(event)
	}
}

func (s *Subscription) handleJoin(info *protocol.ClientInfo) {
	if s.State() != SUBSCRIBED || s.events.onJoin == nil || info == nil {
		return
	}
	s.events.onJoin(JoinEvent{ClientInfo: *infoFromProto(info)})
}

func (s *Subscription) handleLeave(info *protocol.ClientInfo) {
	if s.State() != SUBSCRIBED || s.events.onLeave == nil || info == nil {
		return
	}
	s.events.onLeave(LeaveEvent{ClientInfo: *infoFromProto(info)})
}

// handleUnsubscribe reacts to a server unsubscribe push for this channel.
func (s *Subscription) handleUnsubscribe(code uint32, reason string) {
	if code >= unsubscribeCodeResubscribeLow && code <= unsubscribeCodeResubscribeHigh {
		s.moveToSubscribing(code, reason)
		s.scheduleResubscribe()
		return
	}
	s.moveToUnsubscribed(code, reason, false)
}

// scheduleSubRefresh arms the per-subscription token refresh ahead of the
// server-reported ttl.
func (s *Subscription) scheduleSubRefresh(ttl uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SUBSCRIBED {
		return
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.refreshTimer = time.AfterFunc(refreshIn(ttl), s.sendSubRefresh)
}

func (s *Subscription) sendSubRefresh() {
	if s.State() != SUBSCRIBED || !s.client.connected() {
		return
	}
	if s.opts.getToken == nil {
		return
	}
	token, err := s.opts.getToken(SubscriptionTokenEvent{Channel: s.Channel})
	if err != nil {
		s.emitError(&SubscriptionError{Channel: s.Channel, Err: err})
		s.moveToUnsubscribed(subCodeSubscribeError, "token refresh error", true)
		return
	}
	c := s.client
	cmd := &protocol.Command{
		Id:         c.nextCommandID(),
		SubRefresh: &protocol.SubRefreshRequest{Channel: s.Channel, Token: token},
	}
	err = c.sendAsync(cmd, true, func(reply *protocol.Reply, err error) {
		if err != nil {
			if err == ErrClientDisconnected || err == ErrClientClosed {
				return
			}
			s.emitError(&SubscriptionError{Channel: s.Channel, Err: err})
			s.scheduleSubRefresh(retryRefreshTTL)
			return
		}
		if reply.Error != nil {
			serr := errorFromProto(reply.Error)
			s.emitError(&SubscriptionError{Channel: s.Channel, Err: serr})
			if serr.Temporary {
				s.scheduleSubRefresh(retryRefreshTTL)
				return
			}
			s.moveToUnsubscribed(serr.Code, serr.Message, true)
			return
		}
		if res := reply.SubRefresh; res != nil && res.Expires {
			s.scheduleSubRefresh(res.Ttl)
		}
	})
	if err != nil {
		s.scheduleSubRefresh(retryRefreshTTL)
	}
}

func (s *Subscription) emitSubscribing(code uint32, reason string) {
	if s.events.onSubscribing != nil {
		s.events.onSubscribing(SubscribingEvent{Code: code, Reason: reason})
	}
}

func (s *Subscription) emitError(err error) {
	if s.events.onError != nil {
		s.events.onError(SubscriptionErrorEvent{Error: err})
	}
	s.client.emitError(err)
}
