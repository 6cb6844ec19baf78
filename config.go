// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultHandshakeTimeout  = 2 * time.Second
	DefaultReadTimeout       = 5 * time.Second
	DefaultWriteTimeout      = time.Second
	DefaultPingInterval      = 25 * time.Second
	DefaultMinReconnectDelay = 200 * time.Millisecond
	DefaultMaxReconnectDelay = 20 * time.Second
	DefaultMinResubDelay     = 100 * time.Millisecond
	DefaultMaxResubDelay     = 10 * time.Second
	DefaultWriteQueueSize    = 128
)

// ConnectionTokenEvent is passed to the connection token callback.
type ConnectionTokenEvent struct{}

// SubscriptionTokenEvent is passed to a subscription token callback.
type SubscriptionTokenEvent struct {
	Channel string
}

// Config can be used to customize a Client. The zero value is usable,
// New fills in defaults for anything left unset.
type Config struct {
	// Token authenticates the connection. When the server reports the
	// token expired, GetToken is consulted for a fresh one.
	Token string
	// GetToken is called to obtain a connection token before connect
	// (when Token is empty) and on every token refresh.
	GetToken func(ConnectionTokenEvent) (string, error)
	// Data is attached to the connect command.
	Data []byte
	// Name and Version identify the client to the server.
	Name    string
	Version string

	Header    http.Header
	CookieJar http.CookieJar
	TLSConfig *tls.Config
	// NetDialContext can override the transport dialer, for example to
	// force a network or to go through a proxy.
	NetDialContext    func(ctx context.Context, network, addr string) (net.Conn, error)
	EnableCompression bool
	// OnTransportCreated is called after every successful transport dial,
	// including reconnect attempts.
	OnTransportCreated func()

	// HandshakeTimeout bounds the transport dial plus upgrade.
	HandshakeTimeout time.Duration
	// ReadTimeout bounds every command awaiting its reply, and Ready.
	ReadTimeout time.Duration
	// WriteTimeout bounds a single transport write.
	WriteTimeout time.Duration
	// PingInterval is the idle interval between application-level pings.
	PingInterval time.Duration

	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	// WriteQueueSize is the high-water mark of the outbound command
	// queue. Enqueueing beyond it fails with ErrBufferFull.
	WriteQueueSize int

	Logger zerolog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "pulse-go"
	}
	if cfg.Version == "" {
		cfg.Version = Version
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MinReconnectDelay == 0 {
		cfg.MinReconnectDelay = DefaultMinReconnectDelay
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if cfg.WriteQueueSize == 0 {
		cfg.WriteQueueSize = DefaultWriteQueueSize
	}
	return cfg
}

type subOpts struct {
	token         string
	getToken      func(SubscriptionTokenEvent) (string, error)
	data          []byte
	since         *StreamPosition
	recoverable   bool
	positioned    bool
	joinLeave     bool
	minResubDelay time.Duration
	maxResubDelay time.Duration
}

func defaultSubOpts() subOpts {
	return subOpts{
		minResubDelay: DefaultMinResubDelay,
		maxResubDelay: DefaultMaxResubDelay,
	}
}

// SubOption configures a Subscription created via NewSubscription.
type SubOption func(*subOpts) error

// WithSubToken sets the subscription token attached to subscribe requests.
func WithSubToken(token string) SubOption {
	return func(o *subOpts) error {
		o.token = token
		return nil
	}
}

// WithSubTokenCallback sets a callback producing subscription tokens,
// consulted on subscribe and on every subscription token refresh.
func WithSubTokenCallback(fn func(SubscriptionTokenEvent) (string, error)) SubOption {
	return func(o *subOpts) error {
		o.getToken = fn
		return nil
	}
}

// WithSubData attaches a payload to subscribe requests.
func WithSubData(data []byte) SubOption {
	return func(o *subOpts) error {
		o.data = data
		return nil
	}
}

// WithSince sets a known stream position so the first subscribe asks the
// server to recover publications missed after it.
func WithSince(sp StreamPosition) SubOption {
	return func(o *subOpts) error {
		o.since = &sp
		o.recoverable = true
		return nil
	}
}

// WithRecovery asks the server to track a recoverable stream position for
// the channel so missed publications replay after reconnect.
func WithRecovery() SubOption {
	return func(o *subOpts) error {
		o.recoverable = true
		return nil
	}
}

// WithPositioned asks the server to maintain exact publication positions.
func WithPositioned() SubOption {
	return func(o *subOpts) error {
		o.positioned = true
		return nil
	}
}

// WithJoinLeave enables join/leave notifications for the channel.
func WithJoinLeave() SubOption {
	return func(o *subOpts) error {
		o.joinLeave = true
		return nil
	}
}

// WithResubscribeDelay bounds the backoff used to retry failed subscribes.
func WithResubscribeDelay(min, max time.Duration) SubOption {
	return func(o *subOpts) error {
		if min <= 0 || max < min {
			return fmt.Errorf("pulse: invalid resubscribe delay [%v, %v]", min, max)
		}
		o.minResubDelay = min
		o.maxResubDelay = max
		return nil
	}
}

// HistoryOptions configure a history request.
type HistoryOptions struct {
	Limit   int32
	Since   *StreamPosition
	Reverse bool
}

// HistoryOption configures a History call.
type HistoryOption func(*HistoryOptions)

// WithHistoryLimit bounds the number of returned publications.
func WithHistoryLimit(limit int32) HistoryOption {
	return func(o *HistoryOptions) {
		o.Limit = limit
	}
}

// WithHistorySince returns only publications after the given position.
func WithHistorySince(sp StreamPosition) HistoryOption {
	return func(o *HistoryOptions) {
		o.Since = &sp
	}
}

// WithHistoryReverse iterates the stream from newest to oldest.
func WithHistoryReverse() HistoryOption {
	return func(o *HistoryOptions) {
		o.Reverse = true
	}
}
