// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"time"

	"github.com/centrifugal/protocol"
)

// ClientInfo carries information about a connection participating in a
// channel, as reported by join/leave and presence.
type ClientInfo struct {
	Client   string
	User     string
	ConnInfo []byte
	ChanInfo []byte
}

// Publication is a single message published into a channel.
type Publication struct {
	Offset uint64
	Data   []byte
	Info   *ClientInfo
	Tags   map[string]string
}

// StreamPosition identifies a position inside a channel stream: the
// epoch names the stream lineage, the offset a point within it.
type StreamPosition struct {
	Offset uint64
	Epoch  string
}

func infoFromProto(v *protocol.ClientInfo) *ClientInfo {
	if v == nil {
		return nil
	}
	info := &ClientInfo{Client: v.Client, User: v.User}
	if len(v.ConnInfo) > 0 {
		info.ConnInfo = v.ConnInfo
	}
	if len(v.ChanInfo) > 0 {
		info.ChanInfo = v.ChanInfo
	}
	return info
}

func pubFromProto(pub *protocol.Publication) Publication {
	return Publication{
		Offset: pub.Offset,
		Data:   pub.Data,
		Info:   infoFromProto(pub.Info),
		Tags:   pub.Tags,
	}
}

// ConnectEvent is fired once the connection moves to CONNECTED.
type ConnectEvent struct {
	ClientID string
	Version  string
	Data     []byte
}

// DisconnectEvent is fired on every leave of CONNECTED or CONNECTING.
type DisconnectEvent struct {
	Code      uint32
	Reason    string
	Reconnect bool
}

// StateEvent is fired on every connection state transition.
type StateEvent struct {
	From Status
	To   Status
	At   time.Time
}

// ErrorEvent carries an asynchronous error not tied to a single call.
type ErrorEvent struct {
	Error error
}

// MessageEvent carries a unicast message sent by the server.
type MessageEvent struct {
	Data []byte
}

// PublicationEvent carries a publication together with its channel.
type PublicationEvent struct {
	Channel string
	Publication
}

// ServerSubscribeEvent notifies about a channel the server subscribed
// this connection to.
type ServerSubscribeEvent struct {
	Channel      string
	Resubscribed bool
	Recovered    bool
}

type ServerJoinEvent struct {
	Channel string
	ClientInfo
}

type ServerLeaveEvent struct {
	Channel string
	ClientInfo
}

type ServerUnsubscribeEvent struct {
	Channel string
}

type (
	ConnectHandler           func(ConnectEvent)
	DisconnectHandler        func(DisconnectEvent)
	StateHandler             func(StateEvent)
	ErrorHandler             func(ErrorEvent)
	MessageHandler           func(MessageEvent)
	PublicationHandler       func(PublicationEvent)
	ServerSubscribeHandler   func(ServerSubscribeEvent)
	ServerJoinHandler        func(ServerJoinEvent)
	ServerLeaveHandler       func(ServerLeaveEvent)
	ServerUnsubscribeHandler func(ServerUnsubscribeEvent)
)

// eventHub keeps client-level handlers. Registration is expected before
// Connect, the hub is read from the reader goroutine without locking.
type eventHub struct {
	onConnect           ConnectHandler
	onDisconnect        DisconnectHandler
	onState             StateHandler
	onError             ErrorHandler
	onMessage           MessageHandler
	onPublication       PublicationHandler
	onServerSubscribe   ServerSubscribeHandler
	onServerPublication PublicationHandler
	onServerJoin        ServerJoinHandler
	onServerLeave       ServerLeaveHandler
	onServerUnsubscribe ServerUnsubscribeHandler
}

// OnConnect registers a handler fired when the connection is established.
func (c *Client) OnConnect(h ConnectHandler) { c.events.onConnect = h }

// OnDisconnect registers a handler fired when the connection is lost or
// torn down.
func (c *Client) OnDisconnect(h DisconnectHandler) { c.events.onDisconnect = h }

// OnStateChange registers a handler observing every state transition.
func (c *Client) OnStateChange(h StateHandler) { c.events.onState = h }

// OnError registers a handler for asynchronous errors.
func (c *Client) OnError(h ErrorHandler) { c.events.onError = h }

// OnMessage registers a handler for unicast server messages.
func (c *Client) OnMessage(h MessageHandler) { c.events.onMessage = h }

// OnPublication registers a handler observing publications across all
// client-side subscriptions.
func (c *Client) OnPublication(h PublicationHandler) { c.events.onPublication = h }

// OnServerSubscribe registers a handler for server-side subscriptions.
func (c *Client) OnServerSubscribe(h ServerSubscribeHandler) { c.events.onServerSubscribe = h }

// OnServerPublication registers a handler for publications in channels
// the server subscribed this connection to.
func (c *Client) OnServerPublication(h PublicationHandler) { c.events.onServerPublication = h }

func (c *Client) OnServerJoin(h ServerJoinHandler) { c.events.onServerJoin = h }

func (c *Client) OnServerLeave(h ServerLeaveHandler) { c.events.onServerLeave = h }

func (c *Client) OnServerUnsubscribe(h ServerUnsubscribeHandler) { c.events.onServerUnsubscribe = h }
