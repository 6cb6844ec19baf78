// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/gorilla/websocket"
)

// Engine-level disconnect codes. Codes received from the server pass
// through unchanged, transport-level closes normalize onto these.
const (
	disconnectCodeDisconnectCalled uint32 = 0
	disconnectCodeTransportClosed  uint32 = 1
	disconnectCodeBadProtocol      uint32 = 2
	disconnectCodeMessageSizeLimit uint32 = 3
	disconnectCodeNoPing           uint32 = 4
)

// disconnect is the single shape every termination is translated into
// before the connection state machine sees it.
type disconnect struct {
	Code      uint32
	Reason    string
	Reconnect bool

	// ReconnectURL overrides the endpoint for the next attempt only.
	ReconnectURL string
	// NextReconnectAt overrides the computed backoff delay.
	NextReconnectAt time.Time
}

// transport is a framed bidirectional connection. Read blocks until the
// next reply is available; once the transport terminates it returns the
// normalized disconnect alongside the error.
type transport interface {
	Read() (*protocol.Reply, *disconnect, error)
	Write(data []byte, timeout time.Duration) error
	Close() error
}

type websocketConfig struct {
	Header            http.Header
	CookieJar         http.CookieJar
	TLSConfig         *tls.Config
	NetDialContext    func(ctx context.Context, network, addr string) (net.Conn, error)
	HandshakeTimeout  time.Duration
	EnableCompression bool
}

type websocketTransport struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	protoType  protocol.Type
	replyCh    chan *protocol.Reply
	closeCh    chan struct{}
	closed     bool
	disconnect *disconnect
	onFrame    func(n int)
}

func newWebsocketTransport(url string, protoType protocol.Type, cfg websocketConfig, onFrame func(n int)) (transport, error) {
	dialer := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		TLSClientConfig:   cfg.TLSConfig,
		NetDialContext:    cfg.NetDialContext,
		Jar:               cfg.CookieJar,
		EnableCompression: cfg.EnableCompression,
	}
	if protoType == protocol.TypeProtobuf {
		dialer.Subprotocols = []string{"centrifuge-protobuf"}
	}
	conn, resp, err := dialer.Dial(url, cfg.Header)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t := &websocketTransport{
		conn:      conn,
		protoType: protoType,
		replyCh:   make(chan *protocol.Reply, 128),
		closeCh:   make(chan struct{}),
		onFrame:   onFrame,
	}
	go t.reader()
	return t, nil
}

func (t *websocketTransport) reader() {
	defer t.conn.Close()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.closeWith(disconnectFromCloseErr(err))
			return
		}
		if t.onFrame != nil {
			t.onFrame(len(data))
		}
		dec := newReplyDecoder(t.protoType, data)
		for {
			reply, err := dec.Decode()
			if reply != nil {
				select {
				case t.replyCh <- reply:
				case <-t.closeCh:
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				t.closeWith(&disconnect{
					Code:   disconnectCodeBadProtocol,
					Reason: "decode error",
				})
				return
			}
		}
	}
}

func (t *websocketTransport) Read() (*protocol.Reply, *disconnect, error) {
	select {
	case reply := <-t.replyCh:
		return reply, nil, nil
	case <-t.closeCh:
		// Drain replies decoded before the close won the race.
		select {
		case reply := <-t.replyCh:
			return reply, nil, nil
		default:
		}
		t.mu.Lock()
		d := t.disconnect
		t.mu.Unlock()
		return nil, d, io.EOF
	}
}

func (t *websocketTransport) Write(data []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}
	if timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	messageType := websocket.TextMessage
	if t.protoType == protocol.TypeProtobuf {
		messageType = websocket.BinaryMessage
	}
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *websocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.disconnect == nil {
		t.disconnect = &disconnect{
			Code:      disconnectCodeDisconnectCalled,
			Reason:    "clean disconnect",
			Reconnect: false,
		}
	}
	close(t.closeCh)
	t.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *websocketTransport) closeWith(d *disconnect) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.disconnect = d
	close(t.closeCh)
	t.mu.Unlock()
	_ = t.conn.Close()
}

// disconnectFromCloseErr maps a transport termination onto an engine
// disconnect. Close codes sent by the server carry application semantics
// and pass through; everything below 3000 is a transport-level condition.
func disconnectFromCloseErr(err error) *disconnect {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return normalizeCloseCode(uint32(closeErr.Code), closeErr.Text)
	}
	return &disconnect{
		Code:      disconnectCodeTransportClosed,
		Reason:    "connection closed",
		Reconnect: true,
	}
}

func normalizeCloseCode(code uint32, reason string) *disconnect {
	switch {
	case code == websocket.CloseMessageTooBig:
		return &disconnect{Code: disconnectCodeMessageSizeLimit, Reason: reason, Reconnect: true}
	case code >= 1 && code <= 2999:
		return &disconnect{Code: disconnectCodeTransportClosed, Reason: reason, Reconnect: true}
	case code >= 3000 && code <= 3499 || code >= 4000 && code <= 4499 || code >= 5000:
		return &disconnect{Code: code, Reason: reason, Reconnect: true}
	case code >= 3500 && code <= 3999 || code >= 4500 && code <= 4999:
		return &disconnect{Code: code, Reason: reason, Reconnect: false}
	default:
		return &disconnect{Code: code, Reason: reason, Reconnect: false}
	}
}
