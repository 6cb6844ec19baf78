// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/centrifugal/protocol"
)

func newTestClient(t *testing.T, ts *testServer, config Config) *Client {
	t.Helper()
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 2 * time.Second
	}
	c := New(ts.URL(), config)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectAndWait(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Connect(); err != nil {
		t.Fatalf("Error on connect: %v", err)
	}
	if err := c.Ready(); err != nil {
		t.Fatalf("Error waiting for connect: %v", err)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{})

	connectAndWait(t, c)
	if got := c.State(); got != CONNECTED {
		t.Fatalf("Expected CONNECTED, got %v", got)
	}
	if c.ClientID() == "" {
		t.Fatalf("Expected client id after connect")
	}

	payload := []byte(`"Hello"`)
	if err := c.Send(payload); err != nil {
		t.Fatalf("Error on send: %v", err)
	}
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() error {
		sent := ts.sentData()
		if len(sent) != 1 {
			return fmt.Errorf("expected 1 async message, got %d", len(sent))
		}
		if !bytes.Equal(sent[0], payload) {
			return fmt.Errorf("unexpected async message payload: %s", sent[0])
		}
		return nil
	})

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Error on disconnect: %v", err)
	}
	if got := c.State(); got != DISCONNECTED {
		t.Fatalf("Expected DISCONNECTED, got %v", got)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Error on close: %v", err)
	}
	if got := c.State(); got != CLOSED {
		t.Fatalf("Expected CLOSED, got %v", got)
	}
}

func TestClosedClientOperations(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{})
	connectAndWait(t, c)
	if err := c.Close(); err != nil {
		t.Fatalf("Error on close: %v", err)
	}

	if err := c.Connect(); err != ErrClientClosed {
		t.Fatalf("Expected ErrClientClosed from Connect, got %v", err)
	}
	if err := c.Ready(); err != ErrClientClosed {
		t.Fatalf("Expected ErrClientClosed from Ready, got %v", err)
	}
	if err := c.Send([]byte(`"x"`)); err != ErrClientClosed {
		t.Fatalf("Expected ErrClientClosed from Send, got %v", err)
	}
	if err := c.Publish("chat", []byte(`"x"`)); err != ErrClientClosed {
		t.Fatalf("Expected ErrClientClosed from Publish, got %v", err)
	}
	if _, err := c.NewSubscription("chat"); err != ErrClientClosed {
		t.Fatalf("Expected ErrClientClosed from NewSubscription, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Second close must be a no-op, got %v", err)
	}
}

func TestTransientReconnect(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{
		MinReconnectDelay: 300 * time.Millisecond,
		MaxReconnectDelay: time.Second,
	})

	var connects, disconnects uint32
	c.OnConnect(func(ConnectEvent) { atomic.AddUint32(&connects, 1) })
	c.OnDisconnect(func(e DisconnectEvent) {
		if e.Reconnect {
			atomic.AddUint32(&disconnects, 1)
		}
	})

	connectAndWait(t, c)
	firstID := c.ClientID()

	// The rpc has no reply: the server answers with a disconnect push.
	go func() { _, _ = c.RPC("disconnect", []byte(`"reconnect"`)) }()

	waitForStatus(t, c, DISCONNECTED)
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() error {
		stats := c.Stats()
		if stats.ReconnectURL == "" {
			return errors.New("expected scheduled reconnect url")
		}
		if stats.NextReconnectAt.IsZero() {
			return errors.New("expected scheduled reconnect time")
		}
		return nil
	})

	waitForStatus(t, c, CONNECTED)
	if got := c.ClientID(); got == firstID {
		t.Fatalf("Expected a fresh client id after reconnect")
	}

	stats := c.Stats()
	if stats.Connects != 2 {
		t.Fatalf("Expected 2 connects, got %d", stats.Connects)
	}
	if stats.Disconnects != 1 {
		t.Fatalf("Expected 1 disconnect, got %d", stats.Disconnects)
	}
	if stats.ReconnectURL != "" || !stats.NextReconnectAt.IsZero() {
		t.Fatalf("Expected reconnect context cleared after connect")
	}
	if atomic.LoadUint32(&connects) != 2 || atomic.LoadUint32(&disconnects) != 1 {
		t.Fatalf("Unexpected event counts: connects=%d disconnects=%d",
			atomic.LoadUint32(&connects), atomic.LoadUint32(&disconnects))
	}
}

func TestPermanentDisconnect(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{})

	connectAndWait(t, c)
	go func() { _, _ = c.RPC("disconnect", []byte(`"permanent"`)) }()
	waitForStatus(t, c, DISCONNECTED)

	time.Sleep(250 * time.Millisecond)
	if got := c.State(); got != DISCONNECTED {
		t.Fatalf("Expected to stay DISCONNECTED, got %v", got)
	}
	stats := c.Stats()
	if stats.Connects != 1 || stats.Disconnects != 1 {
		t.Fatalf("Unexpected counters: connects=%d disconnects=%d",
			stats.Connects, stats.Disconnects)
	}
	if stats.ReconnectURL != "" {
		t.Fatalf("Expected no reconnect url, got %q", stats.ReconnectURL)
	}
	if !stats.NextReconnectAt.IsZero() {
		t.Fatalf("Expected no scheduled reconnect, got %v", stats.NextReconnectAt)
	}

	// Only an explicit connect revives the session.
	connectAndWait(t, c)
	if c.Stats().Connects != 2 {
		t.Fatalf("Expected 2 connects after explicit reconnect")
	}
}

func TestCommandIDsStrictlyIncreasing(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{})
	connectAndWait(t, c)

	for i := 0; i < 5; i++ {
		if err := c.Publish("chat", []byte(`"msg"`)); err != nil {
			t.Fatalf("Error on publish: %v", err)
		}
	}
	if err := c.Ping(); err != nil {
		t.Fatalf("Error on ping: %v", err)
	}

	ids := ts.recordedIDs()
	if len(ids) < 7 {
		t.Fatalf("Expected at least 7 commands, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("Command ids not strictly increasing: %v", ids)
		}
	}
}

func TestRPC(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{})
	connectAndWait(t, c)

	res, err := c.RPC("echo", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("Error on rpc: %v", err)
	}
	if !bytes.Equal(res, []byte(`{"n":1}`)) {
		t.Fatalf("Unexpected rpc result: %s", res)
	}
}

func TestHistoryAndPresence(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{})
	connectAndWait(t, c)

	for i := 0; i < 3; i++ {
		if err := c.Publish("chat", []byte(fmt.Sprintf(`"msg-%d"`, i))); err != nil {
			t.Fatalf("Error on publish: %v", err)
		}
	}
	res, err := c.History("chat", WithHistoryLimit(10))
	if err != nil {
		t.Fatalf("Error on history: %v", err)
	}
	if len(res.Publications) != 3 {
		t.Fatalf("Expected 3 publications, got %d", len(res.Publications))
	}
	for i, pub := range res.Publications {
		if pub.Offset != uint64(i+1) {
			t.Fatalf("Unexpected history offsets: %+v", res.Publications)
		}
	}
	if res.Offset != 3 || res.Epoch == "" {
		t.Fatalf("Unexpected history position: offset=%d epoch=%q", res.Offset, res.Epoch)
	}

	presence, err := c.Presence("chat")
	if err != nil {
		t.Fatalf("Error on presence: %v", err)
	}
	if len(presence.Clients) != 1 {
		t.Fatalf("Expected 1 client in presence, got %d", len(presence.Clients))
	}

	stats, err := c.PresenceStats("chat")
	if err != nil {
		t.Fatalf("Error on presence stats: %v", err)
	}
	if stats.NumClients != 1 || stats.NumUsers != 1 {
		t.Fatalf("Unexpected presence stats: %+v", stats)
	}
}

func TestServerSideSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	ts.serverSideSubs = map[string]*protocol.SubscribeResult{
		"notification:index": {Recoverable: true, Epoch: "xyz"},
	}
	ts.disableHistory = true
	ts.disablePresenceStats = true
	c := newTestClient(t, ts, Config{})

	var serverSubscribed uint32
	c.OnServerSubscribe(func(e ServerSubscribeEvent) {
		if e.Channel == "notification:index" {
			atomic.AddUint32(&serverSubscribed, 1)
		}
	})
	connectAndWait(t, c)

	subs := c.ServerSubscriptions()
	sub, ok := subs["notification:index"]
	if !ok {
		t.Fatalf("Expected server-side subscription, got %v", subs)
	}
	if sub.State != SUBSCRIBED {
		t.Fatalf("Expected server sub SUBSCRIBED, got %v", sub.State)
	}
	if atomic.LoadUint32(&serverSubscribed) != 1 {
		t.Fatalf("Expected one server subscribe event")
	}

	var replyErr *Error
	if _, err := c.History("notification:index"); !errors.As(err, &replyErr) || replyErr.Code != 108 {
		t.Fatalf("Expected reply error 108 from history, got %v", err)
	}
	if _, err := c.Presence("notification:index"); err != nil {
		t.Fatalf("Expected presence to succeed, got %v", err)
	}
	replyErr = nil
	if _, err := c.PresenceStats("notification:index"); !errors.As(err, &replyErr) || replyErr.Code != 108 {
		t.Fatalf("Expected reply error 108 from presence stats, got %v", err)
	}
}

func TestTokenAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.requireToken = true
	token, err := BuildConnectionToken(testSecret, "42", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Error building token: %v", err)
	}

	var tokenCalls uint32
	c := newTestClient(t, ts, Config{
		GetToken: func(ConnectionTokenEvent) (string, error) {
			atomic.AddUint32(&tokenCalls, 1)
			return token, nil
		},
	})
	connectAndWait(t, c)
	if atomic.LoadUint32(&tokenCalls) != 1 {
		t.Fatalf("Expected one token callback call, got %d", atomic.LoadUint32(&tokenCalls))
	}
}

func TestTokenRefresh(t *testing.T) {
	ts := newTestServer(t)
	ts.requireToken = true
	ts.expires = true
	ts.ttl = 1

	token, err := BuildConnectionToken(testSecret, "42", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Error building token: %v", err)
	}
	c := newTestClient(t, ts, Config{
		GetToken: func(ConnectionTokenEvent) (string, error) {
			return token, nil
		},
	})
	var disconnected uint32
	c.OnDisconnect(func(DisconnectEvent) { atomic.AddUint32(&disconnected, 1) })
	connectAndWait(t, c)

	waitFor(t, 4*time.Second, 20*time.Millisecond, func() error {
		if ts.numRefreshes() < 1 {
			return errors.New("no refresh command observed")
		}
		return nil
	})
	if got := c.State(); got != CONNECTED {
		t.Fatalf("Expected to stay CONNECTED through refresh, got %v", got)
	}
	if atomic.LoadUint32(&disconnected) != 0 {
		t.Fatalf("Expected no disconnect during refresh")
	}
}

func TestPeriodicPing(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{PingInterval: 50 * time.Millisecond})
	connectAndWait(t, c)

	waitFor(t, 2*time.Second, 10*time.Millisecond, func() error {
		if ts.numPings() < 2 {
			return errors.New("expected at least two pings")
		}
		return nil
	})
	if got := c.State(); got != CONNECTED {
		t.Fatalf("Expected CONNECTED, got %v", got)
	}
}

func TestMetricsAccounting(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{})
	connectAndWait(t, c)

	const n = 10
	for i := 0; i < n; i++ {
		if err := c.Publish("metrics", []byte(`"m"`)); err != nil {
			t.Fatalf("Error on publish: %v", err)
		}
	}

	waitFor(t, 2*time.Second, 10*time.Millisecond, func() error {
		stats := c.Stats()
		// connect + n publishes out, connect reply + n publish replies in.
		if stats.OutMsgs != n+1 {
			return fmt.Errorf("expected %d out messages, got %d", n+1, stats.OutMsgs)
		}
		if stats.InMsgs != n+1 {
			return fmt.Errorf("expected %d in messages, got %d", n+1, stats.InMsgs)
		}
		if stats.OutBytes != uint64(atomic.LoadInt64(&ts.bytesIn)) {
			return fmt.Errorf("bytes sent %d do not match server bytes read %d",
				stats.OutBytes, atomic.LoadInt64(&ts.bytesIn))
		}
		if stats.InBytes != uint64(atomic.LoadInt64(&ts.bytesOut)) {
			return fmt.Errorf("bytes received %d do not match server bytes written %d",
				stats.InBytes, atomic.LoadInt64(&ts.bytesOut))
		}
		return nil
	})

	stats := c.Stats()
	if stats.Replies["connect"] != 1 || stats.Replies["publish"] != n {
		t.Fatalf("Unexpected reply counters: %v", stats.Replies)
	}
	if stats.Session == "" {
		t.Fatalf("Expected a session id in the snapshot")
	}
}

func TestBackpressure(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{WriteQueueSize: 2})

	// Simulate a stalled writer: connected status with a queue nobody
	// drains.
	c.mu.Lock()
	c.status = CONNECTED
	c.writer = newWriteQueue(2)
	writer := c.writer
	c.mu.Unlock()

	if err := c.Send([]byte(`"a"`)); err != nil {
		t.Fatalf("Error on first send: %v", err)
	}
	if err := c.Send([]byte(`"b"`)); err != nil {
		t.Fatalf("Error on second send: %v", err)
	}
	if err := c.Send([]byte(`"c"`)); err != ErrBufferFull {
		t.Fatalf("Expected ErrBufferFull, got %v", err)
	}

	// Draining one slot makes room again.
	<-writer.normal
	if err := c.Send([]byte(`"d"`)); err != nil {
		t.Fatalf("Error on send after drain: %v", err)
	}

	c.mu.Lock()
	c.status = DISCONNECTED
	c.writer = nil
	c.mu.Unlock()
}

func TestReadyWhileDisconnected(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts, Config{})
	if err := c.Ready(); err != ErrClientDisconnected {
		t.Fatalf("Expected ErrClientDisconnected, got %v", err)
	}
}

func TestReadyTimeout(t *testing.T) {
	ts := newTestServer(t)
	ts.silentConnect = true
	c := newTestClient(t, ts, Config{ReadTimeout: 200 * time.Millisecond})
	if err := c.Connect(); err != nil {
		t.Fatalf("Error on connect: %v", err)
	}
	if err := c.Ready(); err == nil {
		t.Fatalf("Expected Ready to fail against a silent server")
	}
}
