// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/centrifugal/protocol"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
)

var testSecret = []byte("test-secret")

// testServer is an in-process Pulse server speaking the JSON protocol
// over websocket. It implements just enough of the server side to
// exercise the client: token verification, channel streams with offsets,
// recovery, presence, history and rpc-driven disconnects.
type testServer struct {
	t *testing.T

	srv *httptest.Server

	// Behavior toggles, set before the client connects.
	requireToken         bool
	silentConnect        bool
	expires              bool
	ttl                  uint32
	disableHistory       bool
	disablePresenceStats bool
	serverSideSubs       map[string]*protocol.SubscribeResult

	epoch string

	mu         sync.Mutex
	conns      map[*serverConn]struct{}
	streams    map[string][]*protocol.Publication
	commandIDs []uint32
	sendData   [][]byte
	refreshes  int
	pings      int
	connSeq    int

	bytesIn  int64
	bytesOut int64
}

type serverConn struct {
	ts *testServer
	ws *websocket.Conn
	mu sync.Mutex

	clientID string
	subs     map[string]bool
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		t:       t,
		epoch:   "xyz",
		conns:   make(map[*serverConn]struct{}),
		streams: make(map[string][]*protocol.Publication),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.serveWS))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/connection/websocket"
}

func (ts *testServer) serveWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{ts: ts, ws: ws, subs: make(map[string]bool)}
	ts.mu.Lock()
	ts.conns[sc] = struct{}{}
	ts.mu.Unlock()
	defer func() {
		ts.mu.Lock()
		delete(ts.conns, sc)
		ts.mu.Unlock()
		ws.Close()
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		atomic.AddInt64(&ts.bytesIn, int64(len(data)))
		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		sc.handleCommand(&cmd)
	}
}

func (sc *serverConn) write(reply *protocol.Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		sc.ts.t.Errorf("marshal reply: %v", err)
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.ws.WriteMessage(websocket.TextMessage, data); err == nil {
		atomic.AddInt64(&sc.ts.bytesOut, int64(len(data)))
	}
}

func (sc *serverConn) handleCommand(cmd *protocol.Command) {
	ts := sc.ts
	if cmd.Id > 0 {
		ts.mu.Lock()
		ts.commandIDs = append(ts.commandIDs, cmd.Id)
		ts.mu.Unlock()
	}
	reply := &protocol.Reply{Id: cmd.Id}
	switch {
	case cmd.Connect != nil:
		if ts.silentConnect {
			return
		}
		if ts.requireToken {
			if perr := ts.verifyToken(cmd.Connect.Token); perr != nil {
				reply.Error = perr
				sc.write(reply)
				return
			}
		}
		ts.mu.Lock()
		ts.connSeq++
		sc.clientID = fmt.Sprintf("conn-%d", ts.connSeq)
		ts.mu.Unlock()
		res := &protocol.ConnectResult{
			Client:  sc.clientID,
			Version: "5.1.0",
			Expires: ts.expires,
			Ttl:     ts.ttl,
		}
		if len(ts.serverSideSubs) > 0 {
			res.Subs = ts.serverSideSubs
		}
		reply.Connect = res
		sc.write(reply)
	case cmd.Subscribe != nil:
		req := cmd.Subscribe
		ts.mu.Lock()
		stream := ts.streams[req.Channel]
		res := &protocol.SubscribeResult{
			Recoverable: req.Recoverable,
			Epoch:       ts.epoch,
			Offset:      uint64(len(stream)),
		}
		if req.Recover {
			res.Recovered = true
			for _, pub := range stream {
				if pub.Offset > req.Offset {
					res.Publications = append(res.Publications, pub)
				}
			}
		}
		sc.subs[req.Channel] = true
		ts.mu.Unlock()
		reply.Subscribe = res
		sc.write(reply)
	case cmd.Unsubscribe != nil:
		ts.mu.Lock()
		delete(sc.subs, cmd.Unsubscribe.Channel)
		ts.mu.Unlock()
		reply.Unsubscribe = &protocol.UnsubscribeResult{}
		sc.write(reply)
	case cmd.Publish != nil:
		pub := ts.appendToStream(cmd.Publish.Channel, cmd.Publish.Data)
		reply.Publish = &protocol.PublishResult{}
		sc.write(reply)
		ts.broadcast(cmd.Publish.Channel, pub)
	case cmd.History != nil:
		if ts.disableHistory {
			reply.Error = &protocol.Error{Code: 108, Message: "not available"}
			sc.write(reply)
			return
		}
		ts.mu.Lock()
		stream := ts.streams[cmd.History.Channel]
		res := &protocol.HistoryResult{
			Publications: stream,
			Epoch:        ts.epoch,
			Offset:       uint64(len(stream)),
		}
		ts.mu.Unlock()
		reply.History = res
		sc.write(reply)
	case cmd.Presence != nil:
		reply.Presence = &protocol.PresenceResult{
			Presence: map[string]*protocol.ClientInfo{
				sc.clientID: {Client: sc.clientID, User: "42"},
			},
		}
		sc.write(reply)
	case cmd.PresenceStats != nil:
		if ts.disablePresenceStats {
			reply.Error = &protocol.Error{Code: 108, Message: "not available"}
			sc.write(reply)
			return
		}
		reply.PresenceStats = &protocol.PresenceStatsResult{NumClients: 1, NumUsers: 1}
		sc.write(reply)
	case cmd.Ping != nil:
		ts.mu.Lock()
		ts.pings++
		ts.mu.Unlock()
		reply.Ping = &protocol.PingResult{}
		sc.write(reply)
	case cmd.Send != nil:
		ts.mu.Lock()
		ts.sendData = append(ts.sendData, cmd.Send.Data)
		ts.mu.Unlock()
	case cmd.Rpc != nil:
		if cmd.Rpc.Method == "disconnect" {
			var mode string
			_ = json.Unmarshal(cmd.Rpc.Data, &mode)
			d := &protocol.Disconnect{Code: 3001, Reason: "reconnect", Reconnect: true}
			if mode == "permanent" {
				d = &protocol.Disconnect{Code: 3501, Reason: "permanent", Reconnect: false}
			}
			sc.write(&protocol.Reply{Push: &protocol.Push{Disconnect: d}})
			return
		}
		reply.Rpc = &protocol.RPCResult{Data: cmd.Rpc.Data}
		sc.write(reply)
	case cmd.Refresh != nil:
		ts.mu.Lock()
		ts.refreshes++
		ts.mu.Unlock()
		reply.Refresh = &protocol.RefreshResult{Expires: ts.expires, Ttl: ts.ttl}
		sc.write(reply)
	case cmd.SubRefresh != nil:
		reply.SubRefresh = &protocol.SubRefreshResult{}
		sc.write(reply)
	}
}

func (ts *testServer) verifyToken(token string) *protocol.Error {
	if token == "" {
		return &protocol.Error{Code: 101, Message: "unauthorized"}
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return testSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return &protocol.Error{Code: 109, Message: "token expired", Temporary: true}
	}
	return nil
}

func (ts *testServer) appendToStream(channel string, data protocol.Raw) *protocol.Publication {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	pub := &protocol.Publication{
		Offset: uint64(len(ts.streams[channel])) + 1,
		Data:   data,
	}
	ts.streams[channel] = append(ts.streams[channel], pub)
	return pub
}

// broadcast delivers a publication push to every connection subscribed
// to the channel.
func (ts *testServer) broadcast(channel string, pub *protocol.Publication) {
	ts.mu.Lock()
	conns := make([]*serverConn, 0, len(ts.conns))
	for sc := range ts.conns {
		if sc.subs[channel] {
			conns = append(conns, sc)
		}
	}
	ts.mu.Unlock()
	for _, sc := range conns {
		sc.write(&protocol.Reply{Push: &protocol.Push{Channel: channel, Pub: pub}})
	}
}

// pushToAll sends an arbitrary push to every connection, subscribed or not.
func (ts *testServer) pushToAll(push *protocol.Push) {
	ts.mu.Lock()
	conns := make([]*serverConn, 0, len(ts.conns))
	for sc := range ts.conns {
		conns = append(conns, sc)
	}
	ts.mu.Unlock()
	for _, sc := range conns {
		sc.write(&protocol.Reply{Push: push})
	}
}

// publish appends to the channel stream and fans the publication out,
// bypassing any client. Used to simulate other publishers.
func (ts *testServer) publish(channel string, data []byte) {
	pub := ts.appendToStream(channel, data)
	ts.broadcast(channel, pub)
}

func (ts *testServer) numPings() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.pings
}

func (ts *testServer) numRefreshes() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.refreshes
}

func (ts *testServer) sentData() [][]byte {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([][]byte, len(ts.sendData))
	copy(out, ts.sendData)
	return out
}

func (ts *testServer) recordedIDs() []uint32 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]uint32, len(ts.commandIDs))
	copy(out, ts.commandIDs)
	return out
}

// waitFor polls f until it returns nil or the total wait elapses.
func waitFor(t *testing.T, totalWait, sleepDur time.Duration, f func() error) {
	t.Helper()
	timeout := time.Now().Add(totalWait)
	var err error
	for time.Now().Before(timeout) {
		err = f()
		if err == nil {
			return
		}
		time.Sleep(sleepDur)
	}
	if err != nil {
		t.Fatal(err.Error())
	}
}

func waitForStatus(t *testing.T, c *Client, want Status) {
	t.Helper()
	waitFor(t, 5*time.Second, 5*time.Millisecond, func() error {
		if got := c.State(); got != want {
			return fmt.Errorf("expected state %v, got %v", want, got)
		}
		return nil
	})
}
