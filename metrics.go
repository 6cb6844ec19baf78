// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of connection counters. All counters
// are monotonic for the lifetime of the Client, across reconnects.
type Stats struct {
	InMsgs   uint64
	OutMsgs  uint64
	InBytes  uint64
	OutBytes uint64

	Connects    uint64
	Disconnects uint64

	// Replies counts received replies by kind, pushes included.
	Replies map[string]uint64

	// ReconnectURL is the endpoint the next reconnect attempt will dial,
	// empty when no reconnect is scheduled.
	ReconnectURL string
	// NextReconnectAt is the wall-clock time of the scheduled reconnect
	// attempt, zero when none is scheduled.
	NextReconnectAt time.Time

	// Session is the unique id of this client instance.
	Session string
}

type stats struct {
	inMsgs   uint64
	outMsgs  uint64
	inBytes  uint64
	outBytes uint64

	connects    uint64
	disconnects uint64

	mu              sync.Mutex
	replies         map[string]uint64
	reconnectURL    string
	nextReconnectAt time.Time
}

func (s *stats) incrInMsgs() {
	atomic.AddUint64(&s.inMsgs, 1)
}

func (s *stats) addInBytes(n int) {
	atomic.AddUint64(&s.inBytes, uint64(n))
}

func (s *stats) incrOut(bytes int) {
	atomic.AddUint64(&s.outMsgs, 1)
	atomic.AddUint64(&s.outBytes, uint64(bytes))
}

func (s *stats) incrConnects() {
	atomic.AddUint64(&s.connects, 1)
}

func (s *stats) incrDisconnects() {
	atomic.AddUint64(&s.disconnects, 1)
}

func (s *stats) incrReply(kind string) {
	s.mu.Lock()
	if s.replies == nil {
		s.replies = make(map[string]uint64)
	}
	s.replies[kind]++
	s.mu.Unlock()
}

func (s *stats) setReconnect(url string, at time.Time) {
	s.mu.Lock()
	s.reconnectURL = url
	s.nextReconnectAt = at
	s.mu.Unlock()
}

func (s *stats) clearReconnect() {
	s.setReconnect("", time.Time{})
}

func (s *stats) snapshot(session string) Stats {
	out := Stats{
		InMsgs:      atomic.LoadUint64(&s.inMsgs),
		OutMsgs:     atomic.LoadUint64(&s.outMsgs),
		InBytes:     atomic.LoadUint64(&s.inBytes),
		OutBytes:    atomic.LoadUint64(&s.outBytes),
		Connects:    atomic.LoadUint64(&s.connects),
		Disconnects: atomic.LoadUint64(&s.disconnects),
		Session:     session,
	}
	s.mu.Lock()
	out.ReconnectURL = s.reconnectURL
	out.NextReconnectAt = s.nextReconnectAt
	out.Replies = make(map[string]uint64, len(s.replies))
	for k, v := range s.replies {
		out.Replies[k] = v
	}
	s.mu.Unlock()
	return out
}
