package chatclient

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session is one connection attempt. It owns every timer that belongs to
// that attempt so that a single teardown cancels all of them.
type session struct {
	conn      *websocket.Conn
	ticker    *time.Ticker
	heartbeat *time.Timer
	retry     *time.Timer
	timeout   time.Duration
	done      chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newSession() *session {
	return &session{done: make(chan struct{})}
}

// start arms the ping ticker and the heartbeat timeout for an open
// connection. onPing runs on every tick until the session is stopped.
func (s *session) start(conn *websocket.Conn, pingInterval, timeout time.Duration, onPing, onTimeout func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.timeout = timeout
	s.heartbeat = time.AfterFunc(timeout, onTimeout)
	s.ticker = time.NewTicker(pingInterval)

	go func(ticker *time.Ticker) {
		for {
			select {
			case <-ticker.C:
				onPing()
			case <-s.done:
				return
			}
		}
	}(s.ticker)
}

// resetHeartbeat re-arms the heartbeat timeout.
func (s *session) resetHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.heartbeat == nil {
		return
	}

	s.heartbeat.Reset(s.timeout)
}

// stopLiveness cancels the ping ticker and the heartbeat timeout.
func (s *session) stopLiveness() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)

	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
}

func (s *session) setRetry(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retry = t
}

// teardown cancels all timers and closes the connection.
func (s *session) teardown() {
	s.stopLiveness()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retry != nil {
		s.retry.Stop()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
