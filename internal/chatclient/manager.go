// Package chatclient maintains a chat connection to a prayer meetup on
// behalf of a user. It reconnects with bounded exponential backoff and
// queues outgoing messages while the connection is down.
package chatclient

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/prayer-meetups/internal/types"
)

const (
	DefaultInitialRetryDelay = 1 * time.Second
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultMaxRetries        = 5
	DefaultPingInterval      = 30 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second

	writeWait = 10 * time.Second
)

var (
	ErrClosed  = errors.New("chatclient: manager closed")
	ErrStopped = errors.New("chatclient: reconnect attempts exhausted")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	// UserId is sent in an AUTHENTICATE frame on every open when non-zero.
	UserId int
	// PrayerId is the meetup being viewed. The manager subscribes to it on
	// open and only keeps chat messages that belong to it.
	PrayerId int

	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	MaxRetries        int
	PingInterval      time.Duration
	HeartbeatTimeout  time.Duration

	// OnMessage is called for every chat message appended to the log.
	OnMessage func(types.ChatMessage)
	// OnEvent is called for every other frame received from the server.
	OnEvent func(types.ServerMessage)
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.InitialRetryDelay <= 0 {
		o.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
}

// Manager owns one chat connection. All frames are written while holding mu
// so queued messages always precede newly sent ones.
type Manager struct {
	opts      Options
	log       *log.Logger
	afterFunc func(time.Duration, func()) *time.Timer

	mu       sync.Mutex
	state    State
	sess     *session
	queue    []types.ClientMessage
	failures int
	closed   bool
	done     chan struct{}

	msgLock  sync.RWMutex
	messages []types.ChatMessage
	seen     map[int]struct{}
}

// NewManager starts connecting immediately.
func NewManager(opts Options, logger *log.Logger) *Manager {
	m := newManager(opts, logger)
	go m.connect()

	return m
}

func newManager(opts Options, logger *log.Logger) *Manager {
	opts.setDefaults()

	return &Manager{
		opts:      opts,
		log:       logger,
		afterFunc: time.AfterFunc,
		state:     StateDisconnected,
		done:      make(chan struct{}),
		seen:      make(map[int]struct{}),
	}
}

// retryDelay returns the backoff before retry n, starting at zero.
func (m *Manager) retryDelay(n int) time.Duration {
	d := m.opts.InitialRetryDelay << n
	if d <= 0 || d > m.opts.MaxRetryDelay {
		return m.opts.MaxRetryDelay
	}

	return d
}

func (m *Manager) connect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	sess := newSession()
	m.sess = sess
	m.state = StateConnecting
	m.mu.Unlock()

	conn, _, err := m.opts.Dialer.Dial(m.opts.URL, m.opts.Header)
	if err != nil {
		m.log.Printf("dial %s: %v", m.opts.URL, err)
		m.retryLater(sess)
		return
	}

	m.mu.Lock()
	if m.closed || m.sess != sess {
		m.mu.Unlock()
		conn.Close()
		return
	}

	sess.start(conn, m.opts.PingInterval, m.opts.HeartbeatTimeout,
		func() { m.sendPing(sess) },
		func() {
			m.log.Println("heartbeat timeout, closing connection")
			conn.Close()
		})

	if err := m.handshake(conn); err != nil {
		m.mu.Unlock()
		m.log.Println("handshake:", err)
		conn.Close()
		m.readLoop(conn, sess)
		return
	}

	m.failures = 0
	m.state = StateOpen
	m.mu.Unlock()

	m.log.Printf("connected to %s", m.opts.URL)
	m.readLoop(conn, sess)
}

// handshake authenticates, subscribes and flushes the queue in FIFO order.
// It must be called with mu held.
func (m *Manager) handshake(conn *websocket.Conn) error {
	if m.opts.UserId != 0 {
		if err := writeFrame(conn, types.ClientMessage{Type: types.MessageTypeAuthenticate, UserId: m.opts.UserId}); err != nil {
			return err
		}
	}

	if m.opts.PrayerId != 0 {
		if err := writeFrame(conn, types.ClientMessage{Type: types.MessageTypeSubscribePrayer, PrayerId: m.opts.PrayerId}); err != nil {
			return err
		}
	}

	for len(m.queue) > 0 {
		if err := writeFrame(conn, m.queue[0]); err != nil {
			return err
		}
		m.queue = m.queue[1:]
	}

	return nil
}

func writeFrame(conn *websocket.Conn, msg types.ClientMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func (m *Manager) readLoop(conn *websocket.Conn, sess *session) {
	conn.SetPingHandler(func(appData string) error {
		sess.resetHeartbeat()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Printf("read: %v", err)
			}
			break
		}

		var msg types.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.log.Println("error parsing message:", err)
			continue
		}

		m.dispatch(sess, msg)
	}

	sess.stopLiveness()
	m.retryLater(sess)
}

func (m *Manager) dispatch(sess *session, msg types.ServerMessage) {
	switch msg.Type {
	case types.MessageTypePong:
		sess.resetHeartbeat()
	case types.MessageTypeNewChatMessage:
		if msg.Message == nil || msg.Message.PrayerId != m.opts.PrayerId {
			return
		}
		if m.appendMessage(*msg.Message) && m.opts.OnMessage != nil {
			m.opts.OnMessage(*msg.Message)
		}
	case types.MessageTypeError:
		m.log.Println("server error:", msg.Error)
		fallthrough
	default:
		if m.opts.OnEvent != nil {
			m.opts.OnEvent(msg)
		}
	}
}

// retryLater schedules the next connection attempt for a session that
// failed or closed, unless retries are exhausted.
func (m *Manager) retryLater(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.sess != sess {
		return
	}

	m.state = StateDisconnected
	if m.failures >= m.opts.MaxRetries {
		m.log.Printf("giving up after %d failed attempts, dropping %d queued messages", m.failures+1, len(m.queue))
		m.queue = nil
		m.sess = nil
		close(m.done)
		return
	}

	delay := m.retryDelay(m.failures)
	m.failures++
	m.log.Printf("reconnecting in %s (attempt %d/%d)", delay, m.failures, m.opts.MaxRetries)
	sess.setRetry(m.afterFunc(delay, m.connect))
}

func (m *Manager) sendPing(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != sess || m.state != StateOpen {
		return
	}

	if err := writeFrame(sess.conn, types.ClientMessage{Type: types.MessageTypePing}); err != nil {
		m.log.Println("ping:", err)
		sess.conn.Close()
	}
}

// Send posts a chat message to the viewed meetup. While the connection is
// not open the message is queued and sent on the next successful open.
func (m *Manager) Send(content string) error {
	msg := types.ClientMessage{
		Type:     types.MessageTypeChatMessage,
		PrayerId: m.opts.PrayerId,
		Content:  content,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	select {
	case <-m.done:
		return ErrStopped
	default:
	}

	if m.state != StateOpen {
		m.queue = append(m.queue, msg)
		return nil
	}

	if err := writeFrame(m.sess.conn, msg); err != nil {
		m.log.Println("send:", err)
		m.queue = append(m.queue, msg)
		m.sess.conn.Close()
	}

	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Queued returns the number of messages waiting for a connection.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// Done is closed when the manager stops, either by Close or because it
// gave up reconnecting.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Close cancels every pending timer and closes the connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateClosing
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	if sess != nil {
		if sess.conn != nil {
			sess.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
		}
		sess.teardown()
	}

	m.mu.Lock()
	m.state = StateDisconnected
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.mu.Unlock()

	return nil
}
