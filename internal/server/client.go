package server

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/prayer-meetups/internal/types"
)

const (
	writeWait      = 10 * time.Second
	closeWait      = 1 * time.Second
	maxMessageSize = 8192
	sendBufferSize = 256
)

type Client struct {
	id            string
	conn          *websocket.Conn
	chatServer    *ChatServer
	log           *log.Logger
	sessionUserId int
	userId        int
	authenticated bool
	userLock      sync.RWMutex
	send          chan *types.ServerMessage
	ping          chan struct{}
	rooms         map[int]struct{}
	roomsLock     sync.RWMutex
	alive         atomic.Bool
	closed        atomic.Bool
	closeOnce     sync.Once
	stop          chan struct{}
}

// NewClient wraps an upgraded connection. sessionUserId is the user the HTTP
// session belonged to; chat identity is only established by AUTHENTICATE.
func NewClient(id string, sessionUserId int, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	c := &Client{
		id:            id,
		conn:          conn,
		chatServer:    cs,
		log:           l,
		sessionUserId: sessionUserId,
		send:          make(chan *types.ServerMessage, sendBufferSize),
		ping:          make(chan struct{}, 1),
		rooms:         make(map[int]struct{}),
		stop:          make(chan struct{}),
	}
	c.alive.Store(true)

	return c
}

func (c *Client) Write() {
	defer c.log.Printf("connection %q write exiting", c.id)

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				c.terminate()
				return
			}
		case <-c.ping:
			if !c.sendMessage(websocket.PingMessage, nil) {
				c.terminate()
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.terminate()
		c.log.Printf("connection %q read exiting", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		c.handleFrame(raw)
	}
}

// handleFrame dispatches one inbound frame by its type. Frames that cannot be
// parsed or carry an unknown type are logged and otherwise ignored.
func (c *Client) handleFrame(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Printf("connection %q sent unparsable frame: %v", c.id, err)
		return
	}

	switch types.MessageType(env.Type) {
	case types.MessageTypeAuthenticate:
		userId, err := parseAuthenticate(raw)
		if err != nil {
			c.queueMessage(ErrInvalidMessage(err.Error()))
			return
		}

		c.setUserId(userId)
		c.log.Printf("connection %q (session user %d) authenticated as user %d", c.id, c.sessionUserId, userId)
	case types.MessageTypeSubscribePrayer:
		prayerId, err := parseSubscription(raw)
		if err != nil {
			c.queueMessage(ErrInvalidMessage(err.Error()))
			return
		}

		c.chatServer.subscribe(c, prayerId)
	case types.MessageTypeUnsubscribePrayer:
		prayerId, err := parseSubscription(raw)
		if err != nil {
			c.queueMessage(ErrInvalidMessage(err.Error()))
			return
		}

		c.chatServer.unsubscribe(c, prayerId)
	case types.MessageTypeChatMessage:
		c.chatServer.handleChatMessage(c, raw)
	case types.MessageTypePing:
		c.queueMessage(Pong())
	default:
		c.log.Printf("connection %q sent unknown message type %q", c.id, env.Type)
	}
}

// queueMessage hands msg to the write pump. It reports false when the
// connection is closed or its buffer is full.
func (c *Client) queueMessage(msg *types.ServerMessage) bool {
	if c.isClosed() {
		return false
	}

	select {
	case c.send <- msg:
	default:
		c.log.Printf("failed to send message to connection %q, channel is full", c.id)
		return false
	}

	return true
}

// probe asks the write pump to send a transport level ping.
func (c *Client) probe() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// terminate closes the connection and removes it from the server. The close
// frame is skipped if the write lock is not free within closeWait. It is
// safe to call more than once and from any goroutine.
func (c *Client) terminate() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)

		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWait))
			c.conn.Close()
		}

		if c.chatServer != nil {
			c.chatServer.removeClient(c)
		}
	})
}

func (c *Client) isClosed() bool {
	return c.closed.Load()
}

func (c *Client) setUserId(userId int) {
	c.userLock.Lock()
	defer c.userLock.Unlock()

	c.userId = userId
	c.authenticated = true
}

func (c *Client) getUserId() (int, bool) {
	c.userLock.RLock()
	defer c.userLock.RUnlock()

	return c.userId, c.authenticated
}

func (c *Client) addRoom(prayerId int) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[prayerId] = struct{}{}
}

func (c *Client) delRoom(prayerId int) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, prayerId)
}

func (c *Client) getRoomIds() []int {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	ids := make([]int, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}

	return ids
}
