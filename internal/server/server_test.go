package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/prayer-meetups/internal/config"
	"github.com/npezzotti/prayer-meetups/internal/database"
	"github.com/npezzotti/prayer-meetups/internal/stats"
	"github.com/npezzotti/prayer-meetups/internal/testutil"
	"github.com/npezzotti/prayer-meetups/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db ChatStore, su *stats.MockStatsUpdater) *ChatServer {
	return newTestChatServerWithConfig(t, db, su, &config.Config{HeartbeatInterval: time.Hour})
}

func newTestChatServerWithConfig(t *testing.T, db ChatStore, su *stats.MockStatsUpdater, cfg *config.Config) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return().Times(5)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	cs, err := NewChatServer(testutil.TestLogger(t), db, su, cfg)
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

// startTestServer serves cs on an httptest server the same way the
// application's websocket endpoint does.
func startTestServer(t *testing.T, cs *ChatServer) *httptest.Server {
	var seq atomic.Int64
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}

		c := NewClient(fmt.Sprintf("conn-%d", seq.Add(1)), 1, conn, cs, cs.log)
		cs.RegisterClient(c)
		go c.Write()
		go c.Read()
	}))
	t.Cleanup(srv.Close)

	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "expected dial to succeed")
	t.Cleanup(func() { conn.Close() })

	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg types.ClientMessage) {
	require.NoError(t, conn.WriteJSON(msg), "expected write to succeed")
}

func readFrame(t *testing.T, conn *websocket.Conn) types.ServerMessage {
	var msg types.ServerMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg), "expected to receive a frame")

	return msg
}

func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	var msg types.ServerMessage
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	err := conn.ReadJSON(&msg)
	assert.Error(t, err, "expected no frame, got %+v", msg)
}

func waitForRoomSize(t *testing.T, cs *ChatServer, prayerId, size int) {
	assert.Eventually(t, func() bool {
		return len(cs.getRoomClients(prayerId)) == size
	}, 2*time.Second, 10*time.Millisecond, "expected room %d to have %d connections", prayerId, size)
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockPrayerRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.NumActiveClients).Return().Once()
	su.On("RegisterMetric", stats.NumActiveRooms).Return().Once()
	su.On("RegisterMetric", stats.NumMessagesBroadcast).Return().Once()
	su.On("RegisterMetric", stats.NumDuplicateMessages).Return().Once()
	su.On("RegisterMetric", stats.NumLivenessEvictions).Return().Once()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su, &config.Config{})
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, config.DefaultHeartbeatInterval, cs.heartbeatInterval, "expected default heartbeat interval")
	assert.NotNil(t, cs.seen, "expected dedup cache to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.rooms, "expected rooms map to be initialized")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never signal done to simulate a hang
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})
	go cs.Run()

	srv := startTestServer(t, cs)
	conn := dial(t, srv)
	send(t, conn, types.ClientMessage{Type: types.MessageTypeSubscribePrayer, PrayerId: 7})
	waitForRoomSize(t, cs, 7, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, cs.Shutdown(ctx), "expected successful shutdown")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal closure, got %v", err)
	assert.Empty(t, cs.getClients(), "expected no registered connections after shutdown")
	assert.Empty(t, cs.getRoomClients(7), "expected room to be discarded after shutdown")
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestChatServer(t, &database.MockPrayerRepository{}, su)

	c := NewClient("c1", 1, nil, cs, cs.log)
	cs.RegisterClient(c)
	cs.RegisterClient(c)
	assert.Len(t, cs.getClients(), 1, "expected client to be registered once")
	su.AssertNumberOfCalls(t, "Incr", 1)

	cs.subscribe(c, 7)
	cs.subscribe(c, 8)
	assert.ElementsMatch(t, []int{7, 8}, c.getRoomIds(), "expected client to be in both rooms")

	cs.removeClient(c)
	assert.Empty(t, cs.getClients(), "expected client to be removed")
	assert.Empty(t, c.getRoomIds(), "expected client to have left all rooms")
	assert.Empty(t, cs.rooms, "expected empty rooms to be discarded")
	su.AssertCalled(t, "Decr", stats.NumActiveClients)
	su.AssertCalled(t, "Decr", stats.NumActiveRooms)
}

func TestChatServer_subscribe(t *testing.T) {
	t.Run("subscribe is idempotent", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})
		c := NewClient("c1", 1, nil, cs, cs.log)

		cs.subscribe(c, 7)
		cs.subscribe(c, 7)
		assert.Len(t, cs.getRoomClients(7), 1, "expected a single membership")
	})

	t.Run("unsubscribe from unknown room is a no-op", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})
		c := NewClient("c1", 1, nil, cs, cs.log)

		cs.unsubscribe(c, 42)
		assert.Empty(t, cs.rooms, "expected no rooms to be created")
	})

	t.Run("unsubscribe removes membership and discards empty room", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})
		c1 := NewClient("c1", 1, nil, cs, cs.log)
		c2 := NewClient("c2", 2, nil, cs, cs.log)

		cs.subscribe(c1, 7)
		cs.subscribe(c2, 7)
		cs.unsubscribe(c1, 7)
		assert.Equal(t, []*Client{c2}, cs.getRoomClients(7), "expected only c2 to remain")

		cs.unsubscribe(c2, 7)
		_, ok := cs.rooms[7]
		assert.False(t, ok, "expected empty room to be discarded")
	})

	t.Run("closed connection is not added", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})
		c := NewClient("c1", 1, nil, cs, cs.log)
		c.terminate()

		cs.subscribe(c, 7)
		assert.Empty(t, cs.getRoomClients(7), "expected terminated client to stay out of rooms")
	})
}

func TestChatServer_broadcastToRoom(t *testing.T) {
	cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})
	in7 := NewClient("c1", 1, nil, cs, cs.log)
	in8 := NewClient("c2", 2, nil, cs, cs.log)
	cs.subscribe(in7, 7)
	cs.subscribe(in8, 8)

	sent := cs.broadcastToRoom(7, Pong())
	assert.Equal(t, 1, sent, "expected one recipient")
	assert.Len(t, in7.send, 1, "expected subscriber of 7 to receive the message")
	assert.Len(t, in8.send, 0, "expected subscriber of 8 to receive nothing")

	assert.Equal(t, 0, cs.broadcastToRoom(99, Pong()), "expected no recipients for unknown room")
}

func TestChatServer_BroadcastAll(t *testing.T) {
	cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})
	open := NewClient("c1", 1, nil, cs, cs.log)
	closed := NewClient("c2", 2, nil, cs, cs.log)
	cs.RegisterClient(open)
	cs.RegisterClient(closed)
	closed.closed.Store(true)

	sent := cs.BroadcastAll(PrayerJoined(7, 2))
	assert.Equal(t, 1, sent, "expected only the open connection to receive the message")
	assert.Len(t, open.send, 1, "expected message to be queued on open connection")
	assert.Len(t, closed.send, 0, "expected nothing queued on closed connection")
}

func TestChatServer_checkLiveness(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	cs := newTestChatServer(t, &database.MockPrayerRepository{}, su)
	c := NewClient("c1", 1, nil, cs, cs.log)
	cs.RegisterClient(c)
	cs.subscribe(c, 7)

	cs.checkLiveness()
	assert.Len(t, cs.getClients(), 1, "expected live connection to survive first cycle")
	assert.False(t, c.alive.Load(), "expected alive flag to be cleared")
	assert.Len(t, c.ping, 1, "expected a probe to be requested")

	cs.checkLiveness()
	assert.Empty(t, cs.getClients(), "expected unresponsive connection to be terminated")
	assert.Empty(t, cs.getRoomClients(7), "expected terminated connection to leave its rooms")
	assert.True(t, c.isClosed(), "expected connection to be closed")
	su.AssertCalled(t, "Incr", stats.NumLivenessEvictions)
}

func TestChatServer_Liveness_Integration(t *testing.T) {
	cfg := &config.Config{HeartbeatInterval: 50 * time.Millisecond}

	t.Run("unresponsive connection is evicted", func(t *testing.T) {
		cs := newTestChatServerWithConfig(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{}, cfg)
		go cs.Run()
		t.Cleanup(func() { cs.Shutdown(context.Background()) })

		srv := startTestServer(t, cs)
		conn := dial(t, srv)
		conn.SetPingHandler(func(string) error { return nil })

		send(t, conn, types.ClientMessage{Type: types.MessageTypeSubscribePrayer, PrayerId: 7})
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		assert.Eventually(t, func() bool {
			return len(cs.getClients()) == 0
		}, 2*time.Second, 10*time.Millisecond, "expected unresponsive connection to be evicted")
		assert.Empty(t, cs.getRoomClients(7), "expected evicted connection to leave its rooms")
	})

	t.Run("responsive connection survives", func(t *testing.T) {
		cs := newTestChatServerWithConfig(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{}, cfg)
		go cs.Run()
		t.Cleanup(func() { cs.Shutdown(context.Background()) })

		srv := startTestServer(t, cs)
		conn := dial(t, srv)
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		time.Sleep(6 * cfg.HeartbeatInterval)
		assert.Len(t, cs.getClients(), 1, "expected responsive connection to stay registered")
	})
}

func TestChatServer_ChatMessage_Integration(t *testing.T) {
	createdAt := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("routes only to subscribers of the meetup", func(t *testing.T) {
		db := &database.MockPrayerRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", database.CreateMessageParams{PrayerId: 7, UserId: 1, Content: "hello"}).
			Return(database.Message{Id: 10, PrayerId: 7, UserId: 1, Content: "hello", CreatedAt: createdAt}, nil).Once()
		db.On("GetUserById", 1).Return(database.User{Id: 1, Name: "Alice"}, nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		srv := startTestServer(t, cs)

		listener := dial(t, srv)
		other := dial(t, srv)
		sender := dial(t, srv)
		send(t, listener, types.ClientMessage{Type: types.MessageTypeSubscribePrayer, PrayerId: 7})
		send(t, other, types.ClientMessage{Type: types.MessageTypeSubscribePrayer, PrayerId: 8})
		waitForRoomSize(t, cs, 7, 1)
		waitForRoomSize(t, cs, 8, 1)

		send(t, sender, types.ClientMessage{Type: types.MessageTypeAuthenticate, UserId: 1})
		send(t, sender, types.ClientMessage{Type: types.MessageTypeChatMessage, PrayerId: 7, Content: "hello"})

		msg := readFrame(t, listener)
		assert.Equal(t, types.MessageTypeNewChatMessage, msg.Type)
		require.NotNil(t, msg.Message, "expected message payload")
		assert.Equal(t, 10, msg.Message.Id)
		assert.Equal(t, 7, msg.Message.PrayerId)
		assert.Equal(t, "hello", msg.Message.Content)
		assert.Equal(t, types.ChatUser{Id: 1, Name: "Alice"}, msg.Message.User)
		assert.True(t, createdAt.Equal(msg.Message.CreatedAt), "expected createdAt to round trip")

		assertNoFrame(t, other)
		assertNoFrame(t, sender)
	})

	t.Run("chat before authenticate is rejected", func(t *testing.T) {
		db := &database.MockPrayerRepository{}
		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		srv := startTestServer(t, cs)

		conn := dial(t, srv)
		send(t, conn, types.ClientMessage{Type: types.MessageTypeChatMessage, PrayerId: 7, Content: "hello"})

		msg := readFrame(t, conn)
		assert.Equal(t, types.MessageTypeError, msg.Type)
		assert.Equal(t, "not authenticated", msg.Error)
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("content is sanitized before persisting", func(t *testing.T) {
		db := &database.MockPrayerRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", database.CreateMessageParams{PrayerId: 7, UserId: 3, Content: "bhi/b"}).
			Return(database.Message{Id: 11, PrayerId: 7, UserId: 3, Content: "bhi/b", CreatedAt: createdAt}, nil).Once()
		db.On("GetUserById", 3).Return(database.User{Id: 3, Name: "Bilal"}, nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		srv := startTestServer(t, cs)

		conn := dial(t, srv)
		send(t, conn, types.ClientMessage{Type: types.MessageTypeSubscribePrayer, PrayerId: 7})
		send(t, conn, types.ClientMessage{Type: types.MessageTypeAuthenticate, UserId: 3})
		send(t, conn, types.ClientMessage{Type: types.MessageTypeChatMessage, PrayerId: 7, Content: "  <b>hi</b>  "})

		msg := readFrame(t, conn)
		assert.Equal(t, types.MessageTypeNewChatMessage, msg.Type)
		require.NotNil(t, msg.Message, "expected message payload")
		assert.Equal(t, "bhi/b", msg.Message.Content)
	})

	t.Run("invalid content returns error", func(t *testing.T) {
		db := &database.MockPrayerRepository{}
		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		srv := startTestServer(t, cs)

		conn := dial(t, srv)
		send(t, conn, types.ClientMessage{Type: types.MessageTypeAuthenticate, UserId: 3})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CHAT_MESSAGE","prayerId":7,"content":"   "}`)))

		msg := readFrame(t, conn)
		assert.Equal(t, types.MessageTypeError, msg.Type)
		assert.Equal(t, errEmptyContent.Error(), msg.Error)
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("persistence failure returns error", func(t *testing.T) {
		db := &database.MockPrayerRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("db down")).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		srv := startTestServer(t, cs)

		conn := dial(t, srv)
		send(t, conn, types.ClientMessage{Type: types.MessageTypeAuthenticate, UserId: 3})
		send(t, conn, types.ClientMessage{Type: types.MessageTypeChatMessage, PrayerId: 7, Content: "hi"})

		msg := readFrame(t, conn)
		assert.Equal(t, types.MessageTypeError, msg.Type)
		assert.Equal(t, "failed to send message", msg.Error)
	})

	t.Run("duplicate message is broadcast once", func(t *testing.T) {
		stored := database.Message{Id: 12, PrayerId: 7, UserId: 3, Content: "salam", CreatedAt: createdAt}

		db := &database.MockPrayerRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", mock.Anything).Return(stored, nil).Twice()
		db.On("GetUserById", 3).Return(database.User{Id: 3, Name: "Bilal"}, nil).Twice()

		duplicate := make(chan struct{})
		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.NumDuplicateMessages).Return().Once().Run(func(mock.Arguments) {
			close(duplicate)
		})
		cs := newTestChatServer(t, db, su)
		srv := startTestServer(t, cs)

		listener := dial(t, srv)
		send(t, listener, types.ClientMessage{Type: types.MessageTypeSubscribePrayer, PrayerId: 7})
		waitForRoomSize(t, cs, 7, 1)

		for range 2 {
			sender := dial(t, srv)
			send(t, sender, types.ClientMessage{Type: types.MessageTypeAuthenticate, UserId: 3})
			send(t, sender, types.ClientMessage{Type: types.MessageTypeChatMessage, PrayerId: 7, Content: "salam"})
		}

		msg := readFrame(t, listener)
		assert.Equal(t, types.MessageTypeNewChatMessage, msg.Type)
		assertNoFrame(t, listener)

		select {
		case <-duplicate:
		case <-time.After(time.Second):
			t.Error("expected duplicate to be counted")
		}
	})
}

func TestChatServer_Ping_Integration(t *testing.T) {
	cs := newTestChatServer(t, &database.MockPrayerRepository{}, &stats.MockStatsUpdater{})
	srv := startTestServer(t, cs)

	conn := dial(t, srv)
	send(t, conn, types.ClientMessage{Type: types.MessageTypePing})

	msg := readFrame(t, conn)
	assert.Equal(t, types.MessageTypePong, msg.Type)
}
