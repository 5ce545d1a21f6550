package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/prayer-meetups/internal/config"
	"github.com/npezzotti/prayer-meetups/internal/database"
	"github.com/npezzotti/prayer-meetups/internal/stats"
	"github.com/npezzotti/prayer-meetups/internal/types"
)

const defaultStoreTimeout = 5 * time.Second

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error)
}

// IdentityResolver maps a user id to the user's public profile.
type IdentityResolver interface {
	GetUserById(ctx context.Context, userId int) (database.User, error)
}

type ChatStore interface {
	MessageStore
	IdentityResolver
}

type stopReq struct {
	done chan struct{}
}

// ChatServer is the registry of live connections and meetup rooms. It also
// runs the liveness monitor which evicts connections that stop answering
// pings.
type ChatServer struct {
	log               *log.Logger
	db                ChatStore
	stats             stats.StatsProvider
	clients           map[*Client]struct{}
	clientsLock       sync.RWMutex
	rooms             map[int]*Room
	roomsLock         sync.RWMutex
	seen              *dedupCache
	heartbeatInterval time.Duration
	storeTimeout      time.Duration
	stop              chan stopReq
}

func NewChatServer(logger *log.Logger, db ChatStore, su stats.StatsProvider, cfg *config.Config) (*ChatServer, error) {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = config.DefaultHeartbeatInterval
	}

	window := cfg.DedupWindow
	if window <= 0 {
		window = config.DefaultDedupWindow
	}

	size := cfg.DedupSize
	if size <= 0 {
		size = config.DefaultDedupSize
	}

	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.NumMessagesBroadcast)
	su.RegisterMetric(stats.NumDuplicateMessages)
	su.RegisterMetric(stats.NumLivenessEvictions)

	return &ChatServer{
		log:               logger,
		db:                db,
		stats:             su,
		clients:           make(map[*Client]struct{}),
		rooms:             make(map[int]*Room),
		seen:              newDedupCache(size, window),
		heartbeatInterval: heartbeat,
		storeTimeout:      defaultStoreTimeout,
		stop:              make(chan stopReq),
	}, nil
}

// Run drives the liveness monitor until Shutdown is called.
func (cs *ChatServer) Run() {
	ticker := time.NewTicker(cs.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cs.checkLiveness()
		case req := <-cs.stop:
			cs.log.Println("closing all connections")
			for _, c := range cs.getClients() {
				c.terminate()
			}

			close(req.done)
			return
		}
	}
}

// checkLiveness terminates every connection that did not answer the previous
// probe and sends a new probe to the others.
func (cs *ChatServer) checkLiveness() {
	for _, c := range cs.getClients() {
		if !c.alive.CompareAndSwap(true, false) {
			cs.log.Printf("terminating unresponsive connection %q", c.id)
			cs.stats.Incr(stats.NumLivenessEvictions)
			c.terminate()
			continue
		}

		c.probe()
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.log.Printf("registering connection %q", c.id)
	cs.addClient(c)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		return
	}

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.NumActiveClients)
}

// removeClient drops c from the registry and from every room it joined.
func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(stats.NumActiveClients)
	}
	cs.clientsLock.Unlock()

	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	for _, prayerId := range c.getRoomIds() {
		cs.leaveRoom(c, prayerId)
	}

	cs.log.Printf("removed connection %q", c.id)
}

func (cs *ChatServer) getClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}

	return clients
}

func (cs *ChatServer) subscribe(c *Client, prayerId int) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	// a connection terminated concurrently must not be re-added
	if c.isClosed() {
		return
	}

	room, ok := cs.rooms[prayerId]
	if !ok {
		room = newRoom(prayerId)
		cs.rooms[prayerId] = room
		cs.stats.Incr(stats.NumActiveRooms)
	}

	if room.addClient(c) {
		c.addRoom(prayerId)
		cs.log.Printf("connection %q subscribed to prayer %d", c.id, prayerId)
	}
}

func (cs *ChatServer) unsubscribe(c *Client, prayerId int) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	cs.leaveRoom(c, prayerId)
}

// leaveRoom must be called with roomsLock held.
func (cs *ChatServer) leaveRoom(c *Client, prayerId int) {
	c.delRoom(prayerId)

	room, ok := cs.rooms[prayerId]
	if !ok {
		return
	}

	if room.removeClient(c) {
		cs.log.Printf("connection %q unsubscribed from prayer %d", c.id, prayerId)
	}

	if room.isEmpty() {
		delete(cs.rooms, prayerId)
		cs.stats.Decr(stats.NumActiveRooms)
	}
}

func (cs *ChatServer) getRoomClients(prayerId int) []*Client {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	room, ok := cs.rooms[prayerId]
	if !ok {
		return nil
	}

	return room.getClients()
}

// broadcastToRoom queues msg on every open connection subscribed to
// prayerId and returns the number of connections it was queued on.
func (cs *ChatServer) broadcastToRoom(prayerId int, msg *types.ServerMessage) int {
	var sent int
	for _, c := range cs.getRoomClients(prayerId) {
		if c.queueMessage(msg) {
			sent++
		}
	}

	return sent
}

// BroadcastAll queues msg on every open connection.
func (cs *ChatServer) BroadcastAll(msg *types.ServerMessage) int {
	var sent int
	for _, c := range cs.getClients() {
		if c.queueMessage(msg) {
			sent++
		}
	}

	cs.log.Printf("broadcast %s to %d connections", msg.Type, sent)
	return sent
}

// handleChatMessage validates, persists and broadcasts a CHAT_MESSAGE frame
// received on c.
func (cs *ChatServer) handleChatMessage(c *Client, raw []byte) {
	userId, ok := c.getUserId()
	if !ok {
		c.queueMessage(ErrNotAuthenticated())
		return
	}

	prayerId, content, err := parseChatMessage(raw)
	if err != nil {
		c.log.Printf("connection %q sent invalid chat message: %v", c.id, err)
		c.queueMessage(ErrInvalidMessage(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.storeTimeout)
	defer cancel()

	msg, err := cs.db.CreateMessage(ctx, database.CreateMessageParams{
		PrayerId: prayerId,
		UserId:   userId,
		Content:  content,
	})
	if err != nil {
		cs.log.Println("CreateMessage:", err)
		c.queueMessage(ErrSendFailed())
		return
	}

	user, err := cs.db.GetUserById(ctx, msg.UserId)
	if err != nil {
		cs.log.Println("GetUserById:", err)
		c.queueMessage(ErrSendFailed())
		return
	}

	if !cs.seen.markSeen(dedupKey(msg.Id, msg.CreatedAt)) {
		cs.log.Printf("dropping duplicate message %d for prayer %d", msg.Id, msg.PrayerId)
		cs.stats.Incr(stats.NumDuplicateMessages)
		return
	}

	sent := cs.broadcastToRoom(msg.PrayerId, NewChatMessage(types.ChatMessage{
		Id:        msg.Id,
		PrayerId:  msg.PrayerId,
		UserId:    msg.UserId,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		User: types.ChatUser{
			Id:   user.Id,
			Name: user.Name,
		},
	}))
	cs.stats.Incr(stats.NumMessagesBroadcast)
	cs.log.Printf("broadcast message %d to %d connections in prayer %d", msg.Id, sent, msg.PrayerId)
}
