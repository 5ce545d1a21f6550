package server

// Room is the set of connections subscribed to one prayer meetup. Rooms are
// owned by the ChatServer and only accessed while holding its roomsLock.
type Room struct {
	prayerId int
	clients  map[*Client]struct{}
}

func newRoom(prayerId int) *Room {
	return &Room{
		prayerId: prayerId,
		clients:  make(map[*Client]struct{}),
	}
}

func (r *Room) addClient(c *Client) bool {
	if _, ok := r.clients[c]; ok {
		return false
	}

	r.clients[c] = struct{}{}
	return true
}

func (r *Room) removeClient(c *Client) bool {
	if _, ok := r.clients[c]; !ok {
		return false
	}

	delete(r.clients, c)
	return true
}

func (r *Room) hasClient(c *Client) bool {
	_, ok := r.clients[c]
	return ok
}

func (r *Room) isEmpty() bool {
	return len(r.clients) == 0
}

func (r *Room) getClients() []*Client {
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}

	return clients
}
