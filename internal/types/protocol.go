package types

// MessageType is the discriminator carried in the "type" field of every frame.
type MessageType string

// client -> server
const (
	MessageTypeAuthenticate      MessageType = "AUTHENTICATE"
	MessageTypeSubscribePrayer   MessageType = "SUBSCRIBE_PRAYER"
	MessageTypeUnsubscribePrayer MessageType = "UNSUBSCRIBE_PRAYER"
	MessageTypeChatMessage       MessageType = "CHAT_MESSAGE"
	MessageTypePing              MessageType = "PING"
)

// server -> client
const (
	MessageTypePong           MessageType = "PONG"
	MessageTypeError          MessageType = "ERROR"
	MessageTypeNewChatMessage MessageType = "NEW_CHAT_MESSAGE"
	MessageTypePrayerCreated  MessageType = "PRAYER_CREATED"
	MessageTypePrayerJoined   MessageType = "PRAYER_JOINED"
)

// ClientMessage is a frame sent from a client to the server.
type ClientMessage struct {
	Type     MessageType `json:"type"`
	UserId   int         `json:"userId,omitempty"`
	PrayerId int         `json:"prayerId,omitempty"`
	Content  string      `json:"content,omitempty"`
}

// ServerMessage is a frame sent from the server to a client. Only the
// fields relevant to Type are populated.
type ServerMessage struct {
	Type     MessageType  `json:"type"`
	Error    string       `json:"error,omitempty"`
	Message  *ChatMessage `json:"message,omitempty"`
	Prayer   *Prayer      `json:"prayer,omitempty"`
	PrayerId int          `json:"prayerId,omitempty"`
	UserId   int          `json:"userId,omitempty"`
}
