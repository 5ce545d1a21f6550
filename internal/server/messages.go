package server

import (
	"encoding/json"

	"github.com/npezzotti/prayer-meetups/internal/types"
)

func Pong() *types.ServerMessage {
	return &types.ServerMessage{
		Type: types.MessageTypePong,
	}
}

func ErrorMessage(reason string) *types.ServerMessage {
	return &types.ServerMessage{
		Type:  types.MessageTypeError,
		Error: reason,
	}
}

func ErrNotAuthenticated() *types.ServerMessage {
	return ErrorMessage("not authenticated")
}

func ErrInvalidMessage(reason string) *types.ServerMessage {
	if reason == "" {
		reason = "invalid message format"
	}
	return ErrorMessage(reason)
}

func ErrSendFailed() *types.ServerMessage {
	return ErrorMessage("failed to send message")
}

func NewChatMessage(msg types.ChatMessage) *types.ServerMessage {
	return &types.ServerMessage{
		Type:    types.MessageTypeNewChatMessage,
		Message: &msg,
	}
}

// PrayerCreated announces a new meetup to every connection.
func PrayerCreated(prayer types.Prayer) *types.ServerMessage {
	return &types.ServerMessage{
		Type:   types.MessageTypePrayerCreated,
		Prayer: &prayer,
	}
}

func PrayerJoined(prayerId, userId int) *types.ServerMessage {
	return &types.ServerMessage{
		Type:     types.MessageTypePrayerJoined,
		PrayerId: prayerId,
		UserId:   userId,
	}
}

func serializeMessage(msg *types.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
