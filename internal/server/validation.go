package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxContentLength = 1000

var (
	errInvalidPayload  = errors.New("invalid message format")
	errInvalidPrayerId = errors.New("prayerId must be a number")
	errInvalidUserId   = errors.New("userId must be a number")
	errInvalidContent  = errors.New("content must be a string")
	errEmptyContent    = errors.New("message content cannot be empty")
	errContentTooLong  = fmt.Errorf("message content too long (max %d characters)", maxContentLength)
)

var angleBrackets = strings.NewReplacer("<", "", ">", "")

// envelope is decoded first so that the payload of each message type can be
// validated on its own.
type envelope struct {
	Type string `json:"type"`
}

type authenticatePayload struct {
	UserId *int `json:"userId"`
}

type subscriptionPayload struct {
	PrayerId *int `json:"prayerId"`
}

type chatPayload struct {
	PrayerId *int    `json:"prayerId"`
	Content  *string `json:"content"`
}

func parseAuthenticate(raw []byte) (int, error) {
	var p authenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserId == nil {
		return 0, errInvalidUserId
	}

	return *p.UserId, nil
}

func parseSubscription(raw []byte) (int, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.PrayerId == nil {
		return 0, errInvalidPrayerId
	}

	return *p.PrayerId, nil
}

// parseChatMessage validates a CHAT_MESSAGE frame and returns the meetup id
// and the sanitized content.
func parseChatMessage(raw []byte) (int, string, error) {
	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, "", errInvalidPayload
	}

	if p.PrayerId == nil {
		return 0, "", errInvalidPrayerId
	}

	if p.Content == nil {
		return 0, "", errInvalidContent
	}

	trimmed := strings.TrimSpace(*p.Content)
	switch n := utf8.RuneCountInString(trimmed); {
	case n == 0:
		return 0, "", errEmptyContent
	case n > maxContentLength:
		return 0, "", errContentTooLong
	}

	content := sanitizeContent(trimmed)
	if content == "" {
		return 0, "", errEmptyContent
	}

	return *p.PrayerId, content, nil
}

// sanitizeContent trims s, strips angle brackets and truncates the result to
// maxContentLength characters.
func sanitizeContent(s string) string {
	s = angleBrackets.Replace(strings.TrimSpace(s))
	if utf8.RuneCountInString(s) > maxContentLength {
		s = string([]rune(s)[:maxContentLength])
	}

	return s
}
