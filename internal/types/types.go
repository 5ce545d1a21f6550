package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Name         string    `json:"name"`
	EmailAddress string    `json:"email,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// ChatUser is the public identity embedded in chat messages.
type ChatUser struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

type Prayer struct {
	Id               int       `json:"id"`
	CreatorId        int       `json:"creatorId"`
	MusallahLocation string    `json:"musallahLocation"`
	PrayerTime       time.Time `json:"prayerTime"`
	CreatedAt        time.Time `json:"createdAt"`
	AttendeeCount    int       `json:"attendeeCount"`
}

type ChatMessage struct {
	Id        int       `json:"id"`
	PrayerId  int       `json:"prayerId"`
	UserId    int       `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	User      ChatUser  `json:"user"`
}
