package database

import "time"

type User struct {
	Id           int
	Name         string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
}

type Prayer struct {
	Id               int
	CreatorId        int
	MusallahLocation string
	PrayerTime       time.Time
	CreatedAt        time.Time
	AttendeeCount    int
}

type Message struct {
	Id        int
	PrayerId  int
	UserId    int
	Content   string
	CreatedAt time.Time
	// UserName is only populated by queries that join the author.
	UserName string
}

type CreateUserParams struct {
	Name         string
	EmailAddress string
	PasswordHash string
}

type CreatePrayerParams struct {
	CreatorId        int
	MusallahLocation string
	PrayerTime       time.Time
}

type CreateMessageParams struct {
	PrayerId int
	UserId   int
	Content  string
}
