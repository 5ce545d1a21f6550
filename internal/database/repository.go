package database

import "context"

type PrayerRepository interface {
	Ping() error
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserById(ctx context.Context, userId int) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListPrayers(ctx context.Context) ([]Prayer, error)
	GetPrayerById(ctx context.Context, prayerId int) (Prayer, error)
	CreatePrayer(ctx context.Context, params CreatePrayerParams) (Prayer, error)
	JoinPrayer(ctx context.Context, prayerId, userId int) error
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, prayerId int) ([]Message, error)
}
