package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockPrayerRepository struct {
	mock.Mock
}

func (m *MockPrayerRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockPrayerRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockPrayerRepository) GetUserById(ctx context.Context, userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockPrayerRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockPrayerRepository) ListPrayers(ctx context.Context) ([]Prayer, error) {
	args := m.Called()
	return args.Get(0).([]Prayer), args.Error(1)
}
func (m *MockPrayerRepository) GetPrayerById(ctx context.Context, prayerId int) (Prayer, error) {
	args := m.Called(prayerId)
	return args.Get(0).(Prayer), args.Error(1)
}
func (m *MockPrayerRepository) CreatePrayer(ctx context.Context, params CreatePrayerParams) (Prayer, error) {
	args := m.Called(params)
	return args.Get(0).(Prayer), args.Error(1)
}
func (m *MockPrayerRepository) JoinPrayer(ctx context.Context, prayerId, userId int) error {
	args := m.Called(prayerId, userId)
	return args.Error(0)
}
func (m *MockPrayerRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockPrayerRepository) GetMessages(ctx context.Context, prayerId int) ([]Message, error) {
	args := m.Called(prayerId)
	return args.Get(0).([]Message), args.Error(1)
}
