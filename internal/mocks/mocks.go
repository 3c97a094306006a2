package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chatsync/internal/models"
	"chatsync/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, senderID, recipientID string, content models.Content) (models.Message, error) {
	args := m.Called(ctx, senderID, recipientID, content)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListConversation(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	args := m.Called(ctx, userID, peerID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkSeen(ctx context.Context, messageID, recipientID string) error {
	args := m.Called(ctx, messageID, recipientID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) MarkConversationSeen(ctx context.Context, recipientID, senderID string) (int64, error) {
	args := m.Called(ctx, recipientID, senderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) UnseenCounts(ctx context.Context, recipientID string) (map[string]int, error) {
	args := m.Called(ctx, recipientID)
	var counts map[string]int
	if val := args.Get(0); val != nil {
		counts = val.(map[string]int)
	}
	return counts, args.Error(1)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, messageID, senderID string) (models.Message, error) {
	args := m.Called(ctx, messageID, senderID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) CreateUser(ctx context.Context, email, fullName, passwordHash, bio string) (models.User, error) {
	args := m.Called(ctx, email, fullName, passwordHash, bio)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) GetByEmail(ctx context.Context, email string) (models.User, error) {
	args := m.Called(ctx, email)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) GetByID(ctx context.Context, userID string) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) ListOthers(ctx context.Context, userID string) ([]models.User, error) {
	args := m.Called(ctx, userID)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.UserRepository = (*UserRepositoryMock)(nil)

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Signup(ctx context.Context, email, fullName, password, bio string) (models.User, string, error) {
	args := m.Called(ctx, email, fullName, password, bio)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.String(1), args.Error(2)
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, email, password string) (models.User, string, error) {
	args := m.Called(ctx, email, password)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.String(1), args.Error(2)
}

func (m *AuthenticatorMock) Profile(ctx context.Context, userID string) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

type DelivererMock struct {
	mock.Mock
}

func (m *DelivererMock) Route(ctx context.Context, msg models.Message) string {
	args := m.Called(ctx, msg)
	return args.String(0)
}

func (m *DelivererMock) RouteDeletion(ctx context.Context, msg models.Message) string {
	args := m.Called(ctx, msg)
	return args.String(0)
}
