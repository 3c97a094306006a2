package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"chatsync/internal/models"
	"chatsync/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// TokenValidator resolves a session token to a user identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// Service authenticates users and issues session tokens.
type Service struct {
	users  repositories.UserRepository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService builds an auth Service.
func NewService(users repositories.UserRepository, secret string, ttl time.Duration) *Service {
	return &Service{users: users, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Signup creates an account and returns it with a fresh token.
func (s *Service) Signup(ctx context.Context, email, fullName, password, bio string) (models.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || fullName == "" || password == "" {
		return models.User{}, "", ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, "", fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, email, fullName, string(hash), bio)
	if err != nil {
		return models.User{}, "", err
	}

	token, err := s.issue(user.ID)
	if err != nil {
		return models.User{}, "", err
	}
	return user, token, nil
}

// Authenticate checks credentials and returns the identity with a session token.
func (s *Service) Authenticate(ctx context.Context, email, password string) (models.User, string, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return models.User{}, "", ErrInvalidCredentials
		}
		return models.User{}, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, "", ErrInvalidCredentials
	}

	token, err := s.issue(user.ID)
	if err != nil {
		return models.User{}, "", err
	}
	return user, token, nil
}

// ValidateToken verifies the JWT and returns the user id in its subject.
func (s *Service) ValidateToken(_ context.Context, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}

// Profile returns the account behind userID.
func (s *Service) Profile(ctx context.Context, userID string) (models.User, error) {
	return s.users.GetByID(ctx, userID)
}

func (s *Service) issue(userID string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
