package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chatsync/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
)

const userColumns = `id, email, full_name, bio, profile_pic, password_hash, created_at`

// UserRepository abstracts account persistence.
type UserRepository interface {
	CreateUser(ctx context.Context, email, fullName, passwordHash, bio string) (models.User, error)
	GetByEmail(ctx context.Context, email string) (models.User, error)
	GetByID(ctx context.Context, userID string) (models.User, error)
	ListOthers(ctx context.Context, userID string) ([]models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// CreateUser inserts a new account.
func (r *UserRepo) CreateUser(ctx context.Context, email, fullName, passwordHash, bio string) (models.User, error) {
	var user models.User
	err := r.db.QueryRowxContext(ctx, `INSERT INTO users (id, email, full_name, password_hash, bio)
        VALUES ($1, $2, $3, $4, $5) RETURNING `+userColumns,
		uuid.NewString(), email, fullName, passwordHash, bio).StructScan(&user)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.User{}, ErrEmailTaken
	}
	return user, err
}

// GetByEmail fetches an account by login email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// GetByID fetches an account by id.
func (r *UserRepo) GetByID(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// ListOthers returns every account except userID, ordered by name.
func (r *UserRepo) ListOthers(ctx context.Context, userID string) ([]models.User, error) {
	users := []models.User{}
	err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users WHERE id<>$1 ORDER BY full_name ASC`, userID)
	return users, err
}
