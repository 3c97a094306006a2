package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatsync/internal/auth"
	"chatsync/internal/logger"
	"chatsync/internal/models"
	"chatsync/internal/repositories"
	"chatsync/internal/telemetry"
)

// Authenticator is the account side of the auth service.
type Authenticator interface {
	Signup(ctx context.Context, email, fullName, password, bio string) (models.User, string, error)
	Authenticate(ctx context.Context, email, password string) (models.User, string, error)
	Profile(ctx context.Context, userID string) (models.User, error)
}

// AuthHandler serves signup, login and session checks.
type AuthHandler struct {
	auth    Authenticator
	emitter *telemetry.AuditEmitter
}

// NewAuthHandler builds an AuthHandler.
func NewAuthHandler(authenticator Authenticator, emitter *telemetry.AuditEmitter) *AuthHandler {
	return &AuthHandler{auth: authenticator, emitter: emitter}
}

type sessionResponse struct {
	User  models.User `json:"user"`
	Token string      `json:"token"`
}

// Signup creates an account and returns a session token for it.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		FullName string `json:"full_name" binding:"required"`
		Password string `json:"password" binding:"required,min=6"`
		Bio      string `json:"bio"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, token, err := h.auth.Signup(c.Request.Context(), req.Email, req.FullName, req.Password, req.Bio)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
		case errors.Is(err, auth.ErrInvalidCredentials):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signup data"})
		default:
			logger.Error("signup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create account"})
		}
		return
	}

	h.emitter.Emit(c.Request.Context(), telemetry.LevelInfo, "User signed up", requestIDFromContext(c), strPtr(user.ID))
	c.JSON(http.StatusCreated, sessionResponse{User: user, Token: token})
}

// Login exchanges credentials for a session token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, token, err := h.auth.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.emitter.Emit(c.Request.Context(), telemetry.LevelWarn, "Login rejected", requestIDFromContext(c), nil)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not log in"})
		return
	}

	h.emitter.Emit(c.Request.Context(), telemetry.LevelInfo, "User logged in", requestIDFromContext(c), strPtr(user.ID))
	c.JSON(http.StatusOK, sessionResponse{User: user, Token: token})
}

// Check returns the profile behind the caller's token.
func (h *AuthHandler) Check(c *gin.Context) {
	user, err := h.auth.Profile(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}
	c.JSON(http.StatusOK, user)
}
