package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatsync/internal/logger"
	"chatsync/internal/models"
	"chatsync/internal/repositories"
	"chatsync/internal/telemetry"
)

// Deliverer pushes persisted messages to live recipients.
type Deliverer interface {
	Route(ctx context.Context, msg models.Message) string
	RouteDeletion(ctx context.Context, msg models.Message) string
}

// MessageHandler manages direct message endpoints.
type MessageHandler struct {
	messageRepo repositories.MessageRepository
	userRepo    repositories.UserRepository
	deliverer   Deliverer
	emitter     *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(messageRepo repositories.MessageRepository, userRepo repositories.UserRepository, deliverer Deliverer, emitter *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		messageRepo: messageRepo,
		userRepo:    userRepo,
		deliverer:   deliverer,
		emitter:     emitter,
	}
}

type contactResponse struct {
	models.User
	Unseen int `json:"unseen"`
}

// ListUsers returns every other user with the caller's unseen count per sender.
func (h *MessageHandler) ListUsers(c *gin.Context) {
	userID := c.GetString("userID")

	users, err := h.userRepo.ListOthers(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load users"})
		return
	}
	counts, err := h.messageRepo.UnseenCounts(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load unseen counts"})
		return
	}

	contacts := make([]contactResponse, 0, len(users))
	for _, u := range users {
		contacts = append(contacts, contactResponse{User: u, Unseen: counts[u.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"users": contacts, "unseen_messages": counts})
}

// GetMessages returns the conversation with peer_id, oldest first, after marking
// everything the peer sent to the caller as seen.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	userID := c.GetString("userID")
	peerID := c.Param("peer_id")
	if peerID == "" || peerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	if _, err := h.messageRepo.MarkConversationSeen(c.Request.Context(), userID, peerID); err != nil {
		logger.Warn("bulk mark seen failed",
			zap.String("user_id", userID),
			zap.String("peer_id", peerID),
			zap.Error(err))
	}

	msgs, err := h.messageRepo.ListConversation(c.Request.Context(), userID, peerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage persists a message to peer_id and then routes it.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	userID := c.GetString("userID")
	peerID := c.Param("peer_id")
	if peerID == "" || peerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	var req models.Content
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content, err := req.Validate()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.userRepo.GetByID(c.Request.Context(), peerID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "recipient not found"})
		return
	}

	msg, err := h.messageRepo.CreateMessage(c.Request.Context(), userID, peerID, content)
	if err != nil {
		logger.Error("store message failed", zap.String("sender_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	h.deliverer.Route(c.Request.Context(), msg)
	c.JSON(http.StatusCreated, msg)
}

// MarkSeen flips a message addressed to the caller to seen. Repeats succeed.
func (h *MessageHandler) MarkSeen(c *gin.Context) {
	userID := c.GetString("userID")
	messageID := c.Param("id")

	if err := h.messageRepo.MarkSeen(c.Request.Context(), messageID, userID); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not mark message"})
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteMessage soft-deletes a message sent by the caller and notifies the peer.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	userID := c.GetString("userID")
	messageID := c.Param("id")

	msg, err := h.messageRepo.SoftDelete(c.Request.Context(), messageID, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			h.rejectForeignDelete(c, messageID, userID)
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete message"})
		return
	}

	h.deliverer.RouteDeletion(c.Request.Context(), msg)
	logger.Debug("message deleted", zap.String("message_id", msg.ID), zap.String("sender_id", userID))
	h.emitter.Emit(c.Request.Context(), telemetry.LevelInfo, "Message deleted", requestIDFromContext(c), userIDFromContext(c))
	c.JSON(http.StatusOK, msg)
}

// rejectForeignDelete records an attempt to delete someone else's message. The
// caller still gets 404 either way.
func (h *MessageHandler) rejectForeignDelete(c *gin.Context, messageID, userID string) {
	existing, err := h.messageRepo.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		if !errors.Is(err, repositories.ErrMessageNotFound) {
			logger.Warn("lookup rejected delete", zap.String("message_id", messageID), zap.Error(err))
		}
		return
	}
	logger.Warn("delete rejected, caller is not the sender",
		zap.String("message_id", messageID),
		zap.String("caller_id", userID),
		zap.String("sender_id", existing.SenderID))
	h.emitter.Emit(c.Request.Context(), telemetry.LevelWarn, "Delete rejected", requestIDFromContext(c), userIDFromContext(c))
}
