package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/internal/handlers"
	"chatsync/internal/mocks"
	"chatsync/internal/models"
	"chatsync/internal/ws"
)

type staticValidator map[string]string

func (v staticValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", errors.New("invalid token")
}

func setupRouter(t *testing.T) (*gin.Engine, *mocks.MessageRepositoryMock, *mocks.UserRepositoryMock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	messageRepo := new(mocks.MessageRepositoryMock)
	userRepo := new(mocks.UserRepositoryMock)
	validator := staticValidator{"tok-alice": "alice"}
	registry := ws.NewRegistry(ws.NewPresenceBroadcaster(zap.NewNop()))
	t.Cleanup(registry.CloseAll)

	router := newRouter(routeDeps{
		serviceName: "chatsync-test",
		validator:   validator,
		auth:        handlers.NewAuthHandler(new(mocks.AuthenticatorMock), nil),
		messages:    handlers.NewMessageHandler(messageRepo, userRepo, ws.NewRouter(registry, zap.NewNop()), nil),
		push:        ws.NewPresenceWebSocketHandler(registry, validator, ws.Options{}, zap.NewNop()),
		log:         zap.NewNop(),
	})
	return router, messageRepo, userRepo
}

func TestStatusRoute(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestMessageRoutesRequireToken(t *testing.T) {
	router, _, _ := setupRouter(t)

	for _, path := range []string{"/api/messages/users", "/api/messages/bob", "/api/auth/check"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestUsersRouteDoesNotShadowPeerRoute(t *testing.T) {
	router, messageRepo, userRepo := setupRouter(t)

	userRepo.On("ListOthers", mock.Anything, "alice").Return([]models.User{{ID: "bob", FullName: "Bob"}}, nil).Once()
	messageRepo.On("UnseenCounts", mock.Anything, "alice").Return(map[string]int{"bob": 2}, nil).Once()
	messageRepo.On("MarkConversationSeen", mock.Anything, "alice", "bob").Return(int64(2), nil).Once()
	messageRepo.On("ListConversation", mock.Anything, "alice", "bob").Return([]models.Message{{ID: "m1"}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/api/messages/users", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Unseen map[string]int `json:"unseen_messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Unseen["bob"])

	req = httptest.NewRequest(http.MethodGet, "/api/messages/bob", nil)
	req.Header.Set("token", "tok-alice")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	messageRepo.AssertExpectations(t)
	userRepo.AssertExpectations(t)
}

func TestDebugRoutesDisabledByDefault(t *testing.T) {
	router, _, _ := setupRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
