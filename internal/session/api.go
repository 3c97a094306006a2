package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatsync/internal/models"
)

// ErrUnauthorized is returned when the server rejects the credentials or token.
var ErrUnauthorized = errors.New("unauthorized")

// Contact is a user listed with the caller's unseen count for them.
type Contact struct {
	models.User
	Unseen int `json:"unseen"`
}

// API is the HTTP surface the session depends on.
type API interface {
	Login(ctx context.Context, email, password string) (models.User, string, error)
	Check(ctx context.Context, token string) (models.User, error)
	Contacts(ctx context.Context, token string) ([]Contact, map[string]int, error)
	Messages(ctx context.Context, token, peerID string) ([]models.Message, error)
	Send(ctx context.Context, token, peerID string, content models.Content) (models.Message, error)
	MarkSeen(ctx context.Context, token, messageID string) error
	Delete(ctx context.Context, token, messageID string) (models.Message, error)
}

// HTTPClient talks to the chat HTTP API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

type sessionResponse struct {
	User  models.User `json:"user"`
	Token string      `json:"token"`
}

func (c *HTTPClient) Signup(ctx context.Context, email, fullName, password string) (models.User, string, error) {
	var resp sessionResponse
	body := map[string]string{"email": email, "full_name": fullName, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/signup", "", body, &resp); err != nil {
		return models.User{}, "", err
	}
	return resp.User, resp.Token, nil
}

func (c *HTTPClient) Login(ctx context.Context, email, password string) (models.User, string, error) {
	var resp sessionResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", "", body, &resp); err != nil {
		return models.User{}, "", err
	}
	return resp.User, resp.Token, nil
}

func (c *HTTPClient) Check(ctx context.Context, token string) (models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodGet, "/api/auth/check", token, nil, &user)
	return user, err
}

func (c *HTTPClient) Contacts(ctx context.Context, token string) ([]Contact, map[string]int, error) {
	var resp struct {
		Users  []Contact      `json:"users"`
		Unseen map[string]int `json:"unseen_messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages/users", token, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Users, resp.Unseen, nil
}

func (c *HTTPClient) Messages(ctx context.Context, token, peerID string) ([]models.Message, error) {
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(peerID), token, nil, &resp)
	return resp.Messages, err
}

func (c *HTTPClient) Send(ctx context.Context, token, peerID string, content models.Content) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/api/messages/send/"+url.PathEscape(peerID), token, content, &msg)
	return msg, err
}

func (c *HTTPClient) MarkSeen(ctx context.Context, token, messageID string) error {
	return c.do(ctx, http.MethodPut, "/api/messages/mark/"+url.PathEscape(messageID), token, nil, nil)
}

// Delete soft-deletes one of the caller's own messages.
func (c *HTTPClient) Delete(ctx context.Context, token, messageID string) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), token, nil, &msg)
	return msg, err
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &StatusError{Code: resp.StatusCode, Message: errBody.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
