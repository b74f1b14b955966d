// Package backend is the HTTP client for the chat backend's versioned
// REST API. Authentication is cookie-based; the client carries a cookie
// jar and transparently retries a request once after refreshing the
// session on a 401.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/state"
	"go.uber.org/zap"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: %s (HTTP %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("backend: HTTP %d", e.Status)
}

// Client talks to the backend REST API under its versioned prefix.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a backend client for the given base URL (e.g.
// "https://chat.example.com/api/v1").
func New(baseURL string, logger *zap.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}, nil
}

// Attachment is a file to upload with a message.
type Attachment struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// SendRequest describes an outgoing message. ConversationID is empty for
// the first message of a mock conversation; the server creates the real
// conversation and returns its id on the message.
type SendRequest struct {
	RecipientID    string
	ConversationID string
	Text           string
	Attachments    []Attachment
}

// Credentials for SignIn and Register.
type Credentials struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// Register creates an account. The backend follows up with an OTP mail
// verified via VerifyOTP.
func (c *Client) Register(ctx context.Context, creds Credentials) error {
	return c.postJSON(ctx, "/auth/register", creds, nil)
}

// SignIn authenticates and stores the session cookies on the jar.
func (c *Client) SignIn(ctx context.Context, username, password string) (*state.User, error) {
	var resp struct {
		User json.RawMessage `json:"user"`
	}
	err := c.postJSON(ctx, "/auth/signIn", Credentials{Username: username, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return decodeUser(resp.User)
}

// VerifyOTP confirms the one-time code sent after registration.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) error {
	payload := map[string]string{"email": email, "otp": code}
	return c.postJSON(ctx, "/auth/verify-otp", payload, nil)
}

// Logout invalidates the server session.
func (c *Client) Logout(ctx context.Context) error {
	return c.postJSON(ctx, "/auth/logout", nil, nil)
}

// RefreshSession rotates the access token using the refresh cookie.
func (c *Client) RefreshSession(ctx context.Context) error {
	return c.postJSON(ctx, "/auth/refresh-token", nil, nil)
}

// Me returns the authenticated user, or an APIError with status 401 when
// the session is absent or expired.
func (c *Client) Me(ctx context.Context) (*state.User, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/auth/me", &raw); err != nil {
		return nil, err
	}
	return decodeUser(raw)
}

// SearchUsers looks up users by name or username prefix.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]state.User, error) {
	var resp struct {
		Users        []json.RawMessage `json:"users"`
		ErrorMessage string            `json:"errorMessage"`
	}
	if err := c.getJSON(ctx, "/users/search/"+query, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorMessage != "" {
		return nil, &APIError{Status: http.StatusOK, Message: resp.ErrorMessage}
	}
	users := make([]state.User, 0, len(resp.Users))
	for _, raw := range resp.Users {
		u, err := decodeUser(raw)
		if err != nil {
			continue
		}
		users = append(users, *u)
	}
	return users, nil
}

// Conversations fetches the authoritative conversation list.
func (c *Client) Conversations(ctx context.Context) ([]*state.Conversation, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/messages/conversations", &raw); err != nil {
		return nil, err
	}
	// The endpoint answers either a bare array or {"conversations": [...]}.
	var wrapped struct {
		Conversations []json.RawMessage `json:"conversations"`
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Conversations != nil {
		items = wrapped.Conversations
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	convs := make([]*state.Conversation, 0, len(items))
	for _, item := range items {
		conv, err := event.DecodeConversation(item)
		if err != nil {
			c.logger.Warn("skipping malformed conversation", zap.Error(err))
			continue
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// ConversationMessages fetches the message sequence of one conversation.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]*state.Message, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/messages/conversation/"+conversationID, &raw); err != nil {
		return nil, err
	}
	var wrapped struct {
		Messages []json.RawMessage `json:"messages"`
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Messages != nil {
		items = wrapped.Messages
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]*state.Message, 0, len(items))
	for _, item := range items {
		msg, err := event.DecodeMessage(item)
		if err != nil {
			c.logger.Warn("skipping malformed message", zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// DeleteConversation removes a conversation for everyone.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/conversation/"+conversationID, nil, "", nil)
}

// SendMessage uploads a message (text and/or attachments) as multipart
// form data and returns the server-confirmed message.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*state.Message, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if req.Text != "" {
		if err := mw.WriteField("message", req.Text); err != nil {
			return nil, err
		}
	}
	if err := mw.WriteField("recipientId", req.RecipientID); err != nil {
		return nil, err
	}
	if req.ConversationID != "" {
		if err := mw.WriteField("conversationId", req.ConversationID); err != nil {
			return nil, err
		}
	}
	for _, att := range req.Attachments {
		part, err := mw.CreateFormFile("files", att.Name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, att.Reader); err != nil {
			return nil, fmt.Errorf("copy attachment %s: %w", att.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", &body, mw.FormDataContentType(), &resp); err != nil {
		return nil, err
	}
	return event.DecodeMessage(resp.Data)
}

// EditMessage replaces a message's text and returns the updated message.
func (c *Client) EditMessage(ctx context.Context, messageID, newText string) (*state.Message, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.putJSON(ctx, "/messages/update/"+messageID, map[string]string{"newText": newText}, &resp); err != nil {
		return nil, err
	}
	return event.DecodeMessage(resp.Data)
}

// DeleteMessage removes a message for everyone.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/message/"+messageID, nil, "", nil)
}

// DeleteMessageForMe hides a message for the local user only.
func (c *Client) DeleteMessageForMe(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/message/for-me/"+messageID, nil, "", nil)
}

// ForwardMessage copies a message into another conversation.
func (c *Client) ForwardMessage(ctx context.Context, messageID, targetConversationID string) error {
	payload := map[string]string{"conversationId": targetConversationID}
	return c.postJSON(ctx, "/messages/message/forward/"+messageID, payload, nil)
}

// MarkSeen tells the server the local user has seen a conversation.
func (c *Client) MarkSeen(ctx context.Context, conversationID string) error {
	return c.putJSON(ctx, "/messages/seen/"+conversationID, nil, nil)
}

// SignedMediaURL exchanges an attachment public id for a short-lived URL.
func (c *Client) SignedMediaURL(ctx context.Context, publicID string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, "/messages/get-signed-url/"+publicID, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// CallToken requests a signaling token for joining an RTC room.
func (c *Client) CallToken(ctx context.Context, roomID, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	payload := map[string]string{"roomID": roomID, "userID": userID}
	if err := c.postJSON(ctx, "/rtc/token", payload, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &APIError{Status: http.StatusOK, Message: "token generation failed"}
	}
	return resp.Token, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, contentType, err := encodeJSON(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, contentType, out)
}

func (c *Client) putJSON(ctx context.Context, path string, payload, out any) error {
	body, contentType, err := encodeJSON(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, path, body, contentType, out)
}

// do runs one request. On a 401 outside the auth endpoints it refreshes
// the session and retries exactly once.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	var buf []byte
	if body != nil {
		var err error
		buf, err = io.ReadAll(body)
		if err != nil {
			return err
		}
	}

	err := c.once(ctx, method, path, buf, contentType, out)
	if isErrStatus(err, http.StatusUnauthorized) && !strings.HasPrefix(path, "/auth/") {
		if refreshErr := c.RefreshSession(ctx); refreshErr != nil {
			return err
		}
		return c.once(ctx, method, path, buf, contentType, out)
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: decodeErrorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func encodeJSON(payload any) (io.Reader, string, error) {
	if payload == nil {
		return nil, "application/json", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

func decodeErrorMessage(r io.Reader) string {
	var body struct {
		Error        string `json:"error"`
		ErrorMessage string `json:"errorMessage"`
		Message      string `json:"message"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return ""
	}
	for _, msg := range []string{body.Error, body.ErrorMessage, body.Message} {
		if msg != "" {
			return msg
		}
	}
	return ""
}

func isErrStatus(err error, status int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == status
}

func decodeUser(raw json.RawMessage) (*state.User, error) {
	var w struct {
		ID         string          `json:"_id"`
		Username   string          `json:"username"`
		Name       string          `json:"name"`
		ProfilePic json.RawMessage `json:"profilePic"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	pic := ""
	if len(w.ProfilePic) > 0 && string(w.ProfilePic) != "null" {
		var s string
		if err := json.Unmarshal(w.ProfilePic, &s); err == nil {
			pic = s
		} else {
			var obj struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(w.ProfilePic, &obj); err == nil {
				pic = obj.URL
			}
		}
	}
	return &state.User{ID: w.ID, Username: w.Username, Name: w.Name, ProfilePicURL: pic}, nil
}
