// ABOUTME: Typed wrappers for the chat, speech, warm-up and account endpoints
// ABOUTME: ChatBackend is the seam the session manager generates replies through

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/2389/parley/internal/store"
)

// ChatRequest is the body of POST {api}/chat.
type ChatRequest struct {
	ConversationID string          `json:"conversationId"`
	Message        string          `json:"message"`
	MessageHistory []store.Message `json:"messageHistory"`
	Language       string          `json:"language"`
}

// ChatResponse is the reply from POST {api}/chat.
type ChatResponse struct {
	Message        string `json:"message"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ChatBackend generates assistant replies. Implementations must abort
// promptly when ctx is cancelled and return an error wrapping ctx.Err().
type ChatBackend interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Chat sends one user turn with its prior history.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if req.MessageHistory == nil {
		req.MessageHistory = []store.Message{}
	}
	var resp ChatResponse
	if err := c.Do(ctx, http.MethodPost, "/chat", req, &resp); err != nil {
		return nil, fmt.Errorf("sending chat message: %w", err)
	}
	return &resp, nil
}

// Initialize warms the speech service. Callers treat failure as non-fatal.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.send(ctx, http.MethodPost, c.baseURL+"/initialize", nil, nil); err != nil {
		return fmt.Errorf("initializing speech service: %w", err)
	}
	return nil
}

// AudioURL builds the speech-synthesis URL for text in locale.
func (c *Client) AudioURL(text, locale, messageID string) string {
	q := url.Values{}
	q.Set("text", text)
	q.Set("lang", locale)
	q.Set("message_id", messageID)
	return c.baseURL + "/generate_audio?" + q.Encode()
}

// FetchAudio downloads a synthesized clip.
func (c *Client) FetchAudio(ctx context.Context, audioURL string) ([]byte, error) {
	var data []byte
	if err := c.send(ctx, http.MethodGet, audioURL, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching audio: %w", err)
	}
	return data, nil
}

// RegisterRequest is the body of POST {api}/register.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	JobTitle string `json:"jobTitle,omitempty"`
}

// ProfileUpdate is the body of PUT {api}/users/{id}.
type ProfileUpdate struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	JobTitle string `json:"jobTitle,omitempty"`
}

type userEnvelope struct {
	User *store.User `json:"user"`
}

func (c *Client) userCall(ctx context.Context, method, path string, body any) (*store.User, error) {
	var env userEnvelope
	if err := c.Do(ctx, method, path, body, &env); err != nil {
		return nil, err
	}
	if env.User == nil {
		return nil, fmt.Errorf("%s %s: response has no user", method, path)
	}
	return env.User, nil
}

// Login exchanges credentials for a user record carrying a token.
func (c *Client) Login(ctx context.Context, email, password string) (*store.User, error) {
	return c.userCall(ctx, http.MethodPost, "/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and returns the signed-in user.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*store.User, error) {
	return c.userCall(ctx, http.MethodPost, "/register", req)
}

// UpdateUser updates profile fields and returns the updated user.
func (c *Client) UpdateUser(ctx context.Context, id store.UserID, update ProfileUpdate) (*store.User, error) {
	return c.userCall(ctx, http.MethodPut, "/users/"+url.PathEscape(string(id)), update)
}

// ChangePassword replaces the account password.
func (c *Client) ChangePassword(ctx context.Context, id store.UserID, current, next string) error {
	body := map[string]string{
		"currentPassword": current,
		"newPassword":     next,
	}
	return c.Do(ctx, http.MethodPut, "/users/"+url.PathEscape(string(id))+"/password", body, nil)
}
