// ABOUTME: Tests for the backend API client
// ABOUTME: Covers bearer tokens, 401 purge and redirect, expiry pre-check and endpoints

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/store"
)

// fakeNavigator records navigation.
type fakeNavigator struct {
	mu       sync.Mutex
	location string
	visited  []string
}

func (n *fakeNavigator) Location() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.location
}

func (n *fakeNavigator) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.location = path
	n.visited = append(n.visited, path)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *store.Adapter, *fakeNavigator) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	adapter := store.NewAdapter(store.NewMemoryStore(), "", nil)
	nav := &fakeNavigator{location: "/chat"}
	c := New(Options{
		BaseURL:   srv.URL,
		APIPrefix: "/api",
		Session:   adapter,
		Navigator: nav,
	})
	return c, adapter, nav
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "7",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestClient_ChatSendsBodyAndBearer(t *testing.T) {
	var gotAuth string
	var gotBody ChatRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"message": "hi there", "messageId": "srv-1"})
	})

	c, adapter, _ := newTestClient(t, mux)
	ctx := context.Background()
	require.NoError(t, adapter.SetCurrentUser(ctx, &store.User{ID: "7", Token: "opaque-token"}))

	resp, err := c.Chat(ctx, ChatRequest{
		ConversationID: "c1",
		Message:        "hello",
		Language:       "fr",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Message)
	assert.Equal(t, "srv-1", resp.MessageID)

	assert.Equal(t, "Bearer opaque-token", gotAuth)
	assert.Equal(t, "c1", gotBody.ConversationID)
	assert.Equal(t, "hello", gotBody.Message)
	assert.Equal(t, "fr", gotBody.Language)
	assert.NotNil(t, gotBody.MessageHistory)
}

func TestClient_NoUserSendsNoAuthorization(t *testing.T) {
	var gotAuth string
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"message":"ok"}`))
	}))

	_, err := c.Chat(context.Background(), ChatRequest{ConversationID: "c", Message: "m"})
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestClient_UnauthorizedPurgesAndRedirects(t *testing.T) {
	c, adapter, nav := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Token expired"}`))
	}))
	ctx := context.Background()
	require.NoError(t, adapter.SetCurrentUser(ctx, &store.User{ID: "7", Token: "tok"}))
	require.NoError(t, adapter.Store().Set(ctx, "chatHistory", []byte("[]")))

	_, err := c.Chat(ctx, ChatRequest{ConversationID: "c", Message: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "Token expired", httpErr.Message)

	_, err = adapter.CurrentUser(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = adapter.Store().Get(ctx, "chatHistory")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{EntryRoute}, nav.visited)
}

func TestClient_UnauthorizedOnEntryRouteDoesNotRedirect(t *testing.T) {
	c, _, nav := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid email or password"}`))
	}))
	nav.location = EntryRoute

	_, err := c.Login(context.Background(), "a@b.c", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, nav.visited)
}

func TestClient_ExpiredJWTShortCircuits(t *testing.T) {
	called := false
	c, adapter, nav := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	ctx := context.Background()
	require.NoError(t, adapter.SetCurrentUser(ctx, &store.User{ID: "7", Token: signedToken(t, time.Now().Add(-time.Hour))}))

	_, err := c.Chat(ctx, ChatRequest{ConversationID: "c", Message: "m"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, called, "request should not reach the server")
	assert.Equal(t, []string{EntryRoute}, nav.visited)

	_, err = adapter.CurrentUser(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClient_ValidJWTIsSent(t *testing.T) {
	var gotAuth string
	c, adapter, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"message":"ok"}`))
	}))
	ctx := context.Background()
	token := signedToken(t, time.Now().Add(time.Hour))
	require.NoError(t, adapter.SetCurrentUser(ctx, &store.User{ID: "7", Token: token}))

	_, err := c.Chat(ctx, ChatRequest{ConversationID: "c", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+token, gotAuth)
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, tokenExpired("not-a-jwt", now))
	assert.True(t, tokenExpired(signedToken(t, now.Add(-time.Minute)), now))
	assert.False(t, tokenExpired(signedToken(t, now.Add(time.Minute)), now))
}

func TestClient_ServerErrorCarriesMessage(t *testing.T) {
	c, _, nav := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Failed to generate response"}`))
	}))

	_, err := c.Chat(context.Background(), ChatRequest{ConversationID: "c", Message: "m"})
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusInternalServerError, httpErr.Status)
	assert.Equal(t, "Failed to generate response", httpErr.Message)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, nav.visited)
}

func TestClient_ChatCancellation(t *testing.T) {
	release := make(chan struct{})
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Chat(ctx, ChatRequest{ConversationID: "c", Message: "m"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_AudioURL(t *testing.T) {
	c := New(Options{BaseURL: "http://example.com/", APIPrefix: "api"})
	got := c.AudioURL("hello world & more", "fr-FR", "m-1")
	assert.Equal(t, "http://example.com/generate_audio?lang=fr-FR&message_id=m-1&text=hello+world+%26+more", got)
}

func TestClient_FetchAudioAndInitialize(t *testing.T) {
	initialized := false
	mux := http.NewServeMux()
	mux.HandleFunc("POST /initialize", func(w http.ResponseWriter, r *http.Request) {
		initialized = true
		w.Write([]byte(`{"status":"success"}`))
	})
	mux.HandleFunc("GET /generate_audio", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hi", r.URL.Query().Get("text"))
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-bytes"))
	})

	c, _, _ := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))
	assert.True(t, initialized)

	data, err := c.FetchAudio(ctx, c.AudioURL("hi", "en-US", "m"))
	require.NoError(t, err)
	assert.Equal(t, "ID3-bytes", string(data))
}

func TestClient_AccountEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user":{"id":7,"name":"Ada","email":"ada@example.com","token":"t1"}}`))
	})
	mux.HandleFunc("POST /api/register", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"user": map[string]any{"id": 8, "name": req.Name, "email": req.Email}})
	})
	mux.HandleFunc("PUT /api/users/7", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"user":{"id":7,"name":"Ada L","email":"ada@example.com"}}`))
	})
	mux.HandleFunc("PUT /api/users/7/password", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"currentPassword":"old","newPassword":"new"}`, string(body))
		w.Write([]byte(`{"success":true}`))
	})

	c, _, _ := newTestClient(t, mux)
	ctx := context.Background()

	u, err := c.Login(ctx, "ada@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, store.UserID("7"), u.ID)
	assert.Equal(t, "t1", u.Token)

	u, err = c.Register(ctx, RegisterRequest{Name: "Bob", Email: "bob@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, store.UserID("8"), u.ID)
	assert.Equal(t, "Bob", u.Name)

	u, err = c.UpdateUser(ctx, "7", ProfileUpdate{Name: "Ada L"})
	require.NoError(t, err)
	assert.Equal(t, "Ada L", u.Name)

	require.NoError(t, c.ChangePassword(ctx, "7", "old", "new"))
}

func TestClient_LoginWithoutUserIsError(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	_, err := c.Login(context.Background(), "a", "b")
	assert.Error(t, err)
}
