// ABOUTME: Client-side authentication session: login, register, logout and profile changes
// ABOUTME: Persists the signed-in user under the global "user" key so restarts stay signed in

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/parley/internal/api"
	"github.com/2389/parley/internal/store"
)

// Auth errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrMissingCredentials = errors.New("email and password are required")
	ErrMissingName        = errors.New("name, email and password are required")
)

// Operation names carried by *Error.
const (
	OpLogin          = "login"
	OpRegister       = "register"
	OpUpdateProfile  = "update profile"
	OpChangePassword = "change password"
)

var fallbackMessages = map[string]string{
	OpLogin:          "Login failed. Please try again.",
	OpRegister:       "Registration failed. Please try again.",
	OpUpdateProfile:  "Profile update failed. Please try again.",
	OpChangePassword: "Password change failed. Please try again.",
}

// Error wraps a failed auth operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message returns a short human-readable description of err for display
// next to a credential prompt: the server's error text when it sent one,
// otherwise a generic message for the failed operation.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return httpErr.Message
	}
	switch {
	case errors.Is(err, ErrMissingName):
		return "Name, email and password are required"
	case errors.Is(err, ErrMissingCredentials):
		return "Email and password are required"
	case errors.Is(err, ErrNotAuthenticated):
		return "Please log in first."
	}
	var authErr *Error
	if errors.As(err, &authErr) {
		if msg, ok := fallbackMessages[authErr.Op]; ok {
			return msg
		}
	}
	return fallbackMessages[OpLogin]
}

// Client is the subset of the API client used for account calls.
type Client interface {
	Login(ctx context.Context, email, password string) (*store.User, error)
	Register(ctx context.Context, req api.RegisterRequest) (*store.User, error)
	UpdateUser(ctx context.Context, id store.UserID, update api.ProfileUpdate) (*store.User, error)
	ChangePassword(ctx context.Context, id store.UserID, current, next string) error
}

// Session tracks the signed-in user.
type Session struct {
	client Client
	store  *store.Adapter
	logger *slog.Logger

	mu      sync.RWMutex
	current *store.User
}

// NewSession creates a Session. Pass nil logger for default.
func NewSession(client Client, adapter *store.Adapter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		client: client,
		store:  adapter,
		logger: logger.With("component", "auth"),
	}
}

// Restore loads the persisted user, if any. Returns whether a user was found.
func (s *Session) Restore(ctx context.Context) (*store.User, bool) {
	u, err := s.store.CurrentUser(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("reading stored user", "error", err)
		}
		s.setCurrent(nil)
		return nil, false
	}
	if u.ID == "" {
		s.setCurrent(nil)
		return nil, false
	}
	s.setCurrent(u)
	s.logger.Info("restored session", "user_id", u.ID)
	return u, true
}

// Login signs in with email and password and persists the user.
func (s *Session) Login(ctx context.Context, email, password string) (*store.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, &Error{Op: OpLogin, Err: ErrMissingCredentials}
	}
	u, err := s.client.Login(ctx, email, password)
	if err != nil {
		return nil, &Error{Op: OpLogin, Err: err}
	}
	if err := s.persist(ctx, u); err != nil {
		return nil, &Error{Op: OpLogin, Err: err}
	}
	s.logger.Info("logged in", "user_id", u.ID)
	return u, nil
}

// Register creates an account, signs in and persists the user.
func (s *Session) Register(ctx context.Context, req api.RegisterRequest) (*store.User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" || req.Password == "" {
		return nil, &Error{Op: OpRegister, Err: ErrMissingName}
	}
	u, err := s.client.Register(ctx, req)
	if err != nil {
		return nil, &Error{Op: OpRegister, Err: err}
	}
	if err := s.persist(ctx, u); err != nil {
		return nil, &Error{Op: OpRegister, Err: err}
	}
	s.logger.Info("registered", "user_id", u.ID)
	return u, nil
}

// Logout forgets the user and removes the persisted session keys.
func (s *Session) Logout(ctx context.Context) error {
	s.setCurrent(nil)
	if err := s.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	s.logger.Info("logged out")
	return nil
}

// Forget drops the in-memory user without touching storage. Used after the
// API client has already purged the session.
func (s *Session) Forget() {
	s.setCurrent(nil)
}

// UpdateProfile changes profile fields of the signed-in user.
func (s *Session) UpdateProfile(ctx context.Context, update api.ProfileUpdate) (*store.User, error) {
	cur := s.CurrentUser()
	if cur == nil {
		return nil, &Error{Op: OpUpdateProfile, Err: ErrNotAuthenticated}
	}
	u, err := s.client.UpdateUser(ctx, cur.ID, update)
	if err != nil {
		return nil, &Error{Op: OpUpdateProfile, Err: err}
	}
	// Profile responses do not repeat the token
	if u.Token == "" {
		u.Token = cur.Token
	}
	if err := s.persist(ctx, u); err != nil {
		return nil, &Error{Op: OpUpdateProfile, Err: err}
	}
	return u, nil
}

// ChangePassword replaces the signed-in user's password.
func (s *Session) ChangePassword(ctx context.Context, current, next string) error {
	cur := s.CurrentUser()
	if cur == nil {
		return &Error{Op: OpChangePassword, Err: ErrNotAuthenticated}
	}
	if err := s.client.ChangePassword(ctx, cur.ID, current, next); err != nil {
		return &Error{Op: OpChangePassword, Err: err}
	}
	return nil
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (s *Session) CurrentUser() *store.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	u := *s.current
	return &u
}

// IsAuthenticated reports whether a user is signed in.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

func (s *Session) persist(ctx context.Context, u *store.User) error {
	if err := s.store.SetCurrentUser(ctx, u); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	s.setCurrent(u)
	return nil
}

func (s *Session) setCurrent(u *store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.current = nil
		return
	}
	cp := *u
	s.current = &cp
}
