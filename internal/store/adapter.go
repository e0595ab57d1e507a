// ABOUTME: Typed access to conversations, messages, and session keys over a Store
// ABOUTME: JSON-encodes values and maps missing keys to empty results

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultLanguage is used when no preferred language has been stored.
const DefaultLanguage = "en"

// Adapter wraps a Store with typed accessors for the keys parley uses.
type Adapter struct {
	store     Store
	namespace string
	logger    *slog.Logger
}

// NewAdapter creates an Adapter. namespace may be empty.
func NewAdapter(s Store, namespace string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		store:     s,
		namespace: namespace,
		logger:    logger.With("component", "store"),
	}
}

// Store returns the underlying key/value store.
func (a *Adapter) Store() Store {
	return a.store
}

func (a *Adapter) userKey(userID UserID, kind, id string) string {
	return Key{Namespace: a.namespace, UserID: userID, Kind: kind, ID: id}.String()
}

func (a *Adapter) globalKey(kind string) string {
	return Key{Namespace: a.namespace, Kind: kind}.String()
}

// getJSON decodes the value at key into out. Returns ErrNotFound when absent.
func (a *Adapter) getJSON(ctx context.Context, key string, out any) error {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (a *Adapter) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return a.store.Set(ctx, key, data)
}

// Conversations returns the stored conversation list for userID, or an empty
// list when none has been saved.
func (a *Adapter) Conversations(ctx context.Context, userID UserID) ([]Conversation, error) {
	var convs []Conversation
	err := a.getJSON(ctx, a.userKey(userID, KindConversations, ""), &convs)
	if errors.Is(err, ErrNotFound) {
		return []Conversation{}, nil
	}
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// SaveConversations replaces the stored conversation list for userID.
func (a *Adapter) SaveConversations(ctx context.Context, userID UserID, convs []Conversation) error {
	if convs == nil {
		convs = []Conversation{}
	}
	return a.setJSON(ctx, a.userKey(userID, KindConversations, ""), convs)
}

// Messages returns the stored messages of one conversation, or an empty list.
func (a *Adapter) Messages(ctx context.Context, userID UserID, conversationID string) ([]Message, error) {
	var msgs []Message
	err := a.getJSON(ctx, a.userKey(userID, KindMessages, conversationID), &msgs)
	if errors.Is(err, ErrNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// SaveMessages replaces the stored messages of one conversation.
func (a *Adapter) SaveMessages(ctx context.Context, userID UserID, conversationID string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	return a.setJSON(ctx, a.userKey(userID, KindMessages, conversationID), msgs)
}

// RemoveMessages deletes the stored messages of one conversation.
func (a *Adapter) RemoveMessages(ctx context.Context, userID UserID, conversationID string) error {
	return a.store.Remove(ctx, a.userKey(userID, KindMessages, conversationID))
}

// ActiveConversation returns the stored active conversation id, or "".
// The id is stored as a bare string, not JSON.
func (a *Adapter) ActiveConversation(ctx context.Context, userID UserID) (string, error) {
	data, err := a.store.Get(ctx, a.userKey(userID, KindActiveConversation, ""))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetActiveConversation stores the active conversation pointer.
func (a *Adapter) SetActiveConversation(ctx context.Context, userID UserID, conversationID string) error {
	return a.store.Set(ctx, a.userKey(userID, KindActiveConversation, ""), []byte(conversationID))
}

// ClearActiveConversation removes the active conversation pointer.
func (a *Adapter) ClearActiveConversation(ctx context.Context, userID UserID) error {
	return a.store.Remove(ctx, a.userKey(userID, KindActiveConversation, ""))
}

// PurgeUser removes every key namespaced to userID and returns how many
// were removed.
func (a *Adapter) PurgeUser(ctx context.Context, userID UserID) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("purge requires a user id")
	}
	keys, err := a.store.List(ctx, UserPrefix(a.namespace, userID))
	if err != nil {
		return 0, fmt.Errorf("listing user keys: %w", err)
	}
	for i, key := range keys {
		if err := a.store.Remove(ctx, key); err != nil {
			return i, fmt.Errorf("removing %s: %w", key, err)
		}
	}
	a.logger.Debug("purged user keys", "user_id", userID, "count", len(keys))
	return len(keys), nil
}

// CurrentUser returns the persisted authenticated user, or ErrNotFound.
func (a *Adapter) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := a.getJSON(ctx, a.globalKey(KindUser), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetCurrentUser persists the authenticated user.
func (a *Adapter) SetCurrentUser(ctx context.Context, u *User) error {
	return a.setJSON(ctx, a.globalKey(KindUser), u)
}

// ClearSession removes the persisted user and the legacy chat-history key.
func (a *Adapter) ClearSession(ctx context.Context) error {
	var errs []error
	for _, kind := range []string{KindUser, KindChatHistory} {
		if err := a.store.Remove(ctx, a.globalKey(kind)); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// PreferredLanguage returns the stored language preference, or DefaultLanguage.
func (a *Adapter) PreferredLanguage(ctx context.Context) string {
	data, err := a.store.Get(ctx, a.globalKey(KindPreferredLanguage))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Warn("reading preferred language", "error", err)
		}
		return DefaultLanguage
	}
	if len(data) == 0 {
		return DefaultLanguage
	}
	return string(data)
}

// SetPreferredLanguage stores the language preference as a bare string.
func (a *Adapter) SetPreferredLanguage(ctx context.Context, lang string) error {
	return a.store.Set(ctx, a.globalKey(KindPreferredLanguage), []byte(lang))
}
