// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Conversation, Message, User and the key/value Store interface

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned when a requested key does not exist
var ErrNotFound = errors.New("not found")

// Store is a durable key/value store. Values are opaque bytes; the Adapter
// layers typed JSON access on top.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// List returns every key starting with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the store
	Close() error
}

// Sender values for Message.Sender
const (
	SenderUser = "user"
	SenderAI   = "ai"
)

// Feedback values for Message.Feedback
const (
	FeedbackPositive = "positive"
	FeedbackNegative = "negative"
)

// Conversation is a named, timestamped thread of messages owned by one user.
// The JSON names match what the browser front end wrote to local storage.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastActivity time.Time `json:"timestamp"`
	OwnerID      UserID    `json:"userId,omitempty"`
}

// Message is a single entry in a conversation. Only Feedback changes after
// creation.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Language  string    `json:"language,omitempty"`
	Feedback  string    `json:"feedback,omitempty"`
	IsError   bool      `json:"isError,omitempty"`
}

// IsAI reports whether the message was authored by the assistant.
func (m Message) IsAI() bool {
	return m.Sender == SenderAI
}

// User is the authenticated account persisted under the "user" key.
type User struct {
	ID       UserID `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
	JobTitle string `json:"jobTitle,omitempty"`
	Token    string `json:"token,omitempty"`
}

// UserID identifies a user. The backend issues numeric ids; they are kept as
// strings so they can be embedded in storage keys unchanged.
type UserID string

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = UserID(n.String())
	return nil
}

// Int returns the id as an integer when it is numeric.
func (id UserID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

// CloneMessages returns a copy of msgs that shares no backing array.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
