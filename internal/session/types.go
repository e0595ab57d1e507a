// ABOUTME: Result, outcome and change-notification types for the conversation session manager
// ABOUTME: Outcome separates cancelled requests from failed ones so callers never guess

package session

import (
	"context"

	"github.com/2389/parley/internal/store"
)

// Outcome classifies how a send or regenerate call ended.
type Outcome int

const (
	// OutcomeDeclined means the call did nothing: empty input, no active
	// conversation, or no eligible message.
	OutcomeDeclined Outcome = iota
	// OutcomeOK means an assistant reply was appended.
	OutcomeOK
	// OutcomeCancelled means the request was stopped or preempted. Nothing
	// was appended.
	OutcomeCancelled
	// OutcomeFailed means the backend failed and an error message was
	// appended to the conversation.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "declined"
	}
}

// Result describes a settled send or regenerate call.
type Result struct {
	Outcome        Outcome
	ConversationID string
	// Message is the appended assistant message (the error message for
	// OutcomeFailed). Nil otherwise.
	Message *store.Message
	// Err is the backend error for OutcomeFailed.
	Err error
}

// Change topics.
const (
	TopicConversations = "conversations"
	TopicMessages      = "messages"
	TopicLoading       = "loading"
	// TopicReply fires when a request settles with a reply or an error
	// message, whether or not its conversation is being viewed.
	TopicReply = "reply"
)

// Change notifies observers that part of the session state changed.
type Change struct {
	Topic          string
	ConversationID string
	// Result is set for TopicReply.
	Result *Result
}

// Storage is the persistence the manager needs. *store.Adapter satisfies it.
type Storage interface {
	Conversations(ctx context.Context, userID store.UserID) ([]store.Conversation, error)
	SaveConversations(ctx context.Context, userID store.UserID, convs []store.Conversation) error
	Messages(ctx context.Context, userID store.UserID, conversationID string) ([]store.Message, error)
	SaveMessages(ctx context.Context, userID store.UserID, conversationID string, msgs []store.Message) error
	RemoveMessages(ctx context.Context, userID store.UserID, conversationID string) error
	ActiveConversation(ctx context.Context, userID store.UserID) (string, error)
	SetActiveConversation(ctx context.Context, userID store.UserID, conversationID string) error
	ClearActiveConversation(ctx context.Context, userID store.UserID) error
	PurgeUser(ctx context.Context, userID store.UserID) (int, error)
	PreferredLanguage(ctx context.Context) string
	SetPreferredLanguage(ctx context.Context, lang string) error
}

var _ Storage = (*store.Adapter)(nil)
