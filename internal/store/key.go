// ABOUTME: Structured storage keys mapped deterministically to flat key strings
// ABOUTME: Produces "<userId>_<kind>[_<id>]" with an optional "<namespace>:" prefix

package store

import "strings"

// Key kinds. The per-user kinds are combined with a user id; the rest are
// global to the installation.
const (
	KindConversations      = "conversations"
	KindMessages           = "messages"
	KindActiveConversation = "activeConversation"

	KindUser              = "user"
	KindChatHistory       = "chatHistory"
	KindPreferredLanguage = "preferredLanguage"
)

// Key identifies one stored value.
//
//	Key{UserID: "7", Kind: KindMessages, ID: "c1"}.String() == "7_messages_c1"
//	Key{Kind: KindUser}.String()                            == "user"
//	Key{Namespace: "work", Kind: KindUser}.String()         == "work:user"
type Key struct {
	Namespace string
	UserID    UserID
	Kind      string
	ID        string
}

// String renders the flat storage key.
func (k Key) String() string {
	var b strings.Builder
	if k.Namespace != "" {
		b.WriteString(k.Namespace)
		b.WriteByte(':')
	}
	if k.UserID != "" {
		b.WriteString(string(k.UserID))
		b.WriteByte('_')
	}
	b.WriteString(k.Kind)
	if k.ID != "" {
		b.WriteByte('_')
		b.WriteString(k.ID)
	}
	return b.String()
}

// UserPrefix returns the prefix shared by every key belonging to userID.
func UserPrefix(namespace string, userID UserID) string {
	prefix := string(userID) + "_"
	if namespace != "" {
		prefix = namespace + ":" + prefix
	}
	return prefix
}
