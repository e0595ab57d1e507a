// ABOUTME: Tests for typed storage access over a key/value store
// ABOUTME: Covers key layout, per-user purge, namespaces and global keys

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, namespace string) (*Adapter, *MemoryStore) {
	t.Helper()
	mem := NewMemoryStore()
	return NewAdapter(mem, namespace, nil), mem
}

func TestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{"conversations", Key{UserID: "7", Kind: KindConversations}, "7_conversations"},
		{"messages", Key{UserID: "7", Kind: KindMessages, ID: "abc"}, "7_messages_abc"},
		{"active", Key{UserID: "7", Kind: KindActiveConversation}, "7_activeConversation"},
		{"global", Key{Kind: KindUser}, "user"},
		{"namespaced global", Key{Namespace: "work", Kind: KindPreferredLanguage}, "work:preferredLanguage"},
		{"namespaced user", Key{Namespace: "work", UserID: "7", Kind: KindMessages, ID: "c"}, "work:7_messages_c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
		})
	}
}

func TestUserPrefix(t *testing.T) {
	assert.Equal(t, "7_", UserPrefix("", "7"))
	assert.Equal(t, "ns:7_", UserPrefix("ns", "7"))
}

func TestAdapter_ConversationsRoundTrip(t *testing.T) {
	a, mem := newTestAdapter(t, "")
	ctx := context.Background()

	convs, err := a.Conversations(ctx, "7")
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.NotNil(t, convs)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	want := []Conversation{{ID: "c1", Title: "New Conversation", LastActivity: now, OwnerID: "7"}}
	require.NoError(t, a.SaveConversations(ctx, "7", want))

	got, err := a.Conversations(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Stored under the browser-compatible key and field names
	raw, err := mem.Get(ctx, "7_conversations")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"timestamp":"2024-03-01T12:00:00Z"`)
	assert.Contains(t, string(raw), `"userId":"7"`)
}

func TestAdapter_MessagesRoundTrip(t *testing.T) {
	a, mem := newTestAdapter(t, "")
	ctx := context.Background()

	msgs, err := a.Messages(ctx, "7", "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	want := []Message{
		{ID: "m1", Content: "hi", Sender: SenderUser, Timestamp: time.Unix(100, 0).UTC()},
		{ID: "m2", Content: "hello", Sender: SenderAI, Timestamp: time.Unix(101, 0).UTC(), Language: "en", Feedback: FeedbackPositive},
	}
	require.NoError(t, a.SaveMessages(ctx, "7", "c1", want))

	got, err := a.Messages(ctx, "7", "c1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = mem.Get(ctx, "7_messages_c1")
	require.NoError(t, err)

	require.NoError(t, a.RemoveMessages(ctx, "7", "c1"))
	_, err = mem.Get(ctx, "7_messages_c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdapter_ActiveConversationIsBareString(t *testing.T) {
	a, mem := newTestAdapter(t, "")
	ctx := context.Background()

	id, err := a.ActiveConversation(ctx, "7")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, a.SetActiveConversation(ctx, "7", "c9"))
	raw, err := mem.Get(ctx, "7_activeConversation")
	require.NoError(t, err)
	assert.Equal(t, "c9", string(raw))

	id, err = a.ActiveConversation(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "c9", id)

	require.NoError(t, a.ClearActiveConversation(ctx, "7"))
	id, err = a.ActiveConversation(ctx, "7")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestAdapter_PurgeUser(t *testing.T) {
	a, mem := newTestAdapter(t, "")
	ctx := context.Background()

	require.NoError(t, a.SaveConversations(ctx, "7", []Conversation{{ID: "a"}}))
	require.NoError(t, a.SaveMessages(ctx, "7", "a", []Message{{ID: "m"}}))
	require.NoError(t, a.SetActiveConversation(ctx, "7", "a"))
	require.NoError(t, a.SaveConversations(ctx, "70", []Conversation{{ID: "b"}}))
	require.NoError(t, a.SetPreferredLanguage(ctx, "es"))

	n, err := a.PurgeUser(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	keys, err := mem.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"70_conversations", "preferredLanguage"}, keys)
}

func TestAdapter_PurgeUserRequiresID(t *testing.T) {
	a, _ := newTestAdapter(t, "")
	_, err := a.PurgeUser(context.Background(), "")
	assert.Error(t, err)
}

func TestAdapter_NamespaceIsolation(t *testing.T) {
	mem := NewMemoryStore()
	work := NewAdapter(mem, "work", nil)
	home := NewAdapter(mem, "home", nil)
	ctx := context.Background()

	require.NoError(t, work.SaveConversations(ctx, "7", []Conversation{{ID: "w"}}))
	require.NoError(t, home.SaveConversations(ctx, "7", []Conversation{{ID: "h"}}))

	n, err := work.PurgeUser(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := home.Conversations(ctx, "7")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "h", got[0].ID)
}

func TestAdapter_CurrentUserAndClearSession(t *testing.T) {
	a, mem := newTestAdapter(t, "")
	ctx := context.Background()

	_, err := a.CurrentUser(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	u := &User{ID: "7", Name: "Ada", Email: "ada@example.com", Token: "tok"}
	require.NoError(t, a.SetCurrentUser(ctx, u))
	require.NoError(t, mem.Set(ctx, "chatHistory", []byte("[]")))

	got, err := a.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	require.NoError(t, a.ClearSession(ctx))
	assert.Equal(t, 0, mem.Len())
}

func TestAdapter_PreferredLanguage(t *testing.T) {
	a, _ := newTestAdapter(t, "")
	ctx := context.Background()

	assert.Equal(t, DefaultLanguage, a.PreferredLanguage(ctx))
	require.NoError(t, a.SetPreferredLanguage(ctx, "ja"))
	assert.Equal(t, "ja", a.PreferredLanguage(ctx))
}

func TestUserID_UnmarshalJSON(t *testing.T) {
	var u User
	require.NoError(t, json.Unmarshal([]byte(`{"id": 42, "name": "n"}`), &u))
	assert.Equal(t, UserID("42"), u.ID)

	n, ok := u.ID.Int()
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	require.NoError(t, json.Unmarshal([]byte(`{"id": "abc"}`), &u))
	assert.Equal(t, UserID("abc"), u.ID)
	_, ok = u.ID.Int()
	assert.False(t, ok)
}

func TestCloneMessages(t *testing.T) {
	assert.Nil(t, CloneMessages(nil))

	orig := []Message{{ID: "a"}}
	cp := CloneMessages(orig)
	cp[0].ID = "b"
	assert.Equal(t, "a", orig[0].ID)
}
