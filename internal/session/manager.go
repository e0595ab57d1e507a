// ABOUTME: Conversation session manager: conversation list, message cache and the single in-flight request
// ABOUTME: Write-through over Storage; the backend call is the only step that runs without the lock

package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/api"
	"github.com/2389/parley/internal/events"
	"github.com/2389/parley/internal/store"
)

const (
	// DefaultTitle names a conversation until its first message arrives.
	DefaultTitle = "New Conversation"
	// titleLimit is the number of characters kept from the first message.
	titleLimit = 30

	// SendFailureMessage is appended when a send fails.
	SendFailureMessage = "Sorry, I couldn't process your request. Please try again."
	// RegenerateFailureMessage is appended when a regenerate fails.
	RegenerateFailureMessage = "Sorry, I couldn't regenerate a response. Please try again."
)

// flight is one outstanding backend request.
type flight struct {
	conversationID string
	cancel         context.CancelFunc
}

// Manager owns the conversations, the message cache and the processing
// state of one signed-in user.
type Manager struct {
	storage Storage
	backend api.ChatBackend
	bus     *events.Broadcaster[Change]
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu              sync.Mutex
	user            *store.User
	conversations   []store.Conversation // newest LastActivity first
	activeID        string
	cache           map[string][]store.Message
	flight          *flight
	lastUserMessage string
}

// NewManager creates a Manager. Pass nil logger for default.
func NewManager(storage Storage, backend api.ChatBackend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	return &Manager{
		storage: storage,
		backend: backend,
		bus:     events.New[Change](logger),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
		cache:   make(map[string][]store.Message),
	}
}

// Subscribe registers for change notifications on the given topics (all
// when none are given). Changes are dropped for a subscriber that falls a
// full buffer behind; drain the channel promptly.
func (m *Manager) Subscribe(ctx context.Context, topics ...string) (<-chan Change, string) {
	return m.bus.Subscribe(ctx, topics...)
}

// Unsubscribe ends a subscription.
func (m *Manager) Unsubscribe(subID string) {
	m.bus.Unsubscribe(subID)
}

// Close cancels any in-flight request and closes every subscription.
func (m *Manager) Close() {
	m.Reset()
	m.bus.Close()
}

func (m *Manager) publish(topic, conversationID string) {
	m.bus.Publish(topic, Change{Topic: topic, ConversationID: conversationID})
}

// Initialize loads the user's conversations and picks the active one: the
// stored pointer if it still names a conversation, else the most recent,
// else a new empty conversation.
func (m *Manager) Initialize(ctx context.Context, user *store.User) error {
	if user == nil || user.ID == "" {
		return errors.New("initialize requires a signed-in user")
	}
	sctx := context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetLocked()
	u := *user
	m.user = &u

	convs, err := m.storage.Conversations(sctx, u.ID)
	if err != nil {
		m.logger.Error("loading conversations", "user_id", u.ID, "error", err)
		convs = nil
	}
	m.conversations = append([]store.Conversation(nil), convs...)
	sortConversations(m.conversations)

	stored, err := m.storage.ActiveConversation(sctx, u.ID)
	if err != nil {
		m.logger.Warn("loading active conversation", "user_id", u.ID, "error", err)
	}

	switch {
	case stored != "" && m.indexLocked(stored) >= 0:
		m.activeID = stored
		m.loadActiveLocked(sctx)
	case len(m.conversations) > 0:
		m.activeID = m.conversations[0].ID
		m.loadActiveLocked(sctx)
		m.persistActiveLocked(sctx)
	default:
		m.createLocked(sctx)
	}

	m.logger.Info("session initialized",
		"user_id", u.ID,
		"conversations", len(m.conversations),
		"active", m.activeID)

	m.publish(TopicConversations, m.activeID)
	m.publish(TopicMessages, m.activeID)
	m.publish(TopicLoading, m.activeID)
	return nil
}

// Reset clears all state and cancels any in-flight request. Used on logout
// and deauthentication.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.user == nil && m.flight == nil {
		return
	}
	m.resetLocked()
	m.publish(TopicConversations, "")
	m.publish(TopicMessages, "")
	m.publish(TopicLoading, "")
}

func (m *Manager) resetLocked() {
	if m.flight != nil {
		m.flight.cancel()
		m.flight = nil
	}
	m.user = nil
	m.conversations = nil
	m.activeID = ""
	m.cache = make(map[string][]store.Message)
	m.lastUserMessage = ""
}

// CreateConversation starts a new empty conversation and makes it active.
// Persistence errors are logged, never returned.
func (m *Manager) CreateConversation(ctx context.Context) store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(context.WithoutCancel(ctx))
}

func (m *Manager) createLocked(ctx context.Context) store.Conversation {
	conv := store.Conversation{
		ID:           m.newID(),
		Title:        DefaultTitle,
		LastActivity: m.now(),
	}
	if m.user != nil {
		conv.OwnerID = m.user.ID
	}

	m.conversations = append([]store.Conversation{conv}, m.conversations...)
	sortConversations(m.conversations)
	m.activeID = conv.ID
	m.cache[conv.ID] = []store.Message{}
	m.lastUserMessage = ""

	m.persistConversationsLocked(ctx)
	m.persistActiveLocked(ctx)

	m.logger.Debug("conversation created", "conversation_id", conv.ID)
	m.publish(TopicConversations, conv.ID)
	m.publish(TopicMessages, conv.ID)
	m.publish(TopicLoading, conv.ID)
	return conv
}

// SelectConversation makes id the active conversation. Returns false when
// id is already active or unknown.
func (m *Manager) SelectConversation(ctx context.Context, id string) bool {
	sctx := context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id == m.activeID || m.indexLocked(id) < 0 {
		return false
	}
	m.activeID = id
	m.loadActiveLocked(sctx)
	m.persistActiveLocked(sctx)

	m.publish(TopicMessages, id)
	m.publish(TopicLoading, id)
	return true
}

// Pending is a request that has been started but not yet settled. It blocks
// on the backend and must be called exactly once; its flight stays
// registered until it returns.
type Pending func() Result

func settled(res Result) Pending {
	return func() Result { return res }
}

// SendMessage appends a user message to the active conversation and waits
// for the assistant reply. Starting a request cancels whichever request is
// already in flight.
func (m *Manager) SendMessage(ctx context.Context, text string) Result {
	return m.StartMessage(ctx, text)()
}

// StartMessage does the synchronous half of SendMessage: the user message is
// appended and the flight registered before it returns. Callers that start
// requests in order get their appends in that order.
func (m *Manager) StartMessage(ctx context.Context, text string) Pending {
	if strings.TrimSpace(text) == "" {
		return settled(Result{Outcome: OutcomeDeclined})
	}
	sctx := context.WithoutCancel(ctx)

	m.mu.Lock()
	if m.user == nil {
		m.mu.Unlock()
		return settled(Result{Outcome: OutcomeDeclined})
	}
	if m.activeID == "" {
		conv := m.createLocked(sctx)
		m.mu.Unlock()
		return settled(Result{Outcome: OutcomeDeclined, ConversationID: conv.ID})
	}

	target := m.activeID
	reqCtx, f := m.startFlightLocked(ctx, target)
	m.lastUserMessage = text

	prior := m.messagesLocked(sctx, target)
	userMsg := store.Message{
		ID:        m.newID(),
		Content:   text,
		Sender:    store.SenderUser,
		Timestamp: m.now(),
	}
	updated := append(store.CloneMessages(prior), userMsg)

	m.touchLocked(sctx, target, userMsg.Timestamp, len(prior) == 0, text)
	m.setMessagesLocked(sctx, target, updated)
	lang := m.storage.PreferredLanguage(sctx)
	m.publish(TopicLoading, target)
	m.mu.Unlock()

	req := api.ChatRequest{
		ConversationID: target,
		Message:        text,
		MessageHistory: store.CloneMessages(prior),
		Language:       lang,
	}
	return func() Result {
		resp, err := m.backend.Chat(reqCtx, req)

		m.mu.Lock()
		defer m.mu.Unlock()
		defer m.finishLocked(f)
		return m.settleLocked(sctx, reqCtx, target, lang, resp, err, SendFailureMessage, "")
	}
}

// RegenerateResponse replaces an assistant message of the active
// conversation with a fresh reply to the nearest preceding user message.
// Everything from the target message onward is discarded.
func (m *Manager) RegenerateResponse(ctx context.Context, messageID string) Result {
	return m.StartRegenerate(ctx, messageID)()
}

// StartRegenerate is the synchronous half of RegenerateResponse.
func (m *Manager) StartRegenerate(ctx context.Context, messageID string) Pending {
	sctx := context.WithoutCancel(ctx)

	m.mu.Lock()
	if m.user == nil || m.activeID == "" {
		m.mu.Unlock()
		return settled(Result{Outcome: OutcomeDeclined})
	}
	target := m.activeID
	msgs := m.messagesLocked(sctx, target)

	idx := indexOfMessage(msgs, messageID)
	if idx < 0 || !msgs[idx].IsAI() {
		m.mu.Unlock()
		return settled(Result{Outcome: OutcomeDeclined, ConversationID: target})
	}
	userIdx := idx - 1
	for userIdx >= 0 && msgs[userIdx].Sender != store.SenderUser {
		userIdx--
	}
	if userIdx < 0 {
		m.mu.Unlock()
		m.logger.Debug("no user message before regenerate target", "message_id", messageID)
		return settled(Result{Outcome: OutcomeDeclined, ConversationID: target})
	}

	prompt := msgs[userIdx].Content
	truncated := store.CloneMessages(msgs[:idx])
	history := store.CloneMessages(msgs[:userIdx])

	reqCtx, f := m.startFlightLocked(ctx, target)
	m.touchLocked(sctx, target, m.now(), false, "")
	m.setMessagesLocked(sctx, target, truncated)
	lang := m.storage.PreferredLanguage(sctx)
	m.publish(TopicLoading, target)
	m.mu.Unlock()

	req := api.ChatRequest{
		ConversationID: target,
		Message:        prompt,
		MessageHistory: history,
		Language:       lang,
	}
	return func() Result {
		resp, err := m.backend.Chat(reqCtx, req)

		m.mu.Lock()
		defer m.mu.Unlock()
		defer m.finishLocked(f)
		return m.settleLocked(sctx, reqCtx, target, lang, resp, err, RegenerateFailureMessage, prompt)
	}
}

// startFlightLocked cancels any outstanding request and registers a new one
// for conversationID.
func (m *Manager) startFlightLocked(ctx context.Context, conversationID string) (context.Context, *flight) {
	if m.flight != nil {
		m.logger.Debug("cancelling in-flight request",
			"conversation_id", m.flight.conversationID,
			"preempted_by", conversationID)
		m.flight.cancel()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	f := &flight{conversationID: conversationID, cancel: cancel}
	m.flight = f
	return reqCtx, f
}

// finishLocked releases f and clears the processing state if f still owns
// it. A preempted or stopped request must not clear its successor's state.
func (m *Manager) finishLocked(f *flight) {
	f.cancel()
	if m.flight != f {
		return
	}
	m.flight = nil
	m.publish(TopicLoading, f.conversationID)
}

// settleLocked applies the backend result to target. A reply that arrived
// before the request was stopped or preempted is still appended.
func (m *Manager) settleLocked(ctx, reqCtx context.Context, target, lang string, resp *api.ChatResponse, err error, apology, prompt string) Result {
	replied := err == nil && resp != nil
	if !replied && (errors.Is(err, context.Canceled) || errors.Is(reqCtx.Err(), context.Canceled)) {
		m.logger.Debug("request cancelled", "conversation_id", target)
		return Result{Outcome: OutcomeCancelled, ConversationID: target}
	}
	if m.user == nil || m.indexLocked(target) < 0 {
		m.logger.Warn("dropping reply for deleted conversation", "conversation_id", target)
		return Result{Outcome: OutcomeCancelled, ConversationID: target}
	}

	if err == nil && resp == nil {
		err = errors.New("backend returned no response")
	}

	var res Result
	if err == nil {
		msg := store.Message{
			ID:        m.newID(),
			Content:   resp.Message,
			Sender:    store.SenderAI,
			Timestamp: m.now(),
			Language:  lang,
		}
		final := append(store.CloneMessages(m.messagesLocked(ctx, target)), msg)
		m.setMessagesLocked(ctx, target, final)
		if prompt != "" && m.activeID == target {
			m.lastUserMessage = prompt
		}
		res = Result{Outcome: OutcomeOK, ConversationID: target, Message: &msg}
	} else {
		m.logger.Error("chat request failed", "conversation_id", target, "error", err)
		msg := store.Message{
			ID:        m.newID(),
			Content:   apology,
			Sender:    store.SenderAI,
			Timestamp: m.now(),
			IsError:   true,
		}
		// Re-read storage so writes made while the request was pending survive
		stored, loadErr := m.storage.Messages(ctx, m.user.ID, target)
		if loadErr != nil {
			m.logger.Warn("re-reading messages", "conversation_id", target, "error", loadErr)
			stored = m.messagesLocked(ctx, target)
		}
		final := append(store.CloneMessages(stored), msg)
		m.setMessagesLocked(ctx, target, final)
		res = Result{Outcome: OutcomeFailed, ConversationID: target, Message: &msg, Err: err}
	}

	m.touchLocked(ctx, target, res.Message.Timestamp, false, "")
	m.bus.Publish(TopicReply, Change{Topic: TopicReply, ConversationID: target, Result: &res})
	return res
}

// StopResponse cancels the in-flight request, if any, and clears the
// processing state.
func (m *Manager) StopResponse() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flight == nil {
		return false
	}
	f := m.flight
	f.cancel()
	m.flight = nil
	m.logger.Debug("response stopped", "conversation_id", f.conversationID)
	m.publish(TopicLoading, f.conversationID)
	return true
}

// ProvideMessageFeedback rates an assistant message of the active
// conversation. Returns false when the message is missing or not from the
// assistant.
func (m *Manager) ProvideMessageFeedback(ctx context.Context, messageID string, positive bool) bool {
	sctx := context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeID == "" {
		return false
	}
	msgs := m.messagesLocked(sctx, m.activeID)
	idx := indexOfMessage(msgs, messageID)
	if idx < 0 || !msgs[idx].IsAI() {
		return false
	}

	updated := store.CloneMessages(msgs)
	if positive {
		updated[idx].Feedback = store.FeedbackPositive
	} else {
		updated[idx].Feedback = store.FeedbackNegative
	}
	m.setMessagesLocked(sctx, m.activeID, updated)
	m.logger.Debug("feedback recorded", "message_id", messageID, "feedback", updated[idx].Feedback)
	return true
}

// DeleteConversation removes a conversation and its messages. Deleting the
// active conversation falls back to the most recent remaining one, or to a
// new empty conversation.
func (m *Manager) DeleteConversation(ctx context.Context, id string) bool {
	sctx := context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexLocked(id)
	if idx < 0 {
		return false
	}
	if m.flight != nil && m.flight.conversationID == id {
		m.flight.cancel()
		m.flight = nil
	}

	m.logger.Info("deleting conversation", "conversation_id", id, "title", m.conversations[idx].Title)
	m.conversations = append(m.conversations[:idx:idx], m.conversations[idx+1:]...)
	delete(m.cache, id)
	if m.user != nil {
		if err := m.storage.RemoveMessages(sctx, m.user.ID, id); err != nil {
			m.logger.Error("removing messages", "conversation_id", id, "error", err)
		}
	}
	m.persistConversationsLocked(sctx)

	if m.activeID == id {
		if len(m.conversations) > 0 {
			m.activeID = m.conversations[0].ID
			delete(m.cache, m.activeID)
			m.loadActiveLocked(sctx)
			m.persistActiveLocked(sctx)
		} else {
			m.activeID = ""
			m.lastUserMessage = ""
			if m.user != nil {
				if err := m.storage.ClearActiveConversation(sctx, m.user.ID); err != nil {
					m.logger.Error("clearing active conversation", "error", err)
				}
			}
		}
	}

	if len(m.conversations) == 0 {
		m.createLocked(sctx)
	}

	m.publish(TopicConversations, m.activeID)
	m.publish(TopicMessages, m.activeID)
	m.publish(TopicLoading, m.activeID)
	return true
}

// DeleteAllConversations removes every conversation, purges every stored
// key of the current user, and starts a new empty conversation.
func (m *Manager) DeleteAllConversations(ctx context.Context) {
	sctx := context.WithoutCancel(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flight != nil {
		m.flight.cancel()
		m.flight = nil
	}
	m.conversations = nil
	m.activeID = ""
	m.cache = make(map[string][]store.Message)
	m.lastUserMessage = ""

	if m.user != nil {
		n, err := m.storage.PurgeUser(sctx, m.user.ID)
		if err != nil {
			m.logger.Error("purging conversations", "user_id", m.user.ID, "error", err)
		} else {
			m.logger.Info("all conversations deleted", "user_id", m.user.ID, "keys_removed", n)
		}
	}

	m.createLocked(sctx)
}

// SetPreferredLanguage stores the language sent with future requests.
func (m *Manager) SetPreferredLanguage(ctx context.Context, lang string) error {
	return m.storage.SetPreferredLanguage(context.WithoutCancel(ctx), lang)
}

// PreferredLanguage returns the language sent with requests.
func (m *Manager) PreferredLanguage(ctx context.Context) string {
	return m.storage.PreferredLanguage(context.WithoutCancel(ctx))
}

// Conversations returns the conversations, newest activity first.
func (m *Manager) Conversations() []store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Conversation(nil), m.conversations...)
}

// ActiveConversation returns the active conversation, if any.
func (m *Manager) ActiveConversation() (store.Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexLocked(m.activeID); idx >= 0 {
		return m.conversations[idx], true
	}
	return store.Conversation{}, false
}

// Messages returns the messages of the active conversation.
func (m *Manager) Messages() []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return []store.Message{}
	}
	return store.CloneMessages(m.cache[m.activeID])
}

// ConversationMessages returns the cached messages of any conversation.
func (m *Manager) ConversationMessages(id string) ([]store.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.cache[id]
	return store.CloneMessages(msgs), ok
}

// IsLoading reports whether the active conversation is awaiting a reply.
func (m *Manager) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flight != nil && m.flight.conversationID == m.activeID
}

// ProcessingConversationID returns the conversation awaiting a reply, or "".
func (m *Manager) ProcessingConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flight == nil {
		return ""
	}
	return m.flight.conversationID
}

// LastUserMessage returns the most recent user prompt of the active
// conversation.
func (m *Manager) LastUserMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUserMessage
}

// CurrentUser returns the user the session was initialized for, or nil.
func (m *Manager) CurrentUser() *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

func (m *Manager) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, c := range m.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// messagesLocked returns the cached messages of id, loading them from
// storage on a miss.
func (m *Manager) messagesLocked(ctx context.Context, id string) []store.Message {
	if msgs, ok := m.cache[id]; ok {
		return msgs
	}
	msgs := []store.Message{}
	if m.user != nil {
		loaded, err := m.storage.Messages(ctx, m.user.ID, id)
		if err != nil {
			m.logger.Error("loading messages", "conversation_id", id, "error", err)
		} else {
			msgs = loaded
		}
	}
	m.cache[id] = msgs
	return msgs
}

// loadActiveLocked fills the cache for the active conversation and restores
// the last user prompt from it.
func (m *Manager) loadActiveLocked(ctx context.Context) {
	msgs := m.messagesLocked(ctx, m.activeID)
	m.lastUserMessage = ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == store.SenderUser {
			m.lastUserMessage = msgs[i].Content
			break
		}
	}
}

// setMessagesLocked writes msgs through to cache and storage.
func (m *Manager) setMessagesLocked(ctx context.Context, id string, msgs []store.Message) {
	m.cache[id] = msgs
	if m.user != nil {
		if err := m.storage.SaveMessages(ctx, m.user.ID, id, msgs); err != nil {
			m.logger.Error("saving messages", "conversation_id", id, "error", err)
		}
	}
	m.publish(TopicMessages, id)
}

// touchLocked bumps LastActivity, optionally sets the title from the first
// message, resorts and persists the conversation list.
func (m *Manager) touchLocked(ctx context.Context, id string, at time.Time, setTitle bool, firstMessage string) {
	idx := m.indexLocked(id)
	if idx < 0 {
		return
	}
	m.conversations[idx].LastActivity = at
	if setTitle {
		m.conversations[idx].Title = titleFrom(firstMessage)
	}
	sortConversations(m.conversations)
	m.persistConversationsLocked(ctx)
	m.publish(TopicConversations, id)
}

func (m *Manager) persistConversationsLocked(ctx context.Context) {
	if m.user == nil {
		return
	}
	if err := m.storage.SaveConversations(ctx, m.user.ID, m.conversations); err != nil {
		m.logger.Error("saving conversations", "error", err)
	}
}

func (m *Manager) persistActiveLocked(ctx context.Context) {
	if m.user == nil || m.activeID == "" {
		return
	}
	if err := m.storage.SetActiveConversation(ctx, m.user.ID, m.activeID); err != nil {
		m.logger.Error("saving active conversation", "error", err)
	}
}

// titleFrom derives a conversation title from its first message.
func titleFrom(text string) string {
	r := []rune(text)
	if len(r) > titleLimit {
		return string(r[:titleLimit]) + "..."
	}
	return text
}

func sortConversations(convs []store.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})
}

func indexOfMessage(msgs []store.Message, id string) int {
	for i, msg := range msgs {
		if msg.ID == id {
			return i
		}
	}
	return -1
}
