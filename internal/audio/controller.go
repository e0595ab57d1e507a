// ABOUTME: Single-session audio playback controller keyed by message id
// ABOUTME: Publishes play/pause/stop/end/error events so message views can follow playback

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/events"
)

// Event topics.
const (
	TopicPlay  = "play"
	TopicPause = "pause"
	TopicStop  = "stop"
	TopicEnd   = "end"
	TopicError = "error"
)

// Status is the playback state of the active session.
type Status int

const (
	StatusStopped Status = iota
	StatusPlaying
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Event is a playback transition. Observers filter by MessageID.
type Event struct {
	Type      string
	MessageID string
	Err       error
}

// Session is a snapshot of the controller state.
type Session struct {
	ActiveMessageID string
	Status          Status
}

// Track is one loaded clip.
type Track interface {
	Play() error
	Pause() error
	// Rewind stops output and moves the position back to the start.
	Rewind() error
	Close() error
	// Done receives nil when the clip finishes on its own or the playback
	// error. It is closed when the track is closed.
	Done() <-chan error
}

// Player loads clips. Load returns once the clip is ready to play.
type Player interface {
	Load(ctx context.Context, url string) (Track, error)
}

// URLBuilder builds the speech-synthesis URL for a message.
type URLBuilder interface {
	AudioURL(text, locale, messageID string) string
}

var locales = map[string]string{
	"en": "en-US",
	"es": "es-ES",
	"fr": "fr-FR",
	"de": "de-DE",
	"zh": "zh-CN",
	"ja": "ja-JP",
	"ko": "ko-KR",
	"ar": "ar-SA",
	"ru": "ru-RU",
	"hi": "hi-IN",
}

// DefaultLocale is used for unmapped language codes.
const DefaultLocale = "en-US"

// Locale maps a language code to the speech locale.
func Locale(language string) string {
	if l, ok := locales[language]; ok {
		return l
	}
	return DefaultLocale
}

// Controller owns at most one audio session at a time.
type Controller struct {
	player Player
	urls   URLBuilder
	bus    *events.Broadcaster[Event]
	logger *slog.Logger

	mu       sync.Mutex
	track    Track
	activeID string
	status   Status
	gen      uint64 // bumped whenever a pending load is superseded
}

// NewController creates a Controller. Pass nil logger for default.
func NewController(player Player, urls URLBuilder, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audio")
	return &Controller{
		player: player,
		urls:   urls,
		bus:    events.New[Event](logger),
		logger: logger,
	}
}

// Subscribe registers for the given topics (all when none are given). The
// subscription ends when ctx is cancelled or Unsubscribe is called.
//
// Events are dropped for a subscriber whose buffer is full, so a slow reader
// can miss a stop or end and keep showing a clip as playing. Drain the
// channel promptly and do slow work elsewhere.
func (c *Controller) Subscribe(ctx context.Context, topics ...string) (<-chan Event, string) {
	return c.bus.Subscribe(ctx, topics...)
}

// Unsubscribe ends a subscription.
func (c *Controller) Unsubscribe(subID string) {
	c.bus.Unsubscribe(subID)
}

// Speak plays text for messageID. Speaking the message that already owns
// the session toggles play/pause instead. Returns whether audio is playing
// afterwards.
func (c *Controller) Speak(ctx context.Context, text, language, messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("speak requires a message id")
	}

	c.mu.Lock()
	if messageID == c.activeID {
		if c.track != nil {
			playing := c.toggleLocked()
			c.mu.Unlock()
			return playing, nil
		}
		// Same clip is still loading
		c.mu.Unlock()
		return false, nil
	}

	c.teardownLocked()

	c.gen++
	gen := c.gen
	c.activeID = messageID
	c.status = StatusStopped
	url := c.urls.AudioURL(text, Locale(language), messageID)
	c.mu.Unlock()

	track, err := c.player.Load(ctx, url)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		// Superseded by Stop or another Speak while loading
		if track != nil {
			_ = track.Close()
		}
		return false, nil
	}
	if err == nil {
		if err = track.Play(); err != nil {
			_ = track.Close()
		}
	}
	if err != nil {
		c.activeID = ""
		c.status = StatusStopped
		if errors.Is(err, context.Canceled) {
			c.bus.Publish(TopicStop, Event{Type: TopicStop, MessageID: messageID})
			return false, err
		}
		c.logger.Error("audio playback failed", "message_id", messageID, "error", err)
		c.bus.Publish(TopicError, Event{Type: TopicError, MessageID: messageID, Err: err})
		return false, fmt.Errorf("playing message %s: %w", messageID, err)
	}

	c.track = track
	c.status = StatusPlaying
	c.bus.Publish(TopicPlay, Event{Type: TopicPlay, MessageID: messageID})
	go c.watch(track, messageID)

	c.logger.Debug("audio started", "message_id", messageID)
	return true, nil
}

// watch reports the natural end or failure of track if it still owns the
// session.
func (c *Controller) watch(track Track, messageID string) {
	err := <-track.Done()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.track != track {
		return
	}
	_ = track.Close()
	c.track = nil
	c.activeID = ""
	c.status = StatusStopped

	if err != nil {
		c.logger.Error("audio playback error", "message_id", messageID, "error", err)
		c.bus.Publish(TopicError, Event{Type: TopicError, MessageID: messageID, Err: err})
		return
	}
	c.bus.Publish(TopicEnd, Event{Type: TopicEnd, MessageID: messageID})
}

// TogglePlayPause flips the current session between playing and paused.
// Returns whether audio is playing afterwards; false when there is no session.
func (c *Controller) TogglePlayPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toggleLocked()
}

func (c *Controller) toggleLocked() bool {
	if c.track == nil {
		return false
	}
	if c.status == StatusPlaying {
		if err := c.track.Pause(); err != nil {
			c.logger.Warn("pausing audio", "error", err)
		}
		c.status = StatusPaused
		c.bus.Publish(TopicPause, Event{Type: TopicPause, MessageID: c.activeID})
		return false
	}
	if err := c.track.Play(); err != nil {
		c.logger.Warn("resuming audio", "error", err)
	}
	c.status = StatusPlaying
	c.bus.Publish(TopicPlay, Event{Type: TopicPlay, MessageID: c.activeID})
	return true
}

// Stop halts playback, rewinds, and clears the session.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// teardownLocked ends the current session, including one still loading, and
// emits stop for it. Must be called with mu held.
func (c *Controller) teardownLocked() {
	if c.activeID == "" && c.track == nil {
		return
	}
	prev := c.activeID
	if c.track != nil {
		if err := c.track.Pause(); err != nil {
			c.logger.Debug("pausing audio", "error", err)
		}
		if err := c.track.Rewind(); err != nil {
			c.logger.Debug("rewinding audio", "error", err)
		}
		_ = c.track.Close()
		c.track = nil
	} else {
		c.gen++
	}
	c.activeID = ""
	c.status = StatusStopped
	c.bus.Publish(TopicStop, Event{Type: TopicStop, MessageID: prev})
}

// IsPlaying reports whether messageID owns the session and is playing.
func (c *Controller) IsPlaying(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusPlaying && c.activeID == messageID
}

// State returns a snapshot of the session.
func (c *Controller) State() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{ActiveMessageID: c.activeID, Status: c.status}
}

// Close stops playback and closes every subscription.
func (c *Controller) Close() {
	c.Stop()
	c.bus.Close()
}
