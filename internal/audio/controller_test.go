// ABOUTME: Tests for the audio controller state machine and event ordering
// ABOUTME: Uses an in-memory player whose tracks finish or fail on demand

package audio

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	mu      sync.Mutex
	url     string
	plays   int
	pauses  int
	rewinds int
	closed  bool
	done    chan error
}

func newFakeTrack(u string) *fakeTrack {
	return &fakeTrack{url: u, done: make(chan error, 1)}
}

func (t *fakeTrack) Play() error   { t.mu.Lock(); t.plays++; t.mu.Unlock(); return nil }
func (t *fakeTrack) Pause() error  { t.mu.Lock(); t.pauses++; t.mu.Unlock(); return nil }
func (t *fakeTrack) Rewind() error { t.mu.Lock(); t.rewinds++; t.mu.Unlock(); return nil }
func (t *fakeTrack) Done() <-chan error {
	return t.done
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakePlayer struct {
	mu      sync.Mutex
	tracks  []*fakeTrack
	loadErr error
	gate    chan struct{} // when set, Load blocks until closed
}

func (p *fakePlayer) Load(ctx context.Context, u string) (Track, error) {
	p.mu.Lock()
	gate := p.gate
	err := p.loadErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	t := newFakeTrack(u)
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	p.mu.Unlock()
	return t, nil
}

func (p *fakePlayer) last() *fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[len(p.tracks)-1]
}

type fakeURLs struct{}

func (fakeURLs) AudioURL(text, locale, messageID string) string {
	q := url.Values{}
	q.Set("text", text)
	q.Set("lang", locale)
	q.Set("message_id", messageID)
	return "http://tts/generate_audio?" + q.Encode()
}

func newTestController(t *testing.T) (*Controller, *fakePlayer) {
	t.Helper()
	p := &fakePlayer{}
	c := NewController(p, fakeURLs{}, nil)
	t.Cleanup(c.Close)
	return c, p
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for audio event")
	}
	return Event{}
}

func TestLocale(t *testing.T) {
	tests := map[string]string{
		"en": "en-US", "es": "es-ES", "fr": "fr-FR", "de": "de-DE", "zh": "zh-CN",
		"ja": "ja-JP", "ko": "ko-KR", "ar": "ar-SA", "ru": "ru-RU", "hi": "hi-IN",
		"pt": "en-US", "": "en-US",
	}
	for lang, want := range tests {
		assert.Equal(t, want, Locale(lang), "language %q", lang)
	}
}

func TestController_SpeakStartsPlayback(t *testing.T) {
	c, p := newTestController(t)
	events, _ := c.Subscribe(t.Context())

	playing, err := c.Speak(context.Background(), "bonjour", "fr", "m1")
	require.NoError(t, err)
	assert.True(t, playing)

	ev := nextEvent(t, events)
	assert.Equal(t, Event{Type: TopicPlay, MessageID: "m1"}, ev)

	assert.True(t, c.IsPlaying("m1"))
	assert.Equal(t, Session{ActiveMessageID: "m1", Status: StatusPlaying}, c.State())

	u, err := url.Parse(p.last().url)
	require.NoError(t, err)
	assert.Equal(t, "fr-FR", u.Query().Get("lang"))
	assert.Equal(t, "m1", u.Query().Get("message_id"))
	assert.Equal(t, "bonjour", u.Query().Get("text"))
}

func TestController_SpeakOtherMessageStopsPreviousFirst(t *testing.T) {
	c, p := newTestController(t)
	events, _ := c.Subscribe(t.Context(), TopicPlay, TopicStop)

	_, err := c.Speak(context.Background(), "a", "en", "A")
	require.NoError(t, err)
	first := p.last()

	_, err = c.Speak(context.Background(), "b", "en", "B")
	require.NoError(t, err)

	assert.Equal(t, Event{Type: TopicPlay, MessageID: "A"}, nextEvent(t, events))
	assert.Equal(t, Event{Type: TopicStop, MessageID: "A"}, nextEvent(t, events))
	assert.Equal(t, Event{Type: TopicPlay, MessageID: "B"}, nextEvent(t, events))

	assert.True(t, first.isClosed())
	assert.Equal(t, 1, first.rewinds)
	assert.False(t, c.IsPlaying("A"))
	assert.True(t, c.IsPlaying("B"))
}

func TestController_SpeakSameMessageToggles(t *testing.T) {
	c, p := newTestController(t)
	events, _ := c.Subscribe(t.Context())

	_, err := c.Speak(context.Background(), "a", "en", "A")
	require.NoError(t, err)
	nextEvent(t, events)

	playing, err := c.Speak(context.Background(), "a", "en", "A")
	require.NoError(t, err)
	assert.False(t, playing)
	assert.Equal(t, Event{Type: TopicPause, MessageID: "A"}, nextEvent(t, events))
	assert.Equal(t, StatusPaused, c.State().Status)
	assert.False(t, c.IsPlaying("A"))

	playing, err = c.Speak(context.Background(), "a", "en", "A")
	require.NoError(t, err)
	assert.True(t, playing)
	assert.Equal(t, Event{Type: TopicPlay, MessageID: "A"}, nextEvent(t, events))

	p.mu.Lock()
	assert.Len(t, p.tracks, 1, "toggling must not reload the clip")
	p.mu.Unlock()
}

func TestController_ToggleWithoutSessionIsNoop(t *testing.T) {
	c, _ := newTestController(t)
	events, _ := c.Subscribe(t.Context())

	assert.False(t, c.TogglePlayPause())
	c.Stop()

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_Stop(t *testing.T) {
	c, p := newTestController(t)
	events, _ := c.Subscribe(t.Context(), TopicStop)

	_, err := c.Speak(context.Background(), "a", "en", "A")
	require.NoError(t, err)
	track := p.last()

	c.Stop()
	assert.Equal(t, Event{Type: TopicStop, MessageID: "A"}, nextEvent(t, events))
	assert.Equal(t, Session{Status: StatusStopped}, c.State())
	assert.True(t, track.isClosed())
	assert.Equal(t, 1, track.rewinds)
}

func TestController_NaturalEnd(t *testing.T) {
	c, p := newTestController(t)
	events, _ := c.Subscribe(t.Context(), TopicEnd)

	_, err := c.Speak(context.Background(), "a", "en", "A")
	require.NoError(t, err)

	p.last().done <- nil

	assert.Equal(t, Event{Type: TopicEnd, MessageID: "A"}, nextEvent(t, events))
	assert.Equal(t, Session{Status: StatusStopped}, c.State())
}

func TestController_PlaybackError(t *testing.T) {
	c, p := newTestController(t)
	events, _ := c.Subscribe(t.Context(), TopicError)

	_, err := c.Speak(context.Background(), "a", "en", "A")
	require.NoError(t, err)

	boom := errors.New("decoder failed")
	p.last().done <- boom

	ev := nextEvent(t, events)
	assert.Equal(t, TopicError, ev.Type)
	assert.Equal(t, "A", ev.MessageID)
	assert.ErrorIs(t, ev.Err, boom)
	assert.Equal(t, Session{Status: StatusStopped}, c.State())
}

func TestController_LoadError(t *testing.T) {
	c, p := newTestController(t)
	p.loadErr = errors.New("503")
	events, _ := c.Subscribe(t.Context(), TopicError, TopicPlay)

	playing, err := c.Speak(context.Background(), "a", "en", "A")
	assert.Error(t, err)
	assert.False(t, playing)

	ev := nextEvent(t, events)
	assert.Equal(t, TopicError, ev.Type)
	assert.Equal(t, "A", ev.MessageID)
	assert.Equal(t, Session{Status: StatusStopped}, c.State())
}

func TestController_StaleLoadIsDiscarded(t *testing.T) {
	c, p := newTestController(t)
	gate := make(chan struct{})
	p.gate = gate
	events, _ := c.Subscribe(t.Context(), TopicPlay, TopicStop)

	result := make(chan bool, 1)
	go func() {
		playing, _ := c.Speak(context.Background(), "a", "en", "A")
		result <- playing
	}()

	// Wait until A owns the pending session
	require.Eventually(t, func() bool { return c.State().ActiveMessageID == "A" }, time.Second, 5*time.Millisecond)

	c.Stop()
	assert.Equal(t, Event{Type: TopicStop, MessageID: "A"}, nextEvent(t, events))

	close(gate)
	assert.False(t, <-result)

	assert.Equal(t, Session{Status: StatusStopped}, c.State())
	p.mu.Lock()
	require.Len(t, p.tracks, 1)
	assert.True(t, p.tracks[0].isClosed())
	p.mu.Unlock()

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_IsPlayingExclusive(t *testing.T) {
	c, _ := newTestController(t)
	ids := []string{"A", "B", "C"}

	for _, id := range ids {
		_, err := c.Speak(context.Background(), id, "en", id)
		require.NoError(t, err)

		count := 0
		for _, other := range ids {
			if c.IsPlaying(other) {
				count++
			}
		}
		assert.Equal(t, 1, count)
		assert.True(t, c.IsPlaying(id))
	}
}

func TestController_SpeakRequiresMessageID(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.Speak(context.Background(), "a", "en", "")
	assert.Error(t, err)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "playing", StatusPlaying.String())
	assert.Equal(t, "paused", StatusPaused.String())
}
