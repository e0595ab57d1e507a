// ABOUTME: Thread-safe TTL and size-bounded cache of synthesized audio clips
// ABOUTME: Lets replaying a message skip the speech endpoint while the clip is fresh

package audio

import (
	"container/list"
	"sync"
	"time"
)

type clip struct {
	data    []byte
	fetched time.Time
	pos     *list.Element // in ClipCache.recency
}

// ClipCache holds recently fetched clips keyed by speech URL. At capacity
// the least recently played clip goes first; stale clips are swept in the
// background.
type ClipCache struct {
	mu       sync.Mutex
	clips    map[string]*clip
	recency  *list.List // URLs, least recently played at front
	ttl      time.Duration
	capacity int
	stop     chan struct{}
	stopped  bool
}

// NewClipCache creates a cache. A capacity <= 0 disables caching.
func NewClipCache(ttl time.Duration, capacity int) *ClipCache {
	c := &ClipCache{
		clips:    make(map[string]*clip),
		recency:  list.New(),
		ttl:      ttl,
		capacity: capacity,
		stop:     make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

// sweepInterval checks for stale clips a few times per TTL, at most once a
// minute.
func sweepInterval(ttl time.Duration) time.Duration {
	iv := ttl / 4
	if iv <= 0 || iv > time.Minute {
		return time.Minute
	}
	return iv
}

// Get returns the clip stored under url if it is still fresh.
func (c *ClipCache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clips[url]
	if !ok {
		return nil, false
	}
	if c.stale(cl, time.Now()) {
		c.dropLocked(url, cl)
		return nil, false
	}
	c.recency.MoveToBack(cl.pos)
	return cl.data, true
}

// Put stores a clip.
func (c *ClipCache) Put(url string, data []byte) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clips[url]; ok {
		cl.data = data
		cl.fetched = time.Now()
		c.recency.MoveToBack(cl.pos)
		return
	}

	for len(c.clips) >= c.capacity {
		lru := c.recency.Front()
		if lru == nil {
			break
		}
		victim, _ := lru.Value.(string)
		c.dropLocked(victim, c.clips[victim])
	}

	c.clips[url] = &clip{
		data:    data,
		fetched: time.Now(),
		pos:     c.recency.PushBack(url),
	}
}

// Len returns the number of cached clips.
func (c *ClipCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clips)
}

func (c *ClipCache) stale(cl *clip, now time.Time) bool {
	return now.Sub(cl.fetched) >= c.ttl
}

func (c *ClipCache) dropLocked(url string, cl *clip) {
	if cl != nil {
		c.recency.Remove(cl.pos)
	}
	delete(c.clips, url)
}

func (c *ClipCache) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.sweepExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *ClipCache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for url, cl := range c.clips {
		if c.stale(cl, now) {
			c.dropLocked(url, cl)
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *ClipCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
}
