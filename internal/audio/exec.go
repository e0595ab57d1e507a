// ABOUTME: Player that downloads clips and plays them through an external command such as ffplay
// ABOUTME: Pauses by suspending the player process and rewinds by restarting it

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// DefaultCommand plays a file given as the final argument and exits at the end.
var DefaultCommand = []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"}

// Fetcher downloads synthesized audio.
type Fetcher interface {
	FetchAudio(ctx context.Context, url string) ([]byte, error)
}

// ExecPlayer implements Player with an external command.
type ExecPlayer struct {
	fetch   Fetcher
	command []string
	cache   *ClipCache
	logger  *slog.Logger
}

// NewExecPlayer creates an ExecPlayer. An empty command uses DefaultCommand;
// cache may be nil.
func NewExecPlayer(fetch Fetcher, command []string, cache *ClipCache, logger *slog.Logger) *ExecPlayer {
	if len(command) == 0 {
		command = DefaultCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecPlayer{
		fetch:   fetch,
		command: append([]string(nil), command...),
		cache:   cache,
		logger:  logger.With("component", "audio.exec"),
	}
}

// Available reports whether the player command can be found on PATH.
func (p *ExecPlayer) Available() bool {
	_, err := exec.LookPath(p.command[0])
	return err == nil
}

// Load fetches the clip (or takes it from the cache) and writes it to a
// temporary file ready for playback.
func (p *ExecPlayer) Load(ctx context.Context, url string) (Track, error) {
	data, ok := []byte(nil), false
	if p.cache != nil {
		data, ok = p.cache.Get(url)
	}
	if !ok {
		var err error
		data, err = p.fetch.FetchAudio(ctx, url)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, errors.New("speech endpoint returned no audio")
		}
		if p.cache != nil {
			p.cache.Put(url, data)
		}
	} else {
		p.logger.Debug("clip cache hit")
	}

	f, err := os.CreateTemp("", "parley-*.mp3")
	if err != nil {
		return nil, fmt.Errorf("creating clip file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing clip file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing clip file: %w", err)
	}

	return &execTrack{
		command: p.command,
		path:    f.Name(),
		done:    make(chan error, 1),
		logger:  p.logger,
	}, nil
}

// execTrack runs one player process at a time for a clip file.
type execTrack struct {
	command []string
	path    string
	logger  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	paused bool
	closed bool
	done   chan error
}

func (t *execTrack) Done() <-chan error {
	return t.done
}

func (t *execTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New("track closed")
	}
	if t.cmd != nil {
		if t.paused {
			if err := resumeProcess(t.cmd.Process); err != nil {
				return fmt.Errorf("resuming player: %w", err)
			}
			t.paused = false
		}
		return nil
	}

	args := append(append([]string(nil), t.command[1:]...), t.path)
	cmd := exec.Command(t.command[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", t.command[0], err)
	}
	t.cmd = cmd
	t.paused = false
	go t.wait(cmd)
	return nil
}

// wait reports the exit of cmd unless the track has moved on from it.
func (t *execTrack) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != cmd || t.closed {
		return
	}
	t.cmd = nil
	if err != nil {
		err = fmt.Errorf("%s exited: %w", t.command[0], err)
	}
	t.done <- err
}

func (t *execTrack) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil || t.paused {
		return nil
	}
	if err := suspendProcess(t.cmd.Process); err != nil {
		return fmt.Errorf("pausing player: %w", err)
	}
	t.paused = true
	return nil
}

func (t *execTrack) Rewind() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killLocked()
}

// killLocked terminates the current process. The next Play starts over.
func (t *execTrack) killLocked() error {
	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	t.cmd = nil
	t.paused = false
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stopping player: %w", err)
	}
	return nil
}

func (t *execTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	err := t.killLocked()
	t.closed = true
	close(t.done)
	if rmErr := os.Remove(t.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		t.logger.Debug("removing clip file", "path", t.path, "error", rmErr)
	}
	return err
}
