// ABOUTME: Entry point for the parley terminal chat client
// ABOUTME: Loads config, opens storage, wires the API client, session manager and audio controller

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/parley/internal/api"
	"github.com/2389/parley/internal/audio"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/llm"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
                  _
 _ __   __ _ _ __| | ___ _   _
| '_ \ / _' | '__| |/ _ \ | | |
| |_) | (_| | |  | |  __/ |_| |
| .__/ \__,_|_|  |_|\___|\__, |
|_|                      |___/
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Server:  %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Storage: %s\n", describeStorage(cfg.Storage))
	green.Print("    ▶ ")
	fmt.Printf("Chat:    %s\n", cfg.Chat.Backend)
	fmt.Println()

	logger.Info("starting parley",
		"config", configPath,
		"server", cfg.Server.BaseURL,
		"storage", cfg.Storage.Driver,
		"chat_backend", cfg.Chat.Backend,
	)

	kv, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer kv.Close()
	adapter := store.NewAdapter(kv, cfg.Storage.Namespace, logger)

	nav := newNavigator()
	client := api.New(api.Options{
		BaseURL:   cfg.Server.BaseURL,
		APIPrefix: cfg.Server.APIPrefix,
		Session:   adapter,
		Navigator: nav,
		Logger:    logger,
	})

	var backend api.ChatBackend = client
	if cfg.Chat.Backend == config.BackendOpenAI {
		backend = llm.New(llm.Config{
			BaseURL: cfg.Chat.OpenAIBaseURL,
			APIKey:  cfg.Chat.OpenAIAPIKey,
			Model:   cfg.Chat.OpenAIModel,
			Logger:  logger,
		})
	}

	// Warm up the speech service without holding up the prompt
	go func() {
		wctx, wcancel := context.WithTimeout(ctx, cfg.Server.RequestTimeout)
		defer wcancel()
		if err := client.Initialize(wctx); err != nil {
			logger.Warn("speech warm-up failed", "error", err)
		}
	}()

	mgr := session.NewManager(adapter, backend, logger)
	defer mgr.Close()

	var player *audio.Controller
	if cfg.Audio.Enabled {
		cache := audio.NewClipCache(cfg.Audio.ClipCacheTTL, cfg.Audio.ClipCacheSize)
		defer cache.Close()
		exec := audio.NewExecPlayer(client, cfg.Audio.Player, cache, logger)
		if exec.Available() {
			player = audio.NewController(exec, client, logger)
			defer player.Close()
		} else {
			logger.Warn("audio player not found, speech disabled", "command", cfg.Audio.Player)
		}
	}

	a := &app{
		ctx:     ctx,
		cfg:     cfg,
		auth:    auth.NewSession(client, adapter, logger),
		session: mgr,
		audio:   player,
		nav:     nav,
		out:     newConsole(os.Stdout),
		lines:   readLines(ctx, os.Stdin),
		logger:  logger.With("component", "cli"),
	}
	return a.loop()
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func describeStorage(cfg config.StorageConfig) string {
	switch cfg.Driver {
	case config.DriverMongo:
		return fmt.Sprintf("mongo (%s/%s)", cfg.MongoDatabase, cfg.MongoCollection)
	case config.DriverMemory:
		return "memory (not persisted)"
	default:
		return fmt.Sprintf("%s (%s)", cfg.Driver, cfg.Path)
	}
}

// openStore opens the configured key/value backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.Path)
	case config.DriverBolt:
		return store.NewBoltStore(cfg.Path)
	case config.DriverMongo:
		return store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// navigator tracks the current screen. The API client navigates to the
// entry route when the session expires; the loop picks that up from
// expired.
type navigator struct {
	mu       sync.Mutex
	location string
	expired  chan struct{}
}

func newNavigator() *navigator {
	return &navigator{
		location: api.EntryRoute,
		expired:  make(chan struct{}, 1),
	}
}

func (n *navigator) Location() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.location
}

func (n *navigator) Navigate(path string) {
	n.mu.Lock()
	n.location = path
	n.mu.Unlock()
	if path == api.EntryRoute {
		select {
		case n.expired <- struct{}{}:
		default:
		}
	}
}

// signedOut returns to the entry route and drops any pending expiry.
func (n *navigator) signedOut() {
	n.mu.Lock()
	n.location = api.EntryRoute
	n.mu.Unlock()
	select {
	case <-n.expired:
	default:
	}
}

// setupLogger builds the logger from config. Logs go to the configured file
// so they do not interleave with the chat; stderr when no file is set.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closer = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = &colorHandler{
			out:   w,
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler), closer, nil
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		out:    h.out,
		mu:     h.mu,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		out:    h.out,
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
