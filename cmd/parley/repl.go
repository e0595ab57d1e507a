// ABOUTME: Interactive terminal loop: credential prompts, chat input and slash commands
// ABOUTME: Replies and playback changes arrive through subscriptions and are printed as they happen

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/parley/internal/api"
	"github.com/2389/parley/internal/audio"
	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/llm"
	"github.com/2389/parley/internal/render"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// chatRoute is the location reported to the API client once signed in.
const chatRoute = "/chat"

var errQuit = errors.New("quit")

// console serializes writes from the loop and the subscription goroutines.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{out: w}
}

func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) Println(args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, args...)
}

// readLines feeds stdin lines into a channel that closes on EOF.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

type app struct {
	ctx     context.Context
	cfg     *config.Config
	auth    *auth.Session
	session *session.Manager
	audio   *audio.Controller // nil when no player is installed
	nav     *navigator
	out     *console
	lines   <-chan string
	logger  *slog.Logger
}

// loop runs sign-in followed by the chat prompt until the user quits.
func (a *app) loop() error {
	for {
		if err := a.signIn(); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}
		err := a.chat()
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// readLine prints prompt and waits for one line of input.
func (a *app) readLine(prompt string) (string, error) {
	a.out.Printf("%s", prompt)
	select {
	case <-a.ctx.Done():
		return "", errQuit
	case line, ok := <-a.lines:
		if !ok {
			return "", errQuit
		}
		return strings.TrimSpace(line), nil
	}
}

// signIn restores the stored user or prompts for credentials, then loads
// that user's conversations.
func (a *app) signIn() error {
	user, ok := a.auth.Restore(a.ctx)
	for !ok {
		var err error
		user, err = a.promptCredentials()
		if err != nil {
			return err
		}
		ok = user != nil
	}

	a.nav.Navigate(chatRoute)
	if err := a.session.Initialize(a.ctx, user); err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}
	a.out.Println(color.GreenString("Signed in as %s", displayName(user)))
	a.out.Println("Type a message and press Enter. /help for commands.")
	a.out.Println()
	a.printMessages()
	return nil
}

func (a *app) promptCredentials() (*store.User, error) {
	choice, err := a.readLine("(l)ogin, (r)egister or (q)uit? ")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(choice) {
	case "q", "quit", "/quit":
		return nil, errQuit
	case "r", "register":
		name, err := a.readLine("Name: ")
		if err != nil {
			return nil, err
		}
		email, err := a.readLine("Email: ")
		if err != nil {
			return nil, err
		}
		password, err := a.readLine("Password: ")
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(a.ctx, a.cfg.Server.RequestTimeout)
		defer cancel()
		u, err := a.auth.Register(ctx, api.RegisterRequest{Name: name, Email: email, Password: password})
		if err != nil {
			a.printError(auth.Message(err))
			return nil, nil
		}
		return u, nil
	default:
		email, err := a.readLine("Email: ")
		if err != nil {
			return nil, err
		}
		password, err := a.readLine("Password: ")
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(a.ctx, a.cfg.Server.RequestTimeout)
		defer cancel()
		u, err := a.auth.Login(ctx, email, password)
		if err != nil {
			a.printError(auth.Message(err))
			return nil, nil
		}
		return u, nil
	}
}

// chat runs the prompt for the signed-in user. Returns nil when the user
// logs out or the session expires.
func (a *app) chat() error {
	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	replies, _ := a.session.Subscribe(ctx, session.TopicReply)
	go a.watchReplies(replies)
	if a.audio != nil {
		playback, _ := a.audio.Subscribe(ctx)
		go a.watchAudio(playback)
	}

	for {
		a.out.Printf("%s", a.prompt())

		var line string
		select {
		case <-ctx.Done():
			return errQuit
		case <-a.nav.expired:
			a.signOut()
			a.printError("Your session has expired. Please log in again.")
			return nil
		case l, ok := <-a.lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			a.send(line)
			continue
		}

		done, err := a.command(line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (a *app) prompt() string {
	title := "?"
	if conv, ok := a.session.ActiveConversation(); ok {
		title = conv.Title
	}
	if a.session.IsLoading() {
		return color.HiBlackString("[%s …]", title) + "> "
	}
	return color.HiBlackString("[%s]", title) + "> "
}

// send starts a request from the input loop and waits for the reply in the
// background. The user message is appended before send returns, so lines
// keep their order; the reply is printed by watchReplies and the prompt
// stays usable for /cancel and switching.
func (a *app) send(text string) {
	pending := a.session.StartMessage(a.ctx, text)
	go func() {
		res := pending()
		a.logger.Debug("send settled", "outcome", res.Outcome.String(), "conversation_id", res.ConversationID)
		if res.Outcome == session.OutcomeDeclined && res.ConversationID != "" {
			a.out.Println("Started a new conversation. Send your message again.")
		}
	}()
}

func (a *app) regenerate(messageID string) {
	pending := a.session.StartRegenerate(a.ctx, messageID)
	go func() {
		if res := pending(); res.Outcome == session.OutcomeDeclined {
			a.out.Println("Nothing to regenerate there.")
		}
	}()
}

func (a *app) watchReplies(changes <-chan session.Change) {
	for change := range changes {
		res := change.Result
		if res == nil || res.Message == nil {
			continue
		}
		active, _ := a.session.ActiveConversation()
		if change.ConversationID == active.ID {
			a.out.Println()
			a.printMessage(*res.Message)
			continue
		}
		title := change.ConversationID
		for _, c := range a.session.Conversations() {
			if c.ID == change.ConversationID {
				title = c.Title
				break
			}
		}
		a.out.Printf("\n%s\n", color.CyanString("(reply ready in %q, /list to switch)", title))
	}
}

func (a *app) watchAudio(events <-chan audio.Event) {
	for ev := range events {
		switch ev.Type {
		case audio.TopicPlay:
			a.out.Println(color.HiBlackString("♪ playing"))
		case audio.TopicPause:
			a.out.Println(color.HiBlackString("♪ paused"))
		case audio.TopicEnd:
			a.out.Println(color.HiBlackString("♪ finished"))
		case audio.TopicError:
			a.printError(fmt.Sprintf("Audio failed: %v", ev.Err))
		}
	}
}

// command runs a slash command. done reports that the chat prompt should
// return to sign-in.
func (a *app) command(line string) (done bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit", "/q":
		return false, errQuit
	case "/help":
		printHelp(a.out)
	case "/new":
		a.session.CreateConversation(a.ctx)
		a.out.Println("Started a new conversation.")
	case "/list":
		a.listConversations()
	case "/use":
		conv, ok := a.conversationAt(arg)
		if !ok {
			a.printError("Usage: /use N (see /list)")
			break
		}
		if a.session.SelectConversation(a.ctx, conv.ID) {
			a.printMessages()
		}
	case "/delete":
		conv, ok := a.session.ActiveConversation()
		if arg != "" {
			conv, ok = a.conversationAt(arg)
		}
		if !ok {
			a.printError("Usage: /delete [N] (see /list)")
			break
		}
		if a.session.DeleteConversation(a.ctx, conv.ID) {
			a.out.Printf("Deleted %q.\n", conv.Title)
		}
	case "/clear":
		answer, err := a.readLine("Delete every conversation? (y/N) ")
		if err != nil {
			return false, err
		}
		if strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes") {
			a.session.DeleteAllConversations(a.ctx)
			a.out.Println("All conversations deleted.")
		}
	case "/regen":
		msg, ok := a.messageAt(arg, true)
		if !ok {
			a.printError("No assistant message to regenerate.")
			break
		}
		a.regenerate(msg.ID)
	case "/good", "/bad":
		msg, ok := a.messageAt(arg, true)
		if !ok || !a.session.ProvideMessageFeedback(a.ctx, msg.ID, name == "/good") {
			a.printError("No assistant message to rate.")
			break
		}
		a.out.Println("Thanks for the feedback.")
	case "/cancel":
		if !a.session.StopResponse() {
			a.out.Println("Nothing to cancel.")
		}
	case "/speak":
		a.speak(arg)
	case "/pause":
		if a.audio == nil || a.audio.State().ActiveMessageID == "" {
			a.out.Println("Nothing is playing.")
			break
		}
		a.audio.TogglePlayPause()
	case "/stop":
		if a.audio != nil {
			a.audio.Stop()
		}
	case "/lang":
		a.language(arg)
	case "/messages":
		a.printMessages()
	case "/logout":
		a.signOut()
		if err := a.auth.Logout(a.ctx); err != nil {
			a.logger.Error("logout failed", "error", err)
		}
		a.out.Println("Logged out.")
		return true, nil
	default:
		a.printError(fmt.Sprintf("Unknown command %s. /help lists commands.", name))
	}
	return false, nil
}

// signOut drops all in-memory user state.
func (a *app) signOut() {
	if a.audio != nil {
		a.audio.Stop()
	}
	a.session.Reset()
	a.auth.Forget()
	a.nav.signedOut()
}

func (a *app) speak(arg string) {
	if a.audio == nil {
		a.printError("Speech is unavailable: no audio player configured.")
		return
	}
	msg, ok := a.messageAt(arg, true)
	if !ok {
		a.printError("No assistant message to read.")
		return
	}
	lang := msg.Language
	if lang == "" {
		lang = a.session.PreferredLanguage(a.ctx)
	}
	text := render.Speech(msg.Content)
	go func() {
		if _, err := a.audio.Speak(a.ctx, text, lang, msg.ID); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("speak failed", "message_id", msg.ID, "error", err)
		}
	}()
}

func (a *app) language(arg string) {
	if arg == "" {
		code := a.session.PreferredLanguage(a.ctx)
		a.out.Printf("Language: %s (%s)\n", code, llm.LanguageName(code))
		return
	}
	if err := a.session.SetPreferredLanguage(a.ctx, arg); err != nil {
		a.printError(fmt.Sprintf("Could not save language: %v", err))
		return
	}
	a.out.Printf("Replies will be in %s.\n", llm.LanguageName(arg))
}

func (a *app) listConversations() {
	convs := a.session.Conversations()
	active, _ := a.session.ActiveConversation()
	processing := a.session.ProcessingConversationID()
	for i, c := range convs {
		marker := " "
		if c.ID == active.ID {
			marker = "*"
		}
		line := fmt.Sprintf("%s %2d. %s", marker, i+1, c.Title)
		if c.ID == processing {
			line += color.YellowString(" (waiting)")
		}
		a.out.Printf("%s  %s\n", line, color.HiBlackString(c.LastActivity.Local().Format("Jan 2 15:04")))
	}
}

func (a *app) printMessages() {
	msgs := a.session.Messages()
	if len(msgs) == 0 {
		a.out.Println(color.HiBlackString("(no messages yet)"))
		return
	}
	for _, msg := range msgs {
		a.printMessage(msg)
	}
}

func (a *app) printMessage(msg store.Message) {
	switch {
	case msg.IsError:
		a.out.Println(color.RedString("assistant: %s", msg.Content))
	case msg.IsAI():
		text := render.PlainText(msg.Content)
		switch msg.Feedback {
		case store.FeedbackPositive:
			text += color.HiBlackString(" [+]")
		case store.FeedbackNegative:
			text += color.HiBlackString(" [-]")
		}
		a.out.Printf("%s %s\n", color.GreenString("assistant:"), text)
	default:
		a.out.Printf("%s %s\n", color.BlueString("you:"), msg.Content)
	}
}

func (a *app) printError(msg string) {
	a.out.Println(color.RedString(msg))
}

// conversationAt resolves a 1-based index from /list.
func (a *app) conversationAt(arg string) (store.Conversation, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return store.Conversation{}, false
	}
	convs := a.session.Conversations()
	if n < 1 || n > len(convs) {
		return store.Conversation{}, false
	}
	return convs[n-1], true
}

// messageAt resolves a 1-based message index of the active conversation.
// An empty arg picks the latest assistant message when aiOnly is set.
func (a *app) messageAt(arg string, aiOnly bool) (store.Message, bool) {
	return pickMessage(a.session.Messages(), arg, aiOnly)
}

func pickMessage(msgs []store.Message, arg string, aiOnly bool) (store.Message, bool) {
	if arg == "" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if !aiOnly || msgs[i].IsAI() {
				return msgs[i], true
			}
		}
		return store.Message{}, false
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(msgs) {
		return store.Message{}, false
	}
	msg := msgs[n-1]
	if aiOnly && !msg.IsAI() {
		return store.Message{}, false
	}
	return msg, true
}

func displayName(u *store.User) string {
	if u.Name != "" {
		return u.Name
	}
	if u.Email != "" {
		return u.Email
	}
	return string(u.ID)
}

func printHelp(out *console) {
	out.Println("Commands:")
	out.Println("  /new           Start a new conversation")
	out.Println("  /list          List conversations")
	out.Println("  /use N         Switch to conversation N")
	out.Println("  /delete [N]    Delete conversation N (default: current)")
	out.Println("  /clear         Delete every conversation")
	out.Println("  /messages      Show the current conversation")
	out.Println("  /regen [N]     Regenerate assistant message N (default: latest)")
	out.Println("  /good [N]      Rate an assistant message as helpful")
	out.Println("  /bad [N]       Rate an assistant message as unhelpful")
	out.Println("  /cancel        Stop waiting for the current reply")
	out.Println("  /speak [N]     Read an assistant message aloud")
	out.Println("  /pause         Pause or resume playback")
	out.Println("  /stop          Stop playback")
	out.Println("  /lang [code]   Show or set the reply language")
	out.Println("  /logout        Sign out")
	out.Println("  /help          Show this help")
	out.Println("  /quit          Exit")
}
