package botlib

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
)

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address (host:port, or a ws:// URL)
	Server string

	// Identity announced to the room (e.g., "[Bot] echo")
	Identity string

	// HardenedIV must match the server's chat_random_iv setting
	HardenedIV bool

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// HandleSignals stops the bot on SIGINT/SIGTERM
	HandleSignals bool
}

// Bot represents a cipherchat bot instance.
type Bot struct {
	config   Config
	conn     *connection
	logger   *log.Logger
	identity string

	// Identities seen joining since the bot connected, minus those that left
	members   map[string]int
	membersMu sync.RWMutex

	// Handlers
	onMessage MessageHandler
	onMention MessageHandler
	onJoin    MessageHandler
	onLeave   MessageHandler

	// Lifecycle
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}

	b := &Bot{
		config:   config,
		logger:   config.Logger,
		identity: config.Identity,
		members:  make(map[string]int),
		stopCh:   make(chan struct{}),
	}
	b.conn = newConnection(config.Server, config.HardenedIV)
	b.conn.onLine = b.handleLine
	b.conn.onDecryptError = func(err error) {
		b.logger.Printf("Dropping undecryptable message: %v", err)
	}
	return b
}

// NewQuiet creates a bot whose logger discards output.
func NewQuiet(config Config) *Bot {
	config.Logger = log.New(io.Discard, "", 0)
	return New(config)
}

// OnMessage registers a handler for chat lines that do not mention the bot.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// OnJoin registers a handler for "conectado" notices from other sessions.
func (b *Bot) OnJoin(handler MessageHandler) {
	b.onJoin = handler
}

// OnLeave registers a handler for "desconectado" notices.
func (b *Bot) OnLeave(handler MessageHandler) {
	b.onLeave = handler
}

// Run connects to the server and starts processing messages.
// Blocks until Stop() is called or the connection is lost.
// Handlers run on the receive goroutine, one at a time.
func (b *Bot) Run() error {
	if b.identity == "" {
		return fmt.Errorf("identity must not be empty")
	}
	b.logger.Printf("Connecting to %s as %q...", b.config.Server, b.identity)
	if err := b.conn.connect(b.identity); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	lost := make(chan error, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		lost <- b.conn.receiveLoop()
	}()

	b.logger.Printf("Bot is running")

	var sigCh chan os.Signal
	if b.config.HandleSignals {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case <-sigCh:
		b.logger.Printf("Shutdown signal received")
	case <-b.stopCh:
		b.logger.Printf("Stop requested")
	case err := <-lost:
		b.logger.Printf("Connection lost: %v", err)
		runErr = fmt.Errorf("connection lost: %w", err)
	}

	b.conn.close()
	b.wg.Wait()
	b.logger.Printf("Bot stopped")
	return runErr
}

// Stop gracefully stops the bot. Safe to call more than once.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Identity returns the bot's identity.
func (b *Bot) Identity() string {
	return b.identity
}

// Members returns the identities currently known to be connected, sorted.
// Only sessions that joined after the bot are known.
func (b *Bot) Members() []string {
	b.membersMu.RLock()
	names := make([]string, 0, len(b.members))
	for name := range b.members {
		names = append(names, name)
	}
	b.membersMu.RUnlock()

	sort.Strings(names)
	return names
}

// Say broadcasts text to the room.
func (b *Bot) Say(text string) error {
	return b.conn.send(text)
}

func (b *Bot) handleLine(line string) {
	msg := ParseMessage(line)
	msg.botIdentity = b.identity
	ctx := &Context{bot: b, message: &msg}

	switch msg.Kind {
	case KindJoin:
		b.membersMu.Lock()
		b.members[msg.Author]++
		b.membersMu.Unlock()
		// Our own join notice
		if msg.Author == b.identity {
			return
		}
		if b.onJoin != nil {
			b.onJoin(ctx, &msg)
		}

	case KindLeave:
		// Identities are not unique; count sessions per name
		b.membersMu.Lock()
		if b.members[msg.Author] <= 1 {
			delete(b.members, msg.Author)
		} else {
			b.members[msg.Author]--
		}
		b.membersMu.Unlock()
		if b.onLeave != nil {
			b.onLeave(ctx, &msg)
		}

	case KindChat:
		if msg.MentionsMe() && b.onMention != nil {
			b.onMention(ctx, &msg)
			return
		}
		if b.onMessage != nil {
			b.onMessage(ctx, &msg)
		}

	default:
		b.logger.Printf("Unrecognized line: %q", line)
	}
}
