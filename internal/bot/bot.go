// Package bot runs the Telegram command bot and broadcasts new signals to
// the configured channel.
package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/ratelimit"
	"metapulse/internal/session"
	"metapulse/internal/store"
)

// Sender delivers outgoing messages
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// UpdateSource yields incoming updates by long polling
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// SignalReader reads the current store state
type SignalReader interface {
	Latest() (store.Signal, bool)
	Snapshot() market.Snapshot
}

// MarketRefresher fetches a fresh snapshot on demand
type MarketRefresher interface {
	RefreshMarket(ctx context.Context) (market.Snapshot, error)
}

// CodeIssuer hands out session link codes
type CodeIssuer interface {
	IssueCode(chat session.ChatProfile) (session.LinkCode, error)
}

const (
	pollTimeoutSeconds = 60
	// requestTimeout bounds every Bot API call, long polls included
	requestTimeout = (pollTimeoutSeconds + 15) * time.Second
)

// HandlerFunc answers one command
type HandlerFunc func(ctx context.Context, msg *tgbotapi.Message) error

// Config holds bot settings
type Config struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"` // numeric chat ID or @channel
}

// Deps are the collaborators the default commands use
type Deps struct {
	Signals   SignalReader
	Refresher MarketRefresher
	Codes     CodeIssuer
}

// Bot is the Telegram front end
type Bot struct {
	api       Sender
	updates   UpdateSource
	channelID string
	deps      Deps
	throttle  *ratelimit.Throttle
	logger    *logging.Logger
	timeout   time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New connects to the Bot API with cfg.Token
func New(cfg Config, deps Deps, logger *logging.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram bot token missing")
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, &http.Client{Timeout: requestTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	b := NewWithAPI(api, api, cfg.ChannelID, deps, logger)
	b.logger.Info("Telegram bot authorized", "account", api.Self.UserName)
	return b, nil
}

// NewWithAPI builds a bot over existing transport. updates may be nil when
// the bot is only used for broadcasting.
func NewWithAPI(api Sender, updates UpdateSource, channelID string, deps Deps, logger *logging.Logger) *Bot {
	if logger == nil {
		logger = logging.Default()
	}
	b := &Bot{
		api:       api,
		updates:   updates,
		channelID: strings.TrimSpace(channelID),
		deps:      deps,
		throttle:  ratelimit.NewThrottle(2*time.Second, 3),
		logger:    logger.WithComponent("telegram"),
		timeout:   20 * time.Second,
		handlers:  make(map[string]HandlerFunc),
		stopChan:  make(chan struct{}),
	}
	b.registerDefaults()
	return b
}

// Handle registers handler for /name, replacing any previous one
func (b *Bot) Handle(name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[strings.ToLower(strings.TrimPrefix(name, "/"))] = handler
}

func (b *Bot) registerDefaults() {
	b.Handle("start", b.handleStart)
	b.Handle("signals", b.handleSignals)
	b.Handle("top", b.handleTop)
	b.Handle("link", b.handleLink)
}

// Start begins long polling in the background
func (b *Bot) Start(ctx context.Context) {
	if b.updates == nil {
		return
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := b.updates.GetUpdatesChan(u)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.stopChan:
				return
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				b.HandleUpdate(ctx, update)
			}
		}
	}()
	b.logger.Info("Telegram bot listening for commands")
}

// Stop ends polling and waits for the loop to exit
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		if b.updates != nil {
			b.updates.StopReceivingUpdates()
		}
		close(b.stopChan)
	})
	b.wg.Wait()
}

// HandleUpdate dispatches one update to its command handler
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	b.mu.RLock()
	handler, ok := b.handlers[strings.ToLower(msg.Command())]
	b.mu.RUnlock()
	if !ok {
		return
	}

	if !b.throttle.Allow(strconv.FormatInt(msg.Chat.ID, 10)) {
		b.logger.Debug("Command throttled", "chat_id", msg.Chat.ID, "command", msg.Command())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Command handler panicked", "command", msg.Command(), "panic", fmt.Sprint(r))
		}
	}()

	if err := handler(ctx, msg); err != nil {
		b.logger.WithError(err).Warn("Command failed", "command", msg.Command(), "chat_id", msg.Chat.ID)
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	return b.reply(ctx, msg.Chat.ID, "MetaPulse Bot online. Use /signals for latest insights, /top for volume leaders, /link to connect your web session.", false)
}

func (b *Bot) handleSignals(ctx context.Context, msg *tgbotapi.Message) error {
	var latest *store.Signal
	if s, ok := b.deps.Signals.Latest(); ok {
		latest = &s
	}
	return b.reply(ctx, msg.Chat.ID, FormatSignal(latest), true)
}

func (b *Bot) handleTop(ctx context.Context, msg *tgbotapi.Message) error {
	snap := b.deps.Signals.Snapshot()
	if snap.IsEmpty() && b.deps.Refresher != nil {
		fresh, err := b.deps.Refresher.RefreshMarket(ctx)
		if err != nil {
			b.logger.WithError(err).Warn("Lazy market refresh failed")
			return b.reply(ctx, msg.Chat.ID, "Unable to fetch data at the moment.", false)
		}
		snap = fresh
	}
	return b.reply(ctx, msg.Chat.ID, FormatVolumeLeaders(snap.Highlights.VolumeLeaders), true)
}

func (b *Bot) handleLink(ctx context.Context, msg *tgbotapi.Message) error {
	chat := session.ChatProfile{ChatID: msg.Chat.ID}
	if msg.From != nil {
		chat.Username = msg.From.UserName
		chat.FirstName = msg.From.FirstName
	}

	code, err := b.deps.Codes.IssueCode(chat)
	if err != nil {
		_ = b.reply(ctx, msg.Chat.ID, "Unable to create a link code right now.", false)
		return err
	}

	text := fmt.Sprintf("Session link code: *%s*\n%s",
		escape(code.Code),
		escape(fmt.Sprintf("Expires: %s. Enter this code inside the MetaPulse Console to link your session.",
			code.ExpiresAt.UTC().Format("15:04:05 UTC"))),
	)
	return b.reply(ctx, msg.Chat.ID, text, true)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, markdown bool) error {
	m := tgbotapi.NewMessage(chatID, text)
	if markdown {
		m.ParseMode = tgbotapi.ModeMarkdownV2
	}
	return b.send(ctx, m)
}

// send stops waiting on the Bot API once ctx is done. The request itself is
// bounded by the HTTP client timeout.
func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	done := make(chan error, 1)
	go func() {
		_, err := b.api.Send(c)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements the fanout notifier contract
func (b *Bot) Name() string {
	return "telegram"
}

// IsEnabled reports whether a broadcast channel is configured
func (b *Bot) IsEnabled() bool {
	return b.api != nil && b.channelID != ""
}

// Send broadcasts signal to the configured channel
func (b *Bot) Send(ctx context.Context, signal store.Signal) error {
	if !b.IsEnabled() {
		return nil
	}

	var m tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(b.channelID, 10, 64); err == nil {
		m = tgbotapi.NewMessage(id, FormatSignal(&signal))
	} else {
		m = tgbotapi.NewMessageToChannel(b.channelID, FormatSignal(&signal))
	}
	m.ParseMode = tgbotapi.ModeMarkdownV2

	if err := b.send(ctx, m); err != nil {
		return fmt.Errorf("telegram broadcast failed: %w", err)
	}
	return nil
}
