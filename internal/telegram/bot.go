// Package telegram notifies an operator chat about users that need to
// re-authorize and answers a few status commands.
package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yuguri76/fitbit/internal/logging"
	"github.com/yuguri76/fitbit/internal/models"
)

// Message represents a message received by the bot
type Message struct {
	ID        int64
	ChatID    int64
	Text      string
	Timestamp time.Time
}

// BotAPI interface for Telegram bot operations (allows mocking in tests)
type BotAPI interface {
	SendMessage(chatID int64, text string) error
	GetUpdates() ([]Message, error)
}

// ParseModeSender allows sending messages with parse mode (HTML/MarkdownV2).
type ParseModeSender interface {
	SendMessageWithParseMode(chatID int64, text string, parseMode string) error
}

// DedupLimiter prevents duplicate messages within a time window
type DedupLimiter struct {
	sent   map[string]time.Time
	window time.Duration
	mu     sync.Mutex
	now    func() time.Time
}

// NewDedupLimiter creates a new deduplication limiter
func NewDedupLimiter(window time.Duration) *DedupLimiter {
	return &DedupLimiter{
		sent:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// CanSend checks if a message can be sent (not a duplicate)
func (dl *DedupLimiter) CanSend(key string) bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	now := dl.now()
	if sentAt, exists := dl.sent[key]; exists {
		if now.Sub(sentAt) < dl.window {
			return false
		}
	}
	dl.sent[key] = now
	return true
}

// Cleanup removes old entries from the dedup limiter
func (dl *DedupLimiter) Cleanup() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	now := dl.now()
	for key, sentAt := range dl.sent {
		if now.Sub(sentAt) > dl.window {
			delete(dl.sent, key)
		}
	}
}

// UserSummary is one line of the /users reply.
type UserSummary struct {
	UserID    string
	TokenAge  time.Duration
	ExpiresAt time.Time
	Jobs      int
}

// BotOptions contains optional configuration for the bot
type BotOptions struct {
	Limiter      *rate.Limiter
	DedupLimiter *DedupLimiter
	BotAPI       BotAPI
	Logger       *logging.Logger
	Location     *time.Location
}

// Bot sends re-authorization notices to one operator chat.
type Bot struct {
	chatID  int64
	enabled bool
	limiter *rate.Limiter
	dedup   *DedupLimiter
	api     BotAPI
	logger  *logging.Logger
	loc     *time.Location

	// Context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	msgChan chan Message

	// Callbacks for command handlers
	onGetJobs      func() []models.ScheduledJob
	onGetUsers     func(ctx context.Context) ([]UserSummary, error)
	onBuildAuthURL func(ctx context.Context, userID string) (string, error)
}

// NewBot creates a bot for chatID. A disabled bot accepts every call and sends nothing.
func NewBot(chatID int64, enabled bool, opts *BotOptions) *Bot {
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		chatID:  chatID,
		enabled: enabled,
		ctx:     ctx,
		cancel:  cancel,
		msgChan: make(chan Message, 100),
	}

	if opts != nil {
		b.limiter = opts.Limiter
		b.dedup = opts.DedupLimiter
		b.api = opts.BotAPI
		b.logger = opts.Logger
		b.loc = opts.Location
	}

	// 30 messages per minute
	if b.limiter == nil {
		b.limiter = rate.NewLimiter(rate.Every(2*time.Second), 30)
	}
	if b.dedup == nil {
		b.dedup = NewDedupLimiter(time.Hour)
	}
	if b.logger == nil {
		b.logger = logging.NewNop()
	}
	if b.loc == nil {
		b.loc = time.UTC
	}

	return b
}

// SetJobsCallback sets the source of the /status reply.
func (b *Bot) SetJobsCallback(cb func() []models.ScheduledJob) {
	b.onGetJobs = cb
}

// SetUsersCallback sets the source of the /users reply.
func (b *Bot) SetUsersCallback(cb func(ctx context.Context) ([]UserSummary, error)) {
	b.onGetUsers = cb
}

// SetAuthURLCallback sets how authorization links are built.
func (b *Bot) SetAuthURLCallback(cb func(ctx context.Context, userID string) (string, error)) {
	b.onBuildAuthURL = cb
}

// Start starts the command loop
func (b *Bot) Start() error {
	if !b.enabled {
		return nil
	}
	if b.api == nil {
		return fmt.Errorf("bot api is required")
	}
	if b.chatID == 0 {
		return fmt.Errorf("chat id is required")
	}

	b.wg.Add(2)
	go b.processMessages()
	go b.pollUpdates()

	b.wg.Add(1)
	go b.dedupCleanup()

	return nil
}

// Stop gracefully stops the bot
func (b *Bot) Stop() error {
	b.cancel()

	// Wait for all goroutines to finish
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for bot to stop")
	}
}

// processMessages processes incoming messages
func (b *Bot) processMessages() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-b.msgChan:
			if !ok {
				return
			}
			b.handleMessage(msg)
		}
	}
}

// pollUpdates polls the Telegram API for updates and forwards them to the message channel.
func (b *Bot) pollUpdates() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		updates, err := b.api.GetUpdates()
		if err != nil {
			b.logger.Debug("telegram poll failed", "error", err)
			b.sleep(2 * time.Second)
			continue
		}

		if len(updates) == 0 {
			b.sleep(250 * time.Millisecond)
			continue
		}

		for _, msg := range updates {
			select {
			case <-b.ctx.Done():
				return
			case b.msgChan <- msg:
			default:
				// Drop if buffer is full to avoid blocking
			}
		}
	}
}

func (b *Bot) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-b.ctx.Done():
	case <-t.C:
	}
}

// dedupCleanup periodically cleans up old dedup entries
func (b *Bot) dedupCleanup() {
	defer b.wg.Done()

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.dedup.Cleanup()
		}
	}
}

// SendMessage sends an HTML message to the configured chat
func (b *Bot) SendMessage(text string) error {
	return b.send(b.chatID, text)
}

func (b *Bot) send(chatID int64, text string) error {
	if !b.enabled || b.api == nil {
		return nil
	}
	if !b.limiter.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	if sender, ok := b.api.(ParseModeSender); ok {
		return sender.SendMessageWithParseMode(chatID, text, "HTML")
	}
	return b.api.SendMessage(chatID, text)
}

// NotifyReauthRequired tells the operator that a user's job was stopped.
// Repeated notices for the same user within the dedup window are dropped.
func (b *Bot) NotifyReauthRequired(ctx context.Context, userID string, cadence models.Cadence, cause error) error {
	if !b.enabled {
		return nil
	}
	if !b.dedup.CanSend("reauth:" + userID) {
		return nil
	}

	var authURL string
	if b.onBuildAuthURL != nil {
		u, err := b.onBuildAuthURL(ctx, userID)
		if err != nil {
			b.logger.WarnWithContext(ctx, "build authorization link failed", "user_id", userID, "error", err)
		} else {
			authURL = u
		}
	}
	return b.SendMessage(formatReauth(userID, cadence, cause, authURL))
}

// IsEnabled returns whether the bot is enabled
func (b *Bot) IsEnabled() bool {
	return b.enabled
}

// GetChatID returns the configured chat ID
func (b *Bot) GetChatID() int64 {
	return b.chatID
}
