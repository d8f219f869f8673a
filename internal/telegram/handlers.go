package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const commandTimeout = 15 * time.Second

// handleMessage processes an incoming message. Only the configured chat is answered.
func (b *Bot) handleMessage(msg Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.ChatID != b.chatID {
		return
	}

	parts := strings.Fields(text)
	command := strings.ToLower(parts[0])
	// Commands may be addressed as /status@botname in group chats.
	if i := strings.IndexByte(command, '@'); i > 0 {
		command = command[:i]
	}
	args := parts[1:]

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch command {
	case "/start", "/help":
		b.reply(msg.ChatID, formatHelp())
	case "/status":
		b.handleStatus(msg.ChatID)
	case "/users":
		b.handleUsers(ctx, msg.ChatID)
	case "/auth":
		b.handleAuthURL(ctx, msg.ChatID, args)
	default:
		b.sendErrorMessage(msg.ChatID, fmt.Sprintf("Unknown command: %s. Type /help for available commands.", command))
	}
}

// handleStatus handles the /status command
func (b *Bot) handleStatus(chatID int64) {
	if b.onGetJobs == nil {
		b.sendErrorMessage(chatID, "Scheduler is not configured")
		return
	}
	b.reply(chatID, formatJobs(b.onGetJobs(), b.loc))
}

// handleUsers handles the /users command
func (b *Bot) handleUsers(ctx context.Context, chatID int64) {
	if b.onGetUsers == nil {
		b.sendErrorMessage(chatID, "Credential store is not configured")
		return
	}

	users, err := b.onGetUsers(ctx)
	if err != nil {
		b.sendErrorMessage(chatID, fmt.Sprintf("Failed to list users: %v", err))
		return
	}
	b.reply(chatID, formatUsers(users, b.loc))
}

// handleAuthURL handles the /auth command
func (b *Bot) handleAuthURL(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		b.reply(chatID, "Usage: /auth &lt;user_id&gt;")
		return
	}
	if b.onBuildAuthURL == nil {
		b.sendErrorMessage(chatID, "Authorization is not configured")
		return
	}

	u, err := b.onBuildAuthURL(ctx, args[0])
	if err != nil {
		b.sendErrorMessage(chatID, fmt.Sprintf("Failed to build link: %v", err))
		return
	}
	b.reply(chatID, formatAuthLink(args[0], u))
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.send(chatID, text); err != nil {
		b.logger.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	b.reply(chatID, "❌ "+escape(text))
}
