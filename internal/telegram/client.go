// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/strikewatch/internal/logger"
)

// Controller exposes the loop pause/resume flags to bot commands.
type Controller interface {
	Snapshot() map[string]bool
	Set(ctx context.Context, name string, active bool) error
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	controller     Controller
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SetController enables the /status, /pause and /resume commands.
func (c *Client) SetController(ctrl Controller) {
	c.controller = ctrl
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	// Only the configured chat may control loops.
	if msg.Chat.ID != c.chatID {
		logger.Warn("Ignoring /%s from unknown chat %d", msg.Command(), msg.Chat.ID)
		return
	}
	text := c.commandReply(ctx, msg.Command(), msg.CommandArguments())
	if text == "" {
		return
	}
	if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

func (c *Client) commandReply(ctx context.Context, command, args string) string {
	switch command {
	case "ping":
		return "Pong"
	case "status":
		if c.controller == nil {
			return "Loop control unavailable"
		}
		return formatStatus(c.controller.Snapshot())
	case "pause", "resume":
		if c.controller == nil {
			return "Loop control unavailable"
		}
		name := strings.TrimSpace(args)
		if name == "" {
			return fmt.Sprintf("Usage: /%s <loop>", command)
		}
		active := command == "resume"
		if err := c.controller.Set(ctx, name, active); err != nil {
			return fmt.Sprintf("Failed to %s %s: %v", command, name, err)
		}
		if active {
			return fmt.Sprintf("Resumed %s", name)
		}
		return fmt.Sprintf("Paused %s", name)
	}
	return ""
}

func formatStatus(flags map[string]bool) string {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Loops:")
	for _, name := range names {
		state := "paused"
		if flags[name] {
			state = "running"
		}
		fmt.Fprintf(&b, "\n%s: %s", name, state)
	}
	return b.String()
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a loop failure notification.
// Call this only on the first occurrence of a consecutive failure sequence.
func (c *Client) SendError(loop string, cycleErr error) error {
	return c.sendMarkdownV2(formatError(loop, cycleErr))
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(loop string, failureCount int) error {
	return c.sendMarkdownV2(formatRecovery(loop, failureCount))
}

// SendCredentialExpired reports that the access token was rejected and all
// loops have stopped.
func (c *Client) SendCredentialExpired() error {
	return c.sendMarkdownV2("🔑 *Access token expired*\nAll loops halted\\. Refresh the token and restart\\.")
}

func formatError(loop string, cycleErr error) string {
	return fmt.Sprintf("⚠️ *%s cycle failed*\n`%s`", escapeMarkdownV2(loop), escapeMarkdownV2(cycleErr.Error()))
}

func formatRecovery(loop string, failureCount int) string {
	return fmt.Sprintf("✅ *%s recovered* after %d consecutive failure\\(s\\)", escapeMarkdownV2(loop), failureCount)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
