// Package notify forwards job-lifecycle bus events to an operator
// notification channel over
// github.com/go-telegram-bot-api/telegram-bot-api/v5, stripped down
// to a one-way summary forwarder rather than a two-way chat front end.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/numerus-run/numerus/internal/bus"
)

// Config holds a Telegram notifier's construction-time dependencies.
type Config struct {
	Token      string
	AllowedIDs []int64
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// TelegramNotifier subscribes to job.succeeded, job.failed, and
// job.roles_assigned on the event bus and forwards a one-line summary
// to every configured chat id.
type TelegramNotifier struct {
	bot        *tgbotapi.BotAPI
	allowedIDs []int64
	eventBus   *bus.Bus
	logger     *slog.Logger

	mu   sync.Mutex
	subs []bus.Unsubscribe
}

// New dials the Telegram Bot API and returns a notifier ready to Start.
func New(cfg Config) (*TelegramNotifier, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.AllowedIDs) == 0 {
		return nil, fmt.Errorf("notify: telegram notifier requires at least one allowed chat id")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram init: %w", err)
	}
	return &TelegramNotifier{
		bot:        bot,
		allowedIDs: cfg.AllowedIDs,
		eventBus:   cfg.Bus,
		logger:     cfg.Logger,
	}, nil
}

// Start subscribes to the job-lifecycle topics. It is idempotent: a
// second call is a no-op if subscriptions are already active.
func (n *TelegramNotifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.subs) > 0 {
		return
	}
	n.subs = append(n.subs,
		n.eventBus.Subscribe("job.succeeded", n.forward("Job succeeded")),
		n.eventBus.Subscribe("job.failed", n.forward("Job failed")),
		n.eventBus.Subscribe("job.roles_assigned", n.forward("Roles assigned")),
	)
	n.logger.Info("notify: telegram notifier started", "bot_user", n.bot.Self.UserName)
}

// Stop cancels all bus subscriptions. Safe to call more than once.
func (n *TelegramNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, unsub := range n.subs {
		unsub()
	}
	n.subs = nil
}

func (n *TelegramNotifier) forward(label string) bus.Handler {
	return func(topic string, payload bus.Payload) {
		text := formatSummary(label, topic, payload)
		for _, chatID := range n.allowedIDs {
			msg := tgbotapi.NewMessage(chatID, text)
			if _, err := n.bot.Send(msg); err != nil {
				n.logger.Error("notify: telegram send failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func formatSummary(label, topic string, payload bus.Payload) string {
	var b strings.Builder
	b.WriteString(label)
	if jobID, ok := payload["job_id"].(string); ok && jobID != "" {
		fmt.Fprintf(&b, " — job %s", jobID)
	}
	if taskID, ok := payload["task_id"].(string); ok && taskID != "" {
		fmt.Fprintf(&b, " (task %s)", taskID)
	}
	if errMsg, ok := payload["error"].(string); ok && errMsg != "" {
		fmt.Fprintf(&b, ": %s", errMsg)
	}
	fmt.Fprintf(&b, " [%s]", topic)
	return b.String()
}
