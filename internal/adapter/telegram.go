package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/genba/internal/config"
	"github.com/harunnryd/genba/internal/engine"
	genbaErrors "github.com/harunnryd/genba/internal/errors"
	"github.com/harunnryd/genba/internal/store"
	"github.com/harunnryd/genba/internal/task"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const defaultUpdateTimeout = 30

// TelegramAdapter is the chat surface: plain messages become task
// submissions, slash commands drive approvals and rollbacks. Each chat
// maps to one session keyed (chat_id, "telegram").
type TelegramAdapter struct {
	token         string
	updateTimeout int
	engine        *engine.Engine
	store         *store.Store
	bot           *tgbotapi.BotAPI
	updates       tgbotapi.UpdatesChannel
}

func NewTelegramAdapter(cfg config.TelegramConfig, eng *engine.Engine, st *store.Store) *TelegramAdapter {
	updateTimeout := cfg.UpdateTimeout
	if updateTimeout <= 0 {
		updateTimeout = defaultUpdateTimeout
	}
	return &TelegramAdapter{
		token:         cfg.BotToken,
		updateTimeout: updateTimeout,
		engine:        eng,
		store:         st,
	}
}

func (a *TelegramAdapter) Name() string {
	return "telegram"
}

func (a *TelegramAdapter) Start(ctx context.Context) error {
	var err error
	a.bot, err = tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return genbaErrors.Wrap(err, "failed to init telegram bot")
	}

	slog.Info("Telegram adapter started", "user", a.bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = a.updateTimeout
	a.updates = a.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-a.updates:
				a.handleUpdate(ctx, update)
			}
		}
	}()

	return nil
}

func (a *TelegramAdapter) Stop(ctx context.Context) error {
	if a.bot != nil {
		a.bot.StopReceivingUpdates()
	}
	return nil
}

func (a *TelegramAdapter) Health(ctx context.Context) error {
	if a.bot == nil {
		return genbaErrors.Transient("telegram bot not initialized")
	}
	if _, err := a.bot.GetMe(); err != nil {
		return genbaErrors.Transient("telegram connection failed: " + err.Error())
	}
	return nil
}

func (a *TelegramAdapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}

	msg := update.Message
	key := task.SessionKey{
		ChatID: fmt.Sprintf("%d", msg.Chat.ID),
		Source: "telegram",
	}

	reply := a.dispatch(ctx, key, msg.Text)
	if reply == "" {
		return
	}
	if err := a.send(msg.Chat.ID, reply); err != nil {
		slog.Error("Failed to send telegram reply", "chat_id", key.ChatID, "error", err)
	}
}

func (a *TelegramAdapter) dispatch(ctx context.Context, key task.SessionKey, text string) string {
	text = strings.TrimSpace(text)

	switch {
	case strings.HasPrefix(text, "/approve"):
		return a.supplyApproval(ctx, key, true)
	case strings.HasPrefix(text, "/reject"):
		return a.supplyApproval(ctx, key, false)
	case strings.HasPrefix(text, "/answer"):
		return a.supplyAnswer(ctx, key, strings.TrimSpace(strings.TrimPrefix(text, "/answer")))
	case strings.HasPrefix(text, "/rollback"):
		return a.rollback(ctx, key, strings.TrimSpace(strings.TrimPrefix(text, "/rollback")))
	case strings.HasPrefix(text, "/status"):
		return a.status(key)
	case strings.HasPrefix(text, "/dryrun"):
		return a.submit(ctx, key, strings.TrimSpace(strings.TrimPrefix(text, "/dryrun")), true)
	case strings.HasPrefix(text, "/"):
		return "Unknown command. Use /approve, /reject, /answer, /rollback, /status or /dryrun."
	default:
		return a.submit(ctx, key, text, false)
	}
}

func (a *TelegramAdapter) submit(ctx context.Context, key task.SessionKey, input string, dryRun bool) string {
	if input == "" {
		return "Tell me what to change."
	}

	t, pos, err := a.engine.Submit(ctx, key, input, dryRun, false, "")
	if err != nil {
		slog.Error("Telegram submission failed", "session", key.String(), "error", err)
		return "Could not queue that: " + err.Error()
	}

	if pos == 0 {
		return fmt.Sprintf("Queued %s, starting now.", t.ID)
	}
	return fmt.Sprintf("Queued %s at position %d.", t.ID, pos)
}

func (a *TelegramAdapter) supplyApproval(ctx context.Context, key task.SessionKey, approved bool) string {
	taskID := a.awaitingTaskID(key)
	if taskID == "" {
		return "Nothing is waiting for your approval."
	}

	t, err := a.engine.SupplyInput(ctx, taskID, engine.Input{Approval: &approved})
	if err != nil {
		return "Could not apply that: " + err.Error()
	}

	if !approved {
		return fmt.Sprintf("Rejected %s.", t.ID)
	}
	return fmt.Sprintf("Approved %s, proceeding.", t.ID)
}

func (a *TelegramAdapter) supplyAnswer(ctx context.Context, key task.SessionKey, answer string) string {
	if answer == "" {
		return "Usage: /answer <your answer>"
	}

	taskID := a.awaitingTaskID(key)
	if taskID == "" {
		return "Nothing is waiting for an answer."
	}

	if _, err := a.engine.SupplyInput(ctx, taskID, engine.Input{Answer: answer}); err != nil {
		return "Could not apply that: " + err.Error()
	}
	return "Got it, continuing."
}

func (a *TelegramAdapter) rollback(ctx context.Context, key task.SessionKey, taskID string) string {
	if taskID == "" {
		sess := a.store.Load(key)
		if sess == nil {
			return "No session to roll back."
		}
		taskID = lastFinishedTaskID(sess)
		if taskID == "" {
			return "No finished task to roll back."
		}
	}

	t, err := a.engine.Rollback(ctx, taskID)
	if err != nil {
		return "Rollback failed: " + err.Error()
	}
	return fmt.Sprintf("Rolled back %s.", t.ID)
}

func (a *TelegramAdapter) status(key task.SessionKey) string {
	sess := a.store.Load(key)
	if sess == nil || sess.ActiveTaskID == "" {
		return "No active task."
	}

	t, ok := sess.Tasks[sess.ActiveTaskID]
	if !ok {
		return "No active task."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s", t.ID, t.Status)
	if t.Awaiting {
		fmt.Fprintf(&sb, " (awaiting %s)", t.AwaitingType)
	}
	if len(sess.TaskQueue) > 0 {
		fmt.Fprintf(&sb, "\n%d more queued.", len(sess.TaskQueue))
	}
	if t.Status == task.StatusDiffReady && len(t.Diffs) > 0 {
		sb.WriteString("\n\nPending diffs:\n")
		for path, diff := range t.Diffs {
			fmt.Fprintf(&sb, "\n%s\n%s", path, truncate(diff, 800))
		}
		sb.WriteString("\nReply /approve or /reject.")
	}
	return sb.String()
}

// awaitingTaskID resolves the session's active task when it is waiting
// for input.
func (a *TelegramAdapter) awaitingTaskID(key task.SessionKey) string {
	sess := a.store.Load(key)
	if sess == nil || sess.ActiveTaskID == "" {
		return ""
	}
	t, ok := sess.Tasks[sess.ActiveTaskID]
	if !ok || !t.Awaiting {
		return ""
	}
	return t.ID
}

func lastFinishedTaskID(sess *task.Session) string {
	var latest *task.Task
	for _, t := range sess.Tasks {
		if t.Status != task.StatusFailed && t.Status != task.StatusCompleted {
			continue
		}
		if latest == nil || t.UpdatedAt.After(latest.UpdatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return ""
	}
	return latest.ID
}

func (a *TelegramAdapter) send(chatID int64, content string) error {
	msg := tgbotapi.NewMessage(chatID, content)
	_, err := a.bot.Send(msg)
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
