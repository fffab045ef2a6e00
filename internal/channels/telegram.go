package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/glwlg/X-bot-sub002/internal/heartbeat"
	"github.com/glwlg/X-bot-sub002/internal/otel"
)

// PlatformTelegram is the platform name used for task sources and heartbeat
// delivery targets.
const PlatformTelegram = "telegram"

// maxMessageRunes is Telegram's per-message text limit.
const maxMessageRunes = 4096

// ErrNotConnected is returned when sending before Start has connected.
var ErrNotConnected = errors.New("telegram: bot not connected")

type TelegramConfig struct {
	Token      string
	AllowedIDs []int64
	Chat       *Chat
	Logger     *slog.Logger
	Metrics    *otel.Metrics
}

// TelegramChannel implements the Channel interface for Telegram. It also
// implements heartbeat.Notifier for targets on the telegram platform.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	chat       *Chat
	logger     *slog.Logger
	metrics    *otel.Metrics

	mu  sync.RWMutex
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      cfg.Token,
		allowedIDs: allowed,
		chat:       cfg.Chat,
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

func (t *TelegramChannel) Name() string {
	return PlatformTelegram
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()

	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil && update.Message.From != nil {
				if !t.allowed(update.Message.From.ID) {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}

			// Button presses are handled as if the user had typed the
			// button's callback data.
			if q := update.CallbackQuery; q != nil && q.From != nil {
				if !t.allowed(q.From.ID) {
					t.logger.Warn("telegram callback access denied", "user_id", q.From.ID)
					continue
				}
				t.handleCallbackQuery(ctx, q)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	t.metrics.BridgeMessage(ctx, "telegram_in")
	t.chat.Handle(ctx, Message{
		UserID: strconv.FormatInt(msg.From.ID, 10),
		ChatID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:   msg.Text,
	}, chatReplier{ch: t, chatID: msg.Chat.ID})
}

func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, q *tgbotapi.CallbackQuery) {
	bot := t.client()
	if bot != nil {
		if _, err := bot.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			t.logger.Warn("failed to answer callback query", "error", err)
		}
	}
	if q.Message == nil || q.Data == "" {
		return
	}
	t.chat.Handle(ctx, Message{
		UserID: strconv.FormatInt(q.From.ID, 10),
		ChatID: strconv.FormatInt(q.Message.Chat.ID, 10),
		Text:   q.Data,
	}, chatReplier{ch: t, chatID: q.Message.Chat.ID})
}

// Notify delivers a heartbeat or forwarded task result.
func (t *TelegramChannel) Notify(ctx context.Context, target heartbeat.Target, userID, text string, level heartbeat.Level) error {
	if target.Platform != PlatformTelegram {
		return fmt.Errorf("telegram: cannot deliver to platform %q", target.Platform)
	}
	chatID, err := strconv.ParseInt(target.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", target.ChatID, err)
	}
	t.logger.Debug("telegram notify", "user_id", userID, "level", level)
	return t.send(ctx, chatID, Reply{Text: text})
}

func (t *TelegramChannel) client() *tgbotapi.BotAPI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

func (t *TelegramChannel) send(ctx context.Context, chatID int64, r Reply) error {
	bot := t.client()
	if bot == nil {
		return ErrNotConnected
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		text = "(no output)"
	}
	chunks := splitMessage(text, maxMessageRunes)
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(chatID, chunk)
		// Buttons go on the last chunk.
		if i == len(chunks)-1 {
			if kb, ok := keyboardFromUI(r.UI); ok {
				msg.ReplyMarkup = kb
			}
		}
		if _, err := bot.Send(msg); err != nil {
			t.logger.Error("failed to send telegram reply", "chat_id", chatID, "error", err)
			return err
		}
		t.metrics.BridgeMessage(ctx, "telegram_out")
	}
	return nil
}

type chatReplier struct {
	ch     *TelegramChannel
	chatID int64
}

func (r chatReplier) Reply(ctx context.Context, reply Reply) error {
	return r.ch.send(ctx, r.chatID, reply)
}

// keyboardFromUI builds an inline keyboard from ui["actions"], a list of
// button rows. Each button needs text plus callback_data or url.
func keyboardFromUI(ui map[string]any) (tgbotapi.InlineKeyboardMarkup, bool) {
	rowsRaw, ok := ui["actions"].([]any)
	if !ok {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, rowRaw := range rowsRaw {
		buttonsRaw, ok := rowRaw.([]any)
		if !ok {
			continue
		}
		var row []tgbotapi.InlineKeyboardButton
		for _, b := range buttonsRaw {
			spec, ok := b.(map[string]any)
			if !ok {
				continue
			}
			text, _ := spec["text"].(string)
			if text == "" {
				continue
			}
			if url, _ := spec["url"].(string); url != "" {
				row = append(row, tgbotapi.NewInlineKeyboardButtonURL(text, url))
				continue
			}
			if data, _ := spec["callback_data"].(string); data != "" {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(text, data))
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	r := []rune(text)
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, strings.TrimRight(string(r[:cut]), "\n"))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
