// Package telegram implements the Telegram channel adapter on the Bot API
// via long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/store"
)

// ChannelID is the adapter id.
const ChannelID = "telegram"

// chunkLimit is the Bot API message length cap.
const chunkLimit = 4096

// Config configures one bot account.
type Config struct {
	Token   string
	Account string // logical account id ("bot1")
	Proxy   string
	// PollTimeout is the long-poll timeout in seconds. Default 30.
	PollTimeout int
}

// InboundFunc receives normalized inbound messages.
type InboundFunc func(ctx context.Context, msg channels.InboundMessage)

// CallbackFunc receives inline button callback data.
type CallbackFunc func(ctx context.Context, data string)

// Adapter is the Telegram channel.
type Adapter struct {
	bot     *telego.Bot
	cfg     Config
	cursors store.CursorStore
	logger  *slog.Logger

	onInbound  InboundFunc
	onCallback CallbackFunc

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter. cursors persists the update offset across
// restarts; onInbound and onCallback may be nil for send-only use.
func New(cfg Config, cursors store.CursorStore, onInbound InboundFunc, onCallback CallbackFunc, logger *slog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token required")
	}
	if cfg.Account == "" {
		cfg.Account = "bot1"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Adapter{
		bot:        bot,
		cfg:        cfg,
		cursors:    cursors,
		logger:     logger,
		onInbound:  onInbound,
		onCallback: onCallback,
	}, nil
}

func (a *Adapter) ID() string { return ChannelID }

func (a *Adapter) Meta() channels.Meta {
	return channels.Meta{
		Name: ChannelID,
		Capabilities: channels.Capabilities{
			EditSupport: true,
			ChunkLimit:  chunkLimit,
		},
	}
}

// Start begins long polling. The update offset resumes from the persisted
// cursor so redelivery after a restart is bounded.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	params := &telego.GetUpdatesParams{
		Timeout:        a.cfg.PollTimeout,
		AllowedUpdates: []string{"message", "callback_query"},
	}
	if a.cursors != nil {
		if offset, err := a.cursors.Cursor(ChannelID, a.cfg.Account); err != nil {
			a.logger.Warn("telegram cursor load failed", "error", err)
		} else if offset > 0 {
			params.Offset = int(offset)
		}
	}

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, params)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	a.logger.Info("telegram bot polling", "account", a.cfg.Account)

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("telegram updates channel closed")
					return
				}
				a.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update goroutine so Telegram
// releases the getUpdates lock before a new instance starts.
func (a *Adapter) Stop(_ context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			a.logger.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update) {
	if a.cursors != nil {
		if err := a.cursors.SetCursor(ChannelID, a.cfg.Account, int64(update.UpdateID)+1); err != nil {
			a.logger.Warn("telegram cursor save failed", "error", err)
		}
	}

	switch {
	case update.Message != nil:
		msg, ok := Normalize(a.cfg.Account, update.Message)
		if !ok {
			return
		}
		if a.onInbound != nil {
			a.onInbound(ctx, msg)
		}

	case update.CallbackQuery != nil:
		q := update.CallbackQuery
		if a.onCallback != nil {
			a.onCallback(ctx, q.Data)
		}
		if err := a.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: q.ID,
		}); err != nil {
			a.logger.Debug("telegram callback ack failed", "error", err)
		}
	}
}

// Deliver executes one outbound operation.
func (a *Adapter) Deliver(ctx context.Context, op channels.Op) (channels.ProviderResult, error) {
	chatID, err := parseChatID(op.Peer)
	if err != nil {
		return channels.ProviderResult{}, &channels.PermanentError{
			Status: 400, Err: fmt.Errorf("bad chat id %q: %w", op.Peer, err),
		}
	}

	switch op.Kind {
	case channels.OpSend:
		if len(op.Media) > 0 {
			return a.sendMedia(ctx, chatID, op)
		}
		return a.sendText(ctx, chatID, op)
	case channels.OpEdit:
		return a.edit(ctx, chatID, op)
	case channels.OpDelete:
		return a.delete(ctx, chatID, op)
	default:
		return channels.ProviderResult{}, &channels.PermanentError{
			Status: 400, Err: fmt.Errorf("unsupported op kind %q", op.Kind),
		}
	}
}

func (a *Adapter) sendText(ctx context.Context, chatID int64, op channels.Op) (channels.ProviderResult, error) {
	params := tu.Message(tu.ID(chatID), op.Text)
	if tid := threadID(op.Thread); tid > 0 {
		params.MessageThreadID = tid
	}
	if op.ReplyTo != "" {
		if rid, err := strconv.Atoi(op.ReplyTo); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: rid}
		}
	}
	if markup := buttonMarkup(op.Buttons); markup != nil {
		params.ReplyMarkup = markup
	}

	msg, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		return channels.ProviderResult{}, classifyError(err)
	}
	return channels.ProviderResult{MessageID: strconv.Itoa(msg.MessageID)}, nil
}

func (a *Adapter) sendMedia(ctx context.Context, chatID int64, op channels.Op) (channels.ProviderResult, error) {
	media := make([]telego.InputMedia, 0, len(op.Media))
	for i, item := range op.Media {
		photo := &telego.InputMediaPhoto{
			Type:  telego.MediaTypePhoto,
			Media: telego.InputFile{URL: item.URL},
		}
		if i == 0 && op.Text != "" {
			photo.Caption = op.Text
		} else if item.Caption != "" {
			photo.Caption = item.Caption
		}
		media = append(media, photo)
	}

	params := &telego.SendMediaGroupParams{ChatID: tu.ID(chatID), Media: media}
	if tid := threadID(op.Thread); tid > 0 {
		params.MessageThreadID = tid
	}

	msgs, err := a.bot.SendMediaGroup(ctx, params)
	if err != nil {
		return channels.ProviderResult{}, classifyError(err)
	}
	if len(msgs) == 0 {
		return channels.ProviderResult{}, nil
	}
	return channels.ProviderResult{MessageID: strconv.Itoa(msgs[0].MessageID)}, nil
}

func (a *Adapter) edit(ctx context.Context, chatID int64, op channels.Op) (channels.ProviderResult, error) {
	mid, err := strconv.Atoi(op.MessageID)
	if err != nil {
		return channels.ProviderResult{}, &channels.PermanentError{
			Status: 400, Err: fmt.Errorf("bad message id %q: %w", op.MessageID, err),
		}
	}
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: mid,
		Text:      op.Text,
	}
	if markup := buttonMarkup(op.Buttons); markup != nil {
		params.ReplyMarkup = markup
	}

	if _, err := a.bot.EditMessageText(ctx, params); err != nil {
		// Editing to identical content is a no-op, not a failure.
		if strings.Contains(err.Error(), "message is not modified") {
			return channels.ProviderResult{MessageID: op.MessageID}, nil
		}
		return channels.ProviderResult{}, classifyError(err)
	}
	return channels.ProviderResult{MessageID: op.MessageID}, nil
}

func (a *Adapter) delete(ctx context.Context, chatID int64, op channels.Op) (channels.ProviderResult, error) {
	mid, err := strconv.Atoi(op.MessageID)
	if err != nil {
		return channels.ProviderResult{}, &channels.PermanentError{
			Status: 400, Err: fmt.Errorf("bad message id %q: %w", op.MessageID, err),
		}
	}
	if err := a.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: mid,
	}); err != nil {
		return channels.ProviderResult{}, classifyError(err)
	}
	return channels.ProviderResult{MessageID: op.MessageID}, nil
}

// classifyError maps Bot API failures onto the queue's retry taxonomy.
func classifyError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "message to delete not found"):
		return channels.ErrDeleteNotFound
	case strings.Contains(lower, "too many requests"):
		return &channels.RateLimitedError{RetryAfter: parseRetryAfter(msg)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "bad gateway") || strings.Contains(lower, "gateway timeout") ||
		strings.Contains(lower, "internal server error") {
		return &channels.TransientError{Err: err}
	}
	return &channels.PermanentError{Status: 400, Err: err}
}

// parseRetryAfter extracts the wait from "Too Many Requests: retry after N".
func parseRetryAfter(msg string) time.Duration {
	idx := strings.LastIndex(strings.ToLower(msg), "retry after ")
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len("retry after "):]
	if cut := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' }); cut >= 0 {
		rest = rest[:cut]
	}
	secs, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func buttonMarkup(rows [][]channels.Button) *telego.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, telego.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		keyboard = append(keyboard, btns)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: keyboard}
}

func parseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func threadID(s string) int {
	if s == "" {
		return 0
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return id
}
