package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig mirrors config.go's telegram.* section.
type TelegramConfig struct {
	Token       string
	UseWebhook  bool
	WebhookURL  string
	ListenHost  string
	ListenPort  int
	PollTimeout int
}

// Telegram is the production Transport, grounded on
// other_examples/jazztong-remote-terminal__telegram.go's bot wiring but
// generalized to the Transport interface instead of owning sessions
// itself.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	cfg     TelegramConfig
	updates chan Update
	log     *slog.Logger
}

func NewTelegram(cfg TelegramConfig, log *slog.Logger) (*Telegram, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{
		bot:     bot,
		cfg:     cfg,
		updates: make(chan Update, 64),
		log:     log.With("component", "transport.telegram"),
	}, nil
}

func (t *Telegram) Updates() <-chan Update {
	return t.updates
}

func (t *Telegram) Send(ctx context.Context, out Outbound) error {
	msg := tgbotapi.NewMessage(out.ChatID, out.Text)
	if len(out.Buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(out.Buttons))
		for _, b := range out.Buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Action),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	_, err := t.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// Run starts either long-polling or a webhook HTTP server, translating
// tgbotapi updates into Update values on the Updates() channel, and
// answering callback queries so Telegram stops showing a spinner.
func (t *Telegram) Run(ctx context.Context) error {
	defer close(t.updates)

	if t.cfg.UseWebhook {
		return t.runWebhook(ctx)
	}
	return t.runPolling(ctx)
}

func (t *Telegram) runPolling(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.PollTimeout
	if u.Timeout == 0 {
		u.Timeout = 60
	}
	raw := t.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		case upd, ok := <-raw:
			if !ok {
				return nil
			}
			t.dispatch(upd)
		}
	}
}

func (t *Telegram) runWebhook(ctx context.Context) error {
	wh, err := tgbotapi.NewWebhook(t.cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("build webhook: %w", err)
	}
	if _, err := t.bot.Request(wh); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}

	raw := t.bot.ListenForWebhook("/")
	addr := t.cfg.ListenHost + ":" + strconv.Itoa(t.cfg.ListenPort)
	srv := &http.Server{Addr: addr}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Error("webhook server error", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	for upd := range raw {
		t.dispatch(upd)
	}
	return nil
}

func (t *Telegram) dispatch(upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		cb := upd.CallbackQuery
		answer := tgbotapi.NewCallback(cb.ID, "")
		if _, err := t.bot.Request(answer); err != nil {
			t.log.Warn("failed to answer callback query", "err", err)
		}
		chatID := int64(0)
		if cb.Message != nil {
			chatID = cb.Message.Chat.ID
		}
		t.updates <- Update{
			UserID:       strconv.FormatInt(cb.From.ID, 10),
			ChatID:       chatID,
			CallbackData: cb.Data,
		}
	case upd.Message != nil:
		t.updates <- Update{
			UserID: strconv.FormatInt(upd.Message.From.ID, 10),
			ChatID: upd.Message.Chat.ID,
			Text:   upd.Message.Text,
		}
	}
}
