// Package telegram connects the engine to Telegram. It hosts the
// fleet: one connected telebot instance per enabled bot row, all
// sharing a tuned HTTP client and one asynchronous send dispatcher.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	coreconfig "github.com/botmata/botmata/core/config"
	"github.com/botmata/botmata/core/engine"
	"github.com/botmata/botmata/core/logger"
	"github.com/botmata/botmata/core/model"
	"github.com/botmata/botmata/core/telegram/middleware"
	"github.com/botmata/botmata/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// BotLister provides the set of bots the fleet should run.
type BotLister interface {
	EnabledBots(ctx context.Context) ([]model.Bot, error)
}

// FleetOptions configures Fleet construction.
type FleetOptions struct {
	Config     *coreconfig.Config
	Engine     *engine.Engine
	Bots       BotLister
	Dispatcher *sender.Dispatcher
}

type runningBot struct {
	meta      model.Bot
	bot       *tele.Bot
	messenger *Messenger
}

// Fleet runs one telebot instance per enabled bot. Each instance
// long-polls independently; updates funnel into the shared engine.
type Fleet struct {
	cfg        *coreconfig.Config
	engine     *engine.Engine
	bots       BotLister
	dispatcher *sender.Dispatcher

	mu      sync.Mutex
	running map[int64]*runningBot
	done    sync.WaitGroup
}

// NewFleet assembles a fleet; Start connects the bots.
func NewFleet(opts FleetOptions) (*Fleet, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("telegram: nil config provided")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("telegram: nil engine provided")
	}
	if opts.Bots == nil {
		return nil, fmt.Errorf("telegram: nil bot lister provided")
	}
	return &Fleet{
		cfg:        opts.Config,
		engine:     opts.Engine,
		bots:       opts.Bots,
		dispatcher: opts.Dispatcher,
		running:    make(map[int64]*runningBot),
	}, nil
}

// Start connects every enabled bot and begins consuming updates. It
// returns once all pollers are launched; Stop shuts them down.
func (f *Fleet) Start(ctx context.Context) error {
	bots, err := f.bots.EnabledBots(ctx)
	if err != nil {
		return fmt.Errorf("telegram: list bots: %w", err)
	}
	if len(bots) == 0 {
		logger.TG.Warn("no enabled bots",
			slog.String("event", "fleet.start"),
		)
		return nil
	}
	if strings.EqualFold(f.cfg.Telegram.RunMode, RunModeWebhook) && len(bots) > 1 {
		return fmt.Errorf("telegram: webhook mode supports a single bot, %d enabled", len(bots))
	}

	client := BuildHTTPClient()
	for _, meta := range bots {
		if err := f.launch(meta, client); err != nil {
			f.Stop()
			return err
		}
	}

	logger.TG.Info("fleet started",
		slog.String("event", "fleet.start"),
		slog.Int("count", len(bots)),
		slog.String("mode", strings.ToLower(f.cfg.Telegram.RunMode)),
	)
	return nil
}

func (f *Fleet) launch(meta model.Bot, client *http.Client) error {
	poller := BuildPoller(PollerOptions{
		RunMode:                f.cfg.Telegram.RunMode,
		LongPollTimeoutSeconds: f.cfg.Telegram.LongPollTimeoutSeconds,
		Webhook: WebhookOptions{
			Listen: f.cfg.Webhook.Listen,
			Port:   f.cfg.Webhook.Port,
			URL:    f.cfg.Webhook.URL,
		},
	})

	buildStart := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		Token:  meta.Token,
		Poller: poller,
		Client: client,
	})
	if err != nil {
		return fmt.Errorf("telegram: bot %d init failed: %w", meta.ID, err)
	}

	rb := &runningBot{
		meta:      meta,
		bot:       bot,
		messenger: NewMessenger(meta.ID, bot, f.dispatcher),
	}

	bot.Use(middleware.Recover)
	bot.Handle(tele.OnText, f.handleText(meta.ID))

	f.mu.Lock()
	f.running[meta.ID] = rb
	f.mu.Unlock()

	f.done.Add(1)
	go func() {
		defer f.done.Done()
		bot.Start()
	}()

	logger.TG.Info("bot connected",
		slog.String("event", "fleet.connect"),
		slog.Int64("bot_id", meta.ID),
		slog.String("username", logger.SanitizeLimit(meta.Name, 64)),
		slog.Duration("duration", logger.RoundMS(time.Since(buildStart))),
	)
	return nil
}

// Stop halts every poller and waits for in-flight handlers to finish.
func (f *Fleet) Stop() {
	f.mu.Lock()
	running := make([]*runningBot, 0, len(f.running))
	for _, rb := range f.running {
		running = append(running, rb)
	}
	f.running = make(map[int64]*runningBot)
	f.mu.Unlock()

	for _, rb := range running {
		rb.bot.Stop()
	}
	f.done.Wait()
}

// Messenger resolves the delivery path for one bot, used by the hook
// API to fan out broadcasts through the owning bot's connection.
func (f *Fleet) Messenger(botID int64) (engine.Messenger, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rb, ok := f.running[botID]
	if !ok {
		return nil, false
	}
	return rb.messenger, true
}

func (f *Fleet) handleText(botID int64) tele.HandlerFunc {
	return func(c tele.Context) error {
		upd := c.Update()
		chat := c.Chat()
		user := c.Sender()

		var chatID, userID int64
		if chat != nil {
			chatID = chat.ID
		}
		if user != nil {
			userID = user.ID
		}

		rid := logger.BuildRID(upd.ID, chatID, userID)
		ctx := logger.WithRID(logger.Background(), rid)
		ctx = logger.WithUpdateMeta(ctx, upd.ID, userID, chatID)
		ctx = logger.WithBotID(ctx, botID)

		if logger.ShouldSampleDebug() {
			logger.Debug(ctx, "tg", "update.received",
				slog.String("status", "ok"),
				slog.String("payload", logger.SanitizeLimit(c.Text(), 256)),
			)
		}

		f.mu.Lock()
		rb := f.running[botID]
		f.mu.Unlock()
		if rb == nil {
			return nil
		}

		update := engine.Update{
			BotID:  botID,
			ChatID: chatID,
			Text:   c.Text(),
			Raw:    rawUpdate(upd, chat, user),
		}

		_, err := f.engine.HandleUpdate(ctx, update, rb.messenger)
		logTurnError(ctx, err)
		// Errors were logged; returning them would only trigger
		// telebot's default error printer.
		return nil
	}
}

func logTurnError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, engine.ErrNoMatchingRule):
		if logger.ShouldSampleDebug() {
			logger.Debug(ctx, "engine", "turn.skip",
				slog.String("status", "skip"),
				slog.String("cause", "no_matching_rule"),
			)
		}
	case errors.Is(err, engine.ErrBotDisabled), errors.Is(err, engine.ErrBotNotFound):
		logger.Debug(ctx, "engine", "turn.skip",
			slog.String("status", "skip"),
			slog.String("cause", "bot_unavailable"),
		)
	default:
		attrs := []slog.Attr{
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		}
		var tmplErr *engine.TemplateError
		if errors.As(err, &tmplErr) {
			attrs = append(attrs, slog.String("err_code", tmplErr.Code()))
		}
		logger.Error(ctx, "engine", "turn.fail", attrs...)
	}
}

func rawUpdate(upd tele.Update, chat *tele.Chat, user *tele.User) map[string]any {
	raw := map[string]any{
		"update_id": upd.ID,
	}
	msg := map[string]any{}
	if upd.Message != nil {
		msg["message_id"] = upd.Message.ID
		msg["text"] = upd.Message.Text
		msg["date"] = upd.Message.Unixtime
	}
	if chat != nil {
		msg["chat"] = map[string]any{
			"id":    chat.ID,
			"type":  string(chat.Type),
			"title": chat.Title,
		}
	}
	if user != nil {
		msg["from"] = map[string]any{
			"id":         user.ID,
			"username":   user.Username,
			"first_name": user.FirstName,
			"last_name":  user.LastName,
		}
	}
	raw["message"] = msg
	return raw
}
