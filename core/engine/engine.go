// Package engine implements the message-routing and templated-dispatch
// core: rule matching with priority and state constraints, context
// aware template rendering, the outbound HTTP execution step, the
// per-chat state machine and the hook broadcast fan-out.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/botmata/botmata/core/logger"
	"github.com/botmata/botmata/core/model"
)

// Update is the parsed inbound message the engine consumes: which bot
// it addresses, the chat identity, the text to match, and the raw
// structure templates see under the update branch.
type Update struct {
	BotID  int64
	ChatID int64
	Text   string
	Raw    map[string]any
}

// Messenger delivers rendered replies to the chat platform. A nil
// keyboard sends plain text.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, keyboard [][]string) error
}

// BotSource resolves bots. BotByID returns (nil, nil) for unknown IDs.
type BotSource interface {
	BotByID(ctx context.Context, id int64) (*model.Bot, error)
}

// RuleSource lists a bot's rules. Implementations may serve cached
// sets; the engine treats the slice as read-only.
type RuleSource interface {
	RulesByBot(ctx context.Context, botID int64) ([]model.Rule, error)
}

// EnvSource provides the bot's environment variables as a flat map.
type EnvSource interface {
	EnvVarsByBot(ctx context.Context, botID int64) (map[string]string, error)
}

// HookSource resolves hooks by their trigger key, recipients included.
// Returns (nil, nil) for unknown keys.
type HookSource interface {
	HookByKey(ctx context.Context, key string) (*model.Hook, error)
}

// Store groups every read model and the chat-state writes the engine
// needs from the persistence collaborator.
type Store interface {
	BotSource
	RuleSource
	EnvSource
	HookSource
	ChatStateStore
}

// Options tune the engine.
type Options struct {
	// RequestTimeout bounds each outbound HTTP call. Zero selects the
	// dispatcher default.
	RequestTimeout time.Duration
}

// Engine orchestrates the inbound message path. One instance serves
// all bots; every update is an independent unit of work.
type Engine struct {
	store      Store
	renderer   *Renderer
	dispatcher *Dispatcher
	composer   *Composer
	states     *StateMachine
}

// New assembles an engine over the given store.
func New(store Store, opts Options) *Engine {
	renderer := NewRenderer()
	return &Engine{
		store:      store,
		renderer:   renderer,
		dispatcher: NewDispatcher(renderer, opts.RequestTimeout),
		composer:   NewComposer(renderer),
		states:     NewStateMachine(store),
	}
}

// Renderer exposes the shared template renderer.
func (e *Engine) Renderer() *Renderer { return e.renderer }

// States exposes the state machine, mainly for tests and diagnostics.
func (e *Engine) States() *StateMachine { return e.states }

// HandleUpdate runs one turn end to end: resolve the bot, serialize on
// the chat, match a rule, optionally execute its request, compose the
// reply, apply the state transition and deliver via messenger.
//
// ErrBotNotFound, ErrBotDisabled and ErrNoMatchingRule are terminal
// and produce no reply; so does any *TemplateError. An upstream call
// failure is not terminal: it flows into the response branch and the
// response template decides what the user sees.
func (e *Engine) HandleUpdate(ctx context.Context, upd Update, m Messenger) (*Reply, error) {
	start := time.Now()

	bot, err := e.store.BotByID(ctx, upd.BotID)
	if err != nil {
		return nil, fmt.Errorf("load bot %d: %w", upd.BotID, err)
	}
	if bot == nil {
		return nil, ErrBotNotFound
	}
	if !bot.Enabled {
		return nil, ErrBotDisabled
	}

	unlock := e.states.Lock(bot.ID, upd.ChatID)
	defer unlock()

	cs, err := e.states.Current(ctx, bot.ID, upd.ChatID)
	if err != nil {
		return nil, err
	}
	var current *string
	if cs != nil {
		current = cs.StateName
	}

	rules, err := e.store.RulesByBot(ctx, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("load rules for bot %d: %w", bot.ID, err)
	}
	match, err := MatchRule(rules, upd.Text, current)
	if err != nil {
		return nil, err
	}

	rc, err := e.buildContext(ctx, bot.ID, match, upd, cs)
	if err != nil {
		return nil, err
	}

	if match.Rule.Request != nil {
		body, result, err := e.dispatcher.Execute(ctx, match.Rule.Request, rc)
		if err != nil {
			return nil, err
		}
		if err := rc.Add(BranchResponse, body); err != nil {
			return nil, err
		}
		logUpstream(ctx, match.Rule, result)
	}

	reply, err := e.composer.Compose(&match.Rule.Response, rc)
	if err != nil {
		return nil, err
	}

	if err := e.states.Apply(ctx, bot.ID, upd.ChatID, match.Rule.TargetState, serializeTurnContext(rc)); err != nil {
		return nil, err
	}

	if reply != nil && m != nil {
		if err := m.Send(ctx, upd.ChatID, reply.Text, reply.Keyboard); err != nil {
			return reply, fmt.Errorf("deliver reply: %w", err)
		}
	}

	logger.Info(ctx, "engine", "turn.handled",
		slog.String("status", "ok"),
		slog.Int64("bot_id", bot.ID),
		slog.Int64("chat_id", upd.ChatID),
		slog.Int64("rule_id", match.Rule.ID),
		slog.String("rule", match.Rule.Name),
		slog.Bool("kb", reply != nil && len(reply.Keyboard) > 0),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)
	return reply, nil
}

func (e *Engine) buildContext(ctx context.Context, botID int64, match *Match, upd Update, cs *model.ChatState) (*RenderContext, error) {
	env, err := e.store.EnvVarsByBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("load env vars for bot %d: %w", botID, err)
	}

	rc := NewRenderContext()
	if err := rc.Add(BranchEnv, env); err != nil {
		return nil, err
	}
	if err := rc.Add(BranchURL, match.URLParams); err != nil {
		return nil, err
	}
	if err := rc.Add(BranchUpdate, upd.Raw); err != nil {
		return nil, err
	}
	if cs != nil && cs.Context != "" {
		var prev any
		if json.Unmarshal([]byte(cs.Context), &prev) == nil {
			if err := rc.Add(BranchStateContext, prev); err != nil {
				return nil, err
			}
		}
	}
	return rc, nil
}

// serializeTurnContext snapshots the branches worth carrying into the
// next turn. The blob is opaque to the state machine.
func serializeTurnContext(rc *RenderContext) string {
	snapshot := make(map[string]any, 2)
	if v, ok := rc.Branch(BranchURL); ok {
		snapshot[BranchURL] = v
	}
	if v, ok := rc.Branch(BranchResponse); ok {
		snapshot[BranchResponse] = v
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return ""
	}
	return string(data)
}

func logUpstream(ctx context.Context, rule *model.Rule, result CallResult) {
	attrs := []slog.Attr{
		slog.Int64("rule_id", rule.ID),
		slog.String("method", rule.Request.Method),
		slog.Int("http_code", result.Status),
	}
	if result.OK() {
		logger.Debug(ctx, "engine", "upstream.call", append(attrs, slog.String("status", "ok"))...)
		return
	}
	if result.Err != nil {
		attrs = append(attrs, slog.String("err", result.Err.Error()))
	}
	logger.Warn(ctx, "engine", "upstream.call", append(attrs, slog.String("status", "fail"))...)
}
