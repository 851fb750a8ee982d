package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/botmata/botmata/core/logger"
	"github.com/botmata/botmata/core/model"
)

// BroadcastResult summarizes one hook trigger.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// Broadcaster renders a hook's response once per trigger and fans the
// identical message out to every subscribed recipient. Deliveries are
// independent: one failure never blocks or fails the others.
type Broadcaster struct {
	store    Store
	composer *Composer
}

// NewBroadcaster assembles a broadcaster sharing the engine's renderer.
func NewBroadcaster(store Store, renderer *Renderer) *Broadcaster {
	return &Broadcaster{store: store, composer: NewComposer(renderer)}
}

// Trigger looks up the hook by key, renders its response against the
// bot's env vars plus the external payload (the data branch), and
// delivers to all recipients in parallel. Per-recipient failures are
// aggregated and logged but only surface in the Failed count.
//
// Returns ErrHookNotFound for unknown keys and ErrHookDisabled when
// the hook is switched off.
func (b *Broadcaster) Trigger(ctx context.Context, key string, payload any, m Messenger) (*BroadcastResult, error) {
	start := time.Now()

	hook, err := b.store.HookByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load hook %q: %w", key, err)
	}
	if hook == nil {
		return nil, ErrHookNotFound
	}
	if !hook.Enabled {
		return nil, ErrHookDisabled
	}

	env, err := b.store.EnvVarsByBot(ctx, hook.BotID)
	if err != nil {
		return nil, fmt.Errorf("load env vars for bot %d: %w", hook.BotID, err)
	}

	rc := NewRenderContext()
	if err := rc.Add(BranchEnv, env); err != nil {
		return nil, err
	}
	if err := rc.Add(BranchData, payload); err != nil {
		return nil, err
	}

	reply, err := b.composer.Compose(&hook.Response, rc)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return &BroadcastResult{}, nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		errs      *multierror.Error
		delivered int
	)
	for _, recipient := range hook.Recipients {
		wg.Add(1)
		go func(r model.Recipient) {
			defer wg.Done()
			if err := m.Send(ctx, r.ChatID, reply.Text, reply.Keyboard); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("recipient %d: %w", r.ChatID, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(recipient)
	}
	wg.Wait()

	result := &BroadcastResult{
		Delivered: delivered,
		Failed:    len(hook.Recipients) - delivered,
	}
	attrs := []slog.Attr{
		slog.Int64("bot_id", hook.BotID),
		slog.String("hook_key", hook.Key),
		slog.Int("recipients", len(hook.Recipients)),
		slog.Int("delivered", result.Delivered),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	}
	if aggregate := errs.ErrorOrNil(); aggregate != nil {
		logger.Warn(ctx, "hook", "broadcast.partial",
			append(attrs, slog.String("err", aggregate.Error()))...)
	} else {
		logger.Info(ctx, "hook", "broadcast.sent", attrs...)
	}
	return result, nil
}
