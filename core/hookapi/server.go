// Package hookapi exposes the external trigger endpoint. A POST to
// /hooks/{key} authenticated with the owning bot's owner token fires
// the hook's broadcast through the engine.
package hookapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/botmata/botmata/core/engine"
	"github.com/botmata/botmata/core/logger"
	"github.com/botmata/botmata/core/model"
)

const maxPayloadBytes = 1 << 20

// HookStore resolves hooks and their owning bots for authentication.
type HookStore interface {
	HookByKey(ctx context.Context, key string) (*model.Hook, error)
	BotByID(ctx context.Context, id int64) (*model.Bot, error)
}

// MessengerResolver finds the running delivery path for one bot.
type MessengerResolver interface {
	Messenger(botID int64) (engine.Messenger, bool)
}

// Server is the hook ingress HTTP server.
type Server struct {
	store       HookStore
	broadcaster *engine.Broadcaster
	resolver    MessengerResolver
	srv         *http.Server
}

// New assembles the server listening on addr.
func New(addr string, store HookStore, b *engine.Broadcaster, resolver MessengerResolver) *Server {
	s := &Server{
		store:       store,
		broadcaster: b,
		resolver:    resolver,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{key}", s.handleTrigger)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	logger.Info(context.Background(), "hook", "hookapi.start",
		slog.String("listen", s.srv.Addr),
	)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.PathValue("key")
	ctx = logger.WithHookKey(ctx, key)

	hook, err := s.store.HookByKey(ctx, key)
	if err != nil {
		logger.Error(ctx, "hook", "hookapi.trigger",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Unknown and disabled hooks are indistinguishable to callers so
	// the key space cannot be probed.
	if hook == nil || !hook.Enabled {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	bot, err := s.store.BotByID(ctx, hook.BotID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if bot == nil || !bot.Enabled {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if !authorized(r, bot.OwnerToken) {
		logger.Warn(ctx, "hook", "hookapi.unauthorized",
			slog.String("status", "fail"),
			slog.Int64("bot_id", bot.ID),
		)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	payload, err := decodePayload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	m, ok := s.resolver.Messenger(bot.ID)
	if !ok {
		logger.Warn(ctx, "hook", "hookapi.no_messenger",
			slog.String("status", "fail"),
			slog.Int64("bot_id", bot.ID),
		)
		writeError(w, http.StatusServiceUnavailable, "bot not running")
		return
	}

	result, err := s.broadcaster.Trigger(ctx, key, payload, m)
	switch {
	case errors.Is(err, engine.ErrHookNotFound), errors.Is(err, engine.ErrHookDisabled):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		var tmplErr *engine.TemplateError
		if errors.As(err, &tmplErr) {
			logger.Error(ctx, "hook", "hookapi.render_fail",
				slog.String("status", "fail"),
				slog.String("err_code", tmplErr.Code()),
				slog.String("err", tmplErr.Error()),
			)
			writeError(w, http.StatusUnprocessableEntity, "template render failed")
			return
		}
		logger.Error(ctx, "hook", "hookapi.trigger_fail",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"delivered": result.Delivered,
		"failed":    result.Failed,
	})
}

// authorized checks the Authorization header against the bot's owner
// token. Both "Token <value>" and "Bearer <value>" schemes are
// accepted.
func authorized(r *http.Request, ownerToken string) bool {
	if strings.TrimSpace(ownerToken) == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return false
	}
	for _, scheme := range []string{"Token ", "Bearer "} {
		if strings.HasPrefix(header, scheme) {
			return strings.TrimSpace(strings.TrimPrefix(header, scheme)) == ownerToken
		}
	}
	return false
}

func decodePayload(r *http.Request) (any, error) {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
