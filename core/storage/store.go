// Package storage implements the Postgres persistence layer behind the
// engine: read models for bots, rules, env vars, states and hooks, the
// chat-state upsert, and the admin write operations that maintain them.
// Per-bot read models are cached until a write invalidates them.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/botmata/botmata/core/model"
)

// Store wraps the database handle and the per-bot cache. It satisfies
// the engine's Store interface.
type Store struct {
	db    *sqlx.DB
	cache *botCache
}

// New constructs a Store around an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, cache: newBotCache()}
}

// BotByID fetches one bot. Unknown IDs return (nil, nil). Bots are not
// cached so enable and disable flips take effect on the next update.
func (s *Store) BotByID(ctx context.Context, id int64) (*model.Bot, error) {
	var b model.Bot
	err := s.db.GetContext(ctx, &b, `SELECT id, name, token, owner_token, enabled, created_at FROM bots WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bot by id: %w", err)
	}
	return &b, nil
}

// EnabledBots lists every bot that should be running.
func (s *Store) EnabledBots(ctx context.Context) ([]model.Bot, error) {
	var bots []model.Bot
	err := s.db.SelectContext(ctx, &bots, `SELECT id, name, token, owner_token, enabled, created_at FROM bots WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("enabled bots: %w", err)
	}
	return bots, nil
}

type ruleRow struct {
	ID          int64          `db:"id"`
	BotID       int64          `db:"bot_id"`
	Name        string         `db:"name"`
	Pattern     string         `db:"pattern"`
	Priority    int            `db:"priority"`
	Enabled     bool           `db:"enabled"`
	TargetState sql.NullString `db:"target_state"`
	CreatedAt   sql.NullTime   `db:"created_at"`
}

type requestRow struct {
	RuleID       int64  `db:"rule_id"`
	Method       string `db:"method"`
	URLTemplate  string `db:"url_template"`
	BodyTemplate string `db:"body_template"`
}

type kvRow struct {
	RuleID        int64  `db:"rule_id"`
	Key           string `db:"key"`
	ValueTemplate string `db:"value_template"`
}

type responseRow struct {
	RuleID           int64  `db:"rule_id"`
	TextTemplate     string `db:"text_template"`
	KeyboardTemplate string `db:"keyboard_template"`
}

type sourceStateRow struct {
	RuleID    int64  `db:"rule_id"`
	StateName string `db:"state_name"`
}

// RulesByBot returns the bot's rules with request, response and source
// state constraints assembled, ordered by priority descending then id.
// The result is cached until a rule write for the bot invalidates it.
func (s *Store) RulesByBot(ctx context.Context, botID int64) ([]model.Rule, error) {
	if v, ok := s.cache.get(ctx, botID, CategoryRules); ok {
		return v.([]model.Rule), nil
	}

	var rows []ruleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, bot_id, name, pattern, priority, enabled, target_state, created_at
		FROM rules WHERE bot_id = $1
		ORDER BY priority DESC, id`, botID)
	if err != nil {
		return nil, fmt.Errorf("rules by bot: %w", err)
	}

	rules := make([]model.Rule, 0, len(rows))
	index := make(map[int64]int, len(rows))
	for _, r := range rows {
		rule := model.Rule{
			ID:       r.ID,
			BotID:    r.BotID,
			Name:     r.Name,
			Pattern:  r.Pattern,
			Priority: r.Priority,
			Enabled:  r.Enabled,
		}
		if r.TargetState.Valid {
			target := r.TargetState.String
			rule.TargetState = &target
		}
		if r.CreatedAt.Valid {
			rule.CreatedAt = r.CreatedAt.Time
		}
		index[r.ID] = len(rules)
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		s.cache.put(botID, CategoryRules, rules)
		return rules, nil
	}

	var requests []requestRow
	err = s.db.SelectContext(ctx, &requests, `
		SELECT q.rule_id, q.method, q.url_template, q.body_template
		FROM rule_requests q JOIN rules r ON r.id = q.rule_id
		WHERE r.bot_id = $1`, botID)
	if err != nil {
		return nil, fmt.Errorf("rule requests: %w", err)
	}
	for _, q := range requests {
		i, ok := index[q.RuleID]
		if !ok {
			continue
		}
		rules[i].Request = &model.RequestTemplate{
			Method:       normalizeMethod(q.Method),
			URLTemplate:  q.URLTemplate,
			BodyTemplate: q.BodyTemplate,
		}
	}

	var headers []kvRow
	err = s.db.SelectContext(ctx, &headers, `
		SELECT h.rule_id, h.key, h.value_template
		FROM rule_request_headers h JOIN rules r ON r.id = h.rule_id
		WHERE r.bot_id = $1 ORDER BY h.id`, botID)
	if err != nil {
		return nil, fmt.Errorf("rule headers: %w", err)
	}
	for _, h := range headers {
		i, ok := index[h.RuleID]
		if !ok || rules[i].Request == nil {
			continue
		}
		rules[i].Request.Headers = append(rules[i].Request.Headers, model.KVTemplate{
			Key:           h.Key,
			ValueTemplate: h.ValueTemplate,
		})
	}

	var params []kvRow
	err = s.db.SelectContext(ctx, &params, `
		SELECT p.rule_id, p.key, p.value_template
		FROM rule_request_params p JOIN rules r ON r.id = p.rule_id
		WHERE r.bot_id = $1 ORDER BY p.id`, botID)
	if err != nil {
		return nil, fmt.Errorf("rule params: %w", err)
	}
	for _, p := range params {
		i, ok := index[p.RuleID]
		if !ok || rules[i].Request == nil {
			continue
		}
		rules[i].Request.URLParams = append(rules[i].Request.URLParams, model.KVTemplate{
			Key:           p.Key,
			ValueTemplate: p.ValueTemplate,
		})
	}

	var responses []responseRow
	err = s.db.SelectContext(ctx, &responses, `
		SELECT o.rule_id, o.text_template, o.keyboard_template
		FROM rule_responses o JOIN rules r ON r.id = o.rule_id
		WHERE r.bot_id = $1`, botID)
	if err != nil {
		return nil, fmt.Errorf("rule responses: %w", err)
	}
	for _, o := range responses {
		i, ok := index[o.RuleID]
		if !ok {
			continue
		}
		rules[i].Response = model.ResponseTemplate{
			TextTemplate:     o.TextTemplate,
			KeyboardTemplate: o.KeyboardTemplate,
		}
	}

	var sources []sourceStateRow
	err = s.db.SelectContext(ctx, &sources, `
		SELECT ss.rule_id, ss.state_name
		FROM rule_source_states ss JOIN rules r ON r.id = ss.rule_id
		WHERE r.bot_id = $1 ORDER BY ss.id`, botID)
	if err != nil {
		return nil, fmt.Errorf("rule source states: %w", err)
	}
	for _, ss := range sources {
		i, ok := index[ss.RuleID]
		if !ok {
			continue
		}
		rules[i].SourceStates = append(rules[i].SourceStates, ss.StateName)
	}

	s.cache.put(botID, CategoryRules, rules)
	return rules, nil
}

// EnvVarsByBot returns the bot's environment variables as a flat map.
// Cached until an env var write for the bot invalidates it.
func (s *Store) EnvVarsByBot(ctx context.Context, botID int64) (map[string]string, error) {
	if v, ok := s.cache.get(ctx, botID, CategoryEnvVars); ok {
		return v.(map[string]string), nil
	}
	var vars []model.EnvironmentVar
	err := s.db.SelectContext(ctx, &vars, `SELECT id, bot_id, key, value FROM environment_vars WHERE bot_id = $1`, botID)
	if err != nil {
		return nil, fmt.Errorf("env vars by bot: %w", err)
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		env[v.Key] = v.Value
	}
	s.cache.put(botID, CategoryEnvVars, env)
	return env, nil
}

// StatesByBot lists the bot's declared states. Cached until a state
// write for the bot invalidates it.
func (s *Store) StatesByBot(ctx context.Context, botID int64) ([]model.State, error) {
	if v, ok := s.cache.get(ctx, botID, CategoryStates); ok {
		return v.([]model.State), nil
	}
	var states []model.State
	err := s.db.SelectContext(ctx, &states, `SELECT id, bot_id, name FROM states WHERE bot_id = $1 ORDER BY id`, botID)
	if err != nil {
		return nil, fmt.Errorf("states by bot: %w", err)
	}
	s.cache.put(botID, CategoryStates, states)
	return states, nil
}

type hookRow struct {
	ID               int64  `db:"id"`
	BotID            int64  `db:"bot_id"`
	Key              string `db:"key"`
	Enabled          bool   `db:"enabled"`
	TextTemplate     string `db:"text_template"`
	KeyboardTemplate string `db:"keyboard_template"`
}

// HookByKey resolves a hook by its trigger key, recipients included.
// Unknown keys return (nil, nil).
func (s *Store) HookByKey(ctx context.Context, key string) (*model.Hook, error) {
	var h hookRow
	err := s.db.GetContext(ctx, &h, `
		SELECT id, bot_id, key, enabled, text_template, keyboard_template
		FROM hooks WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hook by key: %w", err)
	}

	var recipients []model.Recipient
	err = s.db.SelectContext(ctx, &recipients, `SELECT id, hook_id, chat_id, name FROM recipients WHERE hook_id = $1 ORDER BY id`, h.ID)
	if err != nil {
		return nil, fmt.Errorf("hook recipients: %w", err)
	}

	return &model.Hook{
		ID:      h.ID,
		BotID:   h.BotID,
		Key:     h.Key,
		Enabled: h.Enabled,
		Response: model.ResponseTemplate{
			TextTemplate:     h.TextTemplate,
			KeyboardTemplate: h.KeyboardTemplate,
		},
		Recipients: recipients,
	}, nil
}

// ChatState loads the conversation cursor for a (bot, chat) pair.
// Returns (nil, nil) when the chat has no row yet.
func (s *Store) ChatState(ctx context.Context, botID, chatID int64) (*model.ChatState, error) {
	var cs model.ChatState
	err := s.db.GetContext(ctx, &cs, `
		SELECT id, bot_id, chat_id, state_name, context, updated_at
		FROM chat_states WHERE bot_id = $1 AND chat_id = $2`, botID, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat state: %w", err)
	}
	return &cs, nil
}

// SaveChatState upserts the (bot, chat) row, replacing state and the
// carried context blob.
func (s *Store) SaveChatState(ctx context.Context, cs *model.ChatState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_states (bot_id, chat_id, state_name, context, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (bot_id, chat_id)
		DO UPDATE SET state_name = EXCLUDED.state_name, context = EXCLUDED.context, updated_at = NOW()`,
		cs.BotID, cs.ChatID, cs.StateName, cs.Context)
	if err != nil {
		return fmt.Errorf("save chat state: %w", err)
	}
	return nil
}

// CreateBot inserts a bot row and returns its ID. The owner token is
// generated when empty.
func (s *Store) CreateBot(ctx context.Context, b *model.Bot) (int64, error) {
	if strings.TrimSpace(b.OwnerToken) == "" {
		b.OwnerToken = uuid.NewString()
	}
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO bots (name, token, owner_token, enabled)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		b.Name, b.Token, b.OwnerToken, b.Enabled)
	if err != nil {
		return 0, fmt.Errorf("create bot: %w", err)
	}
	b.ID = id
	return id, nil
}

// SetBotEnabled flips the bot's enabled flag.
func (s *Store) SetBotEnabled(ctx context.Context, botID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET enabled = $2 WHERE id = $1`, botID, enabled)
	if err != nil {
		return fmt.Errorf("set bot enabled: %w", err)
	}
	return nil
}

// CreateRule inserts a rule with its request, response and source
// state children in one transaction and invalidates the bot's rule
// cache.
func (s *Store) CreateRule(ctx context.Context, r *model.Rule) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("create rule: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.GetContext(ctx, &id, `
		INSERT INTO rules (bot_id, name, pattern, priority, enabled, target_state)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.BotID, r.Name, r.Pattern, r.Priority, r.Enabled, r.TargetState)
	if err != nil {
		return 0, fmt.Errorf("create rule: %w", err)
	}
	r.ID = id

	if err := insertRuleChildren(ctx, tx, r); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("create rule: %w", err)
	}
	s.cache.invalidate(ctx, r.BotID, CategoryRules)
	return id, nil
}

// UpdateRule replaces the rule row and all of its children, then
// invalidates the bot's rule cache.
func (s *Store) UpdateRule(ctx context.Context, r *model.Rule) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE rules SET name = $2, pattern = $3, priority = $4, enabled = $5, target_state = $6
		WHERE id = $1`,
		r.ID, r.Name, r.Pattern, r.Priority, r.Enabled, r.TargetState)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update rule: rule %d not found", r.ID)
	}

	for _, table := range []string{"rule_requests", "rule_request_headers", "rule_request_params", "rule_responses", "rule_source_states"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE rule_id = $1`, r.ID); err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
	}
	if err := insertRuleChildren(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	s.cache.invalidate(ctx, r.BotID, CategoryRules)
	return nil
}

// DeleteRule removes the rule; children cascade.
func (s *Store) DeleteRule(ctx context.Context, botID, ruleID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1 AND bot_id = $2`, ruleID, botID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	s.cache.invalidate(ctx, botID, CategoryRules)
	return nil
}

func insertRuleChildren(ctx context.Context, tx *sqlx.Tx, r *model.Rule) error {
	if r.Request != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_requests (rule_id, method, url_template, body_template)
			VALUES ($1, $2, $3, $4)`,
			r.ID, normalizeMethod(r.Request.Method), r.Request.URLTemplate, r.Request.BodyTemplate)
		if err != nil {
			return fmt.Errorf("insert rule request: %w", err)
		}
		for _, h := range r.Request.Headers {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rule_request_headers (rule_id, key, value_template)
				VALUES ($1, $2, $3)`, r.ID, h.Key, h.ValueTemplate)
			if err != nil {
				return fmt.Errorf("insert rule header: %w", err)
			}
		}
		for _, p := range r.Request.URLParams {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO rule_request_params (rule_id, key, value_template)
				VALUES ($1, $2, $3)`, r.ID, p.Key, p.ValueTemplate)
			if err != nil {
				return fmt.Errorf("insert rule param: %w", err)
			}
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rule_responses (rule_id, text_template, keyboard_template)
		VALUES ($1, $2, $3)`,
		r.ID, r.Response.TextTemplate, r.Response.KeyboardTemplate)
	if err != nil {
		return fmt.Errorf("insert rule response: %w", err)
	}
	for _, name := range r.SourceStates {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rule_source_states (rule_id, state_name)
			VALUES ($1, $2)`, r.ID, name)
		if err != nil {
			return fmt.Errorf("insert rule source state: %w", err)
		}
	}
	return nil
}

// UpsertEnvVar creates or replaces one (bot, key) variable and
// invalidates the bot's env cache.
func (s *Store) UpsertEnvVar(ctx context.Context, botID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environment_vars (bot_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, key) DO UPDATE SET value = EXCLUDED.value`,
		botID, key, value)
	if err != nil {
		return fmt.Errorf("upsert env var: %w", err)
	}
	s.cache.invalidate(ctx, botID, CategoryEnvVars)
	return nil
}

// DeleteEnvVar removes one (bot, key) variable and invalidates the
// bot's env cache.
func (s *Store) DeleteEnvVar(ctx context.Context, botID int64, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM environment_vars WHERE bot_id = $1 AND key = $2`, botID, key)
	if err != nil {
		return fmt.Errorf("delete env var: %w", err)
	}
	s.cache.invalidate(ctx, botID, CategoryEnvVars)
	return nil
}

// CreateState declares a named state on the bot.
func (s *Store) CreateState(ctx context.Context, botID int64, name string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO states (bot_id, name) VALUES ($1, $2) RETURNING id`, botID, name)
	if err != nil {
		return 0, fmt.Errorf("create state: %w", err)
	}
	s.cache.invalidate(ctx, botID, CategoryStates)
	return id, nil
}

// DeleteState removes a declared state.
func (s *Store) DeleteState(ctx context.Context, botID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM states WHERE bot_id = $1 AND name = $2`, botID, name)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	s.cache.invalidate(ctx, botID, CategoryStates)
	return nil
}

// CreateHook inserts a hook. The trigger key is generated when empty
// so it is unguessable.
func (s *Store) CreateHook(ctx context.Context, h *model.Hook) (int64, error) {
	if strings.TrimSpace(h.Key) == "" {
		h.Key = uuid.NewString()
	}
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO hooks (bot_id, key, enabled, text_template, keyboard_template)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		h.BotID, h.Key, h.Enabled, h.Response.TextTemplate, h.Response.KeyboardTemplate)
	if err != nil {
		return 0, fmt.Errorf("create hook: %w", err)
	}
	h.ID = id
	return id, nil
}

// SetHookEnabled flips a hook's enabled flag.
func (s *Store) SetHookEnabled(ctx context.Context, hookID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE hooks SET enabled = $2 WHERE id = $1`, hookID, enabled)
	if err != nil {
		return fmt.Errorf("set hook enabled: %w", err)
	}
	return nil
}

// AddRecipient subscribes a chat to a hook's broadcasts.
func (s *Store) AddRecipient(ctx context.Context, hookID, chatID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipients (hook_id, chat_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (hook_id, chat_id) DO UPDATE SET name = EXCLUDED.name`,
		hookID, chatID, name)
	if err != nil {
		return fmt.Errorf("add recipient: %w", err)
	}
	return nil
}

// RemoveRecipient unsubscribes a chat from a hook.
func (s *Store) RemoveRecipient(ctx context.Context, hookID, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE hook_id = $1 AND chat_id = $2`, hookID, chatID)
	if err != nil {
		return fmt.Errorf("remove recipient: %w", err)
	}
	return nil
}

func normalizeMethod(m string) string {
	switch strings.ToUpper(strings.TrimSpace(m)) {
	case model.MethodPost:
		return model.MethodPost
	case model.MethodPut:
		return model.MethodPut
	case model.MethodDelete:
		return model.MethodDelete
	case model.MethodPatch:
		return model.MethodPatch
	default:
		return model.MethodGet
	}
}
