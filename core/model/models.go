// Package model declares the persisted entities of the automation
// engine: bots, their rules, hooks, environment variables and the
// per-chat conversational state.
package model

import "time"

// HTTP methods allowed on a rule's outbound request.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
	MethodPatch  = "PATCH"
)

// Bot is one automation instance. Disabling a bot gates all processing
// for it; deleting one cascades to every owned entity.
type Bot struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	Token      string    `db:"token"`
	OwnerToken string    `db:"owner_token"`
	Enabled    bool      `db:"enabled"`
	CreatedAt  time.Time `db:"created_at"`
}

// EnvironmentVar is a key/value pair scoped to one bot, exposed to
// templates under env.<key>. Keys are unique per bot.
type EnvironmentVar struct {
	ID    int64  `db:"id"`
	BotID int64  `db:"bot_id"`
	Key   string `db:"key"`
	Value string `db:"value"`
}

// State is a named conversational marker declared on a bot. A bot
// implicitly has an unnamed initial state that is never stored.
type State struct {
	ID    int64  `db:"id"`
	BotID int64  `db:"bot_id"`
	Name  string `db:"name"`
}

// ChatState is the per-(bot, chat) conversation cursor. StateName nil
// means the initial state. Context carries the serialized render
// context of the turn that last set the row; the engine treats it as
// an opaque blob.
type ChatState struct {
	ID        int64     `db:"id"`
	BotID     int64     `db:"bot_id"`
	ChatID    int64     `db:"chat_id"`
	StateName *string   `db:"state_name"`
	Context   string    `db:"context"`
	UpdatedAt time.Time `db:"updated_at"`
}

// KVTemplate is one header or URL query parameter of an outbound
// request: a literal key and a templated value.
type KVTemplate struct {
	Key           string
	ValueTemplate string
}

// RequestTemplate describes the optional outbound HTTP call of a rule.
// Every template field is rendered against the same context.
type RequestTemplate struct {
	Method       string
	URLTemplate  string
	BodyTemplate string
	Headers      []KVTemplate
	URLParams    []KVTemplate
}

// ResponseTemplate renders the final reply. KeyboardTemplate must
// render to a JSON two-dimensional array of button labels; empty means
// no keyboard.
type ResponseTemplate struct {
	TextTemplate     string
	KeyboardTemplate string
}

// Rule maps an inbound text pattern to an optional request and a
// response. An empty SourceStates set matches from any state; a nil
// TargetState leaves the chat state unchanged.
type Rule struct {
	ID           int64
	BotID        int64
	Name         string
	Pattern      string
	Priority     int
	Enabled      bool
	Request      *RequestTemplate
	Response     ResponseTemplate
	SourceStates []string
	TargetState  *string
	CreatedAt    time.Time
}

// Hook is an externally triggered broadcast: a unique key, one response
// template and the set of subscribed recipients.
type Hook struct {
	ID         int64
	BotID      int64
	Key        string
	Enabled    bool
	Response   ResponseTemplate
	Recipients []Recipient
}

// Recipient is a chat subscribed to a hook's broadcasts.
type Recipient struct {
	ID     int64  `db:"id"`
	HookID int64  `db:"hook_id"`
	ChatID int64  `db:"chat_id"`
	Name   string `db:"name"`
}
