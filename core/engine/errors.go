package engine

import (
	"errors"
	"fmt"
)

// Terminal conditions of a turn. None of them ever produces a reply.
var (
	// ErrBotNotFound means no bot exists for the addressed identity.
	ErrBotNotFound = errors.New("engine: bot not found")
	// ErrBotDisabled means the bot exists but processing is gated off.
	ErrBotDisabled = errors.New("engine: bot disabled")
	// ErrNoMatchingRule means no enabled rule matched text and state.
	ErrNoMatchingRule = errors.New("engine: no matching rule")
	// ErrHookNotFound means no hook exists for the given key.
	ErrHookNotFound = errors.New("engine: hook not found")
	// ErrHookDisabled means the hook exists but is switched off.
	ErrHookDisabled = errors.New("engine: hook disabled")
)

// TemplateError reports that a required template field failed to
// compile or render. The turn fails; no partial reply is ever sent.
type TemplateError struct {
	Field    string
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Field, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Code identifies the error class for structured logs.
func (e *TemplateError) Code() string { return "TEMPLATE_RENDER" }

// ContextError reports an attempt to set a context branch that another
// stage already populated. Branches layer, they never overwrite.
type ContextError struct {
	Branch string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("context branch already set: %s", e.Branch)
}

// Code identifies the error class for structured logs.
func (e *ContextError) Code() string { return "CONTEXT_BRANCH" }
