package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/botmata/botmata/core/model"
)

// ChatStateStore persists the conversational cursor. ChatState returns
// (nil, nil) when no row exists yet; SaveChatState is an upsert that
// fully replaces the (bot, chat) row.
type ChatStateStore interface {
	ChatState(ctx context.Context, botID, chatID int64) (*model.ChatState, error)
	SaveChatState(ctx context.Context, cs *model.ChatState) error
}

type chatKey struct {
	botID  int64
	chatID int64
}

// StateMachine tracks the current named state and carried context per
// (bot, chat) pair. Mutations for one pair are serialized through a
// keyed mutex so concurrent turns for the same chat cannot lose
// updates; different chats proceed in parallel without contention.
type StateMachine struct {
	store ChatStateStore

	mu    sync.Mutex
	locks map[chatKey]*sync.Mutex
}

// NewStateMachine wires the machine to its store.
func NewStateMachine(store ChatStateStore) *StateMachine {
	return &StateMachine{
		store: store,
		locks: make(map[chatKey]*sync.Mutex),
	}
}

// Lock acquires the per-chat mutex and returns its release function.
// Callers hold it for the whole read-modify-write of a turn.
func (sm *StateMachine) Lock(botID, chatID int64) func() {
	key := chatKey{botID: botID, chatID: chatID}
	sm.mu.Lock()
	l, ok := sm.locks[key]
	if !ok {
		l = &sync.Mutex{}
		sm.locks[key] = l
	}
	sm.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Current returns the chat's state row, or nil when the chat is still
// in the initial state and no row exists.
func (sm *StateMachine) Current(ctx context.Context, botID, chatID int64) (*model.ChatState, error) {
	cs, err := sm.store.ChatState(ctx, botID, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat state: %w", err)
	}
	return cs, nil
}

// Apply replaces the ChatState row for the pair. A nil target keeps
// the current state name but still refreshes the carried context blob.
func (sm *StateMachine) Apply(ctx context.Context, botID, chatID int64, target *string, contextBlob string) error {
	cs, err := sm.store.ChatState(ctx, botID, chatID)
	if err != nil {
		return fmt.Errorf("load chat state: %w", err)
	}
	if cs == nil {
		cs = &model.ChatState{BotID: botID, ChatID: chatID}
	}
	if target != nil {
		cs.StateName = target
	}
	cs.Context = contextBlob
	if err := sm.store.SaveChatState(ctx, cs); err != nil {
		return fmt.Errorf("save chat state: %w", err)
	}
	return nil
}
