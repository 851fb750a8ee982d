package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/botmata/botmata/core/model"
)

// fakeStore is an in-memory Store for turn and broadcast tests.
type fakeStore struct {
	mu    sync.Mutex
	bots  map[int64]*model.Bot
	rules map[int64][]model.Rule
	env   map[int64]map[string]string
	hooks map[string]*model.Hook
	chats map[[2]int64]*model.ChatState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:  make(map[int64]*model.Bot),
		rules: make(map[int64][]model.Rule),
		env:   make(map[int64]map[string]string),
		hooks: make(map[string]*model.Hook),
		chats: make(map[[2]int64]*model.ChatState),
	}
}

func (s *fakeStore) BotByID(_ context.Context, id int64) (*model.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (s *fakeStore) RulesByBot(_ context.Context, botID int64) ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[botID], nil
}

func (s *fakeStore) EnvVarsByBot(_ context.Context, botID int64) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := s.env[botID]
	if env == nil {
		env = map[string]string{}
	}
	return env, nil
}

func (s *fakeStore) HookByKey(_ context.Context, key string) (*model.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[key]
	if !ok {
		return nil, nil
	}
	copied := *h
	return &copied, nil
}

func (s *fakeStore) ChatState(_ context.Context, botID, chatID int64) (*model.ChatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[[2]int64{botID, chatID}]
	if !ok {
		return nil, nil
	}
	copied := *cs
	return &copied, nil
}

func (s *fakeStore) SaveChatState(_ context.Context, cs *model.ChatState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cs
	s.chats[[2]int64{cs.BotID, cs.ChatID}] = &copied
	return nil
}

type sentMessage struct {
	ChatID   int64
	Text     string
	Keyboard [][]string
}

// fakeMessenger records deliveries; chat IDs in failFor reject sends.
type fakeMessenger struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[int64]bool
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{failFor: make(map[int64]bool)}
}

func (m *fakeMessenger) Send(_ context.Context, chatID int64, text string, keyboard [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[chatID] {
		return fmt.Errorf("send to %d refused", chatID)
	}
	m.sent = append(m.sent, sentMessage{ChatID: chatID, Text: text, Keyboard: keyboard})
	return nil
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func strPtr(s string) *string { return &s }
