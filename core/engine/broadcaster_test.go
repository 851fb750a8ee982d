package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/botmata/botmata/core/model"
)

func setupBroadcaster(store *fakeStore) *Broadcaster {
	return NewBroadcaster(store, NewRenderer())
}

func TestTriggerUnknownAndDisabledHook(t *testing.T) {
	store := newFakeStore()
	store.hooks["off"] = &model.Hook{
		ID: 1, BotID: 1, Key: "off", Enabled: false,
		Response: model.ResponseTemplate{TextTemplate: "never"},
	}

	b := setupBroadcaster(store)
	m := newFakeMessenger()

	_, err := b.Trigger(context.Background(), "nope", nil, m)
	if !errors.Is(err, ErrHookNotFound) {
		t.Fatalf("expected ErrHookNotFound, got %v", err)
	}
	_, err = b.Trigger(context.Background(), "off", nil, m)
	if !errors.Is(err, ErrHookDisabled) {
		t.Fatalf("expected ErrHookDisabled, got %v", err)
	}
	if len(m.messages()) != 0 {
		t.Fatal("no delivery may happen")
	}
}

func TestTriggerFansOutToAllRecipients(t *testing.T) {
	store := newFakeStore()
	store.env[1] = map[string]string{"shop": "myebookshop"}
	store.hooks["deploy"] = &model.Hook{
		ID: 1, BotID: 1, Key: "deploy", Enabled: true,
		Response: model.ResponseTemplate{TextTemplate: "{{ env.shop }}: build {{ data.status }}"},
		Recipients: []model.Recipient{
			{ID: 1, HookID: 1, ChatID: 10},
			{ID: 2, HookID: 1, ChatID: 20},
			{ID: 3, HookID: 1, ChatID: 30},
		},
	}

	m := newFakeMessenger()
	res, err := setupBroadcaster(store).Trigger(context.Background(), "deploy",
		map[string]any{"status": "passed"}, m)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if res.Delivered != 3 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}

	sent := m.messages()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages", len(sent))
	}
	seen := make(map[int64]bool)
	for _, msg := range sent {
		if msg.Text != "myebookshop: build passed" {
			t.Fatalf("text = %q", msg.Text)
		}
		seen[msg.ChatID] = true
	}
	for _, want := range []int64{10, 20, 30} {
		if !seen[want] {
			t.Fatalf("chat %d never received the broadcast", want)
		}
	}
}

func TestTriggerIsolatesRecipientFailures(t *testing.T) {
	store := newFakeStore()
	store.hooks["alerts"] = &model.Hook{
		ID: 1, BotID: 1, Key: "alerts", Enabled: true,
		Response: model.ResponseTemplate{TextTemplate: "fire"},
		Recipients: []model.Recipient{
			{ID: 1, HookID: 1, ChatID: 10},
			{ID: 2, HookID: 1, ChatID: 20},
			{ID: 3, HookID: 1, ChatID: 30},
		},
	}

	m := newFakeMessenger()
	m.failFor[20] = true

	res, err := setupBroadcaster(store).Trigger(context.Background(), "alerts", nil, m)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if res.Delivered != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	for _, msg := range m.messages() {
		if msg.ChatID == 20 {
			t.Fatal("failing chat must not appear in deliveries")
		}
	}
}

func TestTriggerSuppressedTextSkipsDelivery(t *testing.T) {
	store := newFakeStore()
	store.hooks["quiet"] = &model.Hook{
		ID: 1, BotID: 1, Key: "quiet", Enabled: true,
		Response: model.ResponseTemplate{TextTemplate: "{% if data.urgent %}wake up{% endif %}"},
		Recipients: []model.Recipient{
			{ID: 1, HookID: 1, ChatID: 10},
		},
	}

	m := newFakeMessenger()
	res, err := setupBroadcaster(store).Trigger(context.Background(), "quiet",
		map[string]any{"urgent": false}, m)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if res.Delivered != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(m.messages()) != 0 {
		t.Fatal("suppressed broadcast must not deliver")
	}
}

func TestTriggerKeyboardReachesRecipients(t *testing.T) {
	store := newFakeStore()
	store.hooks["vote"] = &model.Hook{
		ID: 1, BotID: 1, Key: "vote", Enabled: true,
		Response: model.ResponseTemplate{
			TextTemplate:     "Release {{ data.version }}?",
			KeyboardTemplate: `[["yes","no"]]`,
		},
		Recipients: []model.Recipient{
			{ID: 1, HookID: 1, ChatID: 10},
		},
	}

	m := newFakeMessenger()
	if _, err := setupBroadcaster(store).Trigger(context.Background(), "vote",
		map[string]any{"version": "1.4.0"}, m); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	sent := m.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages", len(sent))
	}
	if sent[0].Text != "Release 1.4.0?" {
		t.Fatalf("text = %q", sent[0].Text)
	}
	if len(sent[0].Keyboard) != 1 || len(sent[0].Keyboard[0]) != 2 || sent[0].Keyboard[0][0] != "yes" {
		t.Fatalf("keyboard = %+v", sent[0].Keyboard)
	}
}

func TestTriggerTemplateFailure(t *testing.T) {
	store := newFakeStore()
	store.hooks["broken"] = &model.Hook{
		ID: 1, BotID: 1, Key: "broken", Enabled: true,
		Response: model.ResponseTemplate{TextTemplate: "{% if %}"},
		Recipients: []model.Recipient{
			{ID: 1, HookID: 1, ChatID: 10},
		},
	}

	m := newFakeMessenger()
	_, err := setupBroadcaster(store).Trigger(context.Background(), "broken", nil, m)
	var tmplErr *TemplateError
	if !errors.As(err, &tmplErr) {
		t.Fatalf("expected *TemplateError, got %v", err)
	}
	if len(m.messages()) != 0 {
		t.Fatal("failed render must not deliver")
	}
}
