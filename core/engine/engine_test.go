package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/botmata/botmata/core/model"
)

func setupEngine(store *fakeStore) *Engine {
	return New(store, Options{RequestTimeout: time.Second})
}

func enabledBot(id int64) *model.Bot {
	return &model.Bot{ID: id, Name: "shopbot", Token: "t", OwnerToken: "owner", Enabled: true}
}

func TestHandleUpdateEnvAndResponseBranches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"widget"}]`))
	}))
	defer srv.Close()

	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.env[1] = map[string]string{"shop": "myebookshop"}
	store.rules[1] = []model.Rule{{
		ID: 1, BotID: 1, Name: "products", Pattern: "products", Enabled: true,
		Request: &model.RequestTemplate{
			Method:      model.MethodGet,
			URLTemplate: srv.URL + "/products/",
		},
		Response: model.ResponseTemplate{
			TextTemplate: "{{ env.shop }}:{{ response.list.0.name }}",
		},
	}}

	m := newFakeMessenger()
	reply, err := setupEngine(store).HandleUpdate(context.Background(), Update{
		BotID: 1, ChatID: 100, Text: "products",
	}, m)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == nil || reply.Text != "myebookshop:widget" {
		t.Fatalf("reply = %+v", reply)
	}

	sent := m.messages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages", len(sent))
	}
	if sent[0].ChatID != 100 || sent[0].Text != "myebookshop:widget" {
		t.Fatalf("sent = %+v", sent[0])
	}
}

func TestHandleUpdateCaptureGroupDrivesRequest(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.rules[1] = []model.Rule{{
		ID: 1, BotID: 1, Name: "delete item", Pattern: `/delete@(?P<id>\d+)`, Enabled: true,
		Request: &model.RequestTemplate{
			Method:      model.MethodDelete,
			URLTemplate: srv.URL + "/items/{{ url.id }}/",
		},
		Response: model.ResponseTemplate{
			TextTemplate: "Item {{ url.id }} deleted",
		},
	}}

	m := newFakeMessenger()
	reply, err := setupEngine(store).HandleUpdate(context.Background(), Update{
		BotID: 1, ChatID: 100, Text: "/delete@7",
	}, m)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Fatalf("method = %q", gotMethod)
	}
	if gotPath != "/items/7/" {
		t.Fatalf("path = %q", gotPath)
	}
	if reply == nil || reply.Text != "Item 7 deleted" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestHandleUpdateUnknownAndDisabledBot(t *testing.T) {
	store := newFakeStore()
	disabled := enabledBot(2)
	disabled.Enabled = false
	store.bots[2] = disabled

	eng := setupEngine(store)
	m := newFakeMessenger()

	_, err := eng.HandleUpdate(context.Background(), Update{BotID: 1, ChatID: 100, Text: "hi"}, m)
	if !errors.Is(err, ErrBotNotFound) {
		t.Fatalf("expected ErrBotNotFound, got %v", err)
	}
	_, err = eng.HandleUpdate(context.Background(), Update{BotID: 2, ChatID: 100, Text: "hi"}, m)
	if !errors.Is(err, ErrBotDisabled) {
		t.Fatalf("expected ErrBotDisabled, got %v", err)
	}
	if len(m.messages()) != 0 {
		t.Fatal("no message should be sent")
	}
}

func TestHandleUpdateNoMatchSendsNothing(t *testing.T) {
	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.rules[1] = []model.Rule{{
		ID: 1, BotID: 1, Pattern: "known", Enabled: true,
		Response: model.ResponseTemplate{TextTemplate: "hi"},
	}}

	m := newFakeMessenger()
	_, err := setupEngine(store).HandleUpdate(context.Background(), Update{
		BotID: 1, ChatID: 100, Text: "unknown",
	}, m)
	if !errors.Is(err, ErrNoMatchingRule) {
		t.Fatalf("expected ErrNoMatchingRule, got %v", err)
	}
	if len(m.messages()) != 0 {
		t.Fatal("no message should be sent")
	}
}

func TestHandleUpdateStateTransitionGatesRules(t *testing.T) {
	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.rules[1] = []model.Rule{
		{
			ID: 1, BotID: 1, Name: "start order", Pattern: "/order", Enabled: true,
			Response:    model.ResponseTemplate{TextTemplate: "What would you like?"},
			TargetState: strPtr("ordering"),
		},
		{
			ID: 2, BotID: 1, Name: "confirm", Pattern: "confirm", Enabled: true,
			Response:     model.ResponseTemplate{TextTemplate: "Confirmed"},
			SourceStates: []string{"ordering"},
		},
	}

	eng := setupEngine(store)
	m := newFakeMessenger()
	ctx := context.Background()

	// confirm is gated before the transition.
	_, err := eng.HandleUpdate(ctx, Update{BotID: 1, ChatID: 100, Text: "confirm"}, m)
	if !errors.Is(err, ErrNoMatchingRule) {
		t.Fatalf("expected gate before transition, got %v", err)
	}

	if _, err := eng.HandleUpdate(ctx, Update{BotID: 1, ChatID: 100, Text: "/order"}, m); err != nil {
		t.Fatalf("order turn: %v", err)
	}
	cs, err := store.ChatState(ctx, 1, 100)
	if err != nil {
		t.Fatalf("chat state: %v", err)
	}
	if cs == nil || cs.StateName == nil || *cs.StateName != "ordering" {
		t.Fatalf("state = %+v", cs)
	}

	reply, err := eng.HandleUpdate(ctx, Update{BotID: 1, ChatID: 100, Text: "confirm"}, m)
	if err != nil {
		t.Fatalf("confirm turn: %v", err)
	}
	if reply == nil || reply.Text != "Confirmed" {
		t.Fatalf("reply = %+v", reply)
	}

	// The transition does not leak into other chats.
	_, err = eng.HandleUpdate(ctx, Update{BotID: 1, ChatID: 200, Text: "confirm"}, m)
	if !errors.Is(err, ErrNoMatchingRule) {
		t.Fatalf("expected other chat still gated, got %v", err)
	}
}

func TestHandleUpdateSuppressedReplyStillTransitions(t *testing.T) {
	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.rules[1] = []model.Rule{{
		ID: 1, BotID: 1, Name: "silent", Pattern: "/mute", Enabled: true,
		Response:    model.ResponseTemplate{TextTemplate: "{{ response.nothing }}"},
		TargetState: strPtr("muted"),
	}}

	m := newFakeMessenger()
	reply, err := setupEngine(store).HandleUpdate(context.Background(), Update{
		BotID: 1, ChatID: 100, Text: "/mute",
	}, m)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != nil {
		t.Fatalf("reply = %+v, expected suppressed", reply)
	}
	if len(m.messages()) != 0 {
		t.Fatal("no message should be sent")
	}
	cs, _ := store.ChatState(context.Background(), 1, 100)
	if cs == nil || cs.StateName == nil || *cs.StateName != "muted" {
		t.Fatalf("state = %+v, transition must still apply", cs)
	}
}

func TestHandleUpdateCarriesStateContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"widget"}]`))
	}))
	defer srv.Close()

	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.rules[1] = []model.Rule{
		{
			ID: 1, BotID: 1, Name: "browse", Pattern: "browse", Enabled: true,
			Request: &model.RequestTemplate{
				Method:      model.MethodGet,
				URLTemplate: srv.URL,
			},
			Response:    model.ResponseTemplate{TextTemplate: "pick: {{ response.list.0.name }}"},
			TargetState: strPtr("picking"),
		},
		{
			ID: 2, BotID: 1, Name: "recall", Pattern: "what was it", Enabled: true,
			Response:     model.ResponseTemplate{TextTemplate: "you saw {{ state_context.response.list.0.name }}"},
			SourceStates: []string{"picking"},
		},
	}

	eng := setupEngine(store)
	m := newFakeMessenger()
	ctx := context.Background()

	if _, err := eng.HandleUpdate(ctx, Update{BotID: 1, ChatID: 100, Text: "browse"}, m); err != nil {
		t.Fatalf("browse turn: %v", err)
	}
	reply, err := eng.HandleUpdate(ctx, Update{BotID: 1, ChatID: 100, Text: "what was it"}, m)
	if err != nil {
		t.Fatalf("recall turn: %v", err)
	}
	if reply == nil || reply.Text != "you saw widget" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestHandleUpdateUpstreamFailureFlowsIntoTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.rules[1] = []model.Rule{{
		ID: 1, BotID: 1, Name: "create", Pattern: "create", Enabled: true,
		Request: &model.RequestTemplate{
			Method:      model.MethodPost,
			URLTemplate: srv.URL,
		},
		Response: model.ResponseTemplate{
			TextTemplate: "{% if response.id %}created {{ response.id }}{% else %}not created{% endif %}",
		},
	}}

	m := newFakeMessenger()
	reply, err := setupEngine(store).HandleUpdate(context.Background(), Update{
		BotID: 1, ChatID: 100, Text: "create",
	}, m)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == nil || reply.Text != "not created" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestHandleUpdateTemplateFailureIsTerminal(t *testing.T) {
	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.rules[1] = []model.Rule{{
		ID: 1, BotID: 1, Name: "broken", Pattern: "go", Enabled: true,
		Response:    model.ResponseTemplate{TextTemplate: "{% if %}"},
		TargetState: strPtr("next"),
	}}

	m := newFakeMessenger()
	_, err := setupEngine(store).HandleUpdate(context.Background(), Update{
		BotID: 1, ChatID: 100, Text: "go",
	}, m)
	var tmplErr *TemplateError
	if !errors.As(err, &tmplErr) {
		t.Fatalf("expected *TemplateError, got %v", err)
	}
	if len(m.messages()) != 0 {
		t.Fatal("no partial reply may be sent")
	}
	cs, _ := store.ChatState(context.Background(), 1, 100)
	if cs != nil {
		t.Fatalf("state = %+v, failed turn must not transition", cs)
	}
}

func TestHandleUpdateRawUpdateVisibleToTemplates(t *testing.T) {
	store := newFakeStore()
	store.bots[1] = enabledBot(1)
	store.rules[1] = []model.Rule{{
		ID: 1, BotID: 1, Name: "whoami", Pattern: "/whoami", Enabled: true,
		Response: model.ResponseTemplate{TextTemplate: "hello {{ update.message.from.first_name }}"},
	}}

	m := newFakeMessenger()
	reply, err := setupEngine(store).HandleUpdate(context.Background(), Update{
		BotID:  1,
		ChatID: 100,
		Text:   "/whoami",
		Raw: map[string]any{
			"message": map[string]any{
				"from": map[string]any{"first_name": "Ada"},
			},
		},
	}, m)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply == nil || reply.Text != "hello Ada" {
		t.Fatalf("reply = %+v", reply)
	}
}
