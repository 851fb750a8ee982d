package engine

import (
	"reflect"
	"testing"

	"github.com/botmata/botmata/core/model"
)

func TestComposeTextAndKeyboard(t *testing.T) {
	c := NewComposer(NewRenderer())
	rc := NewRenderContext()
	if err := rc.Add(BranchEnv, map[string]string{"greeting": "Welcome"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	reply, err := c.Compose(&model.ResponseTemplate{
		TextTemplate:     "{{ env.greeting }}!",
		KeyboardTemplate: `[["a"],["b","c"]]`,
	}, rc)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if reply == nil {
		t.Fatal("expected reply")
	}
	if reply.Text != "Welcome!" {
		t.Fatalf("text = %q", reply.Text)
	}
	want := [][]string{{"a"}, {"b", "c"}}
	if !reflect.DeepEqual(reply.Keyboard, want) {
		t.Fatalf("keyboard = %v", reply.Keyboard)
	}
}

func TestComposeSuppressesWhitespaceText(t *testing.T) {
	c := NewComposer(NewRenderer())
	rc := NewRenderContext()

	reply, err := c.Compose(&model.ResponseTemplate{
		TextTemplate: "  {{ response.missing }}\n",
	}, rc)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected suppressed reply, got %+v", reply)
	}
}

func TestComposeKeyboardTemplated(t *testing.T) {
	c := NewComposer(NewRenderer())
	rc := NewRenderContext()
	if err := rc.Add(BranchResponse, map[string]any{
		"list": []any{
			map[string]any{"name": "widget"},
			map[string]any{"name": "gadget"},
		},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	kb := `[[{% for item in response.list %}"{{ item.name }}"{% if not forloop.Last %},{% endif %}{% endfor %}]]`
	reply, err := c.Compose(&model.ResponseTemplate{
		TextTemplate:     "pick one",
		KeyboardTemplate: kb,
	}, rc)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	want := [][]string{{"widget", "gadget"}}
	if !reflect.DeepEqual(reply.Keyboard, want) {
		t.Fatalf("keyboard = %v", reply.Keyboard)
	}
}

func TestComposeInvalidKeyboardMeansNoKeyboard(t *testing.T) {
	c := NewComposer(NewRenderer())
	rc := NewRenderContext()

	for _, kb := range []string{"not json", `{"a":1}`, `[]`, `["flat"]`} {
		reply, err := c.Compose(&model.ResponseTemplate{
			TextTemplate:     "hello",
			KeyboardTemplate: kb,
		}, rc)
		if err != nil {
			t.Fatalf("compose %q: %v", kb, err)
		}
		if reply == nil {
			t.Fatalf("compose %q: reply suppressed", kb)
		}
		if reply.Keyboard != nil {
			t.Fatalf("compose %q: keyboard = %v, expected none", kb, reply.Keyboard)
		}
	}
}

func TestComposeTemplateErrorPropagates(t *testing.T) {
	c := NewComposer(NewRenderer())
	rc := NewRenderContext()

	_, err := c.Compose(&model.ResponseTemplate{TextTemplate: "{% if %}"}, rc)
	if err == nil {
		t.Fatal("expected error")
	}
}
