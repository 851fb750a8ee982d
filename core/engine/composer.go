package engine

import (
	"encoding/json"
	"strings"

	"github.com/botmata/botmata/core/model"
)

// Reply is the rendered outbound message: final text and an optional
// keyboard as rows of button labels.
type Reply struct {
	Text     string
	Keyboard [][]string
}

// Composer renders a rule's or hook's response bundle against the
// accumulated context. Pure function; no side effects beyond the
// render.
type Composer struct {
	renderer *Renderer
}

// NewComposer wires the composer to a shared renderer.
func NewComposer(renderer *Renderer) *Composer {
	return &Composer{renderer: renderer}
}

// Compose renders text and keyboard. A text template that renders to
// whitespace suppresses the reply: Compose returns (nil, nil) and the
// caller sends nothing. The keyboard template must render to a JSON
// two-dimensional array of labels; an empty or unparseable render
// means no keyboard.
func (c *Composer) Compose(tpl *model.ResponseTemplate, rc *RenderContext) (*Reply, error) {
	text, err := c.renderer.Render("response.text", tpl.TextTemplate, rc)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	reply := &Reply{Text: text}
	if strings.TrimSpace(tpl.KeyboardTemplate) == "" {
		return reply, nil
	}

	rendered, err := c.renderer.Render("response.keyboard", tpl.KeyboardTemplate, rc)
	if err != nil {
		return nil, err
	}
	reply.Keyboard = parseKeyboard(rendered)
	return reply, nil
}

// parseKeyboard decodes a rendered keyboard into button-label rows.
// Anything that is not a JSON [][]string yields no keyboard.
func parseKeyboard(rendered string) [][]string {
	rendered = strings.TrimSpace(rendered)
	if rendered == "" {
		return nil
	}
	var rows [][]string
	if err := json.Unmarshal([]byte(rendered), &rows); err != nil {
		return nil
	}
	if len(rows) == 0 {
		return nil
	}
	return rows
}
