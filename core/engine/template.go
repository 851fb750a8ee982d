package engine

import (
	"crypto/sha256"
	"sync"

	"github.com/flosch/pongo2/v6"
)

// Renderer evaluates template strings against a RenderContext. Every
// distinct template source is compiled once and cached by its content
// hash, so per-message renders pay only the execution cost.
//
// The template language is Django-syntax pongo2: variable path lookup
// ({{ env.shop }}), conditionals and iteration. Undefined paths render
// as the empty string by design; syntax and execution failures surface
// as *TemplateError.
type Renderer struct {
	mu    sync.RWMutex
	cache map[[sha256.Size]byte]*pongo2.Template
}

// NewRenderer returns a renderer with an empty compile cache.
func NewRenderer() *Renderer {
	return &Renderer{cache: make(map[[sha256.Size]byte]*pongo2.Template)}
}

// Render evaluates src against rc. field names the template slot
// (e.g. "response.text") so failures identify which part of a bundle
// broke.
func (r *Renderer) Render(field, src string, rc *RenderContext) (string, error) {
	tpl, err := r.compile(src)
	if err != nil {
		return "", &TemplateError{Field: field, Template: src, Err: err}
	}
	out, err := tpl.Execute(rc.Values())
	if err != nil {
		return "", &TemplateError{Field: field, Template: src, Err: err}
	}
	return out, nil
}

// CacheSize reports the number of compiled templates held.
func (r *Renderer) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Renderer) compile(src string) (*pongo2.Template, error) {
	key := sha256.Sum256([]byte(src))

	r.mu.RLock()
	tpl, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	tpl, err := pongo2.FromString(src)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = tpl
	r.mu.Unlock()
	return tpl, nil
}
