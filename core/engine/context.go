package engine

import "github.com/flosch/pongo2/v6"

// Fixed top-level names visible to templates. Each processing stage
// contributes at most one branch.
const (
	BranchEnv          = "env"
	BranchURL          = "url"
	BranchUpdate       = "update"
	BranchResponse     = "response"
	BranchData         = "data"
	BranchStateContext = "state_context"
)

// RenderContext is the layered key-value tree templates are evaluated
// against. Stages add named branches; setting an existing branch fails
// with *ContextError so that no stage can clobber another's data.
// Lookups of paths that were never set render as the empty string,
// which is the template-engine contract the response templates rely on
// (e.g. conditionally rendering "not created" after a failed call).
type RenderContext struct {
	branches map[string]any
}

// NewRenderContext returns an empty context.
func NewRenderContext() *RenderContext {
	return &RenderContext{branches: make(map[string]any, 6)}
}

// Add attaches a named branch. The branch name must not be in use.
func (rc *RenderContext) Add(branch string, value any) error {
	if _, exists := rc.branches[branch]; exists {
		return &ContextError{Branch: branch}
	}
	rc.branches[branch] = value
	return nil
}

// Branch returns a previously added branch.
func (rc *RenderContext) Branch(name string) (any, bool) {
	v, ok := rc.branches[name]
	return v, ok
}

// Values flattens the tree into the form the template engine consumes.
// The copy keeps templates from mutating the layered structure.
func (rc *RenderContext) Values() pongo2.Context {
	vals := make(pongo2.Context, len(rc.branches))
	for k, v := range rc.branches {
		vals[k] = v
	}
	return vals
}
