package runtime

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Call is a single tool invocation requested by the model.
type Call struct {
	// Input is the raw TOOL_INPUT value.
	Input json.RawMessage
	// ChatKey is the channel-qualified chat the request came from ("tg:123").
	ChatKey string
	// MessageID is the id of the message being answered.
	MessageID string
	Now       time.Time
}

// Tool is a capability the model may invoke.
type Tool interface {
	// Name is the upper-case registry key, e.g. "SEARCH".
	Name() string
	// Description is the instruction line shown to the model.
	Description() string
	Execute(ctx context.Context, call Call) (string, error)
}

// Terminal is implemented by tools whose successful invocation ends the
// completion loop.
type Terminal interface {
	Terminal() bool
}

// Exampler is implemented by tools that show the model a sample TOOL_INPUT.
type Exampler interface {
	Example() string
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool under its upper-cased name.
func (r *Registry) Register(t Tool) {
	r.tools[strings.ToUpper(t.Name())] = t
}

// Get returns a tool by exact name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Lookup resolves a model-provided tool name: it is trimmed, upper-cased and
// matched against registry keys by prefix, so "SEARCH_WEB" finds SEARCH.
// The longest matching key wins.
func (r *Registry) Lookup(name string) (Tool, bool) {
	canon := strings.ToUpper(strings.TrimSpace(name))
	if canon == "" {
		return nil, false
	}
	var best Tool
	bestLen := 0
	for key, t := range r.tools {
		if strings.HasPrefix(canon, key) && len(key) > bestLen {
			best, bestLen = t, len(key)
		}
	}
	return best, best != nil
}

// All returns all registered tools ordered by name.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

func isTerminal(t Tool) bool {
	term, ok := t.(Terminal)
	return ok && term.Terminal()
}
