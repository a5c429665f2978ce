// internal/context/engine.go
package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/r1x/pkg/llm"
)

// Token accounting for chat-formatted messages: every message costs a fixed
// overhead plus its encoded fields, a "name" field costs one token less, and
// the reply is primed with three more.
const (
	tokensPerMessage = 4
	tokensPerName    = -1
	replyPriming     = 3
)

// Engine measures chat messages and trims conversation history to a token
// budget. It is safe for concurrent use.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
}

// New creates an engine using the tokenizer of model (e.g. "gpt-3.5-turbo").
func New(model string) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{tokenizer: enc}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// MessageTokens returns the cost of a single message.
func (e *Engine) MessageTokens(m llm.Message) int {
	n := tokensPerMessage + e.countTokens(m.Role) + e.countTokens(m.Content)
	if m.Name != "" {
		n += e.countTokens(m.Name) + tokensPerName
	}
	return n
}

// Cost returns the total cost of sending messages, reply priming included.
func (e *Engine) Cost(messages []llm.Message) int {
	total := replyPriming
	for _, m := range messages {
		total += e.MessageTokens(m)
	}
	return total
}

// Window is a token-bounded slice of a conversation.
type Window struct {
	Preamble *llm.Message
	Turns    []llm.Message
	Tokens   int
}

// Messages returns the preamble (if any) followed by the turns.
func (w *Window) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(w.Turns)+1)
	if w.Preamble != nil {
		out = append(out, *w.Preamble)
	}
	return append(out, w.Turns...)
}

// Empty reports whether the window retained no turns.
func (w *Window) Empty() bool {
	return len(w.Turns) == 0
}

// Build trims turns (oldest first) to fit the budget.
//
// Turns are taken newest to oldest while the running cost stays within soft.
// The newest turn is kept even past soft as long as the total stays within
// hard, counting the preamble. A preamble that alone does not fit under hard
// is dropped, as is any assistant turn left at the start of the window. The returned window never
// costs more than hard and is empty when no turn fits.
func (e *Engine) Build(preamble *llm.Message, turns []llm.Message, soft, hard int) *Window {
	if soft > hard {
		soft = hard
	}
	if len(turns) == 0 {
		return &Window{}
	}

	base := replyPriming
	var pre *llm.Message
	if preamble != nil {
		if c := base + e.MessageTokens(*preamble); c <= hard {
			p := *preamble
			pre = &p
			base = c
		}
	}

	start, total := e.walk(turns, base, soft, hard)

	kept := turns[start:]
	for len(kept) > 0 && kept[0].Role == llm.RoleAssistant {
		total -= e.MessageTokens(kept[0])
		kept = kept[1:]
	}
	if len(kept) == 0 {
		return &Window{}
	}

	return &Window{
		Preamble: pre,
		Turns:    append([]llm.Message(nil), kept...),
		Tokens:   total,
	}
}

// walk returns the index of the oldest retained turn and the resulting cost.
func (e *Engine) walk(turns []llm.Message, base, soft, hard int) (int, int) {
	total := base
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		next := total + e.MessageTokens(turns[i])
		newest := i == len(turns)-1
		if next > hard || (next > soft && !newest) {
			break
		}
		total = next
		start = i
	}
	return start, total
}
