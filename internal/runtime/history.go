package runtime

import (
	"strings"

	"github.com/user/r1x/internal/types"
	"github.com/user/r1x/pkg/llm"
)

// TurnsFromHistory converts stored messages into chat turns. Messages sent by
// the bot become assistant turns; messages without a body are skipped.
func TurnsFromHistory(history []*types.ConversationMessage) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if m == nil || m.Body == nil {
			continue
		}
		role := llm.RoleUser
		if m.IsSentByMe {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: *m.Body})
	}
	return out
}

// MergeTurns joins consecutive turns of the same role with a newline and
// strips the search marker from assistant turns.
func MergeTurns(turns []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role == llm.RoleAssistant {
			t.Content = strings.TrimPrefix(t.Content, searchPrefix)
		}
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Content += "\n" + t.Content
			continue
		}
		out = append(out, t)
	}
	return out
}
