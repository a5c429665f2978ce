package handler

import (
	"context"

	"github.com/user/r1x/internal/messenger"
	"github.com/user/r1x/internal/types"
)

const introLegal = `Robot 1-X at your service!

First, be aware that while I always do my best to help, I am not a professional doctor, psychologist, banker or otherwise.
Some of my replies may provide incorrect information about people, locations and events.
Always check my suggestions with a professional.


If you're under 18, you must have your parents' permission before you continue talking to me!

Chatting with me means you agree to my Terms of Use (https://r1x.ai/terms-of-use) and Privacy policy (https://r1x.ai/privacy).
Make sure to read them before continuing this chat.`

const introOverview = `Here are some things you can ask me for:

- Write a bedtime story about Abigail and Jonathan, two superheroes who live next to a river.
- Plan a 14-day road trip from Milan to Minsk. Include detailed suggestions about where to spend each day.
- Rewrite the following text with spell-checking and punctuation: pleez send me all the docooments that is need for tomorrow flight im waiting for dem.
- Please summarize the following text: <copy some text/email here>.

And, you can record a message instead of typing!

How can I help?`

// sendIntro greets a new chat with the legal notice and an overview.
func (h *Handler) sendIntro(ctx context.Context, m messenger.Messenger, chatID string) error {
	for _, body := range []string{introLegal, introOverview} {
		if err := h.sendAndStore(ctx, m, types.SendAttrs{ChatID: chatID, Kind: types.KindText, Body: body}); err != nil {
			return err
		}
	}
	return nil
}
