package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/user/r1x/pkg/llm"
)

// Transcriber turns audio files into text with the speech-to-text endpoint.
type Transcriber struct {
	api   *goopenai.Client
	model string
}

// NewTranscriber creates a Transcriber. An empty model selects whisper-1.
func NewTranscriber(config *llm.Config, model string) *Transcriber {
	if model == "" {
		model = goopenai.Whisper1
	}
	return &Transcriber{api: newAPI(config), model: model}
}

// Transcribe uploads the file at path and returns its transcript. language is
// an optional ISO-639-1 hint.
func (t *Transcriber) Transcribe(ctx context.Context, path, language string) (string, error) {
	resp, err := t.api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    t.model,
		FilePath: path,
		Language: language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return resp.Text, nil
}
