// Package messenger adapts chat channels (WhatsApp, Telegram) to a common
// capability set used by the message handler and the reminder scheduler.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/user/r1x/internal/types"
)

// Channel identifies a messaging integration.
type Channel string

const (
	WhatsApp Channel = "wa"
	Telegram Channel = "tg"
)

// ParseChannel validates a channel source string.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case WhatsApp, Telegram:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// ErrMalformedEvent is returned when a channel payload cannot be decoded.
var ErrMalformedEvent = errors.New("malformed channel event")

// Messenger is the capability set of one channel.
type Messenger interface {
	Channel() Channel
	// DisplayName is the human-readable channel name used in prompts.
	DisplayName() string
	// ParseMessage decodes a channel-native event. It returns a nil message
	// for events that are not user messages (status updates, stickers).
	ParseMessage(raw json.RawMessage) (*types.ParsedMessage, *types.FileInfo, error)
	// SendMessage sends a text message and returns it as a parsed message
	// ready to be stored. Non-text kinds are ignored and return nil.
	SendMessage(ctx context.Context, attrs types.SendAttrs) (*types.ParsedMessage, error)
	IsMessageForMe(msg *types.ParsedMessage) bool
	// SendTyping emits a single typing indication.
	SendTyping(ctx context.Context, chatID string) error
	// GetVoiceFile downloads the voice payload of msg into workdir and
	// returns the local path.
	GetVoiceFile(ctx context.Context, msg *types.ParsedMessage, file *types.FileInfo, workdir string) (string, error)
	SetStatusRead(ctx context.Context, messageID string) error
}

// Registry resolves channels to their messengers.
type Registry struct {
	mu         sync.RWMutex
	messengers map[Channel]Messenger
}

// NewRegistry creates a registry holding messengers.
func NewRegistry(messengers ...Messenger) *Registry {
	r := &Registry{messengers: make(map[Channel]Messenger)}
	for _, m := range messengers {
		r.Register(m)
	}
	return r
}

// Register adds m under its channel, replacing any previous messenger.
func (r *Registry) Register(m Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messengers[m.Channel()] = m
}

// Get returns the messenger of source.
func (r *Registry) Get(source string) (Messenger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messengers[Channel(source)]
	return m, ok
}

// Resolve splits a chat key ("tg:123") and returns its messenger and the
// channel-local chat id.
func (r *Registry) Resolve(chatKey string) (Messenger, string, error) {
	source, chatID, ok := types.SplitChatKey(chatKey)
	if !ok {
		return nil, "", fmt.Errorf("invalid chat key %q", chatKey)
	}
	m, ok := r.Get(source)
	if !ok {
		return nil, "", fmt.Errorf("no messenger for chat key: %s", chatKey)
	}
	return m, chatID, nil
}

// Channels lists the registered channels.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.messengers))
	for c := range r.messengers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// download streams url into path, adding header values to the request.
func download(ctx context.Context, client *http.Client, url, path string, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("write file: %w", err)
	}
	return f.Close()
}
