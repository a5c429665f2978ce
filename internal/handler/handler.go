// Package handler runs the per-event pipeline: parse, dedup, persist,
// complete and reply.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/user/r1x/internal/gateway"
	"github.com/user/r1x/internal/messenger"
	"github.com/user/r1x/internal/runtime"
	"github.com/user/r1x/internal/types"
)

const (
	DefaultHistoryLimit = 20

	transcriptPrefix   = "🗣📝: "
	forwardedVoiceBody = "Please transcribe: <audio file>"

	settingChannel = "channel"
	settingLang    = "transcription.lang"
)

// ErrParse marks events that can never be processed. They are logged and
// acknowledged.
var ErrParse = errors.New("unparseable event")

// Event is the queue message body.
type Event struct {
	Source string          `json:"source"`
	Event  json.RawMessage `json:"event"`
}

// EncodeEvent wraps a channel-native payload into a queue message body.
func EncodeEvent(source string, event []byte) ([]byte, error) {
	if !json.Valid(event) {
		return nil, fmt.Errorf("%s event is not valid JSON", source)
	}
	return json.Marshal(Event{Source: source, Event: event})
}

// Completer produces a reply for a chat history.
type Completer interface {
	Complete(ctx context.Context, run *gateway.Run, req runtime.Request) (*runtime.Completion, error)
}

// Transcriber turns a local audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path, language string) (string, error)
}

// Deduper guards against processing the same message twice. Claim
// returns gateway.ErrDuplicate for completed messages and
// gateway.ErrInFlight for messages held by another attempt.
type Deduper interface {
	Claim(channel, messageID string) error
	Done(channel, messageID string)
	Release(channel, messageID string)
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Messengers  *messenger.Registry
	Messages    types.MessageStore
	Settings    types.SettingsStore
	Completer   Completer
	Transcriber Transcriber
	Dedup       Deduper
}

// Handler processes queue events. Process has the gateway.Processor
// signature.
type Handler struct {
	Deps

	clock        clockwork.Clock
	keepAlive    time.Duration
	historyLimit int
	audioDir     string
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock sets the clock used for processing stats.
func WithClock(c clockwork.Clock) Option { return func(h *Handler) { h.clock = c } }

// WithKeepAlive sets the typing keepalive interval.
func WithKeepAlive(d time.Duration) Option { return func(h *Handler) { h.keepAlive = d } }

// WithHistoryLimit sets how many stored messages feed a completion.
func WithHistoryLimit(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// WithAudioDir sets the parent directory of voice download workdirs.
func WithAudioDir(dir string) Option { return func(h *Handler) { h.audioDir = dir } }

// New creates a Handler.
func New(deps Deps, opts ...Option) (*Handler, error) {
	switch {
	case deps.Messengers == nil:
		return nil, fmt.Errorf("handler: messenger registry is required")
	case deps.Messages == nil:
		return nil, fmt.Errorf("handler: message store is required")
	case deps.Settings == nil:
		return nil, fmt.Errorf("handler: settings store is required")
	case deps.Completer == nil:
		return nil, fmt.Errorf("handler: completer is required")
	}
	if deps.Dedup == nil {
		deps.Dedup = gateway.NewDedup()
	}
	h := &Handler{
		Deps:         deps,
		clock:        clockwork.NewRealClock(),
		keepAlive:    gateway.DefaultKeepAliveInterval,
		historyLimit: DefaultHistoryLimit,
		audioDir:     filepath.Join(os.TempDir(), "r1x", "audio"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Process handles one queue message body. Parse failures are logged and
// reported as success so the message is acknowledged; every other error
// leaves the message for redelivery.
func (h *Handler) Process(ctx context.Context, run *gateway.Run, body []byte) error {
	err := h.process(ctx, run, body)
	if errors.Is(err, ErrParse) {
		run.Logger.Warn("dropping unparseable event", "error", err)
		return nil
	}
	return err
}

func (h *Handler) process(ctx context.Context, run *gateway.Run, body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: decode event: %w", ErrParse, err)
	}
	m, ok := h.Messengers.Get(ev.Source)
	if !ok {
		return fmt.Errorf("%w: unknown source %q", ErrParse, ev.Source)
	}

	msg, file, err := m.ParseMessage(ev.Event)
	if err != nil {
		if errors.Is(err, messenger.ErrMalformedEvent) {
			return fmt.Errorf("%w: %w", ErrParse, err)
		}
		return fmt.Errorf("parse %s event: %w", ev.Source, err)
	}
	if msg == nil {
		return nil
	}

	if err := h.Dedup.Claim(ev.Source, msg.MessageID); err != nil {
		if errors.Is(err, gateway.ErrDuplicate) {
			run.Logger.Info("duplicate message skipped", "source", ev.Source, "message_id", msg.MessageID)
			return nil
		}
		// Left unacked so the queue redelivers it once the other attempt settles.
		return fmt.Errorf("claim %s message %s: %w", ev.Source, msg.MessageID, err)
	}
	defer run.End()

	if err := h.handle(ctx, run, m, msg, file); err != nil {
		h.Dedup.Release(ev.Source, msg.MessageID)
		return err
	}
	h.Dedup.Done(ev.Source, msg.MessageID)
	return nil
}

func (h *Handler) handle(ctx context.Context, run *gateway.Run, m messenger.Messenger, msg *types.ParsedMessage, file *types.FileInfo) error {
	start := h.clock.Now()
	logger := run.Logger.With("chat_id", msg.ChatKey(), "message_id", msg.MessageID)

	if err := m.SetStatusRead(ctx, msg.MessageID); err != nil {
		logger.Warn("mark message read", "error", err)
	}

	if err := h.loadSettings(ctx, run, msg); err != nil {
		return err
	}

	if msg.Kind == types.KindVoice {
		voiced, done, err := h.handleVoice(ctx, run, m, msg, file)
		if err != nil || done {
			return err
		}
		msg = voiced
	}

	stored, err := h.Messages.Insert(ctx, msg)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if stored.IsSentByMe || stored.Body == nil {
		return nil
	}
	if !m.IsMessageForMe(msg) {
		return nil
	}

	h.startTyping(ctx, run, m, msg.ChatID)

	history, err := h.Messages.History(ctx, msg.ChatID, stored.CreatedAt, h.historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	logger.Debug("message history pulled", "messages", len(history))

	if len(history) <= 1 {
		logger.Info("sending intro message")
		return h.sendIntro(ctx, m, msg.ChatID)
	}

	completion, err := h.Completer.Complete(ctx, run, runtime.Request{
		Messenger: m.DisplayName(),
		History:   runtime.TurnsFromHistory(history),
		Origin:    msg,
	})
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	if err := h.sendAndStore(ctx, m, types.SendAttrs{
		ChatID: msg.ChatID,
		Kind:   types.KindText,
		Body:   completion.Text,
	}); err != nil {
		return err
	}

	h.recordStats(run, msg, completion, start)
	logger.Info("reply sent", statArgs(run.Stats())...)
	return nil
}

func (h *Handler) loadSettings(ctx context.Context, run *gateway.Run, msg *types.ParsedMessage) error {
	settings, err := h.Settings.Latest(ctx, msg.ChatKey())
	if err != nil {
		return fmt.Errorf("load user settings: %w", err)
	}
	if settings != nil && settings.Settings != nil {
		run.Settings = settings.Settings
	}
	run.FeatureChannel = gateway.ChannelStable
	if settings.String(settingChannel, gateway.ChannelStable) == gateway.ChannelCanary {
		run.FeatureChannel = gateway.ChannelCanary
	}
	return nil
}

// handleVoice transcribes a voice message and echoes the transcript.
// Forwarded voice notes end processing; otherwise the returned message
// carries the transcript as its body.
func (h *Handler) handleVoice(ctx context.Context, run *gateway.Run, m messenger.Messenger, msg *types.ParsedMessage, file *types.FileInfo) (*types.ParsedMessage, bool, error) {
	h.startTyping(ctx, run, m, msg.ChatID)

	transcript, err := h.transcribe(ctx, run, m, msg, file)
	if err != nil {
		return nil, false, err
	}
	echo := types.SendAttrs{
		ChatID:  msg.ChatID,
		Kind:    types.KindText,
		Body:    transcriptPrefix + transcript,
		QuoteID: msg.MessageID,
	}

	voiced := *msg
	if msg.IsForwarded {
		body := forwardedVoiceBody
		voiced.Body = &body
		if _, err := h.Messages.Insert(ctx, &voiced); err != nil {
			return nil, false, fmt.Errorf("store message: %w", err)
		}
		return nil, true, h.sendAndStore(ctx, m, echo)
	}

	voiced.Body = &transcript
	if _, err := m.SendMessage(ctx, echo); err != nil {
		return nil, false, fmt.Errorf("send transcript: %w", err)
	}
	return &voiced, false, nil
}

func (h *Handler) transcribe(ctx context.Context, run *gateway.Run, m messenger.Messenger, msg *types.ParsedMessage, file *types.FileInfo) (string, error) {
	if h.Transcriber == nil {
		return "", fmt.Errorf("voice message received but no transcriber is configured")
	}
	if err := os.MkdirAll(h.audioDir, 0o755); err != nil {
		return "", fmt.Errorf("create audio dir: %w", err)
	}
	workdir, err := os.MkdirTemp(h.audioDir, "voice-")
	if err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workdir)

	path, err := m.GetVoiceFile(ctx, msg, file, workdir)
	if err != nil {
		return "", fmt.Errorf("download voice: %w", err)
	}

	lang, _ := run.Settings[settingLang].(string)
	run.Logger.Debug("transcribing voice message", "language", lang)
	transcript, err := h.Transcriber.Transcribe(ctx, path, lang)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return transcript, nil
}

// startTyping emits a typing indication and keeps it alive until the run
// ends. Later calls within the same run are no-ops.
func (h *Handler) startTyping(ctx context.Context, run *gateway.Run, m messenger.Messenger, chatID string) {
	if run.InFlight() {
		return
	}
	if err := m.SendTyping(ctx, chatID); err != nil {
		run.Logger.Debug("send typing", "error", err)
	}
	run.Begin()
	run.KeepAlive(ctx, h.keepAlive, func(ctx context.Context) error {
		return m.SendTyping(ctx, chatID)
	})
}

func (h *Handler) sendAndStore(ctx context.Context, m messenger.Messenger, attrs types.SendAttrs) error {
	sent, err := m.SendMessage(ctx, attrs)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if sent == nil {
		return nil
	}
	if _, err := h.Messages.Insert(ctx, sent); err != nil {
		return fmt.Errorf("store sent message: %w", err)
	}
	return nil
}

func (h *Handler) recordStats(run *gateway.Run, msg *types.ParsedMessage, c *runtime.Completion, start time.Time) {
	now := h.clock.Now()
	processing := now.Sub(start)

	tokensPerSec := 0.0
	if secs := processing.Seconds(); secs > 0 {
		tokensPerSec = float64(c.Usage.OutputTokens) / secs
	}

	run.SetStat("channel", run.FeatureChannel)
	run.SetStat("prompt_tokens", c.Usage.InputTokens)
	run.SetStat("completion_tokens", c.Usage.OutputTokens)
	run.SetStat("total_tokens", c.Usage.InputTokens+c.Usage.OutputTokens)
	run.SetStat("completion_tokens_per_sec", tokensPerSec)
	run.SetStat("response_time_ms", now.Sub(msg.Timestamp).Milliseconds())
	run.SetStat("processing_time_ms", processing.Milliseconds())
}

func statArgs(stats map[string]any) []any {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, stats[k])
	}
	return args
}
