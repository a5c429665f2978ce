package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/user/r1x/internal/types"
)

const (
	DefaultGraphBase   = "https://graph.facebook.com/v21.0"
	maxWhatsAppMessage = 4000
)

// WhatsAppConfig configures the WhatsApp Cloud API messenger.
type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	// PhoneNumber is the bot's own number, used to recognize echoes.
	PhoneNumber string
	GraphBase   string
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// WhatsAppMessenger implements Messenger over the WhatsApp Cloud API.
type WhatsAppMessenger struct {
	cfg    WhatsAppConfig
	client *http.Client
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewWhatsApp creates a WhatsApp messenger.
func NewWhatsApp(cfg WhatsAppConfig) (*WhatsAppMessenger, error) {
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp: access token and phone number id are required")
	}
	if cfg.GraphBase == "" {
		cfg.GraphBase = DefaultGraphBase
	}
	w := &WhatsAppMessenger{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if w.clock == nil {
		w.clock = clockwork.NewRealClock()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "whatsapp")
	return w, nil
}

func (w *WhatsAppMessenger) Channel() Channel     { return WhatsApp }
func (w *WhatsAppMessenger) DisplayName() string { return "WhatsApp" }

// ParseMessage decodes a Cloud API webhook payload. Status callbacks and
// unsupported message types yield a nil message.
func (w *WhatsAppMessenger) ParseMessage(raw json.RawMessage) (*types.ParsedMessage, *types.FileInfo, error) {
	var payload waPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if len(payload.Entry) == 0 || len(payload.Entry[0].Changes) == 0 {
		return nil, nil, fmt.Errorf("%w: no changes in payload", ErrMalformedEvent)
	}
	value := payload.Entry[0].Changes[0].Value
	if len(value.Statuses) > 0 || len(value.Messages) == 0 {
		return nil, nil, nil
	}
	m := value.Messages[0]

	msg := &types.ParsedMessage{
		Source:     string(WhatsApp),
		ChatType:   "private",
		ChatID:     m.From,
		SenderID:   m.From,
		MessageID:  m.ID,
		IsSentByMe: w.cfg.PhoneNumber != "" && m.From == w.cfg.PhoneNumber,
		RawSource:  raw,
		Timestamp:  w.clock.Now().UTC(),
	}
	if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		msg.Timestamp = time.Unix(secs, 0).UTC()
	}
	if m.Context != nil {
		msg.IsForwarded = m.Context.Forwarded
		msg.ReplyToMessageID = m.Context.ID
	}

	var file *types.FileInfo
	switch m.Type {
	case "text":
		if m.Text == nil {
			return nil, nil, fmt.Errorf("%w: text message without body", ErrMalformedEvent)
		}
		msg.Kind = types.KindText
		body := m.Text.Body
		msg.Body = &body
	case "audio":
		if m.Audio == nil {
			return nil, nil, fmt.Errorf("%w: audio message without media", ErrMalformedEvent)
		}
		msg.Kind = types.KindVoice
		file = &types.FileInfo{FileID: m.Audio.ID}
	default:
		return nil, nil, nil
	}
	return msg, file, nil
}

// SendMessage posts a text message. Bodies longer than the Cloud API limit
// are truncated.
func (w *WhatsAppMessenger) SendMessage(ctx context.Context, attrs types.SendAttrs) (*types.ParsedMessage, error) {
	if attrs.Kind != "" && attrs.Kind != types.KindText {
		return nil, nil
	}
	body := attrs.Body
	if utf8.RuneCountInString(body) > maxWhatsAppMessage {
		body = string([]rune(body)[:maxWhatsAppMessage])
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                attrs.ChatID,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	}
	if attrs.QuoteID != "" {
		payload["context"] = map[string]string{"message_id": attrs.QuoteID}
	}

	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := w.post(ctx, w.cfg.PhoneNumberID+"/messages", payload, &resp); err != nil {
		return nil, fmt.Errorf("whatsapp send: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil, fmt.Errorf("whatsapp send: no message id in response")
	}

	return &types.ParsedMessage{
		Source:           string(WhatsApp),
		ChatType:         "private",
		ChatID:           attrs.ChatID,
		SenderID:         w.cfg.PhoneNumber,
		MessageID:        resp.Messages[0].ID,
		ReplyToMessageID: attrs.QuoteID,
		Kind:             types.KindText,
		Body:             &body,
		IsSentByMe:       true,
		Timestamp:        w.clock.Now().UTC(),
	}, nil
}

// IsMessageForMe is true for every WhatsApp message; chats are always 1:1.
func (w *WhatsAppMessenger) IsMessageForMe(msg *types.ParsedMessage) bool {
	return msg.ChatType == "private"
}

// SendTyping is a no-op; the Cloud API has no typing indicator.
func (w *WhatsAppMessenger) SendTyping(context.Context, string) error { return nil }

// GetVoiceFile resolves the media URL and downloads it as workdir/audio.ogg.
func (w *WhatsAppMessenger) GetVoiceFile(ctx context.Context, msg *types.ParsedMessage, file *types.FileInfo, workdir string) (string, error) {
	if file == nil || file.FileID == "" {
		return "", fmt.Errorf("whatsapp: message %s has no voice file", msg.MessageID)
	}

	endpoint := fmt.Sprintf("%s/%s?phone_number_id=%s", w.cfg.GraphBase,
		url.PathEscape(file.FileID), url.QueryEscape(w.cfg.PhoneNumberID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	var media struct {
		URL string `json:"url"`
	}
	if err := w.do(req, &media); err != nil {
		return "", fmt.Errorf("whatsapp media lookup: %w", err)
	}
	if media.URL == "" {
		return "", fmt.Errorf("whatsapp media lookup: empty url")
	}

	path := filepath.Join(workdir, "audio.ogg")
	header := http.Header{"Authorization": {"Bearer " + w.cfg.AccessToken}}
	if err := download(ctx, w.client, media.URL, path, header); err != nil {
		return "", err
	}
	return path, nil
}

// SetStatusRead marks an inbound message as read.
func (w *WhatsAppMessenger) SetStatusRead(ctx context.Context, messageID string) error {
	payload := map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := w.post(ctx, w.cfg.PhoneNumberID+"/messages", payload, &resp); err != nil {
		return fmt.Errorf("whatsapp mark read: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("whatsapp mark read: not acknowledged")
	}
	return nil
}

func (w *WhatsAppMessenger) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.GraphBase+"/"+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	return w.do(req, out)
}

func (w *WhatsAppMessenger) do(req *http.Request, out any) error {
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Messages         []waMessage       `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type waMessage struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Text      *waText    `json:"text,omitempty"`
	Audio     *waMedia   `json:"audio,omitempty"`
	Context   *waContext `json:"context,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

type waContext struct {
	ID        string `json:"id"`
	Forwarded bool   `json:"forwarded"`
}
