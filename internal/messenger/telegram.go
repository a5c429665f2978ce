package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/r1x/internal/types"
)

const maxTelegramMessage = 4096

// TelegramConfig configures the Telegram messenger.
type TelegramConfig struct {
	Token string
	// BotName is the @handle that addresses the bot in groups. Defaults to
	// the bot's own username.
	BotName string
	// APIEndpoint overrides the Bot API endpoint format, e.g. for tests.
	APIEndpoint  string
	FileEndpoint string
	Logger       *slog.Logger
}

// TelegramMessenger implements Messenger over the Telegram Bot API.
type TelegramMessenger struct {
	bot          *tgbotapi.BotAPI
	botName      string
	fileEndpoint string
	client       *http.Client
	logger       *slog.Logger
}

// NewTelegram connects to the Bot API and identifies the bot.
func NewTelegram(cfg TelegramConfig) (*TelegramMessenger, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := &http.Client{Timeout: 60 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	t := &TelegramMessenger{
		bot:          bot,
		botName:      cfg.BotName,
		fileEndpoint: cfg.FileEndpoint,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       cfg.Logger,
	}
	if t.botName == "" {
		t.botName = bot.Self.UserName
	}
	if t.fileEndpoint == "" {
		t.fileEndpoint = tgbotapi.FileEndpoint
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "telegram")
	return t, nil
}

func (t *TelegramMessenger) Channel() Channel     { return Telegram }
func (t *TelegramMessenger) DisplayName() string { return "Telegram" }

// ParseMessage decodes a Bot API update.
func (t *TelegramMessenger) ParseMessage(raw json.RawMessage) (*types.ParsedMessage, *types.FileInfo, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if update.Message == nil || update.Message.Chat == nil {
		return nil, nil, nil
	}
	msg, file := t.parse(update.Message)
	if msg == nil {
		return nil, nil, nil
	}
	msg.RawSource = raw
	return msg, file, nil
}

func (t *TelegramMessenger) parse(m *tgbotapi.Message) (*types.ParsedMessage, *types.FileInfo) {
	msg := &types.ParsedMessage{
		Source:      string(Telegram),
		ChatType:    m.Chat.Type,
		ChatID:      strconv.FormatInt(m.Chat.ID, 10),
		MessageID:   strconv.Itoa(m.MessageID),
		IsForwarded: m.ForwardDate != 0,
		Timestamp:   time.Unix(int64(m.Date), 0).UTC(),
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.IsSentByMe = m.From.ID == t.bot.Self.ID
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToMessageID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	var file *types.FileInfo
	switch {
	case m.Text != "":
		msg.Kind = types.KindText
		body := m.Text
		msg.Body = &body
	case m.Voice != nil:
		msg.Kind = types.KindVoice
		file = &types.FileInfo{FileID: m.Voice.FileID, FileUniqueID: m.Voice.FileUniqueID}
	case m.Audio != nil:
		msg.Kind = types.KindVoice
		file = &types.FileInfo{FileID: m.Audio.FileID, FileUniqueID: m.Audio.FileUniqueID}
	default:
		return nil, nil
	}
	return msg, file
}

// SendMessage sends a text, split into Bot API sized parts.
func (t *TelegramMessenger) SendMessage(ctx context.Context, attrs types.SendAttrs) (*types.ParsedMessage, error) {
	if attrs.Kind != "" && attrs.Kind != types.KindText {
		return nil, nil
	}
	chatID, err := strconv.ParseInt(attrs.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram chat id %q: %w", attrs.ChatID, err)
	}

	var first *types.ParsedMessage
	for i, part := range splitMessage(attrs.Body, maxTelegramMessage) {
		cfg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && attrs.QuoteID != "" {
			if quote, err := strconv.Atoi(attrs.QuoteID); err == nil {
				cfg.ReplyToMessageID = quote
				cfg.AllowSendingWithoutReply = true
			}
		}
		sent, err := t.bot.Send(cfg)
		if err != nil {
			return nil, fmt.Errorf("telegram send: %w", err)
		}
		if first == nil {
			first, _ = t.parse(&sent)
		}
	}
	if first == nil {
		return nil, fmt.Errorf("telegram send: no message returned")
	}
	body := attrs.Body
	first.Body = &body
	first.Kind = types.KindText
	return first, nil
}

// IsMessageForMe accepts private chats, messages starting with @botname and
// replies to the bot.
func (t *TelegramMessenger) IsMessageForMe(msg *types.ParsedMessage) bool {
	if msg.ChatType == "private" {
		return true
	}
	if t.botName != "" && strings.HasPrefix(msg.BodyText(), "@"+t.botName) {
		return true
	}
	if len(msg.RawSource) == 0 {
		return false
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(msg.RawSource, &update); err != nil || update.Message == nil {
		return false
	}
	reply := update.Message.ReplyToMessage
	return reply != nil && reply.From != nil && reply.From.ID == t.bot.Self.ID
}

// SendTyping sends a "typing" chat action.
func (t *TelegramMessenger) SendTyping(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram typing: %w", err)
	}
	return nil
}

// GetVoiceFile downloads the voice note as workdir/audio.ogg.
func (t *TelegramMessenger) GetVoiceFile(ctx context.Context, msg *types.ParsedMessage, file *types.FileInfo, workdir string) (string, error) {
	if file == nil || file.FileID == "" {
		return "", fmt.Errorf("telegram: message %s has no voice file", msg.MessageID)
	}
	f, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: file.FileID})
	if err != nil {
		return "", fmt.Errorf("telegram getFile: %w", err)
	}
	url := fmt.Sprintf(t.fileEndpoint, t.bot.Token, f.FilePath)

	ext := filepath.Ext(f.FilePath)
	if ext == "" {
		ext = ".ogg"
	}
	path := filepath.Join(workdir, "audio"+ext)
	if err := download(ctx, t.client, url, path, nil); err != nil {
		return "", err
	}
	return path, nil
}

// SetStatusRead is a no-op; the Bot API has no read receipts.
func (t *TelegramMessenger) SetStatusRead(context.Context, string) error { return nil }

// Listen long-polls for updates and passes each raw update to handle until
// ctx is cancelled.
func (t *TelegramMessenger) Listen(ctx context.Context, handle func(ctx context.Context, raw []byte) error) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("listening for updates", "bot", t.botName)

	for {
		select {
		case update := <-updates:
			raw, err := json.Marshal(update)
			if err != nil {
				t.logger.Error("encode update", "update_id", update.UpdateID, "error", err)
				continue
			}
			if err := handle(ctx, raw); err != nil {
				t.logger.Error("handle update", "update_id", update.UpdateID, "error", err)
			}
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

// splitMessage cuts text into parts of at most limit runes.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > 0 {
		end := min(limit, len(runes))
		parts = append(parts, string(runes[:end]))
		runes = runes[end:]
	}
	return parts
}
