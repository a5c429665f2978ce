package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/user/r1x/internal/gateway"
	"github.com/user/r1x/internal/messenger"
	"github.com/user/r1x/internal/runtime"
	"github.com/user/r1x/internal/store"
	"github.com/user/r1x/internal/types"
	"github.com/user/r1x/pkg/llm"
)

// fakeEvent is the channel-native payload understood by fakeMessenger.
type fakeEvent struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	Text      string `json:"text,omitempty"`
	Voice     string `json:"voice,omitempty"`
	Forwarded bool   `json:"forwarded,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
	Group     bool   `json:"group,omitempty"`
	Status    bool   `json:"status,omitempty"`
}

type fakeMessenger struct {
	mu     sync.Mutex
	sent   []types.SendAttrs
	read   []string
	typing int
	next   int
}

func (f *fakeMessenger) Channel() messenger.Channel { return messenger.Telegram }
func (f *fakeMessenger) DisplayName() string        { return "Telegram" }

func (f *fakeMessenger) ParseMessage(raw json.RawMessage) (*types.ParsedMessage, *types.FileInfo, error) {
	var ev fakeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", messenger.ErrMalformedEvent, err)
	}
	if ev.Status {
		return nil, nil, nil
	}
	msg := &types.ParsedMessage{
		Source:      "tg",
		ChatType:    "private",
		ChatID:      ev.Chat,
		SenderID:    "user-1",
		MessageID:   ev.ID,
		IsForwarded: ev.Forwarded,
		IsSentByMe:  ev.FromMe,
		RawSource:   raw,
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if ev.Group {
		msg.ChatType = "group"
	}
	if ev.Voice != "" {
		msg.Kind = types.KindVoice
		return msg, &types.FileInfo{FileID: ev.Voice}, nil
	}
	msg.Kind = types.KindText
	text := ev.Text
	msg.Body = &text
	return msg, nil, nil
}

func (f *fakeMessenger) SendMessage(_ context.Context, attrs types.SendAttrs) (*types.ParsedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, attrs)
	f.next++
	body := attrs.Body
	return &types.ParsedMessage{
		Source:     "tg",
		ChatType:   "private",
		ChatID:     attrs.ChatID,
		SenderID:   "bot",
		MessageID:  fmt.Sprintf("out-%d", f.next),
		Kind:       types.KindText,
		Body:       &body,
		IsSentByMe: true,
	}, nil
}

func (f *fakeMessenger) IsMessageForMe(msg *types.ParsedMessage) bool {
	return msg.ChatType == "private"
}

func (f *fakeMessenger) SendTyping(context.Context, string) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) GetVoiceFile(_ context.Context, _ *types.ParsedMessage, file *types.FileInfo, workdir string) (string, error) {
	path := filepath.Join(workdir, "audio.ogg")
	return path, os.WriteFile(path, []byte(file.FileID), 0o644)
}

func (f *fakeMessenger) SetStatusRead(_ context.Context, id string) error {
	f.mu.Lock()
	f.read = append(f.read, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) Sent() []types.SendAttrs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SendAttrs(nil), f.sent...)
}

type fakeCompleter struct {
	mu    sync.Mutex
	reqs  []runtime.Request
	runs  []*gateway.Run
	reply string
	err   error
	// entered is signalled and gate awaited on each call when set.
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeCompleter) Complete(_ context.Context, run *gateway.Run, req runtime.Request) (*runtime.Completion, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.runs = append(f.runs, run)
	entered, gate := f.entered, f.gate
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &runtime.Completion{Text: f.reply, Usage: llm.Usage{InputTokens: 100, OutputTokens: 20}}, nil
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeTranscriber struct {
	text string
	lang string
	data string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path, language string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f.data = string(data)
	f.lang = language
	return f.text, nil
}

type harness struct {
	h           *Handler
	store       *store.Store
	messenger   *fakeMessenger
	completer   *fakeCompleter
	transcriber *fakeTranscriber
	seq         gateway.Sequencer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "r1x.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hs := &harness{
		store:       store.New(db),
		messenger:   &fakeMessenger{},
		completer:   &fakeCompleter{reply: "Sure thing."},
		transcriber: &fakeTranscriber{text: "remind me to call mom"},
	}
	hs.h, err = New(Deps{
		Messengers:  messenger.NewRegistry(hs.messenger),
		Messages:    hs.store,
		Settings:    hs.store,
		Completer:   hs.completer,
		Transcriber: hs.transcriber,
		Dedup:       gateway.NewDedup(),
	}, WithClock(clockwork.NewFakeClock()), WithAudioDir(t.TempDir()), WithKeepAlive(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return hs
}

func (hs *harness) process(t *testing.T, ev fakeEvent) (*gateway.Run, error) {
	t.Helper()
	raw, _ := json.Marshal(ev)
	body, _ := json.Marshal(Event{Source: "tg", Event: raw})
	run := gateway.NewRun(hs.seq.Next(), nil)
	return run, hs.h.Process(context.Background(), run, body)
}

func (hs *harness) history(t *testing.T, chat string) []*types.ConversationMessage {
	t.Helper()
	msgs, err := hs.store.History(context.Background(), chat, time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestNewRequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestFirstMessageSendsIntro(t *testing.T) {
	hs := newHarness(t)
	if _, err := hs.process(t, fakeEvent{ID: "1", Chat: "42", Text: "hi"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	sent := hs.messenger.Sent()
	if len(sent) != 2 || sent[0].Body != introLegal || sent[1].Body != introOverview {
		t.Fatalf("sent = %+v, want the two intro messages", sent)
	}
	if hs.completer.Calls() != 0 {
		t.Error("completion should not run for a new chat")
	}
	if n := len(hs.history(t, "42")); n != 3 {
		t.Errorf("stored messages = %d, want 3", n)
	}
	if len(hs.messenger.read) != 1 || hs.messenger.read[0] != "1" {
		t.Errorf("read receipts = %v", hs.messenger.read)
	}
	if hs.messenger.typing == 0 {
		t.Error("expected a typing indication")
	}
}

func TestReplyFromCompletion(t *testing.T) {
	hs := newHarness(t)
	hs.process(t, fakeEvent{ID: "1", Chat: "42", Text: "hi"})

	run, err := hs.process(t, fakeEvent{ID: "2", Chat: "42", Text: "what's up?"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if hs.completer.Calls() != 1 {
		t.Fatalf("completer calls = %d, want 1", hs.completer.Calls())
	}
	req := hs.completer.reqs[0]
	if req.Messenger != "Telegram" || req.Origin.MessageID != "2" {
		t.Errorf("request = %+v", req)
	}
	last := req.History[len(req.History)-1]
	if last.Role != llm.RoleUser || last.Content != "what's up?" {
		t.Errorf("last turn = %+v", last)
	}

	sent := hs.messenger.Sent()
	if got := sent[len(sent)-1]; got.Body != "Sure thing." || got.ChatID != "42" {
		t.Errorf("reply = %+v", got)
	}
	hist := hs.history(t, "42")
	if got := hist[len(hist)-1]; !got.IsSentByMe || got.BodyText() != "Sure thing." {
		t.Errorf("last stored message = %+v", got)
	}

	stats := run.Stats()
	if stats["prompt_tokens"] != 100 || stats["completion_tokens"] != 20 || stats["total_tokens"] != 120 {
		t.Errorf("token stats = %v", stats)
	}
	if stats["channel"] != gateway.ChannelStable {
		t.Errorf("channel stat = %v", stats["channel"])
	}
	if run.InFlight() {
		t.Error("run should not be in flight after processing")
	}
}

func TestRedeliveryProducesOneSend(t *testing.T) {
	hs := newHarness(t)
	hs.process(t, fakeEvent{ID: "1", Chat: "42", Text: "hi"})
	before := len(hs.messenger.Sent())

	for i := 0; i < 3; i++ {
		if _, err := hs.process(t, fakeEvent{ID: "2", Chat: "42", Text: "again"}); err != nil {
			t.Fatalf("Process #%d: %v", i, err)
		}
	}
	if got := len(hs.messenger.Sent()) - before; got != 1 {
		t.Errorf("sends for redelivered message = %d, want 1", got)
	}
	if hs.completer.Calls() != 1 {
		t.Errorf("completer calls = %d, want 1", hs.completer.Calls())
	}
}

func TestFailureReleasesClaim(t *testing.T) {
	hs := newHarness(t)
	hs.process(t, fakeEvent{ID: "1", Chat: "42", Text: "hi"})

	hs.completer.err = errors.New("provider down")
	if _, err := hs.process(t, fakeEvent{ID: "2", Chat: "42", Text: "hello?"}); err == nil {
		t.Fatal("expected processing error")
	}

	hs.completer.err = nil
	if _, err := hs.process(t, fakeEvent{ID: "2", Chat: "42", Text: "hello?"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if hs.completer.Calls() != 2 {
		t.Errorf("completer calls = %d, want 2", hs.completer.Calls())
	}
	if n := len(hs.history(t, "42")); n != 5 {
		t.Errorf("stored messages = %d, want 5", n)
	}
}

func TestRedeliveryWhileInFlightIsNotAcked(t *testing.T) {
	hs := newHarness(t)
	hs.process(t, fakeEvent{ID: "1", Chat: "42", Text: "hi"})

	hs.completer.err = errors.New("provider down")
	hs.completer.entered = make(chan struct{}, 1)
	hs.completer.gate = make(chan struct{})

	ev := fakeEvent{ID: "2", Chat: "42", Text: "slow question"}
	first := make(chan error, 1)
	go func() {
		_, err := hs.process(t, ev)
		first <- err
	}()
	<-hs.completer.entered

	// The queue redelivers while the first attempt still waits on the model.
	if _, err := hs.process(t, ev); !errors.Is(err, gateway.ErrInFlight) {
		t.Fatalf("concurrent redelivery = %v, want ErrInFlight so it stays queued", err)
	}

	close(hs.completer.gate)
	if err := <-first; err == nil {
		t.Fatal("expected the first attempt to fail")
	}

	hs.completer.mu.Lock()
	hs.completer.err = nil
	hs.completer.entered, hs.completer.gate = nil, nil
	hs.completer.mu.Unlock()

	before := len(hs.messenger.Sent())
	if _, err := hs.process(t, ev); err != nil {
		t.Fatalf("later redelivery: %v", err)
	}
	sent := hs.messenger.Sent()
	if len(sent)-before != 1 || sent[len(sent)-1].Body != "Sure thing." {
		t.Errorf("expected one reply after the retry, got %+v", sent[before:])
	}
	if _, err := hs.process(t, ev); err != nil {
		t.Errorf("redelivery after success = %v, want nil", err)
	}
}

func TestUnparseableEventsAreAcked(t *testing.T) {
	hs := newHarness(t)
	run := gateway.NewRun(1, nil)

	bodies := []string{
		`not json`,
		`{"source":"sms","event":{}}`,
		`{"source":"tg","event":"oops"}`,
	}
	for _, body := range bodies {
		if err := hs.h.Process(context.Background(), run, []byte(body)); err != nil {
			t.Errorf("Process(%s) = %v, want nil", body, err)
		}
	}
	if err := hs.h.process(context.Background(), run, []byte(`not json`)); !errors.Is(err, ErrParse) {
		t.Errorf("process error = %v, want ErrParse", err)
	}
	if len(hs.messenger.Sent()) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestNonMessageEventsIgnored(t *testing.T) {
	hs := newHarness(t)
	if _, err := hs.process(t, fakeEvent{Status: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(hs.messenger.read) != 0 || len(hs.messenger.Sent()) != 0 {
		t.Error("status events should be ignored")
	}
}

func TestStoresButSkipsOwnAndForeignMessages(t *testing.T) {
	hs := newHarness(t)
	hs.process(t, fakeEvent{ID: "1", Chat: "42", Text: "echo", FromMe: true})
	hs.process(t, fakeEvent{ID: "2", Chat: "-7", Text: "group chatter", Group: true})

	if len(hs.messenger.Sent()) != 0 {
		t.Errorf("sent = %+v, want nothing", hs.messenger.Sent())
	}
	if len(hs.history(t, "42")) != 1 || len(hs.history(t, "-7")) != 1 {
		t.Error("messages should still be stored")
	}
}

func TestVoiceMessageIsTranscribedAndAnswered(t *testing.T) {
	hs := newHarness(t)
	hs.store.Save(context.Background(), "tg:42", map[string]any{"transcription.lang": "he"})
	hs.process(t, fakeEvent{ID: "1", Chat: "42", Text: "hi"})
	before := len(hs.messenger.Sent())

	if _, err := hs.process(t, fakeEvent{ID: "2", Chat: "42", Voice: "file-9"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if hs.transcriber.data != "file-9" || hs.transcriber.lang != "he" {
		t.Errorf("transcriber got data %q lang %q", hs.transcriber.data, hs.transcriber.lang)
	}
	sent := hs.messenger.Sent()[before:]
	if len(sent) != 2 {
		t.Fatalf("sent = %+v, want transcript echo and reply", sent)
	}
	if sent[0].Body != transcriptPrefix+"remind me to call mom" || sent[0].QuoteID != "2" {
		t.Errorf("echo = %+v", sent[0])
	}
	if sent[1].Body != "Sure thing." {
		t.Errorf("reply = %+v", sent[1])
	}

	req := hs.completer.reqs[0]
	if last := req.History[len(req.History)-1]; last.Content != "remind me to call mom" {
		t.Errorf("last turn = %q, want the transcript", last.Content)
	}
	for _, m := range hs.history(t, "42") {
		if strings.HasPrefix(m.BodyText(), transcriptPrefix) {
			t.Error("transcript echo should not be stored")
		}
	}
}

func TestForwardedVoiceOnlyTranscribes(t *testing.T) {
	hs := newHarness(t)
	if _, err := hs.process(t, fakeEvent{ID: "5", Chat: "42", Voice: "file-1", Forwarded: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	sent := hs.messenger.Sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0].Body, transcriptPrefix) {
		t.Fatalf("sent = %+v, want only the transcript", sent)
	}
	hist := hs.history(t, "42")
	if len(hist) != 2 || hist[0].BodyText() != forwardedVoiceBody {
		t.Fatalf("history = %+v", hist)
	}
	if hs.completer.Calls() != 0 {
		t.Error("forwarded voice should not be answered")
	}
}

func TestCanarySettingSelectsChannel(t *testing.T) {
	hs := newHarness(t)
	hs.store.Save(context.Background(), "tg:42", map[string]any{"channel": "canary"})
	hs.process(t, fakeEvent{ID: "1", Chat: "42", Text: "hi"})
	hs.process(t, fakeEvent{ID: "2", Chat: "42", Text: "hey"})

	if len(hs.completer.runs) != 1 {
		t.Fatalf("completer calls = %d", len(hs.completer.runs))
	}
	run := hs.completer.runs[0]
	if run.FeatureChannel != gateway.ChannelCanary {
		t.Errorf("FeatureChannel = %q, want canary", run.FeatureChannel)
	}
	if run.Settings["channel"] != "canary" {
		t.Errorf("Settings = %v", run.Settings)
	}
}

func TestVoiceWithoutTranscriberFails(t *testing.T) {
	hs := newHarness(t)
	hs.h.Transcriber = nil
	if _, err := hs.process(t, fakeEvent{ID: "1", Chat: "42", Voice: "f"}); err == nil {
		t.Fatal("expected error without a transcriber")
	}
}

func TestEncodeEvent(t *testing.T) {
	body, err := EncodeEvent("wa", []byte(`{"entry":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.Source != "wa" || string(ev.Event) != `{"entry":[]}` {
		t.Errorf("decoded = %+v, %v", ev, err)
	}
	if _, err := EncodeEvent("tg", []byte("nope")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
