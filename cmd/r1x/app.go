package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/user/r1x/internal/config"
	ctxengine "github.com/user/r1x/internal/context"
	"github.com/user/r1x/internal/gateway"
	"github.com/user/r1x/internal/handler"
	"github.com/user/r1x/internal/messenger"
	"github.com/user/r1x/internal/queue"
	"github.com/user/r1x/internal/runtime"
	"github.com/user/r1x/internal/runtime/tools"
	"github.com/user/r1x/internal/scheduler"
	"github.com/user/r1x/internal/store"
	"github.com/user/r1x/pkg/llm"
	"github.com/user/r1x/pkg/llm/openai"
)

// app holds the components shared by serve and listen.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	messengers *messenger.Registry
	telegram   *messenger.TelegramMessenger
	handler    *handler.Handler
	scheduler  *scheduler.Scheduler
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if !cfg.LLM.Default.Enabled() {
		return nil, errors.New("llm.default.api_key is not set")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.New(db, store.WithLogger(logger))

	a := &app{cfg: cfg, logger: logger, store: st}
	a.messengers, a.telegram, err = buildMessengers(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	engine, err := ctxengine.New(cfg.LLM.Default.Model)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	orch := runtime.New(runtime.Config{
		Default:       route(cfg.LLM.Default),
		Canary:        route(cfg.LLM.Canary),
		Secondary:     route(cfg.LLM.Secondary),
		Temperature:   cfg.LLM.Temperature,
		MaxIterations: cfg.LLM.MaxIterations,
		SoftLimit:     cfg.LLM.SoftLimit,
		HardLimit:     cfg.LLM.HardLimit,
		Logger:        logger,
	}, engine, toolRegistry(cfg, st))

	deps := handler.Deps{
		Messengers: a.messengers,
		Messages:   st,
		Settings:   st,
		Completer:  orch,
		Dedup:      gateway.NewDedup(),
	}
	if p, ok := transcriptionProvider(cfg); ok {
		deps.Transcriber = openai.NewTranscriber(llmConfig(p), cfg.LLM.TranscriptionModel)
	} else {
		logger.Warn("voice transcription disabled (no openai provider)")
	}
	h, err := handler.New(deps, handler.WithAudioDir(filepath.Join(cfg.DataDir, "audio")))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create handler: %w", err)
	}
	a.handler = h

	a.scheduler = scheduler.New(st, a.messengers,
		scheduler.WithLogger(logger),
		scheduler.WithSpec(cfg.Scheduler.Spec),
	)
	return a, nil
}

// buildMessengers creates a messenger for every configured channel.
func buildMessengers(cfg *config.Config, logger *slog.Logger) (*messenger.Registry, *messenger.TelegramMessenger, error) {
	reg := messenger.NewRegistry()
	var tg *messenger.TelegramMessenger
	if cfg.Telegram.Token != "" {
		var err error
		tg, err = messenger.NewTelegram(messenger.TelegramConfig{
			Token:   cfg.Telegram.Token,
			BotName: cfg.Telegram.BotName,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create telegram messenger: %w", err)
		}
		reg.Register(tg)
	} else {
		logger.Warn("telegram disabled (no token)")
	}
	if cfg.WhatsApp.AccessToken != "" {
		wa, err := messenger.NewWhatsApp(messenger.WhatsAppConfig{
			AccessToken:   cfg.WhatsApp.AccessToken,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			PhoneNumber:   cfg.WhatsApp.PhoneNumber,
			GraphBase:     cfg.WhatsApp.GraphBase,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create whatsapp messenger: %w", err)
		}
		reg.Register(wa)
	} else {
		logger.Warn("whatsapp disabled (no access token)")
	}
	if len(reg.Channels()) == 0 {
		return nil, nil, errors.New("no messenger configured")
	}
	return reg, tg, nil
}

// pool builds the consumer pool over factory with the handler as processor.
func (a *app) pool(factory queue.ClientFactory) *gateway.Gateway {
	gw := gateway.New(factory, &gateway.Sequencer{},
		gateway.WithWorkers(a.cfg.Workers),
		gateway.WithWait(time.Duration(a.cfg.Queue.WaitSeconds)*time.Second),
		gateway.WithLogger(a.logger),
	)
	gw.SetProcessor(a.handler.Process)
	return gw
}

func (a *app) Close() error {
	return a.store.Close()
}

func toolRegistry(cfg *config.Config, timers *store.Store) *runtime.Registry {
	var searcher tools.Searcher
	switch cfg.Search.Provider {
	case "brave":
		searcher = tools.NewBraveSearch(cfg.Search.BraveAPIKey)
	default:
		searcher = tools.NewSerper(cfg.Search.SerperAPIKey)
	}
	return runtime.NewRegistry(
		tools.NewSearch(searcher),
		tools.NewWeather(searcher),
		tools.NewAlert(timers),
		tools.NewBrowse(),
	)
}

func llmConfig(p config.Provider) *llm.Config {
	return &llm.Config{
		APIType:    p.APIType,
		BaseURL:    p.BaseURL,
		APIKey:     p.APIKey,
		APIVersion: p.APIVersion,
		Deployment: p.Deployment,
	}
}

func route(p config.Provider) runtime.Route {
	if !p.Enabled() {
		return runtime.Route{Model: p.Model}
	}
	return runtime.Route{Provider: openai.New(llmConfig(p)), Model: p.Model}
}

// transcriptionProvider picks the first configured non-Azure provider.
func transcriptionProvider(cfg *config.Config) (config.Provider, bool) {
	for _, p := range []config.Provider{cfg.LLM.Default, cfg.LLM.Canary, cfg.LLM.Secondary} {
		if p.Enabled() && p.APIType != "azure" {
			return p, true
		}
	}
	return config.Provider{}, false
}

// openStore opens the database for the maintenance commands.
func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store.New(db), nil
}
