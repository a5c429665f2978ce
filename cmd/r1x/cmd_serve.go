package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/r1x/internal/queue"
	"github.com/user/r1x/internal/webhook"
	"golang.org/x/sync/errgroup"
)

const pidFileName = "r1x.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook ingress, queue consumers and reminder scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if cfg.Queue.URL == "" {
		return errors.New("queue.url is not set (SQS_QUEUE_URL)")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	restart := watchRestart(ctx, cancel, logger)

	sqsCfg := queue.SQSConfig{
		QueueURL: cfg.Queue.URL,
		Region:   cfg.Queue.Region,
		Endpoint: cfg.Queue.Endpoint,
	}
	sender, err := queue.NewSQS(ctx, sqsCfg)
	if err != nil {
		return fmt.Errorf("create sqs sender: %w", err)
	}

	httpServer := &http.Server{
		Addr: cfg.Webhook.Addr,
		Handler: webhook.NewServer(webhook.Config{
			WhatsAppVerifyToken: cfg.WhatsApp.VerifyToken,
			WhatsAppAppSecret:   cfg.WhatsApp.AppSecret,
			TelegramSecret:      cfg.Telegram.WebhookSecret,
		}, sender, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("r1x started",
		"data_dir", cfg.DataDir,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"queue", cfg.Queue.URL,
		"listen", cfg.Webhook.Addr,
		"channels", a.messengers.Channels(),
		"pid_file", pidPath,
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.pool(queue.SQSFactory(sqsCfg)).Run(egCtx)
	})
	eg.Go(func() error {
		return a.scheduler.Run(egCtx)
	})
	eg.Go(func() error {
		logger.Info("webhook server started", "listen", cfg.Webhook.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = eg.Wait()
	logger.Info("shutting down")
	if err != nil {
		return err
	}
	if restart.Load() {
		a.Close()
		return reexec(pidPath, logger)
	}
	return nil
}

// watchRestart cancels ctx on SIGHUP and reports whether that happened.
func watchRestart(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) *atomic.Bool {
	var restart atomic.Bool
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		select {
		case <-hup:
			logger.Info("received SIGHUP, restarting")
			restart.Store(true)
			cancel()
		case <-ctx.Done():
		}
	}()
	return &restart
}

func reexec(pidPath string, logger *slog.Logger) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	os.Remove(pidPath)
	logger.Info("re-executing", "path", execPath)
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
