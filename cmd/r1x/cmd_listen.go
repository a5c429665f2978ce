package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/user/r1x/internal/handler"
	"github.com/user/r1x/internal/messenger"
	"github.com/user/r1x/internal/queue"
	"golang.org/x/sync/errgroup"
)

const listenVisibility = 2 * time.Minute

func init() {
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Long-poll Telegram and process updates through an in-process queue",
	Long: `listen runs without SQS or a public webhook. Telegram updates are
fetched by long polling and fed to the same consumer pool serve uses.`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.telegram == nil {
		return errors.New("listen requires telegram.token")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mem := queue.NewMemory(listenVisibility, clockwork.NewRealClock())
	source := string(messenger.Telegram)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.pool(mem.Factory()).Run(egCtx)
	})
	eg.Go(func() error {
		return a.scheduler.Run(egCtx)
	})
	eg.Go(func() error {
		a.telegram.Listen(egCtx, func(ctx context.Context, raw []byte) error {
			body, err := handler.EncodeEvent(source, raw)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			_, err = mem.Send(ctx, body)
			return err
		})
		return nil
	})

	logger.Info("r1x listening", "workers", cfg.Workers, "db_path", cfg.DBPath)
	return eg.Wait()
}
