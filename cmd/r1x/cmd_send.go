package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/r1x/internal/types"
)

var sendText string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendText, "text", "t", "", "message text (required)")
	sendCmd.MarkFlagRequired("text")
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-key>...",
	Short: "Send a message to one or more chats and record it in their history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.TrimSpace(sendText)
		if text == "" {
			return errors.New("--text is empty")
		}
		cfg := loadConfig()
		logger := setupLogging(cfg)

		messengers, _, err := buildMessengers(cfg, logger)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		var failed int
		for _, chatKey := range args {
			m, chatID, err := messengers.Resolve(chatKey)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", chatKey, err)
				failed++
				continue
			}
			sent, err := m.SendMessage(ctx, types.SendAttrs{ChatID: chatID, Kind: types.KindText, Body: text})
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: send: %v\n", chatKey, err)
				failed++
				continue
			}
			if sent != nil {
				if _, err := st.Insert(ctx, sent); err != nil {
					logger.Warn("store sent message", "chat_key", chatKey, "error", err)
				}
			}
			fmt.Fprintf(os.Stdout, "%s: sent\n", chatKey)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sends failed", failed, len(args))
		}
		return nil
	},
}
