package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/r1x/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("R1X Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.LLM.Default.APIType = prompt(scanner, "Default LLM API type (openai/azure)", cfg.LLM.Default.APIType)
		if cfg.LLM.Default.APIType == "azure" {
			cfg.LLM.Default.BaseURL = prompt(scanner, "Azure OpenAI endpoint", cfg.LLM.Default.BaseURL)
			cfg.LLM.Default.APIVersion = prompt(scanner, "Azure API version", cfg.LLM.Default.APIVersion)
		}
		cfg.LLM.Default.APIKey = prompt(scanner, "Default LLM API key", cfg.LLM.Default.APIKey)
		cfg.LLM.Default.Model = prompt(scanner, "Default model", cfg.LLM.Default.Model)
		cfg.LLM.Canary.APIKey = prompt(scanner, "OpenAI API key for canary and transcription (optional)", cfg.LLM.Canary.APIKey)

		cfg.Search.Provider = prompt(scanner, "Search provider (serper/brave)", cfg.Search.Provider)
		if cfg.Search.Provider == "brave" {
			cfg.Search.BraveAPIKey = prompt(scanner, "Brave API key", cfg.Search.BraveAPIKey)
		} else {
			cfg.Search.SerperAPIKey = prompt(scanner, "Serper API key", cfg.Search.SerperAPIKey)
		}

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		cfg.WhatsApp.AccessToken = prompt(scanner, "WhatsApp access token (optional)", cfg.WhatsApp.AccessToken)
		if cfg.WhatsApp.AccessToken != "" {
			cfg.WhatsApp.PhoneNumberID = prompt(scanner, "WhatsApp phone number id", cfg.WhatsApp.PhoneNumberID)
			cfg.WhatsApp.VerifyToken = prompt(scanner, "WhatsApp webhook verify token", cfg.WhatsApp.VerifyToken)
		}
		cfg.Queue.URL = prompt(scanner, "SQS queue URL (serve only)", cfg.Queue.URL)

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt shows label with its default and returns the trimmed input, or the
// default when the input is empty.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return defaultVal
}
