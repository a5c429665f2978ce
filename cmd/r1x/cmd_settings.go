package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/r1x/internal/types"
)

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and change per-chat settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <chat-key>",
	Short: "Show the latest settings of a chat, e.g. tg:12345",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, ok := types.SplitChatKey(args[0]); !ok {
			return fmt.Errorf("invalid chat key %q", args[0])
		}
		cfg := loadConfig()
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		settings, err := st.Latest(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		if settings == nil || len(settings.Settings) == 0 {
			fmt.Println("No settings found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "VERSION\t%d\n", settings.Version)
		fmt.Fprintf(w, "UPDATED\t%s\n", settings.UpdatedAt.Format("2006-01-02 15:04:05"))
		for _, k := range slices.Sorted(maps.Keys(settings.Settings)) {
			fmt.Fprintf(w, "%s\t%v\n", k, settings.Settings[k])
		}
		return w.Flush()
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <chat-key> <key=value>...",
	Short: "Store a new settings version for a chat",
	Example: `  r1x settings set tg:12345 channel=canary
  r1x settings set wa:972500000000 transcription.lang=he`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatKey := args[0]
		if _, _, ok := types.SplitChatKey(chatKey); !ok {
			return fmt.Errorf("invalid chat key %q", chatKey)
		}
		updates, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}

		cfg := loadConfig()
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		latest, err := st.Latest(ctx, chatKey)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		merged := map[string]any{}
		if latest != nil {
			maps.Copy(merged, latest.Settings)
		}
		for k, v := range updates {
			if v == "" {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}

		saved, err := st.Save(ctx, chatKey, merged)
		if err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Saved settings version %d for %s\n", saved.Version, chatKey)
		return nil
	},
}

// parseAssignments parses key=value arguments. An empty value removes the key.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		if k == "channel" && v != "" && v != "canary" && v != "stable" {
			return nil, fmt.Errorf("channel must be canary or stable, got %q", v)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}
