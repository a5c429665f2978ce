package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/r1x/internal/config"
)

var revealSecrets bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd)
	configCmd.PersistentFlags().BoolVar(&revealSecrets, "reveal", false, "print secrets unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change the config file",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective values: file, .env and environment combined",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), !revealSecrets)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		return printValues(os.Stdout, values)
	},
}

func printValues(out io.Writer, values map[string]any) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, k := range slices.Sorted(maps.Keys(values)) {
		fmt.Fprintf(w, "%s\t%v\n", k, values[k])
	}
	return w.Flush()
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one value, e.g. llm.canary.model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		if s, ok := val.(string); ok && !revealSecrets && config.IsSecretKey(args[0]) {
			val = config.MaskSecrets(map[string]any{args[0]: s})[args[0]]
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value; the file is restored if the result does not validate",
	Example: `  r1x config set workers 20
  r1x config set llm.default.api_type azure
  r1x config set search.provider brave`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConfigValue(cfgPath, args[0], args[1], os.Stdout)
	},
}

// setConfigValue writes key=value into path and reloads the file through
// config.Load. A value that fails validation is rolled back.
func setConfigValue(path, key, value string, out io.Writer) error {
	orig, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := config.SetValue(path, key, value); err != nil {
		return err
	}
	if _, err := config.Load(path); err != nil {
		if restoreErr := os.WriteFile(path, orig, 0o600); restoreErr != nil {
			return fmt.Errorf("%w (restore failed: %v)", err, restoreErr)
		}
		return fmt.Errorf("rejected %s: %w", key, err)
	}

	display := value
	if config.IsSecretKey(key) && !revealSecrets {
		display = config.MaskSecrets(map[string]any{key: value})[key].(string)
	}
	fmt.Fprintf(out, "Set %s = %s\n", key, display)
	return nil
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}
