package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configKeys are the settings payhookctl persists, with their defaults.
var configKeys = map[string]any{
	"server":  "http://localhost:3000",
	"timeout": "30s",
	"json":    false,
	"pretty":  false,
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".payhookctl.yaml"), nil
}

func parseBool(key, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage payhookctl configuration",
	Long:  `Manage payhookctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		current := map[string]any{
			"server":  serverAddr,
			"timeout": timeout.String(),
			"json":    outputJSON,
			"pretty":  prettyJSON,
			"token":   jwtToken != "",
			"secret":  secret != "",
		}
		printOutput(cmd.OutOrStdout(), current, func(w io.Writer) {
			fmt.Fprintln(w, "Current configuration:")
			fmt.Fprintf(w, "  Server: %s\n", serverAddr)
			fmt.Fprintf(w, "  Timeout: %s\n", timeout)
			fmt.Fprintf(w, "  JSON Output: %v\n", outputJSON)
			fmt.Fprintf(w, "  Pretty JSON: %v\n", prettyJSON)
			fmt.Fprintf(w, "  Token set: %v\n", jwtToken != "")
			fmt.Fprintf(w, "  Webhook secret set: %v\n", secret != "")
			if prettyJSON && !checkJQAvailable() {
				fmt.Fprintln(w, "  ⚠️  Warning: pretty=true but jq not found in PATH")
			}
			if viper.ConfigFileUsed() != "" {
				fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
			} else {
				fmt.Fprintln(w, "  Config file: none (using defaults)")
			}
		})
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  payhookctl config set server http://payhook.internal:3000
  payhookctl config set timeout 60s
  payhookctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if _, ok := configKeys[key]; !ok {
			keys := make([]string, 0, len(configKeys))
			for k := range configKeys {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(keys, ", "))
		}

		switch key {
		case "json", "pretty":
			b, err := parseBool(key, value)
			if err != nil {
				return err
			}
			if key == "pretty" && b && !checkJQAvailable() {
				fmt.Fprintln(cmd.ErrOrStderr(), "⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.")
			}
			viper.Set(key, b)
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration for timeout: %w", err)
			}
			viper.Set(key, value)
		default:
			viper.Set(key, value)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if overwrite, _ := cmd.Flags().GetBool("force"); !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		for k, v := range configKeys {
			viper.Set(k, v)
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
