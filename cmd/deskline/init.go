package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the console URL in ~/.deskline/config.toml",
	Long:  "Initialize the Deskline CLI by storing the console base URL and its realtime endpoint.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := strings.TrimRight(args[0], "/")

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		cfg.Default.BaseURL = baseURL
		if cfg.Default.RealtimeURL == "" {
			cfg.Default.RealtimeURL = baseURL + "/ws"
		}

		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		path, _ := configPath()
		fmt.Printf("Console URL saved to %s\n", path)
		fmt.Printf("  Realtime: %s\n", cfg.Default.RealtimeURL)
		return nil
	},
}
