package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusTimeout time.Duration

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "How long to wait for the realtime connection")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and realtime connectivity",
	Long:  "Display the current configuration and, when logged in, try a realtime connection and list online agents.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", cfg.Default.BaseURL)
		fmt.Printf("  Realtime URL: %s\n", cfg.Default.RealtimeURL)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Email:        %s\n", valueOrDefault(cfg.Auth.Email, "(not logged in)"))
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  User Name:    %s\n", valueOrDefault(cfg.Default.UserName, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (none)")
		}

		if cfg.Default.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Realtime:")

		logger := newLogger()
		gw, err := openSession(cfg, &logger, nil)
		if err != nil {
			return err
		}
		defer gw.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		start := time.Now()
		if err := connectSession(ctx, cfg, gw); err != nil {
			fmt.Printf("  Connection:   UNREACHABLE (%v)\n", err)
			return nil
		}
		fmt.Printf("  Connection:   %s in %s\n", gw.State(), time.Since(start).Round(time.Millisecond))

		// Presence arrives right after the handshake.
		time.Sleep(500 * time.Millisecond)
		agents := gw.OnlineAgents()
		fmt.Printf("  Online:       %d agent(s)\n", len(agents))
		for _, a := range agents {
			fmt.Printf("    - %s\n", a)
		}
		return nil
	},
}
