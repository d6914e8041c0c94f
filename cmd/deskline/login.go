package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	deskline "github.com/deskline/deskline/sdk/golang"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (default $DESKLINE_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the session token",
	Long:  "Log in to the console with email and password and store the returned token and identity locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		password := valueOrDefault(loginPassword, os.Getenv("DESKLINE_PASSWORD"))
		if password == "" {
			return errors.New("password is required (--password or $DESKLINE_PASSWORD)")
		}

		cfg, err := resolveConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		result, err := deskline.NewClient(deskline.WithBaseURL(cfg.Default.BaseURL)).Login(ctx, email, password)
		if err != nil {
			if errors.Is(err, deskline.ErrUnauthorized) {
				return errors.Wrap(err, "login rejected")
			}
			return errors.Wrap(err, "login request failed")
		}

		cfg.Auth.Token = result.Token
		cfg.Auth.Email = email
		cfg.Default.UserID = result.UserID()
		if result.User != nil && result.User.Name != "" {
			cfg.Default.UserName = result.User.Name
		}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID: %s\n", cfg.Default.UserID)
		if result.User != nil {
			fmt.Printf("  Name:    %s\n", result.User.Name)
			fmt.Printf("  Role:    %s\n", valueOrDefault(result.User.Role, "(none)"))
		}
		fmt.Printf("  Token:   %s\n", maskKey(result.Token))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := restClient(cfg).Logout(ctx); err != nil {
			logger := newLogger()
			logger.Warn().Err(err).Msg("server logout failed, forgetting token anyway")
		}

		cfg.Auth.Token = ""
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}
		fmt.Println("Logged out.")
		return nil
	},
}
