package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	deskline "github.com/deskline/deskline/sdk/golang"
)

var typingFor time.Duration

func init() {
	typingCmd.Flags().DurationVar(&typingFor, "for", 3*time.Second, "How long to show the typing indicator")
	rootCmd.AddCommand(typingCmd)
}

var typingCmd = &cobra.Command{
	Use:   "typing <conversation-id>",
	Short: "Show a typing indicator in a conversation for a while",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		err := withSession(cmd.Context(), func(cfg *Config, gw *deskline.Gateway) error {
			if err := gw.SendTyping(conversationID, cfg.Default.UserID, true); err != nil {
				return err
			}
			select {
			case <-time.After(typingFor):
			case <-cmd.Context().Done():
			}
			return gw.SendTyping(conversationID, cfg.Default.UserID, false)
		})
		if err != nil {
			return errors.Wrap(err, "typing failed")
		}
		fmt.Printf("Typing indicator shown in %s for %s\n", conversationID, typingFor)
		return nil
	},
}
