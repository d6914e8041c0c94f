package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	deskline "github.com/deskline/deskline/sdk/golang"
)

var (
	sendTimeout time.Duration
	sendJSON    bool
)

func init() {
	for _, c := range []*cobra.Command{sendCmd, conversationStatusCmd, typingCmd} {
		c.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the connection and delivery")
	}
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print the sent message as JSON")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(conversationStatusCmd)
}

// withSession connects a session, runs fn and waits for the outbound queue
// to drain before disconnecting.
func withSession(parent context.Context, fn func(*Config, *deskline.Gateway) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	gw, err := openSession(cfg, &logger, nil)
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(parent, sendTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		dropped []deskline.DroppedSend
	)
	gw.OnDropped(func(d deskline.DroppedSend) {
		mu.Lock()
		dropped = append(dropped, d)
		mu.Unlock()
	})

	if err := connectSession(ctx, cfg, gw); err != nil {
		return err
	}
	if err := fn(cfg, gw); err != nil {
		return err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for gw.QueueLen() > 0 {
		select {
		case <-ctx.Done():
			return errors.Errorf("%d envelope(s) still queued", gw.QueueLen())
		case <-ticker.C:
		}
	}
	gw.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) > 0 {
		return errors.Errorf("%d envelope(s) dropped (%s)", len(dropped), dropped[0].Reason)
	}
	return nil
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content := strings.Join(args[1:], " ")

		var msg deskline.MessagePayload
		err := withSession(cmd.Context(), func(_ *Config, gw *deskline.Gateway) error {
			var err error
			msg, err = gw.SendMessage(conversationID, content)
			return err
		})
		if err != nil {
			return errors.Wrap(err, "send failed")
		}

		if sendJSON {
			data, err := json.MarshalIndent(msg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Message sent (id: %s)\n", msg.ID)
		return nil
	},
}

var conversationStatusCmd = &cobra.Command{
	Use:   "conversation-status <conversation-id> <status>",
	Short: "Change a conversation's status (e.g. open, pending, resolved)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, status := args[0], args[1]
		err := withSession(cmd.Context(), func(cfg *Config, gw *deskline.Gateway) error {
			return gw.UpdateStatus(conversationID, status, valueOrDefault(cfg.Default.UserName, cfg.Default.UserID))
		})
		if err != nil {
			return errors.Wrap(err, "status update failed")
		}
		fmt.Printf("Conversation %s is now %s\n", conversationID, status)
		return nil
	},
}
