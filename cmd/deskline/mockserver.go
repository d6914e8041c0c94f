package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/deskline/deskline/sdk/golang/internal/mockserver"
)

var (
	mockAddr         string
	mockToken        string
	mockPingInterval time.Duration
)

func init() {
	mockServerCmd.Flags().StringVar(&mockAddr, "addr", ":3000", "Listen address")
	mockServerCmd.Flags().StringVar(&mockToken, "token", "", "Require this bearer token (login then issues it)")
	mockServerCmd.Flags().DurationVar(&mockPingInterval, "ping-interval", 25*time.Second, "Websocket keepalive interval")
	rootCmd.AddCommand(mockServerCmd)
}

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a local realtime relay for development",
	Long: "Serve /ws and /api/auth/{login,logout} locally. Every envelope a client sends is relayed\n" +
		"to all other clients, and presence is announced as agents connect and leave.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		hub := mockserver.New(mockserver.Options{
			Token:        mockToken,
			PingInterval: mockPingInterval,
			Logger:       logger,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eg, egCtx := errgroup.WithContext(ctx)
		serveHTTP(egCtx, eg, logger, mockAddr, hub.Handler())
		eg.Go(func() error {
			<-egCtx.Done()
			hub.Close()
			return nil
		})
		err := eg.Wait()
		if err == nil || err == context.Canceled {
			logger.Info().Msg("mock server stopped")
			return nil
		}
		return err
	},
}
