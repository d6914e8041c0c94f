package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	deskline "github.com/deskline/deskline/sdk/golang"
)

var (
	listenConversation string
	listenTypes        []string
	listenRaw          bool
)

func init() {
	listenCmd.Flags().StringVarP(&listenConversation, "conversation", "c", "", "Only show events for this conversation")
	listenCmd.Flags().StringSliceVarP(&listenTypes, "type", "t", nil, "Event types to show (default all)")
	listenCmd.Flags().BoolVar(&listenRaw, "raw", false, "Print raw envelope payloads")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream realtime events until interrupted",
	Long:  "Connect to the realtime endpoint and print conversation events as they arrive. Reconnects automatically.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		metrics, reg := newMetrics()

		gw, err := openSession(cfg, &logger, metrics)
		if err != nil {
			return err
		}
		defer gw.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		printer := newEventPrinter()
		var scope []string
		if listenConversation != "" {
			scope = append(scope, listenConversation)
		}
		categories := []deskline.Category{deskline.CategoryAny}
		if len(listenTypes) > 0 {
			categories = categories[:0]
			for _, t := range listenTypes {
				categories = append(categories, deskline.Category(t))
			}
		}
		for _, c := range categories {
			gw.On(c, printer.print, scope...)
		}
		gw.On(deskline.CategoryConnectionFailed, func(env deskline.Envelope) {
			var p deskline.ConnectionFailedPayload
			_ = env.Decode(&p)
			cancel(errors.Errorf("gave up after %d attempts: %s", p.Attempts, p.Reason))
		})

		eg, egCtx := errgroup.WithContext(ctx)
		if reg != nil {
			serveHTTP(egCtx, eg, logger, flagMetricsAddr, deskline.Handler(reg))
		}
		eg.Go(func() error {
			if err := gw.Connect(cfg.Default.UserID, cfg.Auth.Token); err != nil {
				return err
			}
			<-egCtx.Done()
			gw.Disconnect()
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			return nil
		})
		return eg.Wait()
	},
}

// eventPrinter renders envelopes as one colored line each.
type eventPrinter struct {
	dim    *color.Color
	cyan   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
}

func newEventPrinter() *eventPrinter {
	return &eventPrinter{
		dim:    color.New(color.Faint),
		cyan:   color.New(color.FgCyan),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
	}
}

func (p *eventPrinter) print(env deskline.Envelope) {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p.dim.Printf("%s ", ts.Local().Format("15:04:05"))
	p.cyan.Printf("%-17s ", env.Type)

	if listenRaw {
		fmt.Println(string(env.Data))
		return
	}

	switch env.Type {
	case deskline.CategoryNewMessage:
		var m deskline.MessagePayload
		if env.Decode(&m) == nil {
			fmt.Printf("[%s] %s: %s\n", m.ConversationID, valueOrDefault(m.SenderName, m.SenderID), m.Content)
			return
		}
	case deskline.CategoryStatusUpdate:
		var s deskline.StatusUpdatePayload
		if env.Decode(&s) == nil {
			fmt.Printf("[%s] status ", s.ConversationID)
			p.yellow.Printf("%s", s.Status)
			if s.UpdatedBy != "" {
				fmt.Printf(" by %s", s.UpdatedBy)
			}
			fmt.Println()
			return
		}
	case deskline.CategoryTypingStart, deskline.CategoryTypingStop:
		var t deskline.TypingPayload
		if env.Decode(&t) == nil {
			fmt.Printf("[%s] %s\n", t.ConversationID, valueOrDefault(t.UserName, t.UserID))
			return
		}
	case deskline.CategoryAgentOnline:
		var a deskline.AgentOnlinePayload
		if env.Decode(&a) == nil {
			c := p.green
			if a.Status == deskline.AgentStatusOffline {
				c = p.dim
			}
			fmt.Printf("%s ", valueOrDefault(a.AgentName, a.AgentID))
			c.Println(valueOrDefault(a.Status, deskline.AgentStatusOnline))
			return
		}
	case deskline.CategoryConnection:
		var c deskline.ConnectionPayload
		if env.Decode(&c) == nil {
			out := p.yellow
			switch c.Status {
			case deskline.StateConnected:
				out = p.green
			case deskline.StateDisconnected:
				out = p.red
			}
			out.Printf("%s", c.Status)
			if c.Status == deskline.StateReconnecting {
				fmt.Printf(" (attempt %d in %s)", c.Attempt, time.Duration(c.DelayMS)*time.Millisecond)
			}
			if c.Error != "" {
				p.dim.Printf(" %s", c.Error)
			}
			fmt.Println()
			return
		}
	case deskline.CategoryConnectionFailed:
		var f deskline.ConnectionFailedPayload
		if env.Decode(&f) == nil {
			p.red.Printf("after %d attempts: %s\n", f.Attempts, f.Reason)
			return
		}
	}
	fmt.Println(string(env.Data))
}
