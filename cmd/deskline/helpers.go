package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	deskline "github.com/deskline/deskline/sdk/golang"
)

// newLogger builds the console logger used by every command.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// resolveConfig loads the config file and applies flag overrides.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if flagBaseURL != "" {
		cfg.Default.BaseURL = flagBaseURL
	}
	if flagRealtimeURL != "" {
		cfg.Default.RealtimeURL = flagRealtimeURL
	}
	cfg.Default.BaseURL = valueOrDefault(cfg.Default.BaseURL, deskline.DefaultBaseURL)
	cfg.Default.RealtimeURL = valueOrDefault(cfg.Default.RealtimeURL, cfg.Default.BaseURL+"/ws")
	return cfg, nil
}

// restClient creates a REST client for the configured console.
func restClient(cfg *Config) *deskline.Client {
	opts := []deskline.ClientOption{deskline.WithBaseURL(cfg.Default.BaseURL)}
	if cfg.Auth.Token != "" {
		opts = append(opts, deskline.WithToken(cfg.Auth.Token))
	}
	return deskline.NewClient(opts...)
}

// openSession creates a Gateway for the logged in user. It does not connect.
func openSession(cfg *Config, logger *zerolog.Logger, metrics *deskline.Metrics) (*deskline.Gateway, error) {
	if cfg.Default.UserID == "" {
		return nil, errors.New("no user id configured; run 'deskline login <email>' first")
	}
	return deskline.NewGateway(deskline.Config{
		URL:      cfg.Default.RealtimeURL,
		UserName: cfg.Default.UserName,
		Logger:   logger,
		Metrics:  metrics,
	})
}

// connectSession connects gw as the configured user and waits until it is
// connected, the retries are exhausted or ctx ends.
func connectSession(ctx context.Context, cfg *Config, gw *deskline.Gateway) error {
	failed := make(chan string, 1)
	h := gw.On(deskline.CategoryConnectionFailed, func(env deskline.Envelope) {
		var p deskline.ConnectionFailedPayload
		_ = env.Decode(&p)
		select {
		case failed <- p.Reason:
		default:
		}
	})
	defer gw.Off(h)

	if err := gw.Connect(cfg.Default.UserID, cfg.Auth.Token); err != nil {
		return err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !gw.IsConnected() {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for connection")
		case reason := <-failed:
			return errors.Errorf("connection failed: %s", reason)
		case <-ticker.C:
		}
	}
	return nil
}

// newMetrics returns session metrics and their registry when --metrics-addr
// is set, and nils otherwise.
func newMetrics() (*deskline.Metrics, *prometheus.Registry) {
	if flagMetricsAddr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	return deskline.NewMetrics(reg), reg
}

// serveHTTP runs an HTTP server on addr inside eg until ctx ends.
func serveHTTP(ctx context.Context, eg *errgroup.Group, logger zerolog.Logger, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "listen on %s", addr)
		}
		return nil
	})
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
