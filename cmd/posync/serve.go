package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/offlinepos/cmd/posync/handlers"
	"github.com/kimhsiao/offlinepos/internal/config"
	"github.com/kimhsiao/offlinepos/internal/engine"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/notify"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand runs the engine, the local API and the caching proxy
// on one listener.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the offline engine and local server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "failed to load config", Err: err}
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logging.Get())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

// serve runs until ctx is done, then shuts everything down.
func serve(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	e, err := engine.New(cfg, engine.Options{Logger: log})
	if err != nil {
		return err
	}
	defer e.Close()

	hub := notify.NewHub(e.Bus(), e.Queue(), log)
	hub.Start(ctx)
	defer hub.Close()

	if err := e.Start(ctx); err != nil {
		return err
	}

	root := handlers.NewRouter(e, hub, log)
	if proxy := e.Interceptor(); proxy != nil {
		root.NotFound(proxy.ServeHTTP)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "failed to listen on " + cfg.Listen, Err: err}
	}
	if cfg.MaxConns > 0 {
		// websocket clients hold a slot for as long as they stay connected
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}
	srv := &http.Server{
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log.Info("Local server listening", map[string]interface{}{
		"addr":      ln.Addr().String(),
		"upstream":  cfg.Server.BaseURL,
		"proxy":     cfg.Interceptor.Enabled,
		"max_conns": cfg.MaxConns,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// open websocket connections are hijacked and closed by the hub
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
