package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/stretch-coach/internal/handler"
	"github.com/zhouzirui/stretch-coach/internal/service/guidance"
	"github.com/zhouzirui/stretch-coach/internal/service/history"
)

func serveCmd(a *app) *cobra.Command {
	var addrFlag string
	var cannedFlag bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development backend (sessions, login, migration, guidance stream)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var generator guidance.Generator = guidance.NewCanned(8)
			if !cannedFlag && a.cfg.AI.Enabled() {
				ark, err := guidance.NewArk(ctx, a.cfg.AI)
				if err != nil {
					a.log.Warn().Err(err).Msg("failed to initialize Ark model, serving canned guidance")
				} else {
					generator = ark
					a.log.Info().Str("model", a.cfg.AI.Model).Msg("Ark guidance enabled")
				}
			} else {
				a.log.Info().Msg("Ark credentials not configured, serving canned guidance")
			}

			addr := a.cfg.Server.Addr
			if addrFlag != "" {
				addr = addrFlag
			}

			router := handler.NewRouter(a.log, history.NewService(), generator)
			return startServer(ctx, a.log, addr, router)
		},
	}
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides PORT)")
	cmd.Flags().BoolVar(&cannedFlag, "canned", false, "always serve canned guidance")
	return cmd
}

func startServer(ctx context.Context, log zerolog.Logger, addr string, router http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("listening")
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
