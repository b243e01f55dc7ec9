package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adityasingh03rajput/Production-chale--sub001/go/internal/config"
)

// runAPIServer serves the REST API until ctx is cancelled.
func runAPIServer(ctx context.Context, cfg config.App, services *Services) error {
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           services.API.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serve(ctx, srv, "api")
}

// runGatewayServer serves the websocket gateway until ctx is cancelled.
func runGatewayServer(ctx context.Context, cfg config.App, services *Services) error {
	srv := &http.Server{
		Addr:              ":" + cfg.WSPort,
		Handler:           services.Gateway.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serve(ctx, srv, "gateway")
}

func serve(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("server", name).Msg("shutdown failed")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
