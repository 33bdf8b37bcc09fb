package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chris-regnier/warden/internal/api"
)

var flagServeAddr string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scan and quarantine API over HTTP",
		Long: `Serve the HTTP command API. When server.token (or WARDEN_SERVER_TOKEN) is set,
every /api request must carry it as a Bearer token.`,
		RunE: runServe,
	}
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "Listen address (default: server.addr)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	addr := flagServeAddr
	if addr == "" {
		addr = s.cfg.Server.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(s.engine, api.WithToken(s.cfg.Server.Token), api.WithLogger(s.logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
