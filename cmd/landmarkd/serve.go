package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"landmarkd/internal/app"
	"landmarkd/internal/httpapi"
)

var serveOpts struct {
	Addr         string
	BatchTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		if serveOpts.Addr != "" {
			cfg.Addr = serveOpts.Addr
		}

		// Handlers derive their contexts from base so shutdown cancels running batches.
		base, cancelBase := context.WithCancel(context.Background())
		defer cancelBase()

		a, err := app.New(base, cfg, logger, app.Options{Registerer: prometheus.DefaultRegisterer})
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Warn().Err(err).Msg("close")
			}
		}()

		httpapi.SetLogger(logger.With().Str("component", "http").Logger())
		httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
		httpapi.SetBatchTimeout(serveOpts.BatchTimeout)
		httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders)
		httpapi.SetBaseContext(base)

		srv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           httpapi.NewMux(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Msg("landmarkd listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		// Graceful shutdown (Ctrl+C / SIGTERM)
		select {
		case <-cmd.Context().Done():
		case err := <-errCh:
			if err != nil {
				return err
			}
		}
		cancelBase()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.Addr, "addr", "", "HTTP listen address, e.g. :8080 (env LANDMARKD_ADDR)")
	serveCmd.Flags().DurationVar(&serveOpts.BatchTimeout, "batch-timeout", 0, "Upper bound for one POST /batches request (0 disables)")
	rootCmd.AddCommand(serveCmd)
}
