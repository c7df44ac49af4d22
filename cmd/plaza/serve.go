package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	app "github.com/plaza-social/plaza/internal/app"
	"github.com/plaza-social/plaza/internal/app/httpapi"
	"github.com/plaza-social/plaza/internal/config"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, app.Dependencies{}, log)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			handler, err := httpapi.NewHandler(application, httpapi.Options{
				JWTSecret:   []byte(cfg.SupabaseJWTSecret),
				AdminIDs:    config.SplitCSV(cfg.AdminUserIDs),
				CORSOrigins: config.SplitCSV(cfg.CORSOrigins),
				Version:     version,
				AuditFile:   cfg.AuditFile,
			}, log)
			if err != nil {
				_ = application.Stop(context.Background())
				return fmt.Errorf("build handler: %w", err)
			}

			if err := application.Start(ctx); err != nil {
				_ = application.Stop(context.Background())
				return fmt.Errorf("start services: %w", err)
			}

			server := &http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       60 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				log.WithField("addr", cfg.HTTPAddr).WithField("version", version).Info("plaza listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case err = <-serveErr:
				log.WithError(err).Error("server failed")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := server.Shutdown(shutdownCtx); serr != nil {
				log.WithError(serr).Warn("http shutdown")
			}
			if serr := application.Stop(shutdownCtx); serr != nil {
				log.WithError(serr).Warn("service shutdown")
			}
			log.Info("plaza stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}
