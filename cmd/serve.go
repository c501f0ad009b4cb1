package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-webhook-service/internal/app"
	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/metrics"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if serveMigrate {
			if err := db.RunMigrations(cfg.Database.ConnString()); err != nil {
				return err
			}
		}

		metrics.Setup(cfg.Metrics, logger)

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close(logger)

		if interval := cfg.Sweep.Interval(); interval > 0 {
			a.Sweeper.Start(ctx, interval)
		}

		server := &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           a.Handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("Starting server", "port", cfg.Server.Port)
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "Apply pending migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
