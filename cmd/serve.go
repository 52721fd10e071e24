package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/scout/internal/api"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger API",
	Long: `Start the HTTP API that triggers scans and serves stored results.

Endpoints (Bearer API key required under /api/v1):
  GET  /health
  POST /api/v1/applications/:id/scans
  GET  /api/v1/applications/:id/scans
  GET  /api/v1/applications/:id/issues
  GET  /api/v1/scans/:id

Example:
  SCOUT_API_KEY=secret scout serve --port 9001
  scout serve --schedule`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "host to bind to")
	serveCmd.Flags().Int("port", 9001, "port to listen on")
	serveCmd.Flags().Bool("schedule", false, "also sweep every application periodically")
	serveCmd.Flags().String("tls-cert", "", "path to TLS certificate (optional)")
	serveCmd.Flags().String("tls-key", "", "path to TLS private key (optional)")
	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	withSchedule, _ := cmd.Flags().GetBool("schedule")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	if (tlsCert == "") != (tlsKey == "") {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided for TLS")
	}
	for _, f := range []string{tlsCert, tlsKey} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("TLS file not readable: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	if err := rt.startDispatcher(ctx); err != nil {
		rt.close()
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router, err := api.NewRouter(ctx, cfg.Server, rt.scanner, rt.store, log)
	if err != nil {
		rt.close()
		return err
	}
	server := api.NewServer(cfg.Server, router)

	if cfg.Database.Driver == "sqlite" {
		log.Warnw("Using SQLite database",
			"warning", "SQLite serializes writes",
			"recommendation", "Use PostgreSQL when scans overlap",
		)
	}

	sweepStopped := make(chan struct{})
	if withSchedule {
		go func() {
			defer close(sweepStopped)
			if err := rt.scanner.RunPeriodically(ctx, cfg.Schedule.Interval); err != nil {
				log.Errorw("Scheduler stopped", "error", err)
			}
		}()
		log.Infow("Periodic sweep enabled", "interval", cfg.Schedule.Interval.String())
	} else {
		close(sweepStopped)
	}

	handler := shutdown.NewHandler(log)
	handler.Register(func(context.Context) error {
		rt.close()
		return nil
	})
	handler.Register(func(sctx context.Context) error {
		err := server.Shutdown(sctx)
		cancel()
		select {
		case <-sweepStopped:
		case <-sctx.Done():
		}
		return err
	})

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("HTTP server listening",
			"address", server.Addr,
			"tls", tlsCert != "",
		)
		if tlsCert != "" {
			serverErrors <- server.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()
	go func() {
		if err := <-serverErrors; err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Server error", "error", err)
			serverErrors <- err
		}
		stopWait()
	}()

	if err := handler.Wait(waitCtx, 30*time.Second); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	default:
	}

	log.Info("Server shutdown complete")
	return nil
}
