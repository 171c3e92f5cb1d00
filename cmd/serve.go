package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/askdb/internal/api"
	"github.com/joescharf/askdb/internal/daemon"
	"github.com/joescharf/askdb/internal/sessions"
	"github.com/joescharf/askdb/internal/telemetry"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the askdb HTTP API.

Clients connect a database with POST /api/v1/connect, ask questions with
POST /api/v1/sessions/{id}/ask and disconnect with DELETE /api/v1/sessions/{id}.
Idle sessions are closed after session.idle_timeout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 5000, "port to listen on")
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	serveCmd.AddCommand(serveStatusCmd)
	serveCmd.AddCommand(serveStopCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the PID file for the API server.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(filepath.Dir(viper.GetString("db_path")), "askdb-serve.pid"))
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	otelShutdown, err := telemetry.Init(ctx, viper.GetString("telemetry.endpoint"), "askdb", buildVersion, viper.GetBool("telemetry.insecure"))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	orch, err := newOrchestrator()
	if err != nil {
		return err
	}

	opts := sessions.Options{
		IdleTimeout: viper.GetDuration("session.idle_timeout"),
		Logger:      logger,
	}
	st, err := getStore()
	if err != nil {
		ui.Warning("Run history disabled: %v", err)
	} else {
		opts.Recorder = st
	}
	mgr := sessions.NewManager(orch, opts)
	defer func() { _ = mgr.Close() }()
	go mgr.Start(ctx, 0)

	srv := api.NewServer(mgr, st, api.Options{
		CORSOrigin: viper.GetString("server.cors_origin"),
		Logger:     logger,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	ui.Success("Serving API at http://localhost%s/api/v1", httpSrv.Addr)
	logger.Info("askdb server started", "version", buildVersion, "addr", httpSrv.Addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server is running (pid %d)", pid)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("server is not running")
	}
	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop pid %d: %w", pid, err)
	}
	ui.Success("Sent stop signal to server (pid %d)", pid)
	return nil
}
