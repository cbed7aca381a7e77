package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the governance daemon",
	Long: `Run the poll loop until interrupted. Serves Prometheus metrics on
/metrics and a health probe on /healthz at engine.listen_addr.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info(ctx, "gitopsd starting",
		zap.String("version", version),
		zap.String("repo", a.repo.String()),
		zap.String("host", a.cfg.Host.Kind),
		zap.String("listen_addr", a.cfg.Engine.ListenAddr))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:              a.cfg.Engine.ListenAddr,
		Handler:           mux,
		ErrorLog:          zap.NewStdLog(a.logger.Underlying().Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	engineDone := make(chan error, 1)
	go func() { engineDone <- a.engine.Run(ctx) }()

	select {
	case err := <-httpErr:
		stop()
		<-engineDone
		return err
	case err := <-engineDone:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn(ctx, "http server shutdown failed", zap.Error(serr))
		}
		return err
	}
}
