package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mikekelly/gap/internal/activity"
	"github.com/mikekelly/gap/internal/config"
	"github.com/mikekelly/gap/internal/proxy"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy server",
	Long: `Start the CONNECT proxy listener and serve until interrupted.

The server refuses CONNECT requests without a valid bearer token and
tunnels only hosts matched by an installed plugin.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	c, err := openCore()
	if err != nil {
		return err
	}
	defer c.close()

	if !c.registry.Initialized() {
		c.logger.Warn("server not initialized; run `gap init` to set a master password")
	}

	recorder := activity.NewRecorder(0)
	registry := prometheus.NewRegistry()
	metrics := proxy.NewMetrics(registry)

	dialer := &proxy.Dialer{
		HandshakeTimeout: config.Duration(c.cfg.Proxy.UpstreamTimeout),
		Logger:           c.logger,
	}
	server := proxy.New(proxy.Config{
		Addr:           c.cfg.Proxy.Addr,
		RequestTimeout: config.Duration(c.cfg.Proxy.RequestTimeout),
		MaxBodyBytes:   c.cfg.Proxy.MaxBodyBytes,
	}, c.registry, c.ca, c.transformer, dialer, metrics, recorder, c.logger)

	if err := server.Start(); err != nil {
		return err
	}
	c.logger.Info("CA certificate exported", "path", c.ca.ExportPath())

	var metricsSrv *http.Server
	if c.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: c.cfg.Metrics.Addr, Handler: mux}
		go func() {
			c.logger.Info("metrics listening", "addr", c.cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	c.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return server.Shutdown(shutdownCtx)
}
