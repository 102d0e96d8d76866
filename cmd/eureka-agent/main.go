// Command eureka-agent registers one instance with the registry and keeps it alive until
// interrupted, serving the client's metrics meanwhile.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eureka-client/client"
	"eureka-client/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configName := flag.String("config", "eureka-client", "config file base name, without .yml")
	env := flag.String("env", "", "environment, loads <config>-<env>.yml on top")
	metricsAddr := flag.String("metrics-addr", ":9102", "address for /metrics, empty disables it")
	flag.Parse()

	logger, err := newLogger(*env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger, *configName, *env, *metricsAddr); err != nil {
		logger.Fatal("eureka-agent failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "" || env == "dev" {
		return zap.NewDevelopmentConfig().Build()
	}
	return zap.NewProductionConfig().Build()
}

func run(logger *zap.Logger, configName, env, metricsAddr string) error {
	cfg, err := config.Load(configName, env)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c, err := client.New(cfg, client.WithLogger(logger), client.WithRegisterer(reg))
	if err != nil {
		return err
	}

	var metrics *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metrics = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(); err != nil {
		return err
	}
	rec := c.Instance()
	logger.Info("eureka-agent started",
		zap.String("service", rec.ServiceName),
		zap.String("instance_id", rec.InstanceID),
		zap.Strings("service_urls", cfg.Eureka.ServiceURLs),
	)

	<-ctx.Done()
	logger.Info("shutting down", zap.Stringer("registration", c.Registration()))
	c.Stop()

	if metrics != nil {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Eureka.ShutdownTimeoutDuration())
		defer cancel()
		if err := metrics.Shutdown(sctx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return nil
}
