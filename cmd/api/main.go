package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logrus "github.com/sirupsen/logrus"

	"flexbus/internal/api"
	"flexbus/internal/config"
	"flexbus/internal/logger"
	"flexbus/internal/metrics"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	metrics.RegisterDefault()

	srv, err := api.NewServer(cfg)
	if err != nil {
		logrus.Fatalf("init server: %v", err)
	}

	mux := srv.Routes()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := srv.NewWebhookWorker()
	worker.Start()
	go srv.Lifecycle.Run(ctx)
	if srv.Consumer != nil {
		go srv.Consumer.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Instrument(mux, cfg.HTTP.RateRPS, cfg.HTTP.RateBurst),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logrus.WithField("addr", cfg.HTTP.Addr).Info("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logrus.Info("shutting down")
	cancel()
	close(worker.Stop)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
