package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"jimrelay/config"
	"jimrelay/db"
	"jimrelay/logging"
	"jimrelay/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("c", "relay.toml", "path to the TOML configuration file")
	address := flag.String("a", "", "address to bind (overrides config)")
	port := flag.Int("p", 0, "port to bind (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			cfg.Address = *address
		case "p":
			cfg.Port = *port
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logger.Sync()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize database", zap.String("path", cfg.DBPath), zap.Error(err))
		return err
	}
	defer func() {
		err = multierr.Append(err, database.Close())
	}()

	srv := server.New(database, &server.ServerConfig{
		Address:          cfg.Address,
		Port:             cfg.Port,
		AcceptTimeout:    cfg.AcceptTimeout,
		PollTimeout:      cfg.PollTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ContactsWait:     cfg.ContactsWait,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		StreamContacts:   cfg.StreamContacts,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddress != "" {
		metricsSrv := serveMetrics(cfg.MetricsAddress, srv, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err = multierr.Append(err, metricsSrv.Shutdown(shutdownCtx))
		}()
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("relay stopped with error", zap.Error(err))
		return err
	}
	return nil
}

func serveMetrics(addr string, srv *server.Server, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(srv.Metrics(), promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("address", addr))
	return httpSrv
}
