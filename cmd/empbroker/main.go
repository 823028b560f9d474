package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meftunca/empbroker/pkg/api"
	"github.com/meftunca/empbroker/pkg/broker"
	"github.com/meftunca/empbroker/pkg/common"
	"github.com/meftunca/empbroker/pkg/config"
	"github.com/meftunca/empbroker/pkg/version"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file (default: search ./, ./configs, /etc/empbroker)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "empbroker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := common.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	b, err := broker.New(cfg, broker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	if err := b.Start(); err != nil {
		return err
	}

	var admin *api.HTTPServer
	if cfg.Monitoring.Enabled {
		admin, err = api.NewHTTPServer(cfg.Monitoring, b, b.Metrics(), logger)
		if err != nil {
			b.Stop()
			return err
		}
		if err := admin.Start(); err != nil {
			b.Stop()
			return err
		}
	}

	logger.Info("empbroker running",
		zap.String("version", version.Version),
		zap.Stringer("submit_addr", b.SubmitAddr()),
		zap.Stringer("fetch_addr", b.FetchAddr()),
		zap.Bool("admin_api", admin != nil))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", zap.Stringer("signal", sig))

	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Stop(ctx); err != nil {
			logger.Warn("admin API shutdown failed", zap.Error(err))
		}
	}
	return b.Stop()
}
