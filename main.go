package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"scanflow/backpressure"
	"scanflow/batch"
	"scanflow/config"
	"scanflow/coordinator"
	"scanflow/internal/channel"
	"scanflow/logger"
	"scanflow/models"
	"scanflow/ratelimit"
	"scanflow/scanclient"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV").WithFields(logger.Fields{
		"service": cfg.Scanflow.Name,
		"version": cfg.Scanflow.Version,
	}).Info("starting scanflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	channels := channel.NewChannels(cfg.Channels.EventBuffer)
	defer channels.Close()
	channels.StartMetricsReporting(ctx, cfg.Metrics.ReportInterval)

	client := scanclient.New(cfg.Scanner)
	if health, err := client.Health(ctx); err != nil {
		log.WithError(err).Warn("scan service health check failed")
	} else {
		log.WithFields(logger.Fields{"status": health.Status}).Info("scan service reachable")
	}

	handler := backpressure.NewHandler(cfg.Backpressure, nil)

	coord := coordinator.New(cfg.Coordinator, &scannerAdapter{client: client}, handler, channels, nil)
	if err := coord.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start coordinator")
		os.Exit(1)
	}

	processor := batch.NewProcessor(cfg.Batch, &scannerAdapter{client: client}, handler)
	if err := processor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start batch processor")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeEvents(ctx, channels, log)
	}()

	if cfg.Watchlist.Enabled {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWatchlist(ctx, cfg, coord, limiter, log)
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping batch processor")
	processor.Stop()

	log.Info("stopping scan coordinator")
	coord.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("scanflow stopped")
}

// scannerAdapter narrows the HTTP client to the Scanner interface the
// coordinator and batch processor consume.
type scannerAdapter struct {
	client *scanclient.Client
}

func (a *scannerAdapter) Scan(ctx context.Context, req models.ScanRequest) ([]models.VerticalSpread, error) {
	resp, err := a.client.Scan(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Spreads, nil
}

// consumeEvents drains coordinator events. In a full deployment this is
// where the brokerage connection layer picks them up.
func consumeEvents(ctx context.Context, channels *channel.Channels, log *logger.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-channels.Events:
			if !ok {
				return
			}
			log.WithComponent("events").WithFields(logger.Fields{
				"event_type": string(event.Type),
				"data":       event.Data,
			}).Info("event received")
		}
	}
}

// runWatchlist scans the configured symbols on a fixed interval, gated
// through the front-door rate limiter.
func runWatchlist(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, limiter *ratelimit.Limiter, log *logger.Log) {
	wlog := log.WithComponent("watchlist")
	ticker := time.NewTicker(cfg.Watchlist.Interval)
	defer ticker.Stop()

	scanAll := func() {
		for _, symbol := range cfg.Watchlist.Symbols {
			if _, err := limiter.Acquire(ctx, 0, cfg.RateLimit.AcquireTimeout); err != nil {
				wlog.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("watchlist scan throttled")
				continue
			}
			spreads, err := coord.ScanSymbol(ctx, symbol, cfg.Watchlist.Filters, true)
			if err != nil {
				wlog.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("watchlist scan failed")
				continue
			}
			wlog.WithFields(logger.Fields{
				"symbol":        symbol,
				"spreads_found": len(spreads),
			}).Info("watchlist scan completed")
		}
	}

	scanAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scanAll()
		}
	}
}
