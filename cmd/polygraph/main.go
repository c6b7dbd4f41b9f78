package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rewired-gh/polygraph/internal/api"
	"github.com/rewired-gh/polygraph/internal/baseline"
	"github.com/rewired-gh/polygraph/internal/config"
	"github.com/rewired-gh/polygraph/internal/detector"
	"github.com/rewired-gh/polygraph/internal/logger"
	"github.com/rewired-gh/polygraph/internal/metrics"
	"github.com/rewired-gh/polygraph/internal/monitor"
	"github.com/rewired-gh/polygraph/internal/polymarket"
	"github.com/rewired-gh/polygraph/internal/scorer"
	"github.com/rewired-gh/polygraph/internal/storage"
	"github.com/rewired-gh/polygraph/internal/telegram"
)

const pruneInterval = time.Hour

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath, cfg.Storage.MinScore)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	polyClient := polymarket.NewClient(
		cfg.Polymarket.GammaAPIURL,
		cfg.Polymarket.ClobAPIURL,
		polymarket.ClientConfig{
			Timeout:           cfg.Polymarket.Timeout,
			RequestsPerSecond: cfg.Polymarket.RequestsPerSecond,
			MaxRetryElapsed:   cfg.Polymarket.MaxRetryElapsed,
			OrderbookLevels:   cfg.Polymarket.OrderbookLevels,
		},
	)

	m := metrics.New()
	baselines := baseline.New(baseline.Config{
		Window:     cfg.Detector.BaselineWindow(),
		MinSamples: cfg.Detector.MinimumSamples,
		MaxMarkets: cfg.Polymarket.MaxTrackedMarkets,
	})
	mon := monitor.New(
		baselines,
		detector.NewSet(detectorConfig(cfg.Detector)),
		scorer.New(scorer.Thresholds{
			VolumeSpike: cfg.Detector.VolumeSpikeThreshold,
			Imbalance:   cfg.Detector.ImbalanceThreshold,
			PriceChange: cfg.Detector.PriceChangeThreshold,
			VolumeSurge: cfg.Detector.VolumeSurgeMultiple,
		}),
		cfg.Detector.DivergenceLookback,
		monitor.WithRecorder(m),
	)

	sinks := []monitor.Sink{store}
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(telegram.Config{
			BotToken:       cfg.Telegram.BotToken,
			ChatID:         cfg.Telegram.ChatID,
			MaxRetries:     cfg.Telegram.MaxRetries,
			RetryDelayBase: cfg.Telegram.RetryDelayBase,
			MinScore:       cfg.Telegram.MinScore,
			TopK:           cfg.Telegram.TopK,
			Cooldown:       cfg.Telegram.Cooldown,
		}, store)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		sinks = append(sinks, telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	poller := monitor.NewPoller(polyClient, mon, store, monitor.PollerConfig{
		PollInterval:      cfg.Polymarket.PricePollInterval,
		RefreshInterval:   cfg.Polymarket.MarketRefreshInterval,
		MaxTrackedMarkets: cfg.Polymarket.MaxTrackedMarkets,
		Workers:           cfg.Monitor.Workers,
	}, sinks...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	if err := poller.RefreshMarkets(ctx); err != nil {
		logger.Warn("Initial market refresh failed, retrying in the first cycle: %v", err)
	} else {
		warmStart(ctx, store, mon, poller, cfg)
	}

	var wg sync.WaitGroup
	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API.Addr, store, baselines, m.Handler())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				logger.Error("API server stopped: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pruneLoop(ctx, store, cfg.Storage.SnapshotRetention)
	}()

	logger.Info("Starting monitoring service (interval: %v, markets: %d, window: %v, min samples: %d)",
		cfg.Polymarket.PricePollInterval,
		cfg.Polymarket.MaxTrackedMarkets,
		cfg.Detector.BaselineWindow(),
		cfg.Detector.MinimumSamples,
	)

	consecutiveFailures := 0
	handleCycleResult := func(stats monitor.CycleStats, err error) {
		m.ObserveCycle(stats, err)
		if err != nil {
			consecutiveFailures++
			logger.Error("Monitoring cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(ctx, err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && telegramClient != nil {
			if sendErr := telegramClient.SendRecovery(ctx, consecutiveFailures); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		consecutiveFailures = 0
	}

	poller.Run(ctx, handleCycleResult)
	wg.Wait()
	logger.Info("Service stopped")
}

func detectorConfig(d config.DetectorConfig) detector.Config {
	return detector.Config{
		VolumeSpikeThreshold: d.VolumeSpikeThreshold,
		VolumeMinimum:        d.VolumeMinimum,
		ZeroVarianceFloor:    d.ZeroVarianceFloor,
		ZScoreCap:            d.ZScoreCap,
		ImbalanceThreshold:   d.ImbalanceThreshold,
		ImbalanceMinimum:     d.ImbalanceMinimum,
		PriceChangeThreshold: d.PriceChangeThreshold,
		DivergenceLookback:   d.DivergenceLookback,
		VolumeSensitivity:    d.VolumeSensitivity,
		WeakVolumeFraction:   d.WeakVolumeFraction,
		VolumeSurgeMultiple:  d.VolumeSurgeMultiple,
		PriceBandFraction:    d.PriceBandFraction,
		ReferenceVolumeFloor: d.ReferenceVolumeFloor,
	}
}

// warmStart rebuilds baselines from archived snapshots inside the window. The poller's
// cumulative volume is only primed from a recent snapshot; after a long outage the first
// delta would cover the whole gap.
func warmStart(ctx context.Context, store *storage.Storage, mon *monitor.Monitor, poller *monitor.Poller, cfg *config.Config) {
	now := time.Now()
	since := now.Add(-cfg.Detector.BaselineWindow())
	stale := 2 * cfg.Polymarket.PricePollInterval

	seeded := 0
	for _, market := range poller.Tracked() {
		history, err := store.SnapshotsSince(ctx, market.ID, since)
		if err != nil {
			logger.Warn("Failed to load history for %s: %v", market.ID, err)
			continue
		}
		n, err := mon.Seed(market.ID, history)
		if err != nil {
			logger.Warn("Failed to seed baseline for %s after %d samples: %v", market.ID, n, err)
		}
		if n > 0 {
			seeded++
		}

		last, cumulative, err := store.LastSnapshot(ctx, market.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("Failed to load last snapshot for %s: %v", market.ID, err)
			continue
		}
		if now.Sub(last.Timestamp) <= stale {
			poller.Prime(market.ID, cumulative)
		}
	}
	logger.Info("Warm start seeded %d of %d baselines", seeded, len(poller.Tracked()))
}

func pruneLoop(ctx context.Context, store *storage.Storage, retention time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneSnapshots(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("Failed to prune snapshots: %v", err)
				continue
			}
			if n > 0 {
				logger.Debug("Pruned %d snapshots older than %v", n, retention)
			}
		}
	}
}
