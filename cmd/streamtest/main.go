// streamtest connects the shard pool to the gateway and streams dispatched
// events to the console.
// Usage: go run ./cmd/streamtest --config configs/client.example.yaml
//
// The bot token is read from the config file, which may reference the
// DISCORD_TOKEN environment variable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calebgardner/discordlink/internal/config"
	"github.com/calebgardner/discordlink/internal/gateway"
	"github.com/calebgardner/discordlink/internal/rest"
	"github.com/calebgardner/discordlink/internal/shard"
	"github.com/calebgardner/discordlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/client.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamtest",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Create REST client for gateway discovery
	restClient := rest.NewClient(cfg.API.Token,
		rest.WithBaseURL(cfg.API.RestURL),
		rest.WithLogger(logger),
		rest.WithTimeout(cfg.API.Timeout),
		rest.WithMaxRetries(cfg.API.MaxRetries),
		rest.WithRateLimitRetries(cfg.RateLimit.MaxRateLimitRetries),
		rest.WithMaxPipeline(cfg.RateLimit.MaxPipeline),
		rest.WithBucketTTL(cfg.RateLimit.BucketTTL),
	)
	defer restClient.Close()

	gatewayURL := cfg.API.GatewayURL
	shardCount := cfg.Gateway.ShardCount

	logger.Info("discovering gateway")
	bot, err := restClient.GetGatewayBot(ctx)
	if err != nil {
		logger.Warn("gateway discovery failed, using configured values", "error", err)
	} else {
		gatewayURL = bot.URL
		if shardCount == 0 {
			shardCount = bot.Shards
		}
		logger.Info("gateway discovered",
			"url", bot.URL,
			"recommended_shards", bot.Shards,
			"identify_budget", bot.SessionStartLimit.Remaining,
		)
	}
	if shardCount == 0 {
		shardCount = 1
	}

	// Create the shard pool
	manager, err := shard.NewManager(shard.Config{
		GatewayURL:       gatewayURL,
		Token:            cfg.API.Token,
		ShardCount:       shardCount,
		Compress:         !cfg.Gateway.DisableCompression,
		LargeThreshold:   cfg.Gateway.LargeThreshold,
		ConnectTimeout:   cfg.Gateway.ConnectTimeout,
		IdentifyInterval: cfg.Gateway.IdentifyInterval,
		EventBufferSize:  cfg.Gateway.EventBufferSize,
		Backoff: gateway.Backoff{
			Initial: cfg.Gateway.Backoff.Initial,
			Factor:  cfg.Gateway.Backoff.Factor,
			Cap:     cfg.Gateway.Backoff.Cap,
			Jitter:  cfg.Gateway.Backoff.Jitter,
		},
	}, logger)
	if err != nil {
		logger.Error("failed to create shard manager", "error", err)
		os.Exit(1)
	}

	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start shard manager", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Consume the merged event stream
	g.Go(func() error {
		count := 0
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-manager.Events():
				count++
				if *verbose {
					pretty, _ := json.MarshalIndent(json.RawMessage(ev.Data), "", "  ")
					fmt.Printf("[shard %s] #%d %s seq=%d\n%s\n",
						ev.Shard, count, ev.Type, ev.Seq, pretty)
				} else {
					logger.Info("event",
						"shard", ev.Shard.String(),
						"type", ev.Type,
						"seq", ev.Seq,
						"bytes", len(ev.Data),
					)
				}
			}
		}
	})

	// Periodic pool stats
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats := manager.Stats()
				logger.Info("pool stats",
					"connected", stats.Connected,
					"shards", len(stats.Shards),
				)
				for _, st := range stats.Shards {
					logger.Debug("shard status",
						"shard", st.ID.String(),
						"state", st.State.String(),
						"session_id", st.SessionID,
						"seq", st.Seq,
					)
				}
			}
		}
	})

	// Surface permanent shard failures
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-manager.Errors():
			return fmt.Errorf("shard pool failed: %w", err)
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("streamtest failed", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("streamtest stopped")
}
