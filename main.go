package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"metapulse/config"
	"metapulse/internal/ai"
	"metapulse/internal/ai/llm"
	"metapulse/internal/api"
	"metapulse/internal/auth"
	"metapulse/internal/bot"
	"metapulse/internal/cache"
	"metapulse/internal/circuit"
	"metapulse/internal/events"
	"metapulse/internal/logging"
	"metapulse/internal/market"
	"metapulse/internal/metrics"
	"metapulse/internal/notification"
	"metapulse/internal/ratelimit"
	"metapulse/internal/scheduler"
	"metapulse/internal/session"
	"metapulse/internal/store"
	"metapulse/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		MaxAgeDays:  cfg.LoggingConfig.MaxAgeDays,
		Component:   "main",
	})
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vaultClient, err := config.ApplyVaultSecrets(ctx, cfg)
	if err != nil {
		logger.WithError(err).Warn("Vault secrets unavailable, continuing with local configuration")
	}
	if cfg.UsesDefaultSessionSecret() {
		logger.Warn("SESSION_SECRET not set, session tokens are signed with the built-in development secret")
	}

	// Event bus and store
	bus := events.NewBus(logger)
	signalStore := store.New(bus, cfg.SignalsConfig.HistoryLimit, logger)

	// Rate-limited gateway guarding the paid resources
	gateway := ratelimit.NewGateway(map[string]ratelimit.Quota{
		ratelimit.ResourceAI:         {Points: cfg.AIConfig.DailyQuota, Window: 24 * time.Hour},
		ratelimit.ResourceSocialPost: {Points: cfg.NotificationConfig.Twitter.DailyQuota, Window: 24 * time.Hour},
	})

	// Market source and insight engine
	feed := market.NewClient(cfg.MarketConfig.Endpoint, time.Duration(cfg.MarketConfig.TimeoutSeconds)*time.Second, logger)
	source := market.WithBreaker(feed, circuit.NewBreaker(&circuit.Config{
		Enabled:             cfg.MarketConfig.BreakerFailures > 0,
		MaxConsecutiveFails: cfg.MarketConfig.BreakerFailures,
		Cooldown:            time.Duration(cfg.MarketConfig.BreakerCooldown) * time.Second,
	}), logger)

	llmClient := llm.NewClient(&llm.ClientConfig{
		Provider:    llm.Provider(cfg.AIConfig.Provider),
		APIKey:      cfg.AIConfig.APIKey,
		BaseURL:     cfg.AIConfig.BaseURL,
		Model:       cfg.AIConfig.Model,
		MaxTokens:   cfg.AIConfig.MaxTokens,
		Temperature: cfg.AIConfig.Temperature,
		Timeout:     time.Duration(cfg.AIConfig.TimeoutSeconds) * time.Second,
	})
	if !llmClient.IsConfigured() {
		logger.Warn("METAPULSE_AI_KEY not set, insight cycles will fail until it is configured")
	}
	engine := ai.NewEngine(llmClient, gateway, logger)

	pipelineMetrics := metrics.New()
	for _, resource := range []string{ratelimit.ResourceAI, ratelimit.ResourceSocialPost} {
		resource := resource
		pipelineMetrics.TrackQuota(resource, func() int {
			n, _ := gateway.Remaining(resource)
			return n
		})
	}
	pipelineMetrics.TrackBreaker(func() string {
		state, _ := source.Stats()["state"].(string)
		return state
	})

	orchestrator := scheduler.New(source, engine, signalStore, &scheduler.Config{
		InsightSchedule: cfg.ScheduleConfig.InsightCron,
		MarketSchedule:  cfg.ScheduleConfig.MarketCron,
		Bootstrap:       !cfg.ScheduleConfig.SkipBootstrap,
		StageTimeout:    cfg.StageTimeout(),
		Location:        cfg.ScheduleConfig.Timezone,
	}, logger)
	orchestrator.SetMetrics(pipelineMetrics)

	// Sessions
	linkCodes := session.NewLinkCodeAuthority()
	defer linkCodes.Close()
	tokens := auth.NewJWTManager(cfg.SessionConfig.Secret, cfg.SessionDuration())
	linker := session.NewLinker(linkCodes, session.NewRegistry(), tokens, logger)

	// Fanout channels
	notifyManager := notification.NewManager(time.Duration(cfg.SignalsConfig.FanoutTimeoutSeconds)*time.Second, logger)
	notifyManager.SetMetrics(pipelineMetrics)

	var telegramBot *bot.Bot
	if cfg.NotificationConfig.Telegram.BotToken != "" {
		telegramBot, err = bot.New(bot.Config{
			Token:     cfg.NotificationConfig.Telegram.BotToken,
			ChannelID: cfg.NotificationConfig.Telegram.ChatID,
		}, bot.Deps{
			Signals:   signalStore,
			Refresher: orchestrator,
			Codes:     linker,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("Telegram bot disabled")
		} else {
			notifyManager.AddNotifier(telegramBot)
		}
	} else {
		logger.Info("TELEGRAM_BOT_TOKEN not set, Telegram bot disabled")
	}

	tw := cfg.NotificationConfig.Twitter
	notifyManager.AddNotifier(notification.NewTwitterNotifier(notification.TwitterConfig{
		APIKey:            tw.APIKey,
		APIKeySecret:      tw.APIKeySecret,
		AccessToken:       tw.AccessToken,
		AccessTokenSecret: tw.AccessTokenSecret,
	}, gateway, logger))

	notifyManager.AddNotifier(notification.NewPushNotifier(ctx, notification.PushConfig{
		CredentialsFile: cfg.NotificationConfig.Push.CredentialsFile,
		Topic:           cfg.NotificationConfig.Push.Topic,
	}, logger))

	notifyManager.AddNotifier(notification.NewWebhookNotifier(notification.WebhookConfig{
		URL:     cfg.NotificationConfig.Webhook.URL,
		Enabled: cfg.NotificationConfig.Webhook.Enabled,
	}))

	var redisService *cache.Service
	if cfg.RedisConfig.Enabled {
		redisService, err = cache.NewService(cache.Config{
			Enabled:  true,
			Address:  cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Redis relay disabled")
		} else {
			relay := notification.NewRedisRelay(redisService, cfg.RedisConfig.Channel, logger)
			notifyManager.AddNotifier(relay)
			marketMirror := relay.WatchMarket(bus, 5*time.Second)
			defer marketMirror.Unsubscribe()
			defer redisService.Close()
		}
	}

	notifyManager.Start(ctx, bus)
	logger.Info("Fanout channels ready", "channels", notifyManager.Channels())

	// HTTP API and websocket feed
	server := api.NewServer(api.ServerConfig{
		Port:            cfg.ServerConfig.Port,
		Host:            cfg.ServerConfig.Host,
		ProductionMode:  cfg.ServerConfig.IsProduction(),
		CORSOrigins:     cfg.ServerConfig.Origins(),
		CookieName:      cfg.SessionConfig.CookieName,
		SessionDuration: cfg.SessionDuration(),
	}, api.Dependencies{
		Store:     signalStore,
		Bus:       bus,
		Refresher: orchestrator,
		Linker:    linker,
		Gateway:   gateway,
		Cycles:    orchestrator,
		Channels:  notifyManager,
		Upstream:  source,
		Secrets:   secretsHealth(vaultClient),
		Metrics:   pipelineMetrics,
	}, logger)

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	if telegramBot != nil {
		telegramBot.Start(ctx)
	}

	if err := orchestrator.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	logger.Info("MetaPulse running", "port", cfg.ServerConfig.Port, "environment", cfg.ServerConfig.Environment)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	cancel()
	orchestrator.Stop()
	if telegramBot != nil {
		telegramBot.Stop()
	}
	notifyManager.Stop()
	notifyManager.Wait()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}

	logger.Info("Shutdown complete")
}

// secretsHealth keeps a nil Vault client out of the status dependencies
func secretsHealth(c *vault.Client) api.HealthChecker {
	if c == nil {
		return nil
	}
	return c
}
