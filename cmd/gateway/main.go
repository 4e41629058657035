package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/cs_gateway/internal/auth"
	"github.com/adred-codev/cs_gateway/internal/balancer"
	"github.com/adred-codev/cs_gateway/internal/conversation"
	"github.com/adred-codev/cs_gateway/internal/directory"
	"github.com/adred-codev/cs_gateway/internal/fanout"
	"github.com/adred-codev/cs_gateway/internal/gateway"
	"github.com/adred-codev/cs_gateway/internal/limits"
	"github.com/adred-codev/cs_gateway/internal/monitoring"
	"github.com/adred-codev/cs_gateway/internal/notify"
	"github.com/adred-codev/cs_gateway/internal/platform"
	"github.com/adred-codev/cs_gateway/internal/store"
	"github.com/adred-codev/cs_gateway/internal/types"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Create basic logger for startup
	startup := log.New(os.Stdout, "[CS] ", log.LstdFlags)
	startup.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	}).With().Str("node_id", cfg.NodeID).Logger()
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys := store.NewKeys(cfg.KeyPrefix)
	st, failover := buildStore(cfg, logger)

	pool := limits.NewWorkerPool(cfg.WorkerCount, cfg.WorkerQueue, logger)
	pool.Start(ctx)

	bus, err := buildBus(cfg, st, keys, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create fanout bus")
	}
	bridge := fanout.NewBridge(fanout.BridgeConfig{
		NodeID: cfg.NodeID,
		Bus:    bus,
		Pool:   pool,
		Logger: logger,
	})

	dir := directory.New(directory.Config{
		NodeID:    cfg.NodeID,
		Store:     st,
		Keys:      keys,
		Publisher: bridge,
		Logger:    logger,
	})
	if err := bridge.Start(ctx, dir); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start fanout bridge")
	}
	if failover != nil {
		failover.OnRestore(dir.RepublishPresence)
		failover.Start(ctx)
	}

	var convs conversation.Service = conversation.NewStore(st, keys, logger)
	var kafkaClient *kgo.Client
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		kafkaClient, err = kgo.NewClient(
			kgo.SeedBrokers(brokers...),
			kgo.ClientID("cs-gateway-"+cfg.NodeID),
			kgo.ProducerLinger(5*time.Millisecond),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create kafka producer")
		}
		convs = conversation.NewKafkaMirror(convs, kafkaClient, cfg.KafkaConversationTopic, logger)
	}

	bal := balancer.New(balancer.Config{
		Store:            st,
		Keys:             keys,
		Directory:        dir,
		Conversations:    convs,
		MaxUsersPerAgent: cfg.MaxUsersPerAgent,
		StepTimeout:      cfg.StoreTimeout,
		Logger:           logger,
	})

	tokens := auth.NewStoreValidator(st, keys, cfg.TokenTTL)
	validator := buildValidator(cfg, tokens, logger)

	var consumer *notify.Consumer
	if cfg.KafkaNotifyTopic != "" {
		consumer, err = notify.NewConsumer(notify.ConsumerConfig{
			Brokers:       cfg.KafkaBrokerList(),
			ConsumerGroup: cfg.KafkaConsumerGroup,
			Topic:         cfg.KafkaNotifyTopic,
			Directory:     dir,
			DeliveryWait:  cfg.StoreTimeout,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create notification consumer")
		}
		consumer.Start(ctx)
	}

	serverConfig := gateway.Config{
		Addr:            cfg.Addr,
		WSPath:          cfg.WSPath,
		IdleTimeout:     cfg.IdleTimeout,
		MaxFramePayload: cfg.MaxFramePayload,
		SendBuffer:      cfg.SendBuffer,
		WriteWait:       cfg.WriteWait,
		MessageRate:     cfg.MessageRate,
		MessageBurst:    cfg.MessageBurst,
		StoreTimeout:    cfg.StoreTimeout,
		Guard: limits.GuardConfig{
			MaxConnections:     cfg.MaxConnections,
			CPURejectThreshold: cfg.CPURejectThreshold,
			MemoryLimit:        cfg.MemoryLimit,
		},
		MetricsInterval: cfg.MetricsInterval,
		AdminEnabled:    cfg.AdminEnabled,
	}
	if cfg.ConnRateEnabled {
		serverConfig.ConnRateLimit = &limits.ConnectionRateLimiterConfig{
			IPBurst: cfg.ConnRateIPBurst,
			IPRate:  cfg.ConnRateIPRate,
			Logger:  logger,
		}
	}

	server := gateway.NewServer(serverConfig, gateway.Deps{
		Store:         st,
		Directory:     dir,
		Balancer:      bal,
		Conversations: convs,
		Validator:     validator,
		Tokens:        tokens,
		Logger:        logger,
	})
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	if consumer != nil {
		consumer.Stop()
	}
	if err := bridge.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close fanout bridge")
	}
	pool.Stop()
	if kafkaClient != nil {
		if err := kafkaClient.Flush(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush conversation events")
		}
		kafkaClient.Close()
	}
	if err := st.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close store")
	}
	logger.Info().Msg("Shutdown complete")
}

// buildStore returns the shared store. Distributed mode wraps Redis in a
// failover to a local mirror; the failover is returned so the caller can
// start its probe.
func buildStore(cfg *platform.Config, logger zerolog.Logger) (store.Store, *store.Failover) {
	local := store.NewMemory()
	if cfg.StoreMode == "local" {
		logger.Warn().Msg("Running with a local-only store; nodes will not share state")
		monitoring.SetStoreMode(string(store.LocalOnly), string(store.Distributed), string(store.LocalOnly))
		return local, nil
	}

	redis := store.NewRedis(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  cfg.StoreCallTimeout,
	})
	f := store.NewFailover(redis, local, store.FailoverConfig{
		ProbeInterval: cfg.StoreProbeInterval,
		Logger:        logger,
	})
	return f, f
}

func buildBus(cfg *platform.Config, st store.Store, keys store.Keys, logger zerolog.Logger) (fanout.Bus, error) {
	if cfg.FanoutBackend == "nats" {
		return fanout.NewNATSBus(fanout.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Name:    "cs-gateway-" + cfg.NodeID,
		}, logger)
	}
	return fanout.NewStoreBus(st, keys, logger), nil
}

func buildValidator(cfg *platform.Config, tokens *auth.StoreValidator, logger zerolog.Logger) auth.Validator {
	switch cfg.AuthMode {
	case "store":
		return tokens
	case "external":
		var fallback auth.Validator
		if cfg.AuthFallbackLocal {
			fallback = tokens
		}
		return auth.NewExternalValidator(auth.ExternalConfig{
			ValidateURL: cfg.AuthValidateURL,
			UserInfoURL: cfg.AuthUserInfoURL,
			Timeout:     cfg.AuthTimeout,
			Fallback:    fallback,
			Logger:      logger,
		})
	default:
		return auth.NewJWTValidator(cfg.JWTSecret, cfg.TokenTTL)
	}
}
