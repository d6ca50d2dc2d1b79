package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/relayai/core/internal/api"
	"github.com/relayai/core/internal/auth"
	"github.com/relayai/core/internal/cache"
	"github.com/relayai/core/internal/chunker"
	"github.com/relayai/core/internal/circuitbreaker"
	relayconfig "github.com/relayai/core/internal/config"
	"github.com/relayai/core/internal/digest"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/forwarder"
	"github.com/relayai/core/internal/httpclient"
	"github.com/relayai/core/internal/ingest"
	"github.com/relayai/core/internal/logging"
	"github.com/relayai/core/internal/metrics"
	"github.com/relayai/core/internal/rag"
	"github.com/relayai/core/internal/ratelimit"
	"github.com/relayai/core/internal/registry"
	"github.com/relayai/core/internal/routing"
	"github.com/relayai/core/internal/secrets"
	"github.com/relayai/core/internal/store"
	"github.com/relayai/core/internal/vectorindex"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run relayd as the federation master daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			pgStore, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			metaStore := store.NewStore(pgStore)
			defer metaStore.Close()

			sessions, err := store.NewSessionStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return fmt.Errorf("connect redis session store: %w", err)
			}
			defer sessions.Close()

			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret (RELAY_AUTH_SECRET) must be set")
			}
			signer := auth.NewSigner(cfg.Auth.Secret)

			bgCtx, bgCancel := context.WithCancel(context.Background())
			defer bgCancel()

			var secretsStore *secrets.Store
			if cfg.Secrets.MasterKey != "" || cfg.Secrets.MasterKeyFile != "" {
				s, err := buildSecretsStore(cfg)
				if err != nil {
					logging.Op().Warn("secrets store unavailable, node api keys and refresh tokens will not be encrypted at rest", "error", err)
				} else {
					secretsStore = s
				}
			}

			reg := registry.New(metaStore, cfg.Nodes.PingFailureThreshold).WithSecretsStore(secretsStore)
			if err := reg.Refresh(context.Background()); err != nil {
				logging.Op().Warn("initial node registry refresh failed", "error", err)
			}
			if redisClient, err := redisClientFor(cfg); err == nil {
				registryInvalidator := cache.NewInvalidator(redisClient, "relay:registry:invalidate", func(string) {
					reg.Invalidate()
				})
				go registryInvalidator.Start(bgCtx)
				reg.WithInvalidationHook(func() {
					_ = registryInvalidator.Publish(bgCtx, time.Now().UTC().Format(time.RFC3339Nano))
				})
			} else {
				logging.Op().Warn("registry cross-replica invalidation disabled, redis unavailable", "error", err)
			}

			breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()).WithStore(metaStore)
			if err := breakers.LoadFromStore(context.Background()); err != nil {
				logging.Op().Warn("breaker state load failed, all nodes start closed", "error", err)
			}

			var limiter *ratelimit.NodeLimiter
			if redisClient, err := redisClientFor(cfg); err == nil {
				backend := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(redisClient))
				limiter = ratelimit.New(backend, nil, ratelimit.TierConfig{RequestsPerSecond: 10, BurstSize: 20})
			} else {
				logging.Op().Warn("rate limiter redis unavailable, using local-only backend", "error", err)
				limiter = ratelimit.New(ratelimit.NewLocalTokenBucketBackend(), nil, ratelimit.TierConfig{RequestsPerSecond: 10, BurstSize: 20})
			}

			httpC := httpclient.New(signer, cfg.Auth.TokenTTL).WithInsecureSkipVerify(!cfg.Nodes.Forwarding.VerifySSL)

			fwdCfg := forwarder.Config{
				MaxRetriesChat:   cfg.Nodes.Forwarding.MaxRetriesChat,
				MaxRetriesSearch: cfg.Nodes.Forwarding.MaxRetriesSearch,
				MaxRetriesAction: cfg.Nodes.Forwarding.MaxRetriesAction,
				BackoffBase:      time.Duration(cfg.Nodes.Forwarding.BackoffBaseMs) * time.Millisecond,
				SlowNodeTimeout:  cfg.Nodes.Forwarding.SlowNodeTimeout,
			}
			fwd := forwarder.New(fwdCfg, httpC, breakers, reg, limiter).WithRequestLog(metaStore)

			eng, err := buildEngine(cfg)
			if err != nil {
				return fmt.Errorf("build engine driver: %w", err)
			}

			digestCache := digest.NewCache(cfg.Nodes.DigestCacheTTL)
			digestCache.WithBackend(cache.NewTieredCache(
				cache.NewInMemoryCache(),
				cache.NewRedisCache(cache.RedisCacheConfig{
					Addr:      cfg.Redis.Addr,
					Password:  cfg.Redis.Password,
					DB:        cfg.Redis.DB,
					KeyPrefix: "relay:digest:",
				}),
				cfg.Nodes.DigestCacheTTL/6,
			))
			policy := routing.New(reg, digestCache, eng)

			index := vectorindex.New(cfg.Vector.BaseURL)
			embedder, _ := eng.(engine.Embedder)
			retriever := rag.New(index, embedder, eng, cfg.Vector.EmbeddingModel, cfg.RAG.MaxContextItems, cfg.RAG.MinRelevanceScore, cfg.RAG.IncludeSources)

			actions := map[string]api.ActionHandler{}
			if embedder != nil {
				ingester := ingest.New(chunker.New(cfg.Vectorization.ChunkOverlap).WithStore(metaStore), embedder, index, cfg.Vector.EmbeddingModel)
				actions["reindex"] = ingester.HandleReindexAction
			}

			masterNode := &domain.Node{
				Slug:      "relayd-master",
				Name:      "relayd",
				Type:      domain.NodeTypeMaster,
				Status:    domain.NodeStatusActive,
				Version:   "dev",
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}

			serverCfg := api.ServerConfig{
				LocalNode:      masterNode,
				Signer:         signer,
				RequireAuth:    true,
				Sessions:       sessions,
				Store:          metaStore,
				Registry:       reg,
				Breakers:       breakers,
				Forwarder:      fwd,
				Policy:         policy,
				RAG:            retriever,
				Index:          index,
				Engine:         eng,
				Embedder:       embedder,
				EmbeddingModel: cfg.Vector.EmbeddingModel,
				Actions:        actions,
			}

			srv := api.NewServer(cfg.Daemon.HTTPAddr, serverCfg)

			logging.Op().Info("relayd started",
				"http_addr", cfg.Daemon.HTTPAddr,
				"postgres", cfg.Postgres.DSN,
				"redis", cfg.Redis.Addr)

			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			refreshTicker := time.NewTicker(cfg.Nodes.DigestCacheTTL)
			defer refreshTicker.Stop()

			for {
				select {
				case err := <-errCh:
					return fmt.Errorf("http server: %w", err)
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return srv.Shutdown(ctx)
				case <-refreshTicker.C:
					if err := reg.Refresh(context.Background()); err != nil {
						logging.Op().Error("node registry refresh failed", "error", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP API address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func redisClientFor(cfg *relayconfig.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func buildSecretsStore(cfg *relayconfig.Config) (*secrets.Store, error) {
	var cipher *secrets.Cipher
	var err error
	if cfg.Secrets.MasterKey != "" {
		cipher, err = secrets.NewCipher(cfg.Secrets.MasterKey)
	} else {
		cipher, err = secrets.NewCipherFromFile(cfg.Secrets.MasterKeyFile)
	}
	if err != nil {
		return nil, err
	}
	client, err := redisClientFor(cfg)
	if err != nil {
		return nil, err
	}
	return secrets.NewStore(client, cipher), nil
}

// buildEngine selects the completion/embedding driver named by
// cfg.Engine.Driver. The HTTP driver also satisfies engine.Embedder, so it is
// the only option RAG's embedding step can use today.
func buildEngine(cfg *relayconfig.Config) (engine.Engine, error) {
	switch cfg.Engine.Driver {
	case "anthropic":
		return engine.NewAnthropicDriver(cfg.Engine.APIKey, cfg.Engine.Model), nil
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Engine.BedrockRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		return engine.NewBedrockDriver(client, cfg.Engine.BedrockModelID), nil
	default:
		return engine.NewHTTPDriver(cfg.Engine.BaseURL, cfg.Engine.APIKey, cfg.Engine.Model), nil
	}
}
