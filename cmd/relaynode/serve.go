package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayai/core/internal/api"
	"github.com/relayai/core/internal/auth"
	"github.com/relayai/core/internal/chunker"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/engine"
	"github.com/relayai/core/internal/ingest"
	"github.com/relayai/core/internal/logging"
	"github.com/relayai/core/internal/metrics"
	"github.com/relayai/core/internal/rag"
	"github.com/relayai/core/internal/registry"
	"github.com/relayai/core/internal/store"
	"github.com/relayai/core/internal/vectorindex"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr    string
		logLevel    string
		nodeSlug    string
		nodeName    string
		baseURL     string
		collections string
		keywords    string
		domainsFlag string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run relaynode as a federation child node",
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
			if nodeSlug == "" {
				return fmt.Errorf("--slug is required")
			}
			if baseURL == "" {
				return fmt.Errorf("--base-url is required (the address other nodes reach this one at)")
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

			self := &domain.Node{
				Slug:        nodeSlug,
				Name:        nodeNameOr(nodeName, nodeSlug),
				Type:        domain.NodeTypeChild,
				BaseURL:     baseURL,
				Status:      domain.NodeStatusActive,
				Collections: parseCollections(collections),
				Keywords:    splitCSV(keywords),
				Domains:     splitCSV(domainsFlag),
				Version:     "dev",
				CreatedAt:   time.Now(),
				UpdatedAt:   time.Now(),
			}

			reg := registry.New(metaStore, cfg.Nodes.PingFailureThreshold)
			if err := reg.RegisterNode(context.Background(), self); err != nil {
				return fmt.Errorf("register node: %w", err)
			}

			eng, err := buildEngine(cfg)
			if err != nil {
				return fmt.Errorf("build engine driver: %w", err)
			}

			index := vectorindex.New(cfg.Vector.BaseURL)
			embedder, _ := eng.(engine.Embedder)
			retriever := rag.New(index, embedder, eng, cfg.Vector.EmbeddingModel, cfg.RAG.MaxContextItems, cfg.RAG.MinRelevanceScore, cfg.RAG.IncludeSources)

			actions := map[string]api.ActionHandler{}
			if embedder != nil {
				ingester := ingest.New(chunker.New(cfg.Vectorization.ChunkOverlap).WithStore(metaStore), embedder, index, cfg.Vector.EmbeddingModel)
				actions["reindex"] = ingester.HandleReindexAction
			}

			serverCfg := api.ServerConfig{
				LocalNode:      self,
				RequireAuth:    cfg.Auth.Secret != "",
				Store:          metaStore,
				RAG:            retriever,
				Index:          index,
				Engine:         eng,
				Embedder:       embedder,
				EmbeddingModel: cfg.Vector.EmbeddingModel,
				Actions:        actions,
			}
			if serverCfg.RequireAuth {
				serverCfg.Signer = signerFromSecret(cfg.Auth.Secret)
			}

			srv := api.NewServer(cfg.Daemon.HTTPAddr, serverCfg)

			logging.Op().Info("relaynode started",
				"slug", self.Slug,
				"http_addr", cfg.Daemon.HTTPAddr,
				"collections", collections)

			errCh := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			pingTicker := time.NewTicker(cfg.Nodes.DigestCacheTTL)
			defer pingTicker.Stop()

			for {
				select {
				case err := <-errCh:
					return fmt.Errorf("http server: %w", err)
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return srv.Shutdown(ctx)
				case <-pingTicker.C:
					if err := reg.RegisterNode(context.Background(), self); err != nil {
						logging.Op().Error("node re-registration failed", "error", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8081", "HTTP API address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&nodeSlug, "slug", "", "This node's unique slug (required)")
	cmd.Flags().StringVar(&nodeName, "name", "", "Human-readable node name (defaults to slug)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "URL other nodes use to reach this one (required)")
	cmd.Flags().StringVar(&collections, "collections", "", "Comma-separated collection:class pairs this node owns, e.g. docs:knowledge,tickets:support")
	cmd.Flags().StringVar(&keywords, "keywords", "", "Comma-separated routing keywords")
	cmd.Flags().StringVar(&domainsFlag, "domains", "", "Comma-separated routing domains")

	return cmd
}

func nodeNameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseCollections turns "name:class,name2:class2" into domain.Collection
// values; a bare "name" with no ":class" is treated as class "general".
func parseCollections(s string) []domain.Collection {
	names := splitCSV(s)
	out := make([]domain.Collection, 0, len(names))
	for _, n := range names {
		name, class := n, "general"
		if idx := strings.Index(n, ":"); idx >= 0 {
			name, class = n[:idx], n[idx+1:]
		}
		out = append(out, domain.Collection{Name: name, Class: class})
	}
	return out
}

func signerFromSecret(secret string) *auth.Signer {
	return auth.NewSigner(secret)
}
