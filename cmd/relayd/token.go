package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayai/core/internal/auth"
	"github.com/relayai/core/internal/domain"
	"github.com/relayai/core/internal/registry"
	"github.com/relayai/core/internal/secrets"
	"github.com/relayai/core/internal/store"
)

// ─── Node Token Management CLI ─────────────────────────────────────────────

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue bearer tokens nodes use to authenticate to the federation",
	}

	cmd.AddCommand(tokenIssueCmd())
	cmd.AddCommand(tokenRotateCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var (
		nodeSlug string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeSlug == "" {
				return fmt.Errorf("--node is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret (RELAY_AUTH_SECRET) must be set")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}

			signer := auth.NewSigner(cfg.Auth.Secret)
			token, err := signer.Issue(nodeSlug, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			fmt.Printf("Token issued:\n")
			fmt.Printf("  Node:    %s\n", nodeSlug)
			fmt.Printf("  Expires: %s\n", time.Now().Add(ttl).Format(time.RFC3339))
			fmt.Printf("  Token:   %s\n", token)
			fmt.Printf("\nThis node must send it as \"Authorization: Bearer <token>\" on every call.\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeSlug, "node", "", "Node slug this token authenticates as (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	return cmd
}

// tokenRotateCmd issues a fresh refresh token for a node, keeping the
// previous one valid for the grace window (domain.RefreshTokenGracePeriod).
func tokenRotateCmd() *cobra.Command {
	var nodeSlug string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate a node's refresh token, honoring the grace window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeSlug == "" {
				return fmt.Errorf("--node is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pgStore, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			metaStore := store.NewStore(pgStore)
			defer metaStore.Close()

			var secretsStore *secrets.Store
			if cfg.Secrets.MasterKey != "" || cfg.Secrets.MasterKeyFile != "" {
				s, err := buildSecretsStore(cfg)
				if err != nil {
					return fmt.Errorf("build secrets store: %w", err)
				}
				secretsStore = s
			}

			reg := registry.New(metaStore, cfg.Nodes.PingFailureThreshold).WithSecretsStore(secretsStore)
			if err := reg.Refresh(ctx); err != nil {
				return fmt.Errorf("load node registry: %w", err)
			}
			if _, ok := reg.Get(nodeSlug); !ok {
				return fmt.Errorf("node %q is not registered", nodeSlug)
			}

			token, err := reg.RotateRefreshToken(ctx, nodeSlug)
			if err != nil {
				return fmt.Errorf("rotate refresh token: %w", err)
			}

			fmt.Printf("Refresh token rotated:\n")
			fmt.Printf("  Node:          %s\n", nodeSlug)
			fmt.Printf("  New token:     %s\n", token)
			fmt.Printf("  Previous token remains valid for %s\n", domain.RefreshTokenGracePeriod)
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeSlug, "node", "", "Node slug to rotate the refresh token for (required)")
	return cmd
}
