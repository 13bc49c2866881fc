package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"steward/internal/app"
	"steward/internal/server"
	"steward/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		legacyHeaders  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serves the API with bearer JWT auth signed by STEWARD_JWT_SECRET. Webhooks configured in the policy receive new audit entries from the workspace database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("STEWARD_JWT_SECRET is required for bearer auth")
			}
			ctx := cmd.Context()
			if err := telemetry.Init(ctx, "steward", version, os.Stderr); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(sctx)
			}()
			return withWorkspace(ctx, false, func(ctx context.Context, w *app.Workspace) error {
				logger := w.Engine.Logger
				handler, err := server.New(server.Config{
					Engine:   w.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, AllowLegacyActorHeader: legacyHeaders},
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, w.Engine.Repo, w.Config, logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Steward API on http://%s%s (policy: %s, OpenAPI at %s/openapi.json)\n", addr, basePath, w.ConfigSource, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (prefer STEWARD_JWT_SECRET)")
	cmd.Flags().BoolVar(&legacyHeaders, "allow-legacy-headers", false, "accept unauthenticated X-Actor-Id headers (development only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("STEWARD_JWT_SECRET is required to sign tokens")
			}
			actor, err := currentActor()
			if err != nil {
				return err
			}
			token, err := server.SignToken(secret, actor, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime; 0 never expires")
	return cmd
}
