package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"flowlens/internal/app"
	"flowlens/internal/server"
	"flowlens/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}

				var (
					tel        *telemetry.Telemetry
					metricsHdl http.Handler
				)
				if a.Config.Server.Metrics {
					var err error
					tel, metricsHdl, err = telemetry.New(ctx, "flowlens")
					if err != nil {
						return err
					}
					defer tel.Shutdown(context.Background())
					if err := tel.ObserveHistory(a.Engine.Metrics.History.Len); err != nil {
						return err
					}
					a.Engine.Telemetry = tel
				}

				authCfg := server.AuthConfig{JWTSecret: os.Getenv(a.Config.Server.JWTSecretEnv)}
				if a.Repo != nil {
					authCfg.APIKeys = a.Repo
				}
				if authCfg.JWTSecret == "" {
					a.Log.Warnw("authentication disabled", "env", a.Config.Server.JWTSecretEnv)
				}
				handler, err := server.New(server.Config{
					Engine:         a.Engine,
					BasePath:       basePath,
					Auth:           authCfg,
					Log:            a.Log,
					Telemetry:      tel,
					MetricsHandler: metricsHdl,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Flowlens API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}
