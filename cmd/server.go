package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/log"
	"firestige.xyz/ferry/internal/metrics"
	"firestige.xyz/ferry/internal/server"
	"firestige.xyz/ferry/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the API server",
	Long: `
Run the HTTP API front-end. It accepts tasks and input archives, serves task
status and output archives, and streams task logs.

Examples:
  ferry server                              # Defaults plus FERRY_* env vars
  ferry server -c /etc/ferry/config.yml     # Explicit config file
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := log.Init(cfg.Log); err != nil {
			return err
		}
		if err := cfg.EnsureServerDirs(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		st, err := store.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return err
		}
		defer st.Close(context.Background())

		if cfg.Metrics.Enabled {
			ms := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
			if err := ms.Start(ctx); err != nil {
				return err
			}
			defer ms.Stop(context.Background())
		}

		srv := server.New(cfg, st, st)
		if err := srv.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		slog.Info("shutting down", "reason", ctx.Err())
		return srv.Stop(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
