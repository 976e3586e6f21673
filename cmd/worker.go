package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"firestige.xyz/ferry/internal/adb"
	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/log"
	"firestige.xyz/ferry/internal/store"
	"firestige.xyz/ferry/internal/worker"
)

var workerTaskID string

// workerCmd is the internal single-task executor. The scheduler re-invokes the
// ferry binary with this subcommand; SIGTERM from the scheduler cancels the
// context, which propagates down to the adb child processes.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single task to completion (spawned by the scheduler)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := primitive.ObjectIDFromHex(workerTaskID)
		if err != nil {
			return err
		}

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

		bridge := adb.NewCLI(cfg.Device.ADBPath, cfg.Device.Workspace, cfg.Scheduler.DeviceInfoTimeout)
		return worker.New(st, bridge, cfg).Run(ctx, id)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerTaskID, "id", "", "task id to execute")
	_ = workerCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(workerCmd)
}
