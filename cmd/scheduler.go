package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/ferry/internal/adb"
	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/log"
	"firestige.xyz/ferry/internal/metrics"
	"firestige.xyz/ferry/internal/scheduler"
	"firestige.xyz/ferry/internal/store"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler",
	Long: `
Run the scheduler loop: pair queued tasks with idle devices, spawn one worker
process per dispatched task, enforce the keep-alive liveness protocol and keep
the device inventory snapshot fresh.

One scheduler runs per host with devices attached.
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

		bridge := adb.NewCLI(cfg.Device.ADBPath, cfg.Device.Workspace, cfg.Scheduler.DeviceInfoTimeout)
		launcher, err := scheduler.NewExecLauncher(configFile)
		if err != nil {
			return err
		}

		sched := scheduler.New(st, st, bridge, launcher, cfg.Scheduler)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}
