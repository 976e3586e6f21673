package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"firestige.xyz/ferry/internal/client"
	"firestige.xyz/ferry/internal/config"
)

var runOpts struct {
	device    string
	inputs    []string
	outputs   []string
	user      string
	outputDir string
	taskFile  string
}

var runCmd = &cobra.Command{
	Use:   "run --device <id> [flags] -- <command>...",
	Short: "Run a command on a device end to end",
	Long: `
Submit a task and follow it to completion: the inputs are packed and uploaded,
the remote stdout/stderr are streamed to this terminal, and on success the
requested outputs are downloaded and unpacked into the output directory.

Ctrl-C kills the task server-side before exiting.

Examples:
  ferry run --device emulator-5554 -- ls -la
  ferry run --device SN12345 -i model.bin -o result.json -- ./bench model.bin
  ferry run -f task.yml                  # task described in a YAML file
`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := cfg.EnsureClientDirs(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts := client.RunOptions{
			DeviceID:  runOpts.device,
			Shell:     args,
			Inputs:    runOpts.inputs,
			Outputs:   runOpts.outputs,
			User:      runOpts.user,
			OutputDir: runOpts.outputDir,
		}
		if runOpts.taskFile != "" {
			tf, err := client.LoadTaskFile(runOpts.taskFile)
			if err != nil {
				return err
			}
			opts = tf.Apply(opts)
		}
		if opts.DeviceID == "" {
			return errors.New("a target device is required (--device or a task file)")
		}
		if len(opts.Shell) == 0 {
			return errors.New("a command is required (arguments after -- or a task file)")
		}
		if opts.User == "" {
			if u, err := user.Current(); err == nil {
				opts.User = u.Username
			}
		}

		log := clientLogger()
		c := client.New(cfg.Client.ServerURL, log)
		runner := client.NewRunner(c, cfg.Client, log)

		err = runner.Run(ctx, opts)
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted")
		}
		return err
	},
}

// clientLogger is the human-facing logger for client commands: plain text on
// stderr so remote stdout stays clean for piping.
func clientLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.device, "device", "d", "", "target device id (required)")
	runCmd.Flags().StringArrayVarP(&runOpts.inputs, "input", "i", nil, "input file or directory to push (repeatable)")
	runCmd.Flags().StringArrayVarP(&runOpts.outputs, "output", "o", nil, "device-relative output path to pull (repeatable)")
	runCmd.Flags().StringVarP(&runOpts.user, "user", "u", "", "task owner (defaults to the current user)")
	runCmd.Flags().StringVar(&runOpts.outputDir, "output-dir", ".", "directory outputs are unpacked into")
	runCmd.Flags().StringVarP(&runOpts.taskFile, "file", "f", "", "YAML task file (flags override its values)")
	rootCmd.AddCommand(runCmd)
}
