package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ferry/internal/client"
	"firestige.xyz/ferry/internal/config"
)

var killCmd = &cobra.Command{
	Use:   "kill <task-id>",
	Short: "Kill a task",
	Long: `
Request a task be killed. The scheduler terminates the worker, and the task
ends as FAILED with reason KILLED. Killing an already finished task is a no-op.
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		c := client.New(cfg.Client.ServerURL, clientLogger())
		return c.Kill(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(killCmd)
}
