package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ferry/internal/client"
	"firestige.xyz/ferry/internal/config"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks that are not yet finished",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		c := client.New(cfg.Client.ServerURL, clientLogger())

		tasks, err := c.ListTasks(cmd.Context())
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No active tasks.")
			return nil
		}

		for _, t := range tasks {
			age := time.Since(time.Unix(int64(t.CreateTime), 0)).Round(time.Second)
			device := t.DeviceID
			if device == "" {
				device = "-"
			}
			fmt.Printf("%s  %-9s  device=%-16s  user=%-10s  age=%-8s  %s\n",
				t.ID.Hex(), t.Status, device, t.CreateUser, age,
				strings.Join(t.Cmd.Shell, " "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}
