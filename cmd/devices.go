package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ferry/internal/client"
	"firestige.xyz/ferry/internal/config"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Show the device inventory",
	Long: `
Show the last device inventory snapshot taken by the scheduler, with each
device's power/battery state and whether a task currently occupies it.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		c := client.New(cfg.Client.ServerURL, clientLogger())

		snap, err := c.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		tasks, err := c.ListTasks(cmd.Context())
		if err != nil {
			return err
		}

		busy := make(map[string]string)
		for _, t := range tasks {
			if t.DeviceID != "" {
				busy[t.DeviceID] = t.ID.Hex()
			}
		}

		if len(snap.DeviceInfos) == 0 {
			fmt.Println("No devices in inventory.")
			return nil
		}

		age := time.Since(time.Unix(int64(snap.UpdateTime), 0)).Round(time.Second)
		fmt.Printf("Devices (snapshot %s ago):\n", age)
		for _, d := range snap.DeviceInfos {
			line := "  " + d.DeviceID
			if d.Hostname != nil {
				line += fmt.Sprintf("  host=%s", *d.Hostname)
			}
			if d.PowerOn != nil {
				line += fmt.Sprintf("  screen=%s", onOff(*d.PowerOn))
			}
			if d.Battery != nil {
				line += fmt.Sprintf("  battery=%.0f%%", *d.Battery)
			}
			if taskID, ok := busy[d.DeviceID]; ok {
				line += fmt.Sprintf("  busy(task %s)", taskID)
			} else {
				line += "  idle"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
