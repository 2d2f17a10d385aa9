package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset every device the configuration names",
	Long: `Reset every device the configured channels live on and wait for each to pass
its self test.  Fails while another process holds the board.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(func(b *board) error {
			return spin("resetting", b.Reset)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the loaded configuration and the board status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBoard(func(b *board) error {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Config interface{} `json:"config"`
				Status interface{} `json:"status"`
			}{b.cfg, b.Status()})
		})
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch LINES on|off",
	Short: "Drive digital lines high or low",
	Long: `Drive every line of a digital output high or low once, e.g. a laser shutter
or a microwave switch.  Lines held by a running acquisition are refused.

Examples:
  confocalctl switch --config board.yml /Dev1/port0/line2 on`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[1] {
		case "on", "high", "1":
			on = true
		case "off", "low", "0":
		default:
			return fmt.Errorf("switch state %q is not on or off", args[1])
		}
		return withBoard(func(b *board) error {
			return b.DigitalSwitch(args[0], on)
		})
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(switchCmd)
}
