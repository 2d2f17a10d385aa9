package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	gatedDepth      int
	gatedReads      int
	gatedContinuous bool
	gatedAvailable  bool
)

var gatedCmd = &cobra.Command{
	Use:   "gated",
	Short: "Count photons inside externally gated windows",
	Long: `Configure the gated counter, start it and read the photon counts of the next
gate windows, one per line.

In mock mode the simulated board delivers the windows itself, each
--mock-rate ticks wide.

Examples:
  confocalctl gated --mock -n 5
  confocalctl gated --config board.yml --depth 10000 --continuous -n 100 --available`,
	RunE: runGated,
}

func init() {
	rootCmd.AddCommand(gatedCmd)

	gatedCmd.Flags().IntVar(&gatedDepth, "depth", 0, "buffer depth in windows, 0 for the configured default")
	gatedCmd.Flags().IntVarP(&gatedReads, "samples", "n", 10, "number of windows to read")
	gatedCmd.Flags().BoolVar(&gatedContinuous, "continuous", false, "acquire continuously instead of depth windows")
	gatedCmd.Flags().BoolVar(&gatedAvailable, "available", false, "return what is buffered instead of waiting for -n windows")
}

func runGated(cmd *cobra.Command, args []string) error {
	if gatedReads < 1 {
		return fmt.Errorf("-n %d must be at least 1", gatedReads)
	}
	return withBoard(func(b *board) error {
		if err := b.ConfigureGated(gatedDepth, gatedContinuous); err != nil {
			return err
		}
		if err := b.StartGated(); err != nil {
			return err
		}
		if b.sim != nil {
			widths := make([]uint32, gatedReads)
			for i := range widths {
				widths[i] = uint32(mockRate)
			}
			b.sim.Gate(b.cfg.GateInChannel, widths...)
		}
		var samples []uint32
		err := spin(fmt.Sprintf("waiting for %d gate windows", gatedReads), func() error {
			var err error
			samples, err = b.ReadGated(gatedReads, gatedAvailable)
			return err
		})
		if err != nil {
			return err
		}
		if err := b.StopGated(); err != nil {
			return err
		}
		for _, s := range samples {
			fmt.Println(s)
		}
		return nil
	})
}
