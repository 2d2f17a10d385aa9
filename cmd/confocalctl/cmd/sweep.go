package cmd

import (
	"fmt"
	"os"

	"github.com/astrogo/fitsio"
	"github.com/spf13/cobra"

	"github.com/nasa-jpl/confocal/acq"
)

var (
	sweepRate         float64
	sweepPoints       int
	sweepLockIn       bool
	sweepOversampling int
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one triggered sweep, e.g. of a microwave source",
	Long: `Step the sweep clock --points times, triggering the stimulus generator on
every step and counting in between.  With --lock-in each point is the
contrast between the high and low halves of the step, averaged over
--oversampling pairs; otherwise it is in counts per second.  Lock-in needs
odmr_pulser_lines in the config.

Examples:
  confocalctl sweep --mock --points 50
  confocalctl sweep --config board.yml --lock-in --oversampling 4 --points 101
  confocalctl sweep --config board.yml --rate 200 --points 101 --fits odmr.fits`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().Float64VarP(&sweepRate, "rate", "r", 0, "step rate in Hz, 0 for the configured scanner default")
	sweepCmd.Flags().IntVarP(&sweepPoints, "points", "p", 10, "number of points in the sweep")
	sweepCmd.Flags().BoolVar(&sweepLockIn, "lock-in", false, "drive the lock-in pulser, overriding odmr_lock_in")
	sweepCmd.Flags().IntVarP(&sweepOversampling, "oversampling", "k", 0, "lock-in pairs per point, 0 for odmr_oversampling")
	fitsFlag(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	return withBoard(func(b *board) error {
		if cmd.Flags().Changed("lock-in") {
			if err := b.SetLockIn(sweepLockIn); err != nil {
				return err
			}
		}
		if sweepOversampling != 0 {
			if err := b.SetOversampling(sweepOversampling); err != nil {
				return err
			}
		}
		if err := b.StartSweep(sweepRate); err != nil {
			return err
		}
		if err := b.SetSweepLength(sweepPoints); err != nil {
			return err
		}
		var counts acq.Counts
		err := spin(fmt.Sprintf("sweeping %d points", sweepPoints), func() error {
			var err error
			counts, err = b.Sweep(sweepPoints)
			return err
		})
		if err != nil {
			return err
		}
		if fitsOut != "" {
			return writeFits(fitsOut, counts,
				fitsio.Card{Name: "NPOINTS", Value: sweepPoints, Comment: "points in the sweep"},
				fitsio.Card{Name: "OVERSAMP", Value: b.Oversampling(), Comment: "pulser pairs per point"},
				fitsio.Card{Name: "LOCKIN", Value: b.LockIn(), Comment: "pulser driven"})
		}
		return printCounts(os.Stdout, b.cfg.ScannerCounterChannels, b.cfg.ScannerAIChannels, counts)
	})
}
