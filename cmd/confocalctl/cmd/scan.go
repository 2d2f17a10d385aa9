package cmd

import (
	"fmt"
	"os"

	"github.com/astrogo/fitsio"
	"github.com/spf13/cobra"

	"github.com/nasa-jpl/confocal/acq"
	"github.com/nasa-jpl/confocal/util"
)

var (
	scanRate   float64
	scanFrom   []float64
	scanTo     []float64
	scanPoints int
	scanPark   []float64
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a straight line and count at every point",
	Long: `Drive the scanner outputs from --from to --to in --points evenly spaced
steps, counting at every step.  Positions are in the units of the configured
scanner position ranges, one value per output channel.

Examples:
  confocalctl scan --mock --from 0,0 --to 1e-5,0 --points 20
  confocalctl scan --config board.yml --rate 500 --from 0,0 --to 1e-5,1e-5 --points 200 --park 0,0`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Float64VarP(&scanRate, "rate", "r", 0, "scan rate in Hz, 0 for the configured default")
	scanCmd.Flags().Float64SliceVar(&scanFrom, "from", nil, "start position, one value per axis")
	scanCmd.Flags().Float64SliceVar(&scanTo, "to", nil, "end position, one value per axis")
	scanCmd.Flags().IntVarP(&scanPoints, "points", "p", 10, "number of points on the line")
	scanCmd.Flags().Float64SliceVar(&scanPark, "park", nil, "position to move to after the scan")
	fitsFlag(scanCmd)

	scanCmd.MarkFlagRequired("from")
	scanCmd.MarkFlagRequired("to")
}

// linePath returns points evenly spaced samples from a to b, path[i] is axis i
func linePath(a, b []float64, points int) ([][]float64, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("--from has %d axes, --to has %d", len(a), len(b))
	}
	if points < 1 {
		return nil, fmt.Errorf("--points %d must be at least 1", points)
	}
	path := make([][]float64, len(a))
	for i := range a {
		path[i] = util.Linspace(a[i], b[i], points)
	}
	return path, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	path, err := linePath(scanFrom, scanTo, scanPoints)
	if err != nil {
		return err
	}
	return withBoard(func(b *board) error {
		if err := b.StartScanner(scanRate); err != nil {
			return err
		}
		var counts acq.Counts
		err := spin(fmt.Sprintf("scanning %d points", scanPoints), func() error {
			var err error
			counts, err = b.Scan(path)
			return err
		})
		if err != nil {
			return err
		}
		if len(scanPark) > 0 {
			if err := b.SetPosition(scanPark); err != nil {
				return err
			}
		}
		if fitsOut != "" {
			return writeFits(fitsOut, counts, fitsio.Card{Name: "NPOINTS", Value: scanPoints, Comment: "points on the line"})
		}
		return printCounts(os.Stdout, b.cfg.ScannerCounterChannels, b.cfg.ScannerAIChannels, counts)
	})
}
