package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/spf13/cobra"

	"github.com/nasa-jpl/confocal/acq"
	"github.com/nasa-jpl/confocal/generichttp/daq"
)

var (
	countRate    float64
	countSamples int
	countReads   int
	fitsOut      string
)

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count photons at a fixed clock rate",
	Long: `Start the counting clock, read the requested number of samples and stop.

Each sample is the number of detector pulses in one clock period, scaled to
counts per second.  Analog channels configured next to the counters are sampled
on the same clock and printed after the counts.

Examples:
  confocalctl count --mock -n 10
  confocalctl count --config board.yml --rate 1000 -n 500 --fits counts.fits`,
	RunE: runCount,
}

func init() {
	rootCmd.AddCommand(countCmd)

	countCmd.Flags().Float64VarP(&countRate, "rate", "r", 0, "clock rate in Hz, 0 for the configured default")
	countCmd.Flags().IntVar(&countSamples, "buffer", 0, "samples per buffer, 0 for the configured default")
	countCmd.Flags().IntVarP(&countReads, "samples", "n", 10, "number of samples to read")
	fitsFlag(countCmd)
}

func fitsFlag(c *cobra.Command) {
	c.Flags().StringVar(&fitsOut, "fits", "", "write the counts to this FITS file instead of stdout")
}

func runCount(cmd *cobra.Command, args []string) error {
	if countReads < 1 {
		return fmt.Errorf("-n %d must be at least 1", countReads)
	}
	return withBoard(func(b *board) error {
		if err := b.StartCounting(countRate, countSamples); err != nil {
			return err
		}
		freq, err := b.CountingFrequency()
		if err != nil {
			return err
		}
		var counts acq.Counts
		err = spin(fmt.Sprintf("counting %d samples at %g Hz", countReads, freq), func() error {
			var err error
			counts, err = b.ReadCounts(countReads)
			return err
		})
		if err != nil {
			return err
		}
		if err := b.StopCounting(); err != nil {
			return err
		}
		if fitsOut != "" {
			return writeFits(fitsOut, counts, fitsio.Card{Name: "CLKRATE", Value: freq, Comment: "counting clock, Hz"})
		}
		return printCounts(os.Stdout, b.cfg.CounterChannels, b.cfg.CounterAIChannels, counts)
	})
}

// printCounts writes one row per sample, one column per channel
func printCounts(w io.Writer, digital, analog []string, c acq.Counts) error {
	var header []string
	header = append(header, digital[:len(c.Digital)]...)
	header = append(header, analog[:len(c.Analog)]...)
	if _, err := fmt.Fprintln(w, strings.Join(header, "\t")); err != nil {
		return err
	}
	rows := 0
	if len(c.Digital) > 0 {
		rows = len(c.Digital[0])
	} else if len(c.Analog) > 0 {
		rows = len(c.Analog[0])
	}
	for i := 0; i < rows; i++ {
		var cols []string
		for _, ch := range c.Digital {
			cols = append(cols, fmt.Sprintf("%g", ch[i]))
		}
		for _, ch := range c.Analog {
			cols = append(cols, fmt.Sprintf("%g", ch[i]))
		}
		if _, err := fmt.Fprintln(w, strings.Join(cols, "\t")); err != nil {
			return err
		}
	}
	return nil
}

func writeFits(path string, c acq.Counts, cards ...fitsio.Card) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := daq.WriteFits(f, cards, c); err != nil {
		return err
	}
	return f.Close()
}
