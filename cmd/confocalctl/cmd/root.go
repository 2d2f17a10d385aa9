package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"

	"github.com/nasa-jpl/confocal/acq"
	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/util"
)

var (
	// Global flags
	configFile string
	mock       bool
	mockRate   uint64
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "confocalctl",
	Short: "Drive a confocal acquisition board from the command line",
	Long: `confocalctl runs one acquisition against the board described by a
yaml file of channel names and defaults, prints the result and releases the board.

Keys in the file may be overridden from the environment with the CONFOCAL_ prefix,
e.g. CONFOCAL_MAX_COUNTS=1e6.

Examples:
  confocalctl count --mock --rate 100 -n 20        # count on a simulated board
  confocalctl scan --config board.yml --from 0,0 --to 1e-5,1e-5 --points 50
  confocalctl sweep --config board.yml --points 100
  confocalctl gated --config board.yml --depth 1000 -n 10
  confocalctl reset --config board.yml`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "confocal.yml", "board configuration file")
	rootCmd.PersistentFlags().BoolVar(&mock, "mock", false, "use a simulated board")
	rootCmd.PersistentFlags().Uint64Var(&mockRate, "mock-rate", 1000, "simulated detector pulses per clock half period")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "no progress spinner")
}

// mockConfig is a board with every feature wired to one simulated device
func mockConfig() acq.Config {
	c := acq.DefaultConfig()
	c.ClockChannel = "/Dev1/Ctr0"
	c.CounterChannels = []string{"/Dev1/Ctr1"}
	c.PhotonSources = []string{"/Dev1/PFI8"}
	c.ScannerClockChannel = "/Dev1/Ctr2"
	c.ScannerCounterChannels = []string{"/Dev1/Ctr3"}
	c.ScannerAOChannels = []string{"/Dev1/AO0", "/Dev1/AO1"}
	c.ScannerVoltageRanges = []util.Limiter{{Min: -10, Max: 10}, {Min: -10, Max: 10}}
	c.ScannerPositionRanges = []util.Limiter{{Min: 0, Max: 100e-6}, {Min: 0, Max: 100e-6}}
	c.GateInChannel = "/Dev1/PFI9"
	c.GatedCounterChannel = "/Dev1/Ctr3"
	c.GatedPhotonSource = "/Dev1/PFI10"
	return c
}

// loadConfig layers the defaults, the config file and the environment
func loadConfig() (acq.Config, error) {
	k := koanf.New(".")
	defaults := acq.DefaultConfig()
	if mock {
		defaults = mockConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return acq.Config{}, err
	}
	if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") || !mock {
			return acq.Config{}, fmt.Errorf("loading %s: %w", configFile, err)
		}
	}
	err := k.Load(env.Provider("CONFOCAL_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "CONFOCAL_"))
	}), nil)
	if err != nil {
		return acq.Config{}, err
	}
	var c acq.Config
	if err := k.Unmarshal("", &c); err != nil {
		return acq.Config{}, err
	}
	return c, nil
}

func logger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// board is an orchestrator and, in mock mode, the simulated driver behind it
type board struct {
	*acq.Orchestrator
	cfg acq.Config
	sim *daqmx.Sim
}

func openBoard() (*board, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var (
		drv daqmx.Driver
		sim *daqmx.Sim
	)
	if mock {
		names, err := acq.DeviceNames(cfg.Channels()...)
		if err != nil {
			return nil, err
		}
		sim = daqmx.NewSim(names...)
		for _, src := range append(cfg.PhotonSources, cfg.GatedPhotonSource) {
			if src != "" {
				sim.SetFeed(src, daqmx.RateFeed(mockRate))
			}
		}
		drv = sim
	} else if drv, err = daqmx.Open(); err != nil {
		return nil, err
	}
	opts := append(cfg.DeviceOptions(), acq.WithLogger(logger()))
	o, err := acq.New(acq.NewDevice(drv, opts...), cfg)
	if err != nil {
		return nil, err
	}
	return &board{Orchestrator: o, cfg: cfg, sim: sim}, nil
}

// spin shows a spinner with msg on stderr while fn runs
func spin(msg string, fn func() error) error {
	if quiet {
		return fn()
	}
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
		Writer:            os.Stderr,
	})
	if err != nil {
		return fn()
	}
	if err := s.Start(); err != nil {
		return fn()
	}
	if err = fn(); err != nil {
		s.StopFailMessage(err.Error())
		s.StopFail()
		return err
	}
	s.Stop()
	return nil
}

// withBoard opens the board, runs fn and closes the board
func withBoard(fn func(b *board) error) error {
	b, err := openBoard()
	if err != nil {
		return err
	}
	err = fn(b)
	if cerr := b.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
