package main

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/nasa-jpl/confocal/acq"
	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/generichttp"
	"github.com/nasa-jpl/confocal/generichttp/daq"
	"github.com/nasa-jpl/confocal/server"
	"github.com/nasa-jpl/confocal/server/middleware/locker"
	"github.com/nasa-jpl/confocal/util"
)

// Node is one board exposed under an endpoint
type Node struct {
	// Endpoint is the full path the routes of this board are served on,
	// ex. Endpoint="/confocal/daq" will produce routes of /confocal/daq/counter/start, etc.
	Endpoint string `yaml:"endpoint" koanf:"endpoint"`

	// Device is the channel map and acquisition defaults of the board
	Device acq.Config `yaml:"device" koanf:"device"`
}

// Config holds the initialization parameters of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"addr" koanf:"addr"`

	// Mock replaces the hardware driver with a simulated board
	Mock bool `yaml:"mock" koanf:"mock"`

	// MockDevices are the device names the simulated board hosts
	MockDevices []string `yaml:"mock_devices" koanf:"mock_devices"`

	// MockPhotonRate is the number of simulated detector pulses per half period
	MockPhotonRate uint64 `yaml:"mock_photon_rate" koanf:"mock_photon_rate"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level" koanf:"log_level"`

	// Nodes is the list of boards to set up
	Nodes []Node `yaml:"nodes" koanf:"nodes"`
}

// DefaultConfig is a mock configuration with one simulated board
func DefaultConfig() Config {
	dev := acq.DefaultConfig()
	dev.ClockChannel = "/Dev1/Ctr0"
	dev.CounterChannels = []string{"/Dev1/Ctr1"}
	dev.PhotonSources = []string{"/Dev1/PFI8"}
	dev.ScannerClockChannel = "/Dev1/Ctr2"
	dev.ScannerCounterChannels = []string{"/Dev1/Ctr3"}
	dev.ScannerAOChannels = []string{"/Dev1/AO0", "/Dev1/AO1"}
	dev.ScannerVoltageRanges = []util.Limiter{{Min: -10, Max: 10}, {Min: -10, Max: 10}}
	dev.ScannerPositionRanges = []util.Limiter{{Min: 0, Max: 100e-6}, {Min: 0, Max: 100e-6}}
	dev.GateInChannel = "/Dev1/PFI9"
	dev.GatedCounterChannel = "/Dev1/Ctr3"
	dev.GatedPhotonSource = "/Dev1/PFI10"
	return Config{
		Addr:           ":8000",
		Mock:           true,
		MockDevices:    []string{"Dev1"},
		MockPhotonRate: 1000,
		LogLevel:       "info",
		Nodes:          []Node{{Endpoint: "/confocal", Device: dev}},
	}
}

// NewLogger builds a production zap logger at level
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log_level %q: %w", level, err)
		}
	}
	return cfg.Build()
}

// OpenDriver returns the hardware driver, or a simulated board in mock mode
func OpenDriver(c Config) (daqmx.Driver, error) {
	if !c.Mock {
		return daqmx.Open()
	}
	sim := daqmx.NewSim(c.MockDevices...)
	for _, n := range c.Nodes {
		for _, src := range n.Device.PhotonSources {
			sim.SetFeed(src, daqmx.RateFeed(c.MockPhotonRate))
		}
		if src := n.Device.GatedPhotonSource; src != "" {
			sim.SetFeed(src, daqmx.RateFeed(c.MockPhotonRate))
		}
	}
	return sim, nil
}

// BuildMux builds a router serving every node, and the orchestrators
// behind it so the caller can close them
func BuildMux(c Config, drv daqmx.Driver, log *zap.Logger) (chi.Router, []*acq.Orchestrator, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	var orchs []*acq.Orchestrator
	for _, node := range c.Nodes {
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if _, dup := supergraph[hndlS]; dup {
			return nil, orchs, fmt.Errorf("endpoint %s is used twice", hndlS)
		}
		opts := append(node.Device.DeviceOptions(), acq.WithLogger(log.With(zap.String("endpoint", hndlS))))
		orch, err := acq.New(acq.NewDevice(drv, opts...), node.Device)
		if err != nil {
			return nil, orchs, fmt.Errorf("node %s: %w", hndlS, err)
		}
		orchs = append(orchs, orch)

		httper := daq.NewHTTPAcquisition(orch)
		lock := locker.New()
		locker.Inject(httper, lock)
		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		r.Use(locker.Serialize(&sync.Mutex{}))
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		server.Respond(w, supergraph)
	})
	return root, orchs, nil
}
