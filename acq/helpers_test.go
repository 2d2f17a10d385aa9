package acq

import (
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/util"
)

func testConfig() Config {
	c := DefaultConfig()
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
	c.ReadWriteTimeout = 1
	return c
}

func newTestOrchestrator(t *testing.T, c Config) (*Orchestrator, *daqmx.Sim) {
	t.Helper()
	sim := daqmx.NewSim("Dev1")
	sim.SetPollInterval(time.Millisecond)
	o, err := New(NewDevice(sim, c.DeviceOptions()...), c)
	if err != nil {
		t.Fatal(err)
	}
	return o, sim
}

// taskKinds maps task IDs to the kind prefix they were created with,
// e.g. "counter" or "sweep-out"
func taskKinds(calls []daqmx.Call) map[daqmx.Task]string {
	out := make(map[daqmx.Task]string)
	next := daqmx.Task(0)
	for _, c := range calls {
		if c.Procedure != "CreateTask" {
			continue
		}
		next++
		name := c.Target
		if i := strings.LastIndex(name, "-"); i > 0 {
			name = name[:i]
		}
		out[next] = name
	}
	return out
}

// started lists the kinds of the tasks started after the first skip calls
func started(calls []daqmx.Call, skip int) []string {
	kinds := taskKinds(calls)
	var out []string
	for _, c := range calls[skip:] {
		if c.Procedure == "StartTask" {
			out = append(out, kinds[c.Task])
		}
	}
	return out
}

func callsTo(calls []daqmx.Call, procedure string) []daqmx.Call {
	var out []daqmx.Call
	for _, c := range calls {
		if c.Procedure == procedure {
			out = append(out, c)
		}
	}
	return out
}
