package acq

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/confocal/daqmx"
)

func TestCountingReducesSemiPeriods(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	sim.SetFeed("/Dev1/PFI8", daqmx.CumulativeFeed([]uint64{0, 1, 1, 1, 2, 2, 2, 3, 3, 3, 4}))
	if err := o.StartCounting(100, 5); err != nil {
		t.Fatal(err)
	}
	defer o.StopCounting()
	got, err := o.ReadCounts(5)
	if err != nil {
		t.Fatal(err)
	}
	exp := Counts{Digital: [][]float64{{100, 100, 0, 100, 100}}}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	reads := callsTo(sim.Calls(), "ReadCounterU32")
	if len(reads) != 1 || reads[0].Samples != 11 {
		t.Errorf("expected one read of 2n+1=11 raw samples, got %+v", reads)
	}
}

func TestCountingStartsTimebaseLast(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	if err := o.StartCounting(0, 0); err != nil {
		t.Fatal(err)
	}
	defer o.StopCounting()
	if diff := cmp.Diff([]string{"counter", "timebase"}, started(sim.Calls(), 0)); diff != "" {
		t.Errorf("start order mismatch (-want +got):\n%s", diff)
	}
	if f, _ := o.CountingFrequency(); f != 100 {
		t.Errorf("expected the default 100 Hz, got %g", f)
	}
}

func TestCountingSecondReadKeepsEverySample(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	sim.SetFeed("/Dev1/PFI8", daqmx.RateFeed(3))
	if err := o.StartCounting(10, 4); err != nil {
		t.Fatal(err)
	}
	defer o.StopCounting()
	if _, err := o.ReadCounts(2); err != nil {
		t.Fatal(err)
	}
	got, err := o.ReadCounts(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{60, 60}}, got.Digital); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	reads := callsTo(sim.Calls(), "ReadCounterU32")
	if reads[1].Samples != 4 {
		t.Errorf("expected the second read to take 2n=4 raw samples, got %d", reads[1].Samples)
	}
}

func TestCountingOverflowIsDataLoss(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	if err := o.StartCounting(100, 5); err != nil {
		t.Fatal(err)
	}
	defer o.StopCounting()
	// the buffer holds one second of raw samples at 200 per second
	if err := sim.Advance("/Dev1/Ctr0", 101); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ReadCounts(1); !errors.Is(err, ErrDataLoss) {
		t.Errorf("expected data loss, got %v", err)
	}
}

func TestCountingTwiceIsRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig())
	if err := o.StartCounting(0, 0); err != nil {
		t.Fatal(err)
	}
	defer o.StopCounting()
	if err := o.StartCounting(0, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestStopCountingReleasesEverything(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	if err := o.StartCounting(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := o.StopCounting(); err != nil {
		t.Fatal(err)
	}
	if err := o.StopCounting(); err != nil {
		t.Errorf("expected a second stop to do nothing, got %v", err)
	}
	if sim.TaskCount() != 0 || len(sim.Running()) != 0 {
		t.Errorf("expected no tasks, got %d (%v running)", sim.TaskCount(), sim.Running())
	}
	if r := o.Status().Resources; len(r) != 0 {
		t.Errorf("expected no held resources, got %v", r)
	}
	if _, err := o.ReadCounts(1); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected reading a stopped session to fail, got %v", err)
	}
}

func TestCountingUnwindsWhenTimebaseFails(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	// the counter starts first and passes; the timebase start is refused
	sim.FailNext("StartTask", 0)
	sim.FailNext("StartTask", daqmx.CodeResourceReserved)
	err := o.StartCounting(0, 0)
	if !errors.Is(err, ErrHardwareBusy) {
		t.Fatalf("expected hardware busy, got %v", err)
	}
	if sim.TaskCount() != 0 || len(sim.Running()) != 0 {
		t.Errorf("expected every task cleared, got %d (%v running)", sim.TaskCount(), sim.Running())
	}
	if len(o.Status().Resources) != 0 {
		t.Errorf("expected no held resources, got %v", o.Status().Resources)
	}
	if err := o.StartCounting(0, 0); err != nil {
		t.Errorf("expected a clean restart, got %v", err)
	}
	o.StopCounting()
}

func TestNewCounterNeedsLiveTimebase(t *testing.T) {
	sim := daqmx.NewSim("Dev1")
	d := NewDevice(sim)
	cfg := CounterConfig{Kind: Digital, Channels: []string{"/Dev1/Ctr1"}, Sources: []string{"/Dev1/PFI8"}, Mode: daqmx.Continuous, Samples: 2}
	if _, err := NewCounter(d, cfg, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected a configuration error without a timebase, got %v", err)
	}
	tb, err := NewTimebase(d, TimebaseConfig{Channel: "/Dev1/Ctr0", FrequencyHz: 50})
	if err != nil {
		t.Fatal(err)
	}
	rt, err := tb.Start()
	if err != nil {
		t.Fatal(err)
	}
	tb.Stop()
	if _, err := NewCounter(d, cfg, rt); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected a configuration error for a stopped timebase, got %v", err)
	}

	rt, _ = tb.Start()
	sim.SetFeed("/Dev1/PFI8", daqmx.RateFeed(5))
	c, err := NewCounter(d, cfg, rt)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	got, err := c.Read(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{500, 500}}, got.Digital); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

func TestCounterConfigValidation(t *testing.T) {
	tests := []CounterConfig{
		{Kind: Digital, Channels: []string{"/Dev1/Ctr1"}, Sources: []string{"/Dev1/PFI8"}, Samples: 0},
		{Kind: Digital, Sources: []string{"/Dev1/PFI8"}, Samples: 1},
		{Kind: Digital, Channels: []string{"/Dev1/Ctr1", "/Dev1/Ctr3"}, Sources: []string{"/Dev1/PFI8"}, Samples: 1},
		{Kind: Analog, Samples: 1},
		{Kind: Analog, AnalogChannels: []string{"/Dev1/AI0"}, Samples: 1},
	}
	for i, cfg := range tests {
		if err := cfg.validate(); !errors.Is(err, ErrConfiguration) {
			t.Errorf("case %d: expected a configuration error, got %v", i, err)
		}
	}
}

func TestCountingWithAnalogInputs(t *testing.T) {
	c := testConfig()
	c.CounterAIChannels = []string{"/Dev1/AI0"}
	o, sim := newTestOrchestrator(t, c)
	sim.SetVoltage("/Dev1/AI0", func(i int) float64 { return float64(i) / 10 })
	if err := o.StartCounting(10, 3); err != nil {
		t.Fatal(err)
	}
	defer o.StopCounting()
	got, err := o.ReadCounts(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Digital) != 1 || len(got.Digital[0]) != 3 {
		t.Fatalf("expected 3 counts, got %v", got.Digital)
	}
	if diff := cmp.Diff([][]float64{{0.1, 0.2, 0.3}}, got.Analog); diff != "" {
		t.Errorf("analog mismatch (-want +got):\n%s", diff)
	}
}
