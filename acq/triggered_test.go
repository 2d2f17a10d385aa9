package acq

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/confocal/daqmx"
)

func TestSweepScalesSteps(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	sim.SetFeed("/Dev1/PFI8", daqmx.RateFeed(10))
	if err := o.StartSweep(100); err != nil {
		t.Fatal(err)
	}
	defer o.CloseSweep()
	if err := o.SetSweepLength(3); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		got, err := o.Sweep(3)
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if diff := cmp.Diff([][]float64{{2000, 2000, 2000}}, got.Digital); diff != "" {
			t.Errorf("sweep %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	reads := callsTo(sim.Calls(), "ReadCounterU32")
	if len(reads) != 2 || reads[0].Samples != 8 {
		t.Errorf("expected reads of 2(n+1)=8 raw samples, got %+v", reads)
	}
	if len(sim.Running()) != 0 {
		t.Errorf("expected nothing running between sweeps, got %v", sim.Running())
	}
}

func TestSweepLengthChangeRebuildsCounter(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	sim.SetFeed("/Dev1/PFI8", daqmx.RateFeed(1))
	if err := o.StartSweep(10); err != nil {
		t.Fatal(err)
	}
	defer o.CloseSweep()
	if _, err := o.Sweep(2); err != nil {
		t.Fatal(err)
	}
	got, err := o.Sweep(5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{20, 20, 20, 20, 20}}, got.Digital); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if err := o.SetSweepLength(0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestSweepRoutesTrigger(t *testing.T) {
	c := testConfig()
	c.ODMRTriggerChannel = "/Dev1/PFI12"
	o, sim := newTestOrchestrator(t, c)
	if err := o.StartSweep(0); err != nil {
		t.Fatal(err)
	}
	if src := sim.Routes()["/dev1/pfi12"]; src != "/dev1/ctr2internaloutput" {
		t.Errorf("expected the step trigger on PFI12, got %q", src)
	}
	if err := o.CloseSweep(); err != nil {
		t.Fatal(err)
	}
	if len(sim.Routes()) != 0 {
		t.Errorf("expected the route removed, got %v", sim.Routes())
	}
	if len(o.Status().Resources) != 0 || sim.TaskCount() != 0 {
		t.Errorf("expected everything released, got %v and %d tasks", o.Status().Resources, sim.TaskCount())
	}
	if _, err := o.Sweep(1); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected sweeping a closed sweep to fail, got %v", err)
	}
}

func TestSweepDifferential(t *testing.T) {
	c := testConfig()
	c.ODMRPulserLines = "/Dev1/port0/line0:1"
	c.ODMRLockIn = true
	o, sim := newTestOrchestrator(t, c)

	// two edges before the first step, then (low, high) steps of 10 and 15
	// counts per edge
	const edges = 10
	cum := make([]uint64, edges)
	var total uint64
	for e := 0; e < edges; e++ {
		if e >= 2 {
			if ((e-2)/2)%2 == 0 {
				total += 10
			} else {
				total += 15
			}
		}
		cum[e] = total
	}
	sim.SetFeed("/Dev1/PFI8", daqmx.CumulativeFeed(cum))

	if err := o.StartSweep(100); err != nil {
		t.Fatal(err)
	}
	defer o.CloseSweep()
	got, err := o.Sweep(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{0.5, 0.5}}, got.Digital); diff != "" {
		t.Errorf("contrast mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{2, 1, 2, 1, 2}, sim.Digital("/Dev1/port0/line0:1")); diff != "" {
		t.Errorf("pulser mismatch (-want +got):\n%s", diff)
	}
	kinds := started(sim.Calls(), 0)
	if diff := cmp.Diff([]string{"counter", "pulser", "timebase"}, kinds); diff != "" {
		t.Errorf("start order mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepFailureStopsEverything(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	if err := o.StartSweep(0); err != nil {
		t.Fatal(err)
	}
	defer o.CloseSweep()
	if err := o.SetSweepLength(2); err != nil {
		t.Fatal(err)
	}
	built := len(sim.Calls())
	sim.FailNext("WaitUntilTaskDone", daqmx.CodeWaitTimeout)
	if _, err := o.Sweep(2); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected a timeout, got %v", err)
	}
	if len(sim.Running()) != 0 {
		t.Errorf("expected nothing running, got %v", sim.Running())
	}
	if o.sweep.counter != nil {
		t.Error("expected the counter discarded after the failure")
	}
	failed := len(sim.Calls())
	kinds := taskKinds(sim.Calls())
	cleared := 0
	for _, c := range callsTo(sim.Calls()[built:], "ClearTask") {
		if kinds[c.Task] == "counter" {
			cleared++
		}
	}
	if cleared != 1 {
		t.Errorf("expected the counter task cleared once, got %d", cleared)
	}
	if _, ok := o.Status().Resources[Resource("/Dev1/Ctr3")]; ok {
		t.Error("expected the counter channel released")
	}

	if _, err := o.Sweep(2); err != nil {
		t.Fatalf("expected the next sweep to work, got %v", err)
	}
	rebuilt := 0
	for _, c := range callsTo(sim.Calls()[failed:], "CreateTask") {
		if strings.HasPrefix(c.Target, "counter-") {
			rebuilt++
		}
	}
	if rebuilt != 1 {
		t.Errorf("expected the counter rebuilt once, got %d", rebuilt)
	}
	if o.sweep.counter == nil {
		t.Error("expected a counter after the retry")
	}
}

func TestSweepStartFailureDiscardsCounter(t *testing.T) {
	o, sim := newTestOrchestrator(t, testConfig())
	if err := o.StartSweep(0); err != nil {
		t.Fatal(err)
	}
	defer o.CloseSweep()
	if err := o.SetSweepLength(2); err != nil {
		t.Fatal(err)
	}
	sim.FailNext("StartTask", daqmx.CodeResourceReserved)
	if _, err := o.Sweep(2); !errors.Is(err, ErrHardwareBusy) {
		t.Fatalf("expected the counter start to fail, got %v", err)
	}
	if o.sweep.counter != nil {
		t.Error("expected the counter discarded")
	}
	if _, err := o.Sweep(2); err != nil {
		t.Errorf("expected the next sweep to work, got %v", err)
	}
}

func TestSweepLockInAnalog(t *testing.T) {
	c := testConfig()
	c.ScannerAIChannels = []string{"/Dev1/AI0"}
	c.ODMRPulserLines = "/Dev1/port0/line0:1"
	c.ODMRLockIn = true
	o, sim := newTestOrchestrator(t, c)
	sim.SetFeed("/Dev1/PFI8", daqmx.RateFeed(10))

	// sample 0 arms the counter; odd samples are the background (2 V), even
	// ones the signal, 3 V for the first point and 4 V for the second
	sim.SetVoltage("/Dev1/AI0", func(i int) float64 {
		switch {
		case i%2 == 1:
			return 2
		case i <= 4:
			return 3
		default:
			return 4
		}
	})
	if err := o.StartSweep(100); err != nil {
		t.Fatal(err)
	}
	defer o.CloseSweep()
	if err := o.SetOversampling(2); err != nil {
		t.Fatal(err)
	}
	got, err := o.Sweep(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{0.5, 1}}, got.Analog); diff != "" {
		t.Errorf("analog contrast mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]float64{{0, 0}}, got.Digital); diff != "" {
		t.Errorf("digital contrast mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{2, 1, 0, 1, 2, 1, 0, 1, 2}, sim.Digital("/Dev1/port0/line0:1")); diff != "" {
		t.Errorf("pulser mismatch (-want +got):\n%s", diff)
	}
	reads := callsTo(sim.Calls(), "ReadAnalogF64")
	if len(reads) != 1 || reads[0].Samples != 9 {
		t.Errorf("expected one read of 2Kn+1 analog samples, got %+v", reads)
	}
}

func TestSweepLockInToggle(t *testing.T) {
	c := testConfig()
	c.ODMRPulserLines = "/Dev1/port0/line0:1"
	o, sim := newTestOrchestrator(t, c)
	sim.SetFeed("/Dev1/PFI8", daqmx.RateFeed(10))
	if o.LockIn() {
		t.Fatal("expected lock-in off by default")
	}
	if err := o.StartSweep(100); err != nil {
		t.Fatal(err)
	}
	defer o.CloseSweep()
	got, err := o.Sweep(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{2000, 2000}}, got.Digital); diff != "" {
		t.Errorf("plain sweep mismatch (-want +got):\n%s", diff)
	}

	if err := o.SetLockIn(true); err != nil {
		t.Fatal(err)
	}
	if !o.LockIn() || !o.Status().LockIn {
		t.Error("expected lock-in on")
	}
	if _, held := o.Status().Resources[Resource("/Dev1/port0/line0:1")]; !held {
		t.Error("expected the pulser lines claimed")
	}
	if err := o.DigitalSwitch("/Dev1/port0/line0:1", true); !errors.Is(err, ErrHardwareBusy) {
		t.Errorf("expected switching pulser lines to be refused, got %v", err)
	}
	got, err = o.Sweep(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{0, 0}}, got.Digital); diff != "" {
		t.Errorf("lock-in sweep mismatch (-want +got):\n%s", diff)
	}
	reads := callsTo(sim.Calls(), "ReadCounterU32")
	if len(reads) != 2 || reads[0].Samples != 6 || reads[1].Samples != 10 {
		t.Errorf("expected reads of 2(n+1) then 2(2n+1) raw samples, got %+v", reads)
	}

	if err := o.SetLockIn(false); err != nil {
		t.Fatal(err)
	}
	if _, held := o.Status().Resources[Resource("/Dev1/port0/line0:1")]; held {
		t.Error("expected the pulser lines released")
	}
	if got, err = o.Sweep(2); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{2000, 2000}}, got.Digital); diff != "" {
		t.Errorf("sweep after lock-in mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepSettingsOutliveTheSession(t *testing.T) {
	c := testConfig()
	o, _ := newTestOrchestrator(t, c)
	if err := o.SetLockIn(true); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected lock-in without pulser lines to be refused, got %v", err)
	}
	if err := o.SetOversampling(0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected oversampling 0 to be refused, got %v", err)
	}
	if err := o.SetOversampling(3); err != nil {
		t.Fatal(err)
	}
	if err := o.StartSweep(100); err != nil {
		t.Fatal(err)
	}
	if o.sweep.Oversampling() != 3 {
		t.Errorf("expected the sweep to start with oversampling 3, got %d", o.sweep.Oversampling())
	}
	if err := o.CloseSweep(); err != nil {
		t.Fatal(err)
	}
	if o.Oversampling() != 3 {
		t.Errorf("expected oversampling kept after close, got %d", o.Oversampling())
	}
}

func TestSweepNeedsCounters(t *testing.T) {
	d := NewDevice(daqmx.NewSim("Dev1"))
	_, err := NewTriggeredSweep(d, SweepCounterConfig{
		ClockChannel:   "/Dev1/Ctr2",
		FrequencyHz:    10,
		Kind:           Analog,
		AnalogChannels: []string{"/Dev1/AI0"},
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected a configuration error, got %v", err)
	}
	if len(d.Resources()) != 0 {
		t.Errorf("expected nothing claimed, got %v", d.Resources())
	}
}
