package daqmx

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newSemiPeriodPair(t *testing.T, s *Sim, feed PhotonFeed) (co, ci Task) {
	t.Helper()
	s.SetFeed("/Dev1/PFI8", feed)
	co, _ = s.CreateTask("clock")
	if err := s.CreateCOPulseChanFreq(co, "/Dev1/Ctr0", Low, 0, 100, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := s.CfgImplicitTiming(co, Continuous, 1000); err != nil {
		t.Fatal(err)
	}
	ci, _ = s.CreateTask("counter")
	if err := s.CreateCISemiPeriodChan(ci, "/Dev1/Ctr1", 0, 3e7); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCISemiPeriodTerm(ci, "/Dev1/Ctr1", "/Dev1/Ctr0InternalOutput"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCICtrTimebaseSrc(ci, "/Dev1/Ctr1", "/Dev1/PFI8"); err != nil {
		t.Fatal(err)
	}
	if err := s.CfgImplicitTiming(ci, Continuous, 100); err != nil {
		t.Fatal(err)
	}
	return co, ci
}

func TestSimSemiPeriodDifferencesTheFeed(t *testing.T) {
	s := NewSim("Dev1")
	co, ci := newSemiPeriodPair(t, s, CumulativeFeed([]uint64{2, 5, 5, 9}))
	if err := s.StartTask(ci); err != nil {
		t.Fatal(err)
	}
	if err := s.StartTask(co); err != nil {
		t.Fatal(err)
	}
	got := make([]uint32, 4)
	if _, err := s.ReadCounterU32(ci, 4, time.Second, got); err != nil {
		t.Fatal(err)
	}
	exp := []uint32{2, 3, 0, 4}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("semi-period samples mismatch (-want +got):\n%s", diff)
	}
}

func TestSimAdvanceFillsBuffer(t *testing.T) {
	s := NewSim("Dev1")
	co, ci := newSemiPeriodPair(t, s, RateFeed(3))
	s.StartTask(ci)
	s.StartTask(co)
	if err := s.Advance("/Dev1/Ctr0", 5); err != nil {
		t.Fatal(err)
	}
	n, err := s.AvailableSamples(ci)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("expected 10 samples after 5 ticks, got %d", n)
	}
	if err := s.Advance("/Dev1/Ctr3", 1); err == nil {
		t.Error("expected advancing an idle counter to fail")
	}
}

func TestSimOverflowIsSamplesNotAvailable(t *testing.T) {
	s := NewSim("Dev1")
	co, ci := newSemiPeriodPair(t, s, RateFeed(1))
	s.StartTask(ci)
	s.StartTask(co)
	s.Advance("/Dev1/Ctr0", 51)
	_, err := s.ReadCounterU32(ci, 1, time.Second, make([]uint32, 1))
	if Code(err) != CodeSamplesNotAvailable {
		t.Errorf("expected status %d, got %v", CodeSamplesNotAvailable, err)
	}
}

func TestSimReadTimeout(t *testing.T) {
	s := NewSim("Dev1")
	_, ci := newSemiPeriodPair(t, s, RateFeed(1))
	s.StartTask(ci)
	_, err := s.ReadCounterU32(ci, 2, 5*time.Millisecond, make([]uint32, 2))
	if Code(err) != CodeReadTimeout {
		t.Errorf("expected status %d, got %v", CodeReadTimeout, err)
	}
}

func TestSimReadStoppedTask(t *testing.T) {
	s := NewSim("Dev1")
	_, ci := newSemiPeriodPair(t, s, RateFeed(1))
	_, err := s.ReadCounterU32(ci, 2, time.Millisecond, make([]uint32, 2))
	if Code(err) != CodeTaskNotRunning {
		t.Errorf("expected status %d, got %v", CodeTaskNotRunning, err)
	}
}

func TestSimFiniteClockDeliversEverythingAtStart(t *testing.T) {
	s := NewSim("Dev1")
	co, _ := s.CreateTask("clock")
	s.CreateCOPulseChanFreq(co, "/Dev1/Ctr2", Low, 0, 10, 0.5)
	s.CfgImplicitTiming(co, Finite, 4)
	ao, _ := s.CreateTask("out")
	s.CreateAOVoltageChan(ao, "/Dev1/AO0", -10, 10)
	if err := s.CfgSampClkTiming(ao, "/Dev1/Ctr2InternalOutput", 10, Rising, Finite, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteAnalogF64(ao, 3, false, time.Second, []float64{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	s.StartTask(ao)
	s.StartTask(co)
	if err := s.WaitUntilTaskDone(co, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.WaitUntilTaskDone(ao, time.Second); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, s.Outputs("/Dev1/AO0")); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestSimWaitTimeout(t *testing.T) {
	s := NewSim("Dev1")
	ao, _ := s.CreateTask("out")
	s.CreateAOVoltageChan(ao, "/Dev1/AO0", -10, 10)
	s.CfgSampClkTiming(ao, "/Dev1/Ctr2InternalOutput", 10, Rising, Finite, 2)
	s.WriteAnalogF64(ao, 2, true, time.Second, []float64{0, 1})
	err := s.WaitUntilTaskDone(ao, 5*time.Millisecond)
	if Code(err) != CodeWaitTimeout {
		t.Errorf("expected status %d, got %v", CodeWaitTimeout, err)
	}
}

func TestSimReservesAtStart(t *testing.T) {
	s := NewSim("Dev1")
	a, _ := s.CreateTask("a")
	b, _ := s.CreateTask("b")
	s.CreateCOPulseChanFreq(a, "/Dev1/Ctr0", Low, 0, 10, 0.5)
	s.CreateCOPulseChanFreq(b, "/Dev1/Ctr0", Low, 0, 10, 0.5)
	if err := s.StartTask(a); err != nil {
		t.Fatal(err)
	}
	if err := s.StartTask(b); Code(err) != CodeResourceReserved {
		t.Errorf("expected status %d, got %v", CodeResourceReserved, err)
	}
	s.StopTask(a)
	if err := s.StartTask(b); err != nil {
		t.Errorf("expected the counter to be free after stop, got %v", err)
	}
}

func TestSimFailNextQueues(t *testing.T) {
	s := NewSim("Dev1")
	s.FailNext("CreateTask", CodeInvalidAttributeValue)
	if _, err := s.CreateTask("x"); Code(err) != CodeInvalidAttributeValue {
		t.Errorf("expected injected failure, got %v", err)
	}
	if _, err := s.CreateTask("x"); err != nil {
		t.Errorf("expected the second call to succeed, got %v", err)
	}
	if s.TaskCount() != 1 {
		t.Errorf("expected 1 task, got %d", s.TaskCount())
	}
}

func TestSimRejectsUnknownChannels(t *testing.T) {
	s := NewSim("Dev1")
	task, _ := s.CreateTask("x")
	if err := s.CreateAOVoltageChan(task, "/Dev2/AO0", -10, 10); Code(err) != CodePhysicalChannelNotExist {
		t.Errorf("expected unknown device to fail, got %v", err)
	}
	if err := s.CreateAOVoltageChan(task, "/Dev1/AO9", -10, 10); Code(err) != CodePhysicalChannelNotExist {
		t.Errorf("expected unknown channel to fail, got %v", err)
	}
}

func TestSimOnDemandWriteChecksRange(t *testing.T) {
	s := NewSim("Dev1")
	task, _ := s.CreateTask("x")
	s.CreateAOVoltageChan(task, "/Dev1/AO1", 0, 5)
	if _, err := s.WriteAnalogF64(task, 1, true, time.Second, []float64{6}); Code(err) != CodeInvalidAttributeValue {
		t.Errorf("expected out of range write to fail, got %v", err)
	}
	if _, err := s.WriteAnalogF64(task, 2, true, time.Second, []float64{1, 4}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{4}, s.Outputs("/dev1/ao1")); diff != "" {
		t.Errorf("on demand write should hold the last sample (-want +got):\n%s", diff)
	}
}

func TestSimGateFeedsPulseWidthCounter(t *testing.T) {
	s := NewSim("Dev1")
	task, _ := s.CreateTask("gated")
	s.CreateCIPulseWidthChan(task, "/Dev1/Ctr3", 0, 3e7, Rising)
	s.SetCIPulseWidthTerm(task, "/Dev1/Ctr3", "/Dev1/PFI9")
	s.SetCICtrTimebaseSrc(task, "/Dev1/Ctr3", "/Dev1/PFI10")
	s.CfgImplicitTiming(task, Continuous, 8)
	s.StartTask(task)
	s.Gate("/Dev1/PFI9", 4, 7, 1)

	s.SetReadPolicy(task, ReadPolicy{ReadAllAvailable: true})
	buf := make([]uint32, 10)
	n, err := s.ReadCounterU32(task, Auto, time.Second, buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{4, 7, 1}, buf[:n]); diff != "" {
		t.Errorf("pulse widths mismatch (-want +got):\n%s", diff)
	}
}

func newGatedTask(t *testing.T, s *Sim, mode SampleMode, depth uint64) Task {
	t.Helper()
	task, err := s.CreateTask("gated")
	if err != nil {
		t.Fatal(err)
	}
	s.CreateCIPulseWidthChan(task, "/Dev1/Ctr3", 0, 3e7, Rising)
	s.SetCIPulseWidthTerm(task, "/Dev1/Ctr3", "/Dev1/PFI9")
	s.SetCICtrTimebaseSrc(task, "/Dev1/Ctr3", "/Dev1/PFI10")
	if err := s.CfgImplicitTiming(task, mode, depth); err != nil {
		t.Fatal(err)
	}
	if err := s.StartTask(task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestSimAutoReadIsCappedByTheBuffer(t *testing.T) {
	s := NewSim("Dev1")
	task := newGatedTask(t, s, Continuous, 8)
	s.Gate("/Dev1/PFI9", 1, 2, 3, 4, 5)
	buf := make([]uint32, 2)
	n, err := s.ReadCounterU32(task, Auto, time.Second, buf)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 samples, got %d (%v)", n, err)
	}
	if diff := cmp.Diff([]uint32{1, 2}, buf); diff != "" {
		t.Errorf("first read mismatch (-want +got):\n%s", diff)
	}
	buf = make([]uint32, 8)
	if n, _ = s.ReadCounterU32(task, Auto, time.Second, buf); n != 3 {
		t.Errorf("expected the remaining 3 samples, got %d", n)
	}
}

func TestSimExplicitReadIgnoresReadAllAvailable(t *testing.T) {
	s := NewSim("Dev1")
	s.SetPollInterval(time.Millisecond)
	task := newGatedTask(t, s, Continuous, 8)
	s.SetReadPolicy(task, ReadPolicy{ReadAllAvailable: true})
	s.Gate("/Dev1/PFI9", 1)
	_, err := s.ReadCounterU32(task, 2, 5*time.Millisecond, make([]uint32, 2))
	if Code(err) != CodeReadTimeout {
		t.Errorf("expected an explicit count to wait and time out, got %v", err)
	}
	if _, err := s.ReadCounterU32(task, 4, time.Second, make([]uint32, 2)); Code(err) != CodeBufferTooSmall {
		t.Errorf("expected status %d, got %v", CodeBufferTooSmall, err)
	}
}

func TestSimFiniteAutoReadWaitsWithoutReadAllAvailable(t *testing.T) {
	s := NewSim("Dev1")
	s.SetPollInterval(time.Millisecond)
	task := newGatedTask(t, s, Finite, 3)
	s.Gate("/Dev1/PFI9", 1)
	_, err := s.ReadCounterU32(task, Auto, 5*time.Millisecond, make([]uint32, 3))
	if Code(err) != CodeReadTimeout {
		t.Errorf("expected the read to wait for the whole acquisition, got %v", err)
	}
	if done, _ := s.IsTaskDone(task); done {
		t.Error("expected the task to be running")
	}
	s.Gate("/Dev1/PFI9", 2, 3)
	if done, _ := s.IsTaskDone(task); !done {
		t.Error("expected the task to be done")
	}
	buf := make([]uint32, 3)
	if n, err := s.ReadCounterU32(task, Auto, time.Second, buf); err != nil || n != 3 {
		t.Errorf("expected 3 samples, got %d (%v)", n, err)
	}
}

func TestSimRoutesAndReset(t *testing.T) {
	s := NewSim("Dev1")
	if err := s.ConnectTerms("/Dev1/Ctr2InternalOutput", "/Dev1/PFI12"); err != nil {
		t.Fatal(err)
	}
	if err := s.ConnectTerms("/Dev1/Ctr1InternalOutput", "/Dev1/PFI12"); Code(err) != CodeResourceReserved {
		t.Errorf("expected a second source on a routed terminal to fail, got %v", err)
	}
	s.CreateTask("x")
	task, _ := s.CreateTask("y")
	s.CreateAOVoltageChan(task, "/Dev1/AO0", -1, 1)
	if err := s.ResetDevice("Dev1"); err != nil {
		t.Fatal(err)
	}
	if len(s.Routes()) != 0 {
		t.Errorf("expected reset to drop routes, got %v", s.Routes())
	}
	if s.TaskCount() != 1 {
		t.Errorf("expected only the empty task to survive reset, got %d tasks", s.TaskCount())
	}
	if s.Resets("dev1") != 1 {
		t.Errorf("expected 1 reset, got %d", s.Resets("dev1"))
	}
	if err := s.SelfTestDevice("Dev9"); Code(err) != CodeDeviceNotFound {
		t.Errorf("expected unknown device, got %v", err)
	}
}
