package acq

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/util"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// SweepCounterConfig describes a triggered sweep counter
type SweepCounterConfig struct {
	// ClockChannel is the counter generating the step trigger
	ClockChannel string

	// FrequencyHz is the step rate
	FrequencyHz float64

	// Idle is the idle level of the step trigger
	Idle daqmx.Level

	// Kind, Channels, Sources, AnalogChannels and AnalogRange are as in CounterConfig
	Kind           CounterKind
	Channels       []string
	Sources        []string
	AnalogChannels []string
	AnalogRange    util.Limiter

	// TriggerLine receives the step trigger for the stimulus generator.
	// Empty leaves the trigger unrouted.
	TriggerLine string

	// PulserLines are the digital lines of the lock-in pulser, bit 0 switches
	// the background on and off, bit 1 marks the start of a step
	PulserLines string

	// LockIn drives the pulser and reduces every point differentially.
	// It needs PulserLines.
	LockIn bool

	// Oversampling is the number of (low, high) pairs averaged per step
	Oversampling int

	// Reducer collapses the pairs of a step, nil for ReduceMean
	Reducer Reducer
}

// TriggeredSweep acquires one sample per step of an externally stepped
// stimulus, e.g. a microwave frequency sweep
type TriggeredSweep struct {
	dev      *Device
	cfg      SweepCounterConfig
	id       uuid.UUID
	pulserID uuid.UUID
	tb       *Timebase
	counter  *Counter
	pulser   daqmx.Task
	routed   bool
	length   int
}

// NewTriggeredSweep builds the step timebase, trigger route and pulser.
// The counter is built by SetLength or the first Sweep.
func NewTriggeredSweep(d *Device, cfg SweepCounterConfig) (*TriggeredSweep, error) {
	if cfg.Oversampling == 0 {
		cfg.Oversampling = 1
	}
	if cfg.Oversampling < 0 {
		return nil, configErr("oversampling %d must be positive", cfg.Oversampling)
	}
	if !cfg.Kind.digital() {
		return nil, configErr("a %s sweep has no counters", cfg.Kind)
	}
	if cfg.LockIn && cfg.PulserLines == "" {
		return nil, configErr("lock-in needs pulser lines")
	}
	s := &TriggeredSweep{dev: d, cfg: cfg, id: uuid.New(), pulserID: uuid.New()}
	tb, err := NewTimebase(d, TimebaseConfig{
		Channel:     cfg.ClockChannel,
		FrequencyHz: cfg.FrequencyHz,
		Idle:        cfg.Idle,
		Convention:  PerStep,
		Ticks:       2,
	})
	if err != nil {
		return nil, err
	}
	s.tb = tb
	if err := s.build(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *TriggeredSweep) build() error {
	d := s.dev
	if s.cfg.TriggerLine != "" {
		if err := d.claim(s.id, RoleRoute, s.cfg.TriggerLine); err != nil {
			return err
		}
		err := d.wrap(d.drv.ConnectTerms(s.tb.InternalOutput(), s.cfg.TriggerLine), "ConnectTerms")
		if err != nil {
			return fmt.Errorf("routing step trigger to %s: %w", s.cfg.TriggerLine, err)
		}
		s.routed = true
	}
	if !s.cfg.LockIn {
		return nil
	}
	return s.buildPulser()
}

// buildPulser claims the pulser lines and loads one period of the pattern,
// clocked by the step timebase
func (s *TriggeredSweep) buildPulser() error {
	d := s.dev
	if err := d.claim(s.pulserID, RoleDigital, s.cfg.PulserLines); err != nil {
		return err
	}
	t, err := d.newTask("pulser", s.pulserID)
	if err != nil {
		return err
	}
	s.pulser = t
	if err := d.wrap(d.drv.CreateDOChan(t, s.cfg.PulserLines), "CreateDOChan"); err != nil {
		return err
	}
	pattern := PulserPattern(s.cfg.Oversampling)
	err = d.drv.CfgSampClkTiming(t, s.tb.InternalOutput(), s.cfg.FrequencyHz, daqmx.Rising, daqmx.Continuous, uint64(len(pattern)))
	if err = d.wrap(err, "CfgSampClkTiming"); err != nil {
		return err
	}
	_, err = d.drv.WriteDigitalU32(t, len(pattern), false, d.timeout, pattern)
	return d.wrap(err, "WriteDigitalU32")
}

// PulserPattern is one period of the lock-in pulser: 2k entries, bit 0 high
// on odd entries and bit 1 high on entry 0
func PulserPattern(k int) []uint32 {
	out := make([]uint32, 2*k)
	for i := range out {
		out[i] = uint32(i % 2)
	}
	out[0] |= 2
	return out
}

// steps is the number of timebase steps a sweep of n points takes
func (s *TriggeredSweep) steps(n int) int {
	if s.pulser != 0 {
		return 2 * s.cfg.Oversampling * n
	}
	return n
}

// Length is the configured number of points
func (s *TriggeredSweep) Length() int {
	return s.length
}

// SetLength configures the timebase for steps+1 ticks, the first of which
// arms the counter, and rebuilds the counter for 2(steps+1) raw samples
func (s *TriggeredSweep) SetLength(n int) error {
	if s.tb == nil {
		return configErr("sweep is closed")
	}
	if n <= 0 {
		return configErr("sweep length %d must be positive", n)
	}
	steps := s.steps(n)
	if err := s.tb.SetTicks(steps + 1); err != nil {
		return err
	}
	if err := s.discardCounter(); err != nil {
		return err
	}
	c, err := newCounter(s.dev, CounterConfig{
		Kind:           s.cfg.Kind,
		Channels:       s.cfg.Channels,
		Sources:        s.cfg.Sources,
		AnalogChannels: s.cfg.AnalogChannels,
		AnalogRange:    s.cfg.AnalogRange,
		Mode:           daqmx.Finite,
		Samples:        steps + 1,
	}, armed{s.tb}, 0)
	if err != nil {
		return err
	}
	s.counter = c
	s.length = n
	return nil
}

// Sweep acquires n points.  The counter and pulser start before the
// timebase and stop after it; on failure everything started is stopped.
func (s *TriggeredSweep) Sweep(n int) (Counts, error) {
	if s.tb == nil {
		return Counts{}, configErr("sweep is closed")
	}
	if n != s.length || s.counter == nil {
		if err := s.SetLength(n); err != nil {
			return Counts{}, err
		}
	}
	steps := s.steps(n)
	log := s.dev.log.With(zap.String("session", s.id.String()), zap.Int("points", n))
	if err := s.counter.Start(); err != nil {
		s.discardCounter()
		return Counts{}, err
	}
	out, err := s.acquire(steps)
	if err != nil {
		log.Info("sweep unwound", zap.Error(err))
	}
	if serr := s.stop(); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		// the counter's hardware state is unknown, the next sweep rebuilds it
		if cerr := s.discardCounter(); cerr != nil {
			log.Warn("clearing counter after a failed sweep", zap.Error(cerr))
		}
		return Counts{}, err
	}
	log.Debug("sweep complete")
	return out, nil
}

func (s *TriggeredSweep) acquire(steps int) (Counts, error) {
	d := s.dev
	if s.pulser != 0 {
		if err := d.wrap(d.drv.StartTask(s.pulser), "StartTask"); err != nil {
			return Counts{}, err
		}
	}
	if _, err := s.tb.Start(); err != nil {
		return Counts{}, err
	}
	if err := s.tb.wait(float64(steps)); err != nil {
		return Counts{}, err
	}
	timeout := scaleTimeout(d.timeout, float64(steps))
	raw, err := s.counter.readRaw(2*(steps+1), timeout)
	if err != nil {
		return Counts{}, err
	}
	var out Counts
	for _, r := range raw {
		sums, err := PairSums(r[2:])
		if err != nil {
			return Counts{}, err
		}
		if s.pulser != 0 {
			if sums, err = Differential(sums, s.cfg.Oversampling, s.cfg.Reducer); err != nil {
				return Counts{}, err
			}
		} else {
			floats.Scale(s.counter.freq, sums)
		}
		out.Digital = append(out.Digital, sums)
	}
	if s.counter.ai == 0 {
		return out, nil
	}
	analog, err := s.counter.readAnalog(steps+1, 1, timeout)
	if err != nil {
		return Counts{}, err
	}
	for _, a := range analog {
		if s.pulser != 0 {
			if a, err = Differential(a, s.cfg.Oversampling, s.cfg.Reducer); err != nil {
				return Counts{}, err
			}
		}
		out.Analog = append(out.Analog, a)
	}
	return out, nil
}

// discardCounter clears the counter so the next sweep builds a fresh one
func (s *TriggeredSweep) discardCounter() error {
	if s.counter == nil {
		return nil
	}
	err := s.counter.Close()
	s.counter = nil
	return err
}

func (s *TriggeredSweep) clearPulser() {
	s.dev.clear(s.pulser)
	s.pulser = 0
	s.dev.release(s.pulserID)
}

// Oversampling is the number of (low, high) pairs per point
func (s *TriggeredSweep) Oversampling() int {
	return s.cfg.Oversampling
}

// SetOversampling changes the number of (low, high) pairs per point and
// reloads the pulser pattern.  The next sweep rebuilds the counter.
func (s *TriggeredSweep) SetOversampling(k int) error {
	if s.tb == nil {
		return configErr("sweep is closed")
	}
	if k < 1 {
		return configErr("oversampling %d must be at least 1", k)
	}
	if err := s.discardCounter(); err != nil {
		return err
	}
	s.cfg.Oversampling = k
	if s.pulser == 0 {
		return nil
	}
	s.clearPulser()
	if err := s.buildPulser(); err != nil {
		s.clearPulser()
		s.cfg.LockIn = false
		return err
	}
	return nil
}

// LockIn reports if the pulser is driven
func (s *TriggeredSweep) LockIn() bool {
	return s.pulser != 0
}

// SetLockIn turns differential acquisition on or off.  The next sweep
// rebuilds the counter.
func (s *TriggeredSweep) SetLockIn(on bool) error {
	if s.tb == nil {
		return configErr("sweep is closed")
	}
	if on && s.cfg.PulserLines == "" {
		return configErr("lock-in needs pulser lines")
	}
	if on == (s.pulser != 0) {
		return nil
	}
	if err := s.discardCounter(); err != nil {
		return err
	}
	s.cfg.LockIn = on
	if !on {
		s.clearPulser()
		return nil
	}
	if err := s.buildPulser(); err != nil {
		s.clearPulser()
		s.cfg.LockIn = false
		return err
	}
	s.dev.log.Info("lock-in active",
		zap.String("trigger", s.cfg.TriggerLine),
		zap.String("pulser", s.cfg.PulserLines))
	return nil
}

// stop halts the timebase, then its dependents
func (s *TriggeredSweep) stop() error {
	first := s.tb.Stop()
	if s.pulser != 0 {
		if err := s.dev.wrap(s.dev.drv.StopTask(s.pulser), "StopTask"); err != nil && first == nil {
			first = err
		}
	}
	if err := s.counter.Stop(); err != nil && first == nil {
		first = err
	}
	return first
}

// Close clears every task, removes the trigger route and frees the channels.
// It is safe to call more than once.
func (s *TriggeredSweep) Close() error {
	if s.tb == nil {
		return nil
	}
	first := s.tb.Stop()
	if err := s.discardCounter(); err != nil && first == nil {
		first = err
	}
	s.clearPulser()
	if s.routed {
		err := s.dev.wrap(s.dev.drv.DisconnectTerms(s.tb.InternalOutput(), s.cfg.TriggerLine), "DisconnectTerms")
		if err != nil && first == nil {
			first = err
		}
		s.routed = false
	}
	if err := s.tb.Close(); err != nil && first == nil {
		first = err
	}
	s.tb = nil
	s.dev.release(s.id)
	s.length = 0
	return first
}
