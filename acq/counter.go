package acq

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/util"
	"go.uber.org/zap"
)

// CounterKind selects which inputs a counter session acquires.
// It is chosen once when the session is configured.
type CounterKind int

const (
	// Digital sessions count detector pulses
	Digital CounterKind = iota
	// Analog sessions sample analog inputs only
	Analog
	// DigitalAndAnalog sessions do both on the same clock
	DigitalAndAnalog
)

func (k CounterKind) String() string {
	switch k {
	case Digital:
		return "digital"
	case Analog:
		return "analog"
	case DigitalAndAnalog:
		return "digital+analog"
	default:
		return fmt.Sprintf("CounterKind(%d)", int(k))
	}
}

func (k CounterKind) digital() bool { return k == Digital || k == DigitalAndAnalog }
func (k CounterKind) analog() bool  { return k == Analog || k == DigitalAndAnalog }

// KindFor picks the kind implied by the configured channel lists
func KindFor(counters, analog []string) (CounterKind, error) {
	switch {
	case len(counters) > 0 && len(analog) > 0:
		return DigitalAndAnalog, nil
	case len(counters) > 0:
		return Digital, nil
	case len(analog) > 0:
		return Analog, nil
	default:
		return 0, configErr("no counter or analog input channels configured")
	}
}

// CounterConfig describes a semi-period counter session
type CounterConfig struct {
	// Kind selects digital and/or analog acquisition
	Kind CounterKind

	// Channels are the counters measuring semi-periods, e.g. /Dev1/Ctr1
	Channels []string

	// Sources are the detector terminals, one per channel, e.g. /Dev1/PFI8
	Sources []string

	// AnalogChannels are sampled on every tick of the same timebase
	AnalogChannels []string

	// AnalogRange is the input range of the analog channels
	AnalogRange util.Limiter

	// Mode is Continuous for free-running counting, Finite for scans
	Mode daqmx.SampleMode

	// Samples is the number of logical samples of a finite acquisition,
	// or the typical read size of a continuous one
	Samples int
}

func (c CounterConfig) validate() error {
	if c.Samples <= 0 {
		return configErr("counter samples %d must be positive", c.Samples)
	}
	if c.Kind.digital() {
		if len(c.Channels) == 0 {
			return configErr("%s counter without counter channels", c.Kind)
		}
		if len(c.Sources) < len(c.Channels) {
			return configErr("%d counter channels but only %d photon sources", len(c.Channels), len(c.Sources))
		}
	}
	if c.Kind.analog() {
		if len(c.AnalogChannels) == 0 {
			return configErr("%s counter without analog channels", c.Kind)
		}
		if err := c.AnalogRange.Valid(); err != nil {
			return configErr("analog input range: %v", err)
		}
	}
	if c.Kind < Digital || c.Kind > DigitalAndAnalog {
		return configErr("unknown counter kind %d", int(c.Kind))
	}
	return nil
}

// Counts is the reduced data of one read.  Digital[i] is in counts per
// second for counter channel i; Analog[j] is in volts for analog channel j.
type Counts struct {
	Digital [][]float64 `json:"digital,omitempty"`
	Analog  [][]float64 `json:"analog,omitempty"`
}

// Counter counts detector pulses in each half period of a timebase
type Counter struct {
	dev    *Device
	cfg    CounterConfig
	id     uuid.UUID
	freq   float64
	term   string
	tasks  []daqmx.Task
	ai     daqmx.Task
	state  State
	primed bool
	pad    int
}

// NewCounter binds a counter session to a running timebase
func NewCounter(d *Device, cfg CounterConfig, tb *RunningTimebase) (*Counter, error) {
	if tb == nil {
		return nil, configErr("counter needs a running timebase")
	}
	return newCounter(d, cfg, tb, 1)
}

// newCounter builds a session whose semi-period buffers hold pad raw samples
// beyond two per logical sample
func newCounter(d *Device, cfg CounterConfig, src clockSource, pad int) (*Counter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := src.ready(); err != nil {
		return nil, err
	}
	c := &Counter{dev: d, cfg: cfg, id: uuid.New(), freq: src.frequency(), term: src.terminal(), pad: pad}
	if cfg.Kind.digital() {
		if err := d.claim(c.id, RoleCounter, cfg.Channels...); err != nil {
			return nil, err
		}
	}
	if cfg.Kind.analog() {
		if err := d.claim(c.id, RoleInput, cfg.AnalogChannels...); err != nil {
			d.release(c.id)
			return nil, err
		}
	}
	if err := c.build(); err != nil {
		c.teardown()
		return nil, err
	}
	c.state = Created
	d.log.Debug("counter created",
		zap.String("handle", c.id.String()),
		zap.Stringer("kind", cfg.Kind),
		zap.String("clock", c.term),
		zap.Int("samples", cfg.Samples))
	return c, nil
}

// rawBuffer is the semi-period buffer: two raw samples per logical sample
// plus the startup padding
func (c *Counter) rawBuffer() uint64 {
	n := 2*c.cfg.Samples + c.pad
	if c.cfg.Mode == daqmx.Continuous {
		// hold at least one read-write timeout of data between reads
		if m := int(math.Ceil(2 * c.freq * c.dev.timeout.Seconds())); m > n {
			n = m
		}
	}
	return uint64(n)
}

func (c *Counter) analogBuffer() uint64 {
	return (c.rawBuffer() + 1) / 2
}

func (c *Counter) build() error {
	d := c.dev
	if c.cfg.Kind.digital() {
		for i, ch := range c.cfg.Channels {
			if err := c.buildChannel(ch, c.cfg.Sources[i]); err != nil {
				return fmt.Errorf("counter %s: %w", ch, err)
			}
		}
	}
	if !c.cfg.Kind.analog() {
		return nil
	}
	t, err := d.newTask("analog-in", c.id)
	if err != nil {
		return err
	}
	c.ai = t
	for _, ch := range c.cfg.AnalogChannels {
		err := d.drv.CreateAIVoltageChan(t, ch, c.cfg.AnalogRange.Min, c.cfg.AnalogRange.Max)
		if err = d.wrap(err, "CreateAIVoltageChan"); err != nil {
			return fmt.Errorf("analog input %s: %w", ch, err)
		}
	}
	err = d.drv.CfgSampClkTiming(t, c.term, c.freq, daqmx.Rising, c.cfg.Mode, c.analogBuffer())
	if err = d.wrap(err, "CfgSampClkTiming"); err != nil {
		return err
	}
	policy := daqmx.ReadPolicy{RelativeTo: daqmx.CurrentReadPosition, Overwrite: daqmx.DoNotOverwriteUnread}
	return d.wrap(d.drv.SetReadPolicy(t, policy), "SetReadPolicy")
}

func (c *Counter) buildChannel(ch, source string) error {
	d := c.dev
	t, err := d.newTask("counter", c.id)
	if err != nil {
		return err
	}
	c.tasks = append(c.tasks, t)
	if err := d.wrap(d.drv.CreateCISemiPeriodChan(t, ch, 0, d.maxCounts), "CreateCISemiPeriodChan"); err != nil {
		return err
	}
	if err := d.wrap(d.drv.SetCISemiPeriodTerm(t, ch, c.term), "SetCISemiPeriodTerm"); err != nil {
		return err
	}
	if err := d.wrap(d.drv.SetCICtrTimebaseSrc(t, ch, source), "SetCICtrTimebaseSrc"); err != nil {
		return err
	}
	if err := d.wrap(d.drv.CfgImplicitTiming(t, c.cfg.Mode, c.rawBuffer()), "CfgImplicitTiming"); err != nil {
		return err
	}
	if c.cfg.Mode == daqmx.Continuous {
		if err := d.wrap(d.drv.CfgInputBuffer(t, uint32(c.rawBuffer())), "CfgInputBuffer"); err != nil {
			return err
		}
	}
	policy := daqmx.ReadPolicy{RelativeTo: daqmx.CurrentReadPosition, Overwrite: daqmx.DoNotOverwriteUnread}
	return d.wrap(d.drv.SetReadPolicy(t, policy), "SetReadPolicy")
}

// State returns the lifecycle state
func (c *Counter) State() State {
	return c.state
}

// FrequencyHz is the sample rate of the bound timebase
func (c *Counter) FrequencyHz() float64 {
	return c.freq
}

// Start arms every task of the session.  On failure the tasks already
// started are stopped again.
func (c *Counter) Start() error {
	switch c.state {
	case Running:
		return configErr("counter is already running")
	case Unbound:
		return configErr("counter is closed")
	}
	var started []daqmx.Task
	all := append(append([]daqmx.Task{}, c.tasks...), c.ai)
	for _, t := range all {
		if t == 0 {
			continue
		}
		if err := c.dev.wrap(c.dev.drv.StartTask(t), "StartTask"); err != nil {
			for _, s := range started {
				c.dev.wrap(c.dev.drv.StopTask(s), "StopTask")
			}
			return err
		}
		started = append(started, t)
	}
	c.state = Running
	c.primed = false
	return nil
}

// Read returns n reduced samples per channel.  The first read after Start
// drops the startup sample the hardware takes when it is armed.
func (c *Counter) Read(n int) (Counts, error) {
	if c.state != Running {
		return Counts{}, configErr("counter is %s, not running", c.state)
	}
	if n <= 0 {
		return Counts{}, configErr("cannot read %d samples", n)
	}
	skip := 0
	if !c.primed {
		skip = 1
	}
	timeout := c.readTimeout(n)
	raw, err := c.readRaw(2*n+skip, timeout)
	if err != nil {
		return Counts{}, err
	}
	var out Counts
	for _, r := range raw {
		cps, err := Reduce(r[skip:], c.freq)
		if err != nil {
			return Counts{}, err
		}
		out.Digital = append(out.Digital, cps)
	}
	if c.ai != 0 {
		if out.Analog, err = c.readAnalog(n+skip, skip, timeout); err != nil {
			return Counts{}, err
		}
	}
	c.primed = true
	return out, nil
}

// readRaw reads count raw samples from every counter channel
func (c *Counter) readRaw(count int, timeout time.Duration) ([][]uint32, error) {
	out := make([][]uint32, 0, len(c.tasks))
	for i, t := range c.tasks {
		raw := make([]uint32, count)
		got, err := c.dev.drv.ReadCounterU32(t, count, timeout, raw)
		if err = c.dev.wrap(err, "ReadCounterU32"); err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.cfg.Channels[i], err)
		}
		if got != count {
			return nil, fmt.Errorf("%w: counter %s returned %d of %d samples", ErrDriverFailure, c.cfg.Channels[i], got, count)
		}
		out = append(out, raw)
	}
	return out, nil
}

// readAnalog reads count samples per analog channel and drops the first skip
func (c *Counter) readAnalog(count, skip int, timeout time.Duration) ([][]float64, error) {
	data, got, err := c.dev.drv.ReadAnalogF64(c.ai, count, timeout)
	if err = c.dev.wrap(err, "ReadAnalogF64"); err != nil {
		return nil, fmt.Errorf("analog inputs: %w", err)
	}
	if got != count || len(data) != got*len(c.cfg.AnalogChannels) {
		return nil, fmt.Errorf("%w: analog inputs returned %d of %d samples", ErrDriverFailure, got, count)
	}
	out := make([][]float64, 0, len(c.cfg.AnalogChannels))
	for j := range c.cfg.AnalogChannels {
		ch := make([]float64, count-skip)
		copy(ch, data[j*got+skip:(j+1)*got])
		out = append(out, ch)
	}
	return out, nil
}

// readTimeout grows with the time n samples take to acquire
func (c *Counter) readTimeout(n int) time.Duration {
	acquire := time.Duration(float64(n+1) / c.freq * float64(time.Second))
	return c.dev.timeout + acquire
}

// wait blocks until every task of a finite session has completed
func (c *Counter) wait(timeout time.Duration) error {
	for i, t := range c.tasks {
		if err := c.dev.wrap(c.dev.drv.WaitUntilTaskDone(t, timeout), "WaitUntilTaskDone"); err != nil {
			return fmt.Errorf("counter %s: %w", c.cfg.Channels[i], err)
		}
	}
	if c.ai != 0 {
		return c.dev.wrap(c.dev.drv.WaitUntilTaskDone(c.ai, timeout), "WaitUntilTaskDone")
	}
	return nil
}

// Stop halts acquisition.  Stopping a counter that is not running does nothing.
func (c *Counter) Stop() error {
	if c.state != Running {
		return nil
	}
	var first error
	for _, t := range append(append([]daqmx.Task{}, c.tasks...), c.ai) {
		if t == 0 {
			continue
		}
		if err := c.dev.wrap(c.dev.drv.StopTask(t), "StopTask"); err != nil && first == nil {
			first = err
		}
	}
	c.state = Stopped
	return first
}

// Close stops and clears every task and frees the channels.  It is safe to
// call more than once.
func (c *Counter) Close() error {
	if c.state == Unbound {
		return nil
	}
	err := c.Stop()
	c.teardown()
	return err
}

func (c *Counter) teardown() {
	for _, t := range c.tasks {
		c.dev.clear(t)
	}
	c.dev.clear(c.ai)
	c.tasks, c.ai = nil, 0
	c.dev.release(c.id)
	c.state = Unbound
}

func scaleTimeout(base time.Duration, factor float64) time.Duration {
	if factor < 1 {
		factor = 1
	}
	return time.Duration(float64(base) * factor)
}
