package acq

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nasa-jpl/confocal/daqmx"
	"go.uber.org/zap"
)

// State is the lifecycle state of a task handle
type State int

const (
	// Unbound handles hold no driver task
	Unbound State = iota
	// Created handles are configured but not generating or acquiring
	Created
	// Running handles are generating or acquiring
	Running
	// Stopped handles were running and can be started again
	Stopped
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Convention is how a consumer of a timebase uses its ticks
type Convention int

const (
	// SemiPeriod consumers take one raw sample per half cycle.  The base
	// (edge) rate is twice the frequency, and the pulse train is emitted at
	// base/2 with a 50% duty cycle so both half cycles are equal.
	SemiPeriod Convention = iota

	// PerStep consumers take one sample per tick, e.g. analog outputs
	// stepping through a path or a stimulus advancing one step
	PerStep
)

// RawPerTick is the number of raw samples a consumer takes per tick
func (c Convention) RawPerTick() int {
	if c == SemiPeriod {
		return 2
	}
	return 1
}

// TimebaseConfig describes a timebase generator
type TimebaseConfig struct {
	// Channel is the counter generating the pulse train, e.g. /Dev1/Ctr2
	Channel string

	// FrequencyHz is the sample rate consumers see
	FrequencyHz float64

	// Idle is the output level between pulses
	Idle daqmx.Level

	// Convention is how dependents consume ticks
	Convention Convention

	// Ticks is the number of ticks of a finite pulse train, 0 for continuous
	Ticks int
}

// continuous pulse trains still need a buffer size for the implicit timing
const continuousTimebaseBuffer = 1000

// Timebase is a hardware timing reference other tasks are clocked by
type Timebase struct {
	dev   *Device
	cfg   TimebaseConfig
	id    uuid.UUID
	task  daqmx.Task
	state State
	epoch int
}

// NewTimebase claims the clock channel and builds the pulse generator.
// A clock channel already held by a live handle yields ErrHardwareBusy
// and leaves that handle untouched.
func NewTimebase(d *Device, cfg TimebaseConfig) (*Timebase, error) {
	if cfg.Channel == "" {
		return nil, configErr("timebase channel is empty")
	}
	if !(cfg.FrequencyHz > 0) {
		return nil, configErr("timebase frequency %g Hz must be positive", cfg.FrequencyHz)
	}
	if cfg.Ticks < 0 {
		return nil, configErr("timebase ticks %d must not be negative", cfg.Ticks)
	}
	tb := &Timebase{dev: d, cfg: cfg, id: uuid.New()}
	if err := d.claim(tb.id, RoleTimebase, cfg.Channel); err != nil {
		return nil, err
	}
	if err := tb.build(); err != nil {
		d.clear(tb.task)
		d.release(tb.id)
		return nil, err
	}
	tb.state = Created
	d.log.Debug("timebase created",
		zap.String("handle", tb.id.String()),
		zap.String("channel", cfg.Channel),
		zap.Float64("frequency_hz", cfg.FrequencyHz),
		zap.Int("ticks", cfg.Ticks))
	return tb, nil
}

func (tb *Timebase) build() error {
	var err error
	tb.task, err = tb.dev.newTask("timebase", tb.id)
	if err != nil {
		return err
	}
	err = tb.dev.drv.CreateCOPulseChanFreq(tb.task, tb.cfg.Channel, tb.cfg.Idle, 0, tb.PulseFrequency(), 0.5)
	if err = tb.dev.wrap(err, "CreateCOPulseChanFreq"); err != nil {
		return err
	}
	return tb.timing()
}

func (tb *Timebase) timing() error {
	mode, samps := daqmx.Continuous, uint64(continuousTimebaseBuffer)
	if tb.cfg.Ticks > 0 {
		mode, samps = daqmx.Finite, uint64(tb.cfg.Ticks)
	}
	return tb.dev.wrap(tb.dev.drv.CfgImplicitTiming(tb.task, mode, samps), "CfgImplicitTiming")
}

// BaseRate is the edge rate dependents are paced by
func (tb *Timebase) BaseRate() float64 {
	return tb.cfg.FrequencyHz * float64(tb.cfg.Convention.RawPerTick())
}

// PulseFrequency is the frequency programmed into the counter output
func (tb *Timebase) PulseFrequency() float64 {
	return tb.BaseRate() / float64(tb.cfg.Convention.RawPerTick())
}

// FrequencyHz is the sample rate
func (tb *Timebase) FrequencyHz() float64 {
	return tb.cfg.FrequencyHz
}

// Channel is the generating counter
func (tb *Timebase) Channel() string {
	return tb.cfg.Channel
}

// InternalOutput is the terminal dependents reference as their clock
func (tb *Timebase) InternalOutput() string {
	return tb.cfg.Channel + daqmx.InternalOutput
}

// State returns the lifecycle state
func (tb *Timebase) State() State {
	return tb.state
}

// Ticks is the configured tick count, 0 for continuous
func (tb *Timebase) Ticks() int {
	return tb.cfg.Ticks
}

// SetTicks reconfigures the pulse train length.  0 is continuous.
// The timebase must not be running.
func (tb *Timebase) SetTicks(n int) error {
	switch {
	case tb.state == Unbound:
		return configErr("timebase on %s is closed", tb.cfg.Channel)
	case tb.state == Running:
		return configErr("cannot change the length of running timebase on %s", tb.cfg.Channel)
	case n < 0:
		return configErr("timebase ticks %d must not be negative", n)
	}
	prev := tb.cfg.Ticks
	tb.cfg.Ticks = n
	if err := tb.timing(); err != nil {
		tb.cfg.Ticks = prev
		return err
	}
	return nil
}

// Start begins generation and returns the token dependents bind to.
// Starting a running timebase is an error.
func (tb *Timebase) Start() (*RunningTimebase, error) {
	switch tb.state {
	case Running:
		return nil, configErr("timebase on %s is already running", tb.cfg.Channel)
	case Unbound:
		return nil, configErr("timebase on %s is closed", tb.cfg.Channel)
	}
	if err := tb.dev.wrap(tb.dev.drv.StartTask(tb.task), "StartTask"); err != nil {
		return nil, err
	}
	tb.state = Running
	tb.epoch++
	return &RunningTimebase{tb: tb, epoch: tb.epoch}, nil
}

// Stop halts generation.  Stopping a timebase that is not running does nothing.
func (tb *Timebase) Stop() error {
	if tb.state != Running {
		return nil
	}
	if err := tb.dev.wrap(tb.dev.drv.StopTask(tb.task), "StopTask"); err != nil {
		return err
	}
	tb.state = Stopped
	return nil
}

// wait blocks until a finite pulse train has been emitted
func (tb *Timebase) wait(budget float64) error {
	timeout := scaleTimeout(tb.dev.timeout, budget)
	return tb.dev.wrap(tb.dev.drv.WaitUntilTaskDone(tb.task, timeout), "WaitUntilTaskDone")
}

// Close stops and clears the timebase and frees its channel.  It is safe to
// call more than once.
func (tb *Timebase) Close() error {
	if tb.state == Unbound {
		return nil
	}
	var first error
	if tb.state == Running {
		first = tb.dev.wrap(tb.dev.drv.StopTask(tb.task), "StopTask")
	}
	if err := tb.dev.wrap(tb.dev.drv.ClearTask(tb.task), "ClearTask"); err != nil && first == nil {
		first = err
	}
	tb.dev.release(tb.id)
	tb.task = 0
	tb.state = Unbound
	return first
}

// RunningTimebase is proof that a timebase was running when it was issued.
// Counters bound with NewCounter require one.
type RunningTimebase struct {
	tb    *Timebase
	epoch int
}

// Terminal is the clock terminal of the running timebase
func (r *RunningTimebase) Terminal() string {
	return r.tb.InternalOutput()
}

// FrequencyHz is the sample rate
func (r *RunningTimebase) FrequencyHz() float64 {
	return r.tb.cfg.FrequencyHz
}

// Live is true while the timebase is still in the run that issued the token
func (r *RunningTimebase) Live() bool {
	return r != nil && r.tb.state == Running && r.tb.epoch == r.epoch
}

// clockSource is what a counter binds to
type clockSource interface {
	terminal() string
	frequency() float64
	ready() error
}

func (r *RunningTimebase) terminal() string   { return r.Terminal() }
func (r *RunningTimebase) frequency() float64 { return r.FrequencyHz() }
func (r *RunningTimebase) ready() error {
	if !r.Live() {
		return configErr("timebase is not running")
	}
	return nil
}

// armed lets the orchestrator bind dependents to a timebase it will start
// after them
type armed struct {
	tb *Timebase
}

func (a armed) terminal() string   { return a.tb.InternalOutput() }
func (a armed) frequency() float64 { return a.tb.cfg.FrequencyHz }
func (a armed) ready() error {
	if a.tb.state == Unbound {
		return configErr("timebase on %s is closed", a.tb.cfg.Channel)
	}
	return nil
}
