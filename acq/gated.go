package acq

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nasa-jpl/confocal/daqmx"
	"go.uber.org/zap"
)

// GatedState is the state of a gated counter
type GatedState int

const (
	// GatedUnconfigured counters hold no task
	GatedUnconfigured GatedState = iota
	// GatedIdle counters are configured and stopped
	GatedIdle
	// GatedRunning counters are accumulating pulse widths
	GatedRunning
	// GatedError counters failed a read and must be reconfigured
	GatedError
)

func (s GatedState) String() string {
	switch s {
	case GatedUnconfigured:
		return "unconfigured"
	case GatedIdle:
		return "idle"
	case GatedRunning:
		return "running"
	case GatedError:
		return "error"
	default:
		return fmt.Sprintf("GatedState(%d)", int(s))
	}
}

// Code is the numeric status: 0 unconfigured, 1 idle, 2 running, -1 error
func (s GatedState) Code() int {
	switch s {
	case GatedIdle:
		return 1
	case GatedRunning:
		return 2
	case GatedError:
		return -1
	default:
		return 0
	}
}

// GatedConfig describes a pulse width measurement
type GatedConfig struct {
	// Channel is the counter measuring pulse widths
	Channel string

	// GateChannel is the terminal carrying the external gate
	GateChannel string

	// Source is the terminal whose edges are counted while the gate is active
	Source string

	// BufferDepth is the circular buffer size, in samples
	BufferDepth int

	// Continuous selects circular accumulation, otherwise BufferDepth
	// samples are acquired and the measurement completes
	Continuous bool

	// RisingEdge selects the gate edge that starts a measurement
	RisingEdge bool
}

func (c GatedConfig) validate() error {
	switch {
	case c.Channel == "":
		return configErr("gated counter channel is empty")
	case c.GateChannel == "":
		return configErr("gate channel is empty")
	case c.Source == "":
		return configErr("gated counter source is empty")
	case c.BufferDepth <= 0:
		return configErr("gated buffer depth %d must be positive", c.BufferDepth)
	}
	return nil
}

// GatedCounter measures the width of externally supplied gate pulses in
// source ticks.  It does not use a timebase.
type GatedCounter struct {
	dev   *Device
	cfg   GatedConfig
	id    uuid.UUID
	task  daqmx.Task
	state GatedState
}

// NewGatedCounter returns an unconfigured gated counter
func NewGatedCounter(d *Device) *GatedCounter {
	return &GatedCounter{dev: d}
}

// State returns the current state
func (g *GatedCounter) State() GatedState {
	return g.state
}

// Config returns the active configuration
func (g *GatedCounter) Config() GatedConfig {
	return g.cfg
}

// Configure builds the measurement, replacing any previous one.  A running
// counter must be stopped first.
func (g *GatedCounter) Configure(cfg GatedConfig) error {
	if g.state == GatedRunning {
		return configErr("gated counter is running")
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	g.teardown()
	g.cfg, g.id = cfg, uuid.New()
	if err := g.dev.claim(g.id, RoleGated, cfg.Channel); err != nil {
		return err
	}
	if err := g.build(); err != nil {
		g.teardown()
		return err
	}
	g.state = GatedIdle
	g.dev.log.Debug("gated counter configured",
		zap.String("handle", g.id.String()),
		zap.String("channel", cfg.Channel),
		zap.String("gate", cfg.GateChannel),
		zap.Int("depth", cfg.BufferDepth),
		zap.Bool("continuous", cfg.Continuous))
	return nil
}

func (g *GatedCounter) build() error {
	d, ch := g.dev, g.cfg.Channel
	t, err := d.newTask("gated", g.id)
	if err != nil {
		return err
	}
	g.task = t
	edge := daqmx.Falling
	if g.cfg.RisingEdge {
		edge = daqmx.Rising
	}
	if err := d.wrap(d.drv.CreateCIPulseWidthChan(t, ch, 0, d.maxCounts, edge), "CreateCIPulseWidthChan"); err != nil {
		return err
	}
	if err := d.wrap(d.drv.SetCIPulseWidthTerm(t, ch, g.cfg.GateChannel), "SetCIPulseWidthTerm"); err != nil {
		return err
	}
	if err := d.wrap(d.drv.SetCICtrTimebaseSrc(t, ch, g.cfg.Source), "SetCICtrTimebaseSrc"); err != nil {
		return err
	}
	mode := daqmx.Finite
	if g.cfg.Continuous {
		mode = daqmx.Continuous
	}
	if err := d.wrap(d.drv.CfgImplicitTiming(t, mode, uint64(g.cfg.BufferDepth)), "CfgImplicitTiming"); err != nil {
		return err
	}
	if g.cfg.Continuous {
		// continuous tasks otherwise size the buffer from the rate
		if err := d.wrap(d.drv.CfgInputBuffer(t, uint32(g.cfg.BufferDepth)), "CfgInputBuffer"); err != nil {
			return err
		}
	}
	return g.policy(false)
}

func (g *GatedCounter) policy(availableOnly bool) error {
	p := daqmx.ReadPolicy{
		RelativeTo:       daqmx.CurrentReadPosition,
		Overwrite:        daqmx.DoNotOverwriteUnread,
		ReadAllAvailable: availableOnly,
	}
	return g.dev.wrap(g.dev.drv.SetReadPolicy(g.task, p), "SetReadPolicy")
}

// Start arms accumulation into the buffer
func (g *GatedCounter) Start() error {
	switch g.state {
	case GatedUnconfigured:
		return configErr("gated counter is not configured")
	case GatedRunning:
		return configErr("gated counter is already running")
	case GatedError:
		return configErr("gated counter failed and must be reconfigured")
	}
	if err := g.dev.wrap(g.dev.drv.StartTask(g.task), "StartTask"); err != nil {
		g.dev.wrap(g.dev.drv.StopTask(g.task), "StopTask")
		return err
	}
	g.state = GatedRunning
	return nil
}

// Read returns n pulse widths, blocking until they exist or the timeout
// elapses.  With availableOnly it returns what is buffered, up to n, without
// blocking; len of the result is the number read.  Overwritten samples,
// timeouts and driver failures move the counter to GatedError.
func (g *GatedCounter) Read(n int, availableOnly bool) ([]uint32, error) {
	if g.state != GatedRunning {
		return nil, configErr("gated counter is %s, not running", g.state)
	}
	if n <= 0 {
		return nil, configErr("cannot read %d samples", n)
	}
	if err := g.policy(availableOnly); err != nil {
		return nil, g.fail(err)
	}
	samps := n
	if availableOnly {
		samps = daqmx.Auto
	}
	buf := make([]uint32, n)
	got, err := g.dev.drv.ReadCounterU32(g.task, samps, g.dev.timeout, buf)
	if err = g.dev.wrap(err, "ReadCounterU32"); err != nil {
		return nil, g.fail(err)
	}
	if got > n || (!availableOnly && got != n) {
		return nil, g.fail(fmt.Errorf("%w: read %d samples, asked for %d", ErrDriverFailure, got, n))
	}
	return buf[:got], nil
}

// Done reports if a finite measurement has acquired its whole buffer.
// A continuous measurement is never done.
func (g *GatedCounter) Done() (bool, error) {
	if g.state != GatedRunning {
		return false, configErr("gated counter is %s, not running", g.state)
	}
	done, err := g.dev.drv.IsTaskDone(g.task)
	if err = g.dev.wrap(err, "IsTaskDone"); err != nil {
		return false, err
	}
	return done, nil
}

// fail stops the task and enters GatedError
func (g *GatedCounter) fail(err error) error {
	g.dev.wrap(g.dev.drv.StopTask(g.task), "StopTask")
	g.state = GatedError
	kind := "driver failure"
	switch {
	case errors.Is(err, ErrDataLoss):
		kind = "data loss"
	case errors.Is(err, ErrTimeout):
		kind = "timeout"
	}
	g.dev.log.Error("gated counter failed", zap.String("channel", g.cfg.Channel), zap.String("kind", kind))
	return err
}

// Stop halts accumulation.  Stopping a stopped counter does nothing;
// stopping an unconfigured one is an error.
func (g *GatedCounter) Stop() error {
	switch g.state {
	case GatedUnconfigured:
		return configErr("gated counter is not configured")
	case GatedRunning:
		if err := g.dev.wrap(g.dev.drv.StopTask(g.task), "StopTask"); err != nil {
			return g.fail(err)
		}
		g.state = GatedIdle
	}
	return nil
}

// Close clears the measurement and returns to GatedUnconfigured.  Closing an
// unconfigured counter is an error.
func (g *GatedCounter) Close() error {
	if g.state == GatedUnconfigured {
		return configErr("gated counter is not configured")
	}
	var first error
	if g.state == GatedRunning {
		first = g.dev.wrap(g.dev.drv.StopTask(g.task), "StopTask")
	}
	if err := g.dev.wrap(g.dev.drv.ClearTask(g.task), "ClearTask"); err != nil && first == nil {
		first = err
	}
	g.task = 0
	g.dev.release(g.id)
	g.state = GatedUnconfigured
	return first
}

func (g *GatedCounter) teardown() {
	g.dev.clear(g.task)
	g.task = 0
	g.dev.release(g.id)
	g.state = GatedUnconfigured
}
