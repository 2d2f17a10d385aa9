package acq

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/util"
	"go.uber.org/zap"
)

// SweepConfig describes a position sweep output
type SweepConfig struct {
	// Channels are the analog outputs, one per axis
	Channels []string

	// VoltageRanges are the output ranges, one per channel
	VoltageRanges []util.Limiter

	// PositionRanges are the position ranges mapped onto VoltageRanges
	PositionRanges []util.Limiter
}

func checkRanges(what string, ranges []util.Limiter, channels int) error {
	if len(ranges) < channels {
		return configErr("%d %s ranges for %d channels", len(ranges), what, channels)
	}
	for i, r := range ranges {
		if err := r.Valid(); err != nil {
			return configErr("%s range %d: %v", what, i, err)
		}
	}
	return nil
}

func (c SweepConfig) validate() error {
	if len(c.Channels) == 0 {
		return configErr("sweep output without channels")
	}
	if err := checkRanges("voltage", c.VoltageRanges, len(c.Channels)); err != nil {
		return err
	}
	return checkRanges("position", c.PositionRanges, len(c.Channels))
}

// SweepOutput drives analog outputs to positions, either one point at a
// time or clocked through a path
type SweepOutput struct {
	dev      *Device
	cfg      SweepConfig
	id       uuid.UUID
	task     daqmx.Task
	state    State
	armed    bool
	position []float64
}

// NewSweepOutput claims the output channels and builds the output task with
// on demand timing
func NewSweepOutput(d *Device, cfg SweepConfig) (*SweepOutput, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := &SweepOutput{dev: d, cfg: cfg, id: uuid.New()}
	if err := d.claim(o.id, RoleOutput, cfg.Channels...); err != nil {
		return nil, err
	}
	if err := o.build(); err != nil {
		d.clear(o.task)
		d.release(o.id)
		return nil, err
	}
	o.state = Created
	return o, nil
}

func (o *SweepOutput) build() error {
	t, err := o.dev.newTask("sweep-out", o.id)
	if err != nil {
		return err
	}
	o.task = t
	for i, ch := range o.cfg.Channels {
		r := o.cfg.VoltageRanges[i]
		err := o.dev.wrap(o.dev.drv.CreateAOVoltageChan(t, ch, r.Min, r.Max), "CreateAOVoltageChan")
		if err != nil {
			return fmt.Errorf("analog output %s: %w", ch, err)
		}
	}
	return nil
}

// Channels returns the output channels
func (o *SweepOutput) Channels() []string {
	return append([]string(nil), o.cfg.Channels...)
}

// ToVoltages maps a path onto output voltages.  path[i] holds the positions
// of channel i; the result is grouped by channel in the same order.  Any
// position outside its range fails the whole path.
func (o *SweepOutput) ToVoltages(path [][]float64) ([]float64, error) {
	if len(path) != len(o.cfg.Channels) {
		return nil, configErr("path has %d axes, the output has %d channels", len(path), len(o.cfg.Channels))
	}
	n := len(path[0])
	if n == 0 {
		return nil, configErr("path is empty")
	}
	out := make([]float64, 0, n*len(path))
	for i, row := range path {
		if len(row) != n {
			return nil, configErr("axis %d has %d points, axis 0 has %d", i, len(row), n)
		}
		pos, volt := o.cfg.PositionRanges[i], o.cfg.VoltageRanges[i]
		scale := volt.Span() / pos.Span()
		for j, p := range row {
			if !pos.Check(p) {
				return nil, fmt.Errorf("%w: position %g of %s at point %d is outside %s",
					ErrOutOfRange, p, o.cfg.Channels[i], j, pos)
			}
			v := volt.Min + (p-pos.Min)*scale
			if p == pos.Max {
				v = volt.Max
			}
			if !volt.Check(v) {
				return nil, fmt.Errorf("%w: voltage %g of %s at point %d is outside %s",
					ErrOutOfRange, v, o.cfg.Channels[i], j, volt)
			}
			out = append(out, v)
		}
	}
	return out, nil
}

// SetPosition moves every axis to pos immediately
func (o *SweepOutput) SetPosition(pos []float64) error {
	if o.state == Unbound {
		return configErr("sweep output is closed")
	}
	if o.armed {
		return configErr("cannot move while a scan is armed")
	}
	path := make([][]float64, len(pos))
	for i, p := range pos {
		path[i] = []float64{p}
	}
	volts, err := o.ToVoltages(path)
	if err != nil {
		return err
	}
	_, err = o.dev.drv.WriteAnalogF64(o.task, 1, true, o.dev.timeout, volts)
	if err = o.dev.wrap(err, "WriteAnalogF64"); err != nil {
		return err
	}
	o.position = append(o.position[:0], pos...)
	return nil
}

// Position is the last commanded position, nil before the first move
func (o *SweepOutput) Position() []float64 {
	if o.position == nil {
		return nil
	}
	return append([]float64(nil), o.position...)
}

// finish records the last point of a completed scan as the position
func (o *SweepOutput) finish(path [][]float64) {
	pos := make([]float64, len(path))
	for i, row := range path {
		pos[i] = row[len(row)-1]
	}
	o.position = pos
}

// SetPositionRanges replaces the position ranges
func (o *SweepOutput) SetPositionRanges(r []util.Limiter) error {
	if err := checkRanges("position", r, len(o.cfg.Channels)); err != nil {
		return err
	}
	o.cfg.PositionRanges = append([]util.Limiter(nil), r...)
	return nil
}

// SetVoltageRanges replaces the voltage ranges, rebuilding the output task
func (o *SweepOutput) SetVoltageRanges(r []util.Limiter) error {
	if err := checkRanges("voltage", r, len(o.cfg.Channels)); err != nil {
		return err
	}
	if o.state == Unbound {
		return configErr("sweep output is closed")
	}
	if o.armed {
		return configErr("cannot change voltage ranges while a scan is armed")
	}
	o.dev.clear(o.task)
	o.task = 0
	o.cfg.VoltageRanges = append([]util.Limiter(nil), r...)
	if err := o.build(); err != nil {
		o.dev.clear(o.task)
		o.task = 0
		o.dev.release(o.id)
		o.state = Unbound
		return err
	}
	return nil
}

// armScan switches to sample clock timing on terminal and buffers n points
// per channel.  The task is not started.
func (o *SweepOutput) armScan(terminal string, freq float64, volts []float64) error {
	n := len(volts) / len(o.cfg.Channels)
	err := o.dev.drv.CfgSampClkTiming(o.task, terminal, freq, daqmx.Rising, daqmx.Finite, uint64(n))
	if err = o.dev.wrap(err, "CfgSampClkTiming"); err != nil {
		return err
	}
	o.armed = true
	written, err := o.dev.drv.WriteAnalogF64(o.task, n, false, o.dev.timeout, volts)
	if err = o.dev.wrap(err, "WriteAnalogF64"); err != nil {
		return err
	}
	if written != n {
		return fmt.Errorf("%w: wrote %d of %d points", ErrDriverFailure, written, n)
	}
	o.dev.log.Debug("scan armed", zap.String("clock", terminal), zap.Int("points", n))
	return nil
}

func (o *SweepOutput) start() error {
	if err := o.dev.wrap(o.dev.drv.StartTask(o.task), "StartTask"); err != nil {
		return err
	}
	o.state = Running
	return nil
}

func (o *SweepOutput) wait(timeout float64) error {
	return o.dev.wrap(o.dev.drv.WaitUntilTaskDone(o.task, scaleTimeout(o.dev.timeout, timeout)), "WaitUntilTaskDone")
}

func (o *SweepOutput) stop() error {
	if o.state != Running {
		return nil
	}
	o.state = Stopped
	return o.dev.wrap(o.dev.drv.StopTask(o.task), "StopTask")
}

// disarm returns to on demand timing so SetPosition works again
func (o *SweepOutput) disarm() error {
	if !o.armed {
		return nil
	}
	if err := o.stop(); err != nil {
		return err
	}
	o.armed = false
	return o.dev.wrap(o.dev.drv.SetSampleTimingType(o.task, daqmx.OnDemand), "SetSampleTimingType")
}

// Close clears the output task and frees its channels.  It is safe to call
// more than once.
func (o *SweepOutput) Close() error {
	if o.state == Unbound {
		return nil
	}
	var first error
	if o.state == Running {
		first = o.dev.wrap(o.dev.drv.StopTask(o.task), "StopTask")
	}
	if err := o.dev.wrap(o.dev.drv.ClearTask(o.task), "ClearTask"); err != nil && first == nil {
		first = err
	}
	o.dev.release(o.id)
	o.task, o.state, o.armed = 0, Unbound, false
	return first
}
