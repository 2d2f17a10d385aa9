package acq

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/util"
	"go.uber.org/zap"
)

// unwinder undoes the steps of a partially built acquisition, last first
type unwinder struct {
	log   *zap.Logger
	steps []func() error
	names []string
}

func (u *unwinder) push(name string, fn func() error) {
	u.names = append(u.names, name)
	u.steps = append(u.steps, fn)
}

func (u *unwinder) run(cause error) {
	u.log.Info("unwinding acquisition", zap.Error(cause), zap.Int("steps", len(u.steps)))
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](); err != nil {
			u.log.Warn("unwind step failed", zap.String("step", u.names[i]), zap.Error(err))
		}
	}
	u.steps, u.names = nil, nil
}

type countingSession struct {
	id      uuid.UUID
	tb      *Timebase
	counter *Counter
}

type scannerSession struct {
	id     uuid.UUID
	tb     *Timebase
	out    *SweepOutput
	routed bool
}

// Orchestrator owns every acquisition session of one Device and encodes the
// legal order of their transitions.  It is not safe for concurrent use;
// callers serialize access per device.
type Orchestrator struct {
	dev      *Device
	cfg      Config
	idle     daqmx.Level
	log      *zap.Logger
	counting *countingSession
	scanner  *scannerSession
	sweep    *TriggeredSweep
	gated    *GatedCounter

	// sweep settings that outlive a sweep session
	oversampling int
	lockIn       bool
}

// New returns an Orchestrator for d.  cfg is validated first.
func New(d *Device, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	idle, _ := cfg.Idle()
	return &Orchestrator{
		dev:   d,
		cfg:   cfg,
		idle:  idle,
		log:   d.log,
		gated: NewGatedCounter(d),

		oversampling: cfg.ODMROversampling,
		lockIn:       cfg.ODMRLockIn,
	}, nil
}

// Config returns the configuration
func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) unwinder(session uuid.UUID) *unwinder {
	return &unwinder{log: o.log.With(zap.String("session", session.String()))}
}

func (o *Orchestrator) counterConfig(channels, analog []string, mode daqmx.SampleMode, samples int) (CounterConfig, error) {
	kind, err := KindFor(channels, analog)
	if err != nil {
		return CounterConfig{}, err
	}
	return CounterConfig{
		Kind:           kind,
		Channels:       channels,
		Sources:        o.cfg.PhotonSources[:len(channels)],
		AnalogChannels: analog,
		AnalogRange:    o.cfg.CounterVoltageRange,
		Mode:           mode,
		Samples:        samples,
	}, nil
}

// StartCounting starts free running counting at freqHz.  samples is the
// typical read size.  Zero values select the configured defaults.
func (o *Orchestrator) StartCounting(freqHz float64, samples int) error {
	if o.counting != nil {
		return configErr("counting is already running")
	}
	if freqHz == 0 {
		freqHz = o.cfg.DefaultClockFrequency
	}
	if samples == 0 {
		samples = o.cfg.DefaultSamplesNumber
	}
	cc, err := o.counterConfig(o.cfg.CounterChannels, o.cfg.CounterAIChannels, daqmx.Continuous, samples)
	if err != nil {
		return err
	}
	s := &countingSession{id: uuid.New()}
	u := o.unwinder(s.id)
	s.tb, err = NewTimebase(o.dev, TimebaseConfig{
		Channel:     o.cfg.ClockChannel,
		FrequencyHz: freqHz,
		Idle:        o.idle,
		Convention:  SemiPeriod,
	})
	if err != nil {
		return err
	}
	u.push("close timebase", s.tb.Close)
	s.counter, err = newCounter(o.dev, cc, armed{s.tb}, 1)
	if err != nil {
		u.run(err)
		return err
	}
	u.push("close counter", s.counter.Close)
	if err = s.counter.Start(); err != nil {
		u.run(err)
		return err
	}
	u.push("stop counter", s.counter.Stop)
	if _, err = s.tb.Start(); err != nil {
		u.run(err)
		return err
	}
	o.counting = s
	o.log.Info("counting started",
		zap.String("session", s.id.String()),
		zap.String("channel", o.cfg.ClockChannel),
		zap.Float64("frequency_hz", freqHz))
	return nil
}

// ReadCounts reads n samples from the counting session.  A Timeout or
// DataLoss leaves the session running; it must be stopped and started again.
func (o *Orchestrator) ReadCounts(n int) (Counts, error) {
	if o.counting == nil {
		return Counts{}, configErr("counting is not running")
	}
	return o.counting.counter.Read(n)
}

// CountingFrequency is the sample rate of the counting session
func (o *Orchestrator) CountingFrequency() (float64, error) {
	if o.counting == nil {
		return 0, configErr("counting is not running")
	}
	return o.counting.counter.FrequencyHz(), nil
}

// StopCounting stops the timebase, then the counter, and clears both.
// Stopping when nothing is counting does nothing.
func (o *Orchestrator) StopCounting() error {
	s := o.counting
	if s == nil {
		return nil
	}
	o.counting = nil
	first := s.tb.Stop()
	if err := s.counter.Close(); err != nil && first == nil {
		first = err
	}
	if err := s.tb.Close(); err != nil && first == nil {
		first = err
	}
	o.log.Info("counting stopped", zap.String("session", s.id.String()))
	return first
}

// StartScanner builds the scan timebase and position outputs and routes
// the scan clock to the pixel clock terminal, if one is configured
func (o *Orchestrator) StartScanner(freqHz float64) error {
	if o.scanner != nil {
		return configErr("scanner is already started")
	}
	if freqHz == 0 {
		freqHz = o.cfg.DefaultScannerClockFrequency
	}
	s := &scannerSession{id: uuid.New()}
	u := o.unwinder(s.id)
	var err error
	s.tb, err = NewTimebase(o.dev, TimebaseConfig{
		Channel:     o.cfg.ScannerClockChannel,
		FrequencyHz: freqHz,
		Idle:        o.idle,
		Convention:  PerStep,
		Ticks:       2,
	})
	if err != nil {
		return err
	}
	u.push("close timebase", s.tb.Close)
	s.out, err = NewSweepOutput(o.dev, SweepConfig{
		Channels:       o.cfg.ScannerAOChannels,
		VoltageRanges:  o.cfg.ScannerVoltageRanges,
		PositionRanges: o.cfg.ScannerPositionRanges,
	})
	if err != nil {
		u.run(err)
		return err
	}
	u.push("close output", s.out.Close)
	if pix := o.cfg.PixelClockChannel; pix != "" {
		if err = o.dev.claim(s.id, RoleRoute, pix); err != nil {
			u.run(err)
			return err
		}
		u.push("release pixel clock", func() error { o.dev.release(s.id); return nil })
		if err = o.dev.wrap(o.dev.drv.ConnectTerms(s.tb.InternalOutput(), pix), "ConnectTerms"); err != nil {
			u.run(err)
			return err
		}
		s.routed = true
	}
	o.scanner = s
	o.log.Info("scanner started",
		zap.String("session", s.id.String()),
		zap.String("channel", o.cfg.ScannerClockChannel),
		zap.Float64("frequency_hz", freqHz))
	return nil
}

func (o *Orchestrator) scannerOutput() (*SweepOutput, error) {
	if o.scanner == nil {
		return nil, configErr("scanner is not started")
	}
	return o.scanner.out, nil
}

// SetPosition moves the scanner to pos immediately
func (o *Orchestrator) SetPosition(pos []float64) error {
	out, err := o.scannerOutput()
	if err != nil {
		return err
	}
	return out.SetPosition(pos)
}

// Position is the last commanded scanner position
func (o *Orchestrator) Position() ([]float64, error) {
	out, err := o.scannerOutput()
	if err != nil {
		return nil, err
	}
	return out.Position(), nil
}

// SetPositionRanges replaces the scanner's position ranges
func (o *Orchestrator) SetPositionRanges(r []util.Limiter) error {
	out, err := o.scannerOutput()
	if err != nil {
		return err
	}
	return out.SetPositionRanges(r)
}

// SetVoltageRanges replaces the scanner's voltage ranges.  If the output
// cannot be rebuilt the scanner is closed.
func (o *Orchestrator) SetVoltageRanges(r []util.Limiter) error {
	out, err := o.scannerOutput()
	if err != nil {
		return err
	}
	err = out.SetVoltageRanges(r)
	if err != nil && out.state == Unbound {
		if cerr := o.CloseScanner(); cerr != nil {
			o.log.Warn("closing scanner after a failed rebuild", zap.Error(cerr))
		}
	}
	return err
}

// ScannerChannels are the scanner's output channels
func (o *Orchestrator) ScannerChannels() []string {
	return append([]string(nil), o.cfg.ScannerAOChannels...)
}

// Scan drives the outputs through path, one point per tick, and returns the
// counts acquired at every point.  path[i] holds the positions of output
// channel i.  The whole path is checked before anything is written.
func (o *Orchestrator) Scan(path [][]float64) (Counts, error) {
	if o.scanner == nil {
		return Counts{}, configErr("scanner is not started")
	}
	s := o.scanner
	volts, err := s.out.ToVoltages(path)
	if err != nil {
		return Counts{}, err
	}
	n := len(path[0])
	if err = s.tb.SetTicks(n + 1); err != nil {
		return Counts{}, err
	}
	u := o.unwinder(s.id)
	var counter *Counter
	if len(o.cfg.ScannerCounterChannels)+len(o.cfg.ScannerAIChannels) > 0 {
		cc, err := o.counterConfig(o.cfg.ScannerCounterChannels, o.cfg.ScannerAIChannels, daqmx.Finite, n)
		if err != nil {
			return Counts{}, err
		}
		if counter, err = newCounter(o.dev, cc, armed{s.tb}, 1); err != nil {
			return Counts{}, err
		}
		u.push("close counter", counter.Close)
	}
	u.push("disarm output", s.out.disarm)
	if err = s.out.armScan(s.tb.InternalOutput(), s.tb.FrequencyHz(), volts); err != nil {
		u.run(err)
		return Counts{}, err
	}
	if err = s.out.start(); err != nil {
		u.run(err)
		return Counts{}, err
	}
	u.push("stop output", s.out.stop)
	if counter != nil {
		if err = counter.Start(); err != nil {
			u.run(err)
			return Counts{}, err
		}
		u.push("stop counter", counter.Stop)
	}
	if _, err = s.tb.Start(); err != nil {
		u.run(err)
		return Counts{}, err
	}
	u.push("stop timebase", s.tb.Stop)
	if err = s.tb.wait(float64(2 * n)); err != nil {
		u.run(err)
		return Counts{}, err
	}
	var out Counts
	if counter != nil {
		if out, err = counter.Read(n); err != nil {
			u.run(err)
			return Counts{}, err
		}
	} else if err = s.out.wait(float64(2 * n)); err != nil {
		u.run(err)
		return Counts{}, err
	}
	first := s.tb.Stop()
	if counter != nil {
		if err := counter.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := s.out.disarm(); err != nil && first == nil {
		first = err
	}
	if first != nil {
		return Counts{}, first
	}
	s.out.finish(path)
	o.log.Debug("scan complete", zap.String("session", s.id.String()), zap.Int("points", n))
	return out, nil
}

// CloseScanner removes the pixel clock route and clears the scanner.
// Closing a scanner that is not started does nothing.
func (o *Orchestrator) CloseScanner() error {
	s := o.scanner
	if s == nil {
		return nil
	}
	o.scanner = nil
	first := s.tb.Stop()
	if err := s.out.Close(); err != nil && first == nil {
		first = err
	}
	if s.routed {
		err := o.dev.wrap(o.dev.drv.DisconnectTerms(s.tb.InternalOutput(), o.cfg.PixelClockChannel), "DisconnectTerms")
		if err != nil && first == nil {
			first = err
		}
	}
	o.dev.release(s.id)
	if err := s.tb.Close(); err != nil && first == nil {
		first = err
	}
	o.log.Info("scanner closed", zap.String("session", s.id.String()))
	return first
}

// StartSweep builds a triggered sweep on the scanner clock at freqHz.
// The scanner and the sweep share the clock and cannot both be live.
func (o *Orchestrator) StartSweep(freqHz float64) error {
	if o.sweep != nil {
		return configErr("sweep is already started")
	}
	if freqHz == 0 {
		freqHz = o.cfg.DefaultScannerClockFrequency
	}
	cc, err := o.counterConfig(o.cfg.ScannerCounterChannels, o.cfg.ScannerAIChannels, daqmx.Finite, 1)
	if err != nil {
		return err
	}
	sw, err := NewTriggeredSweep(o.dev, SweepCounterConfig{
		ClockChannel:   o.cfg.ScannerClockChannel,
		FrequencyHz:    freqHz,
		Idle:           o.idle,
		Kind:           cc.Kind,
		Channels:       cc.Channels,
		Sources:        cc.Sources,
		AnalogChannels: cc.AnalogChannels,
		AnalogRange:    cc.AnalogRange,
		TriggerLine:    o.cfg.ODMRTriggerChannel,
		PulserLines:    o.cfg.ODMRPulserLines,
		LockIn:         o.lockIn,
		Oversampling:   o.oversampling,
	})
	if err != nil {
		return err
	}
	o.sweep = sw
	o.log.Info("sweep started",
		zap.String("session", sw.id.String()),
		zap.String("channel", o.cfg.ScannerClockChannel),
		zap.Float64("frequency_hz", freqHz))
	return nil
}

// SetSweepLength configures the sweep for n points
func (o *Orchestrator) SetSweepLength(n int) error {
	if o.sweep == nil {
		return configErr("sweep is not started")
	}
	return o.sweep.SetLength(n)
}

// Sweep acquires n points
func (o *Orchestrator) Sweep(n int) (Counts, error) {
	if o.sweep == nil {
		return Counts{}, configErr("sweep is not started")
	}
	return o.sweep.Sweep(n)
}

// SetOversampling sets the number of lock-in pairs per sweep point, for the
// live sweep and the ones after it
func (o *Orchestrator) SetOversampling(k int) error {
	if k < 1 {
		return configErr("oversampling %d must be at least 1", k)
	}
	if o.sweep != nil {
		if err := o.sweep.SetOversampling(k); err != nil {
			o.lockIn = o.sweep.LockIn()
			return err
		}
	}
	o.oversampling = k
	return nil
}

// Oversampling is the number of lock-in pairs per sweep point
func (o *Orchestrator) Oversampling() int {
	return o.oversampling
}

// SetLockIn turns the lock-in pulser on or off, for the live sweep and the
// ones after it
func (o *Orchestrator) SetLockIn(on bool) error {
	if on && o.cfg.ODMRPulserLines == "" {
		return configErr("lock-in needs odmr_pulser_lines")
	}
	if o.sweep != nil {
		if err := o.sweep.SetLockIn(on); err != nil {
			o.lockIn = o.sweep.LockIn()
			return err
		}
	}
	o.lockIn = on
	return nil
}

// LockIn reports if sweeps drive the lock-in pulser
func (o *Orchestrator) LockIn() bool {
	return o.lockIn
}

// CloseSweep clears the sweep.  Closing a sweep that is not started does nothing.
func (o *Orchestrator) CloseSweep() error {
	sw := o.sweep
	if sw == nil {
		return nil
	}
	o.sweep = nil
	return sw.Close()
}

// ConfigureGated builds the gated counter.  depth 0 selects the configured default.
func (o *Orchestrator) ConfigureGated(depth int, continuous bool) error {
	if depth == 0 {
		depth = o.cfg.DefaultSamplesNumber
	}
	return o.gated.Configure(GatedConfig{
		Channel:     o.cfg.GatedCounterChannel,
		GateChannel: o.cfg.GateInChannel,
		Source:      o.cfg.GatedPhotonSource,
		BufferDepth: depth,
		Continuous:  continuous,
		RisingEdge:  o.cfg.CountingEdgeRising,
	})
}

// StartGated starts the gated counter
func (o *Orchestrator) StartGated() error {
	return o.gated.Start()
}

// ReadGated reads up to n pulse widths, see GatedCounter.Read
func (o *Orchestrator) ReadGated(n int, availableOnly bool) ([]uint32, error) {
	return o.gated.Read(n, availableOnly)
}

// StopGated stops the gated counter
func (o *Orchestrator) StopGated() error {
	return o.gated.Stop()
}

// CloseGated clears the gated counter
func (o *Orchestrator) CloseGated() error {
	return o.gated.Close()
}

// GatedState is the state of the gated counter
func (o *Orchestrator) GatedState() GatedState {
	return o.gated.State()
}

// GatedDone reports if a finite gated acquisition has filled its buffer
func (o *Orchestrator) GatedDone() (bool, error) {
	return o.gated.Done()
}

// DigitalSwitch drives every line of a digital output high or low with a
// one shot task.  Lines held by a session are refused.
func (o *Orchestrator) DigitalSwitch(lines string, on bool) error {
	id := uuid.New()
	if err := o.dev.claim(id, RoleDigital, lines); err != nil {
		return err
	}
	defer o.dev.release(id)
	t, err := o.dev.newTask("switch", id)
	if err != nil {
		return err
	}
	defer o.dev.clear(t)
	if err = o.dev.wrap(o.dev.drv.CreateDOChan(t, lines), "CreateDOChan"); err != nil {
		return fmt.Errorf("digital output %s: %w", lines, err)
	}
	var v uint32
	if on {
		v = ^uint32(0)
	}
	_, err = o.dev.drv.WriteDigitalU32(t, 1, true, o.dev.timeout, []uint32{v})
	if err = o.dev.wrap(err, "WriteDigitalU32"); err != nil {
		return err
	}
	o.log.Info("digital switch", zap.String("lines", lines), zap.Bool("on", on))
	return nil
}

// Reset resets every device the config names.  Every session must be
// closed first.
func (o *Orchestrator) Reset() error {
	return o.dev.Reset(o.cfg.Channels()...)
}

// Status is a snapshot of the live sessions
type Status struct {
	Counting  bool                       `json:"counting"`
	Scanner   bool                       `json:"scanner"`
	Sweep     bool                       `json:"sweep"`
	LockIn    bool                       `json:"lockIn"`
	Gated     string                     `json:"gated"`
	GatedCode int                        `json:"gatedCode"`
	Resources map[ResourceID]HandleState `json:"resources"`
}

// Status returns a snapshot of the live sessions and held resources
func (o *Orchestrator) Status() Status {
	return Status{
		Counting:  o.counting != nil,
		Scanner:   o.scanner != nil,
		Sweep:     o.sweep != nil,
		LockIn:    o.lockIn,
		Gated:     o.gated.State().String(),
		GatedCode: o.gated.State().Code(),
		Resources: o.dev.Resources(),
	}
}

// Close closes every session, returning the first error
func (o *Orchestrator) Close() error {
	first := o.StopCounting()
	for _, fn := range []func() error{o.CloseScanner, o.CloseSweep} {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	if o.gated.State() != GatedUnconfigured {
		if err := o.gated.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
