package acq

import (
	"strings"
	"time"

	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/util"
)

// Config holds the channel map and acquisition defaults of one device.
// Channel names use the vendor syntax, e.g. /Dev1/Ctr0.
type Config struct {
	// ClockChannel generates the counting timebase
	ClockChannel string `yaml:"clock_channel" koanf:"clock_channel"`

	// ClockIdle is the idle level of every timebase, "low" or "high"
	ClockIdle string `yaml:"clock_idle" koanf:"clock_idle"`

	// DefaultClockFrequency is the counting sample rate, Hz
	DefaultClockFrequency float64 `yaml:"default_clock_frequency" koanf:"default_clock_frequency"`

	// CounterChannels count detector pulses in free running mode
	CounterChannels []string `yaml:"counter_channels" koanf:"counter_channels"`

	// PhotonSources carry detector pulses, one per counter channel
	PhotonSources []string `yaml:"photon_sources" koanf:"photon_sources"`

	// CounterAIChannels are sampled along with the counters
	CounterAIChannels []string `yaml:"counter_ai_channels" koanf:"counter_ai_channels"`

	// CounterVoltageRange is the range of CounterAIChannels
	CounterVoltageRange util.Limiter `yaml:"counter_voltage_range" koanf:"counter_voltage_range"`

	// ScannerClockChannel generates the scan and sweep timebase
	ScannerClockChannel string `yaml:"scanner_clock_channel" koanf:"scanner_clock_channel"`

	// DefaultScannerClockFrequency is the scan rate, Hz
	DefaultScannerClockFrequency float64 `yaml:"default_scanner_clock_frequency" koanf:"default_scanner_clock_frequency"`

	// PixelClockChannel optionally receives the scan clock
	PixelClockChannel string `yaml:"pixel_clock_channel" koanf:"pixel_clock_channel"`

	// ScannerAOChannels are the position outputs
	ScannerAOChannels []string `yaml:"scanner_ao_channels" koanf:"scanner_ao_channels"`

	// ScannerAIChannels are sampled on every scan and sweep step
	ScannerAIChannels []string `yaml:"scanner_ai_channels" koanf:"scanner_ai_channels"`

	// ScannerCounterChannels count on every scan and sweep step
	ScannerCounterChannels []string `yaml:"scanner_counter_channels" koanf:"scanner_counter_channels"`

	// ScannerVoltageRanges are the output ranges, one per AO channel
	ScannerVoltageRanges []util.Limiter `yaml:"scanner_voltage_ranges" koanf:"scanner_voltage_ranges"`

	// ScannerPositionRanges are the position ranges, one per AO channel
	ScannerPositionRanges []util.Limiter `yaml:"scanner_position_ranges" koanf:"scanner_position_ranges"`

	// ODMRTriggerChannel receives the sweep step trigger
	ODMRTriggerChannel string `yaml:"odmr_trigger_channel" koanf:"odmr_trigger_channel"`

	// ODMRPulserLines are the lock-in pulser lines, empty for none
	ODMRPulserLines string `yaml:"odmr_pulser_lines" koanf:"odmr_pulser_lines"`

	// ODMROversampling is the number of lock-in pairs per sweep point
	ODMROversampling int `yaml:"odmr_oversampling" koanf:"odmr_oversampling"`

	// ODMRLockIn starts sweeps with the pulser driven
	ODMRLockIn bool `yaml:"odmr_lock_in" koanf:"odmr_lock_in"`

	// GateInChannel carries the external gate
	GateInChannel string `yaml:"gate_in_channel" koanf:"gate_in_channel"`

	// GatedCounterChannel measures gate pulse widths
	GatedCounterChannel string `yaml:"gated_counter_channel" koanf:"gated_counter_channel"`

	// GatedPhotonSource is counted while the gate is active
	GatedPhotonSource string `yaml:"gated_photon_source" koanf:"gated_photon_source"`

	// CountingEdgeRising selects the gate edge that starts a measurement
	CountingEdgeRising bool `yaml:"counting_edge_rising" koanf:"counting_edge_rising"`

	// DefaultSamplesNumber is the default gated buffer depth
	DefaultSamplesNumber int `yaml:"default_samples_number" koanf:"default_samples_number"`

	// MaxCounts bounds counter input ranges
	MaxCounts float64 `yaml:"max_counts" koanf:"max_counts"`

	// ReadWriteTimeout is the base timeout of every blocking call, seconds
	ReadWriteTimeout float64 `yaml:"read_write_timeout" koanf:"read_write_timeout"`
}

// DefaultConfig returns a Config with every default filled in and no channels
func DefaultConfig() Config {
	return Config{
		ClockIdle:                    "low",
		DefaultClockFrequency:        100,
		CounterVoltageRange:          util.Limiter{Min: -10, Max: 10},
		DefaultScannerClockFrequency: 100,
		ODMROversampling:             1,
		CountingEdgeRising:           true,
		DefaultSamplesNumber:         50,
		MaxCounts:                    3e7,
		ReadWriteTimeout:             10,
	}
}

// Idle parses ClockIdle
func (c Config) Idle() (daqmx.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.ClockIdle)) {
	case "", "low":
		return daqmx.Low, nil
	case "high":
		return daqmx.High, nil
	default:
		return 0, configErr("clock_idle %q is neither low nor high", c.ClockIdle)
	}
}

// Timeout is ReadWriteTimeout as a duration
func (c Config) Timeout() time.Duration {
	return util.SecsToDuration(c.ReadWriteTimeout)
}

// Channels lists every channel and terminal the config names, for Reset
func (c Config) Channels() []string {
	var out []string
	add := func(s ...string) {
		for _, v := range s {
			if v != "" {
				out = append(out, v)
			}
		}
	}
	add(c.ClockChannel, c.ScannerClockChannel, c.PixelClockChannel, c.ODMRTriggerChannel, c.ODMRPulserLines)
	add(c.GateInChannel, c.GatedCounterChannel, c.GatedPhotonSource)
	add(c.CounterChannels...)
	add(c.PhotonSources...)
	add(c.CounterAIChannels...)
	add(c.ScannerAOChannels...)
	add(c.ScannerAIChannels...)
	add(c.ScannerCounterChannels...)
	return out
}

// Validate checks the config before any handle is built
func (c Config) Validate() error {
	if _, err := c.Idle(); err != nil {
		return err
	}
	if !(c.ReadWriteTimeout > 0) {
		return configErr("read_write_timeout %g must be positive", c.ReadWriteTimeout)
	}
	if !(c.MaxCounts > 0) {
		return configErr("max_counts %g must be positive", c.MaxCounts)
	}
	if c.DefaultClockFrequency <= 0 || c.DefaultScannerClockFrequency <= 0 {
		return configErr("default clock frequencies must be positive")
	}
	if c.ODMROversampling < 1 {
		return configErr("odmr_oversampling %d must be at least 1", c.ODMROversampling)
	}
	if c.ODMRLockIn && c.ODMRPulserLines == "" {
		return configErr("odmr_lock_in needs odmr_pulser_lines")
	}
	if c.DefaultSamplesNumber < 1 {
		return configErr("default_samples_number %d must be at least 1", c.DefaultSamplesNumber)
	}
	if len(c.CounterChannels) > len(c.PhotonSources) {
		return configErr("%d counter_channels but %d photon_sources", len(c.CounterChannels), len(c.PhotonSources))
	}
	if len(c.ScannerCounterChannels) > len(c.PhotonSources) {
		return configErr("%d scanner_counter_channels but %d photon_sources", len(c.ScannerCounterChannels), len(c.PhotonSources))
	}
	if len(c.CounterAIChannels) > 0 {
		if err := c.CounterVoltageRange.Valid(); err != nil {
			return configErr("counter_voltage_range: %v", err)
		}
	}
	if len(c.ScannerAOChannels) > 0 {
		if err := checkRanges("scanner voltage", c.ScannerVoltageRanges, len(c.ScannerAOChannels)); err != nil {
			return err
		}
		if err := checkRanges("scanner position", c.ScannerPositionRanges, len(c.ScannerAOChannels)); err != nil {
			return err
		}
	}
	if _, err := DeviceNames(c.Channels()...); err != nil {
		return err
	}
	return nil
}

// DeviceOptions are the Device options implied by the config
func (c Config) DeviceOptions() []Option {
	return []Option{WithTimeout(c.Timeout()), WithMaxCounts(c.MaxCounts)}
}
