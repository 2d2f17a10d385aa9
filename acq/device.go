package acq

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/nasa-jpl/confocal/daqmx"
	"go.uber.org/zap"
)

// ResourceID names one physical resource of a board, normalized to lower
// case with a leading slash, e.g. /dev1/ctr0
type ResourceID string

// Resource normalizes a channel name into a ResourceID
func Resource(channel string) ResourceID {
	c := strings.ToLower(strings.TrimSpace(channel))
	if c != "" && !strings.HasPrefix(c, "/") {
		c = "/" + c
	}
	return ResourceID(c)
}

// Role is what a handle uses a resource for
type Role string

const (
	// RoleTimebase is a counter generating a pulse train
	RoleTimebase Role = "timebase"
	// RoleCounter is a counter measuring semi-periods
	RoleCounter Role = "counter"
	// RoleGated is a counter measuring gate pulse widths
	RoleGated Role = "gated"
	// RoleOutput is an analog output
	RoleOutput Role = "output"
	// RoleInput is an analog input
	RoleInput Role = "input"
	// RoleDigital is a digital output line group
	RoleDigital Role = "digital"
	// RoleRoute is a terminal receiving a routed signal
	RoleRoute Role = "route"
)

// HandleState records which handle owns a resource
type HandleState struct {
	// Handle is the owning handle's ID
	Handle uuid.UUID `json:"handle"`

	// Role is how the resource is used
	Role Role `json:"role"`

	// Since is when the resource was claimed
	Since time.Time `json:"since"`
}

// Device is one multi-function I/O board and the resources handles hold on it.
// A Device is not safe for concurrent use; callers serialize access.
type Device struct {
	drv       daqmx.Driver
	log       *zap.Logger
	timeout   time.Duration
	maxCounts float64
	resources map[ResourceID]HandleState
}

// Option configures a Device
type Option func(*Device)

// WithLogger sets the logger, the default discards everything
func WithLogger(l *zap.Logger) Option {
	return func(d *Device) {
		d.log = l
	}
}

// WithTimeout sets the read/write timeout, the base of every blocking budget
func WithTimeout(t time.Duration) Option {
	return func(d *Device) {
		d.timeout = t
	}
}

// WithMaxCounts sets the upper bound of counter input ranges
func WithMaxCounts(c float64) Option {
	return func(d *Device) {
		d.maxCounts = c
	}
}

// NewDevice returns a Device driven by drv
func NewDevice(drv daqmx.Driver, opts ...Option) *Device {
	d := &Device{
		drv:       drv,
		log:       zap.NewNop(),
		timeout:   10 * time.Second,
		maxCounts: 3e7,
		resources: make(map[ResourceID]HandleState),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Timeout is the read/write timeout
func (d *Device) Timeout() time.Duration {
	return d.timeout
}

// Resources returns a copy of the resource map
func (d *Device) Resources() map[ResourceID]HandleState {
	out := make(map[ResourceID]HandleState, len(d.resources))
	for k, v := range d.resources {
		out[k] = v
	}
	return out
}

// claim takes every channel for handle, or none of them
func (d *Device) claim(handle uuid.UUID, role Role, channels ...string) error {
	ids := make([]ResourceID, 0, len(channels))
	for _, c := range channels {
		id := Resource(c)
		if id == "" {
			return configErr("empty channel name for %s", role)
		}
		if cur, ok := d.resources[id]; ok {
			return fmt.Errorf("%w: %s is held by %s %s", ErrHardwareBusy, id, cur.Role, cur.Handle)
		}
		for _, prev := range ids {
			if prev == id {
				return configErr("%s listed twice", id)
			}
		}
		ids = append(ids, id)
	}
	now := time.Now()
	for _, id := range ids {
		d.resources[id] = HandleState{Handle: handle, Role: role, Since: now}
	}
	return nil
}

// release frees every resource held by handle
func (d *Device) release(handle uuid.UUID) {
	for id, st := range d.resources {
		if st.Handle == handle {
			delete(d.resources, id)
		}
	}
}

func (d *Device) wrap(err error, procedure string) error {
	return wrap(d.log, err, procedure)
}

// newTask creates a driver task named after the handle
func (d *Device) newTask(kind string, handle uuid.UUID) (daqmx.Task, error) {
	t, err := d.drv.CreateTask(kind + "-" + handle.String()[:8])
	return t, d.wrap(err, "CreateTask")
}

// clear stops and clears a task, logging rather than returning failures
func (d *Device) clear(t daqmx.Task) {
	if t == 0 {
		return
	}
	if err := d.drv.StopTask(t); err != nil {
		d.wrap(err, "StopTask")
	}
	if err := d.drv.ClearTask(t); err != nil {
		d.wrap(err, "ClearTask")
	}
}

var channelPattern = regexp.MustCompile(`^/(?P<dev>[^/]+)/(?P<chan>.+)$`)

// DeviceNames returns the distinct device names the channels live on, sorted
func DeviceNames(channels ...string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, c := range channels {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.HasPrefix(c, "/") {
			c = "/" + c
		}
		m := channelPattern.FindStringSubmatch(c)
		if m == nil {
			return nil, configErr("cannot derive a device name from channel %q", c)
		}
		dev := m[channelPattern.SubexpIndex("dev")]
		if !seen[strings.ToLower(dev)] {
			seen[strings.ToLower(dev)] = true
			out = append(out, dev)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Reset resets every device the channels live on, then waits for each to
// pass a self test.  Live handles make this fail with ErrHardwareBusy.
func (d *Device) Reset(channels ...string) error {
	if len(d.resources) != 0 {
		return fmt.Errorf("%w: %d resources are still held", ErrHardwareBusy, len(d.resources))
	}
	names, err := DeviceNames(channels...)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := d.wrap(d.drv.ResetDevice(name), "ResetDevice"); err != nil {
			return fmt.Errorf("resetting %s: %w", name, err)
		}
		// a reset board re-enumerates for a moment before it answers again
		op := func() error {
			err := d.drv.SelfTestDevice(name)
			if err != nil && daqmx.Code(err) == daqmx.CodeDeviceNotFound {
				return backoff.Permanent(err)
			}
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     10 * time.Millisecond,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         500 * time.Millisecond,
			MaxElapsedTime:      d.timeout,
			Clock:               backoff.SystemClock})
		if err != nil {
			return fmt.Errorf("self test of %s after reset: %w", name, d.wrap(err, "SelfTestDevice"))
		}
		d.log.Info("device reset", zap.String("device", name))
	}
	return nil
}
