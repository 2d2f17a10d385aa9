/*Package daqmx describes the boundary between acquisition logic and a
multi-function DAQ board driver.

The Driver interface mirrors the task model of the NI-DAQmx C API: a task is
created, channels are added to it, timing and read policy are configured, and
the task is started, read or written, stopped and finally cleared.  Every call
returns an explicit error; failures reported by the vendor library are of type
*Error and carry the integer status code.

Two implementations are provided.  Sim is a deterministic, in-memory board
used by tests and by the servers in mock mode.  The cgo binding to the vendor
library is compiled only with the nidaqmx build tag:

	go build -tags nidaqmx ./cmd/confocalsrv

Without the tag, Open returns ErrNoDriver.
*/
package daqmx

import (
	"errors"
	"fmt"
	"time"
)

// Task is an opaque reference to a driver task
type Task uint64

// Level is the idle state of a pulse output
type Level int

// Edge is a signal edge
type Edge int

// SampleMode is the acquisition or generation mode of a task
type SampleMode int

// TimingType is the sample timing type of a task
type TimingType int

// RelativeTo is the point in the buffer a read is positioned from
type RelativeTo int

// Overwrite selects what happens when a circular input buffer is full
type Overwrite int

const (
	// Low idle level
	Low Level = iota
	// High idle level
	High
)

const (
	// Rising edge
	Rising Edge = iota
	// Falling edge
	Falling
)

const (
	// Continuous samples until stopped
	Continuous SampleMode = iota
	// Finite samples a fixed number of samples then completes
	Finite
)

const (
	// OnDemand timing outputs or acquires a sample when software asks for it
	OnDemand TimingType = iota
	// SampleClock timing paces samples on a clock terminal
	SampleClock
	// Implicit timing is determined by the measurement, e.g. semi-periods
	Implicit
)

const (
	// CurrentReadPosition reads from the next unread sample
	CurrentReadPosition RelativeTo = iota
	// FirstSample reads from the start of the acquisition
	FirstSample
	// MostRecentSample reads backwards from the newest sample
	MostRecentSample
)

const (
	// DoNotOverwriteUnread makes the acquisition fail rather than discard unread samples
	DoNotOverwriteUnread Overwrite = iota
	// OverwriteUnread silently replaces the oldest unread samples
	OverwriteUnread
)

// Auto requests every available sample from a read
const Auto = -1

// InternalOutput is the suffix of a counter's internal output terminal
const InternalOutput = "InternalOutput"

// ErrNoDriver is returned by Open when the binary was built without a hardware driver
var ErrNoDriver = errors.New("daqmx: no hardware driver compiled in, rebuild with -tags nidaqmx or use mock mode")

// ReadPolicy configures where and how a buffered read happens
type ReadPolicy struct {
	// RelativeTo is the reference point of Offset
	RelativeTo RelativeTo

	// Offset is added to the reference point, in samples
	Offset int

	// Overwrite is the circular buffer policy
	Overwrite Overwrite

	// ReadAllAvailable makes Auto reads of finite tasks return what is
	// buffered instead of waiting for the acquisition to complete
	ReadAllAvailable bool
}

// Driver is the set of primitives the acquisition core needs from a board driver.
// Channel and terminal names use the vendor syntax, e.g. /Dev1/Ctr0 or /Dev1/PFI8.
type Driver interface {
	// CreateTask makes a new, empty task
	CreateTask(name string) (Task, error)

	// ClearTask releases a task and every resource it reserved
	ClearTask(t Task) error

	// StartTask transitions a task to running, reserving its resources
	StartTask(t Task) error

	// StopTask stops a running task.  Stopping a stopped task is not an error
	StopTask(t Task) error

	// WaitUntilTaskDone blocks until a finite task completes or the timeout elapses
	WaitUntilTaskDone(t Task, timeout time.Duration) error

	// IsTaskDone reports if a task has completed
	IsTaskDone(t Task) (bool, error)

	// CreateCOPulseChanFreq adds a counter output generating a pulse train
	CreateCOPulseChanFreq(t Task, counter string, idle Level, initialDelay, freq, duty float64) error

	// CreateCISemiPeriodChan adds a counter input measuring each half period, in ticks
	CreateCISemiPeriodChan(t Task, counter string, min, max float64) error

	// CreateCIPulseWidthChan adds a counter input measuring pulse widths, in ticks
	CreateCIPulseWidthChan(t Task, counter string, min, max float64, startingEdge Edge) error

	// CreateAOVoltageChan adds an analog output
	CreateAOVoltageChan(t Task, channel string, min, max float64) error

	// CreateAIVoltageChan adds an analog input
	CreateAIVoltageChan(t Task, channel string, min, max float64) error

	// CreateDOChan adds digital output lines, all lines in one channel
	CreateDOChan(t Task, lines string) error

	// CfgImplicitTiming sets the sample mode and buffer size of a counter task
	CfgImplicitTiming(t Task, mode SampleMode, samps uint64) error

	// CfgSampClkTiming paces a task on a clock terminal
	CfgSampClkTiming(t Task, source string, rate float64, edge Edge, mode SampleMode, samps uint64) error

	// SetSampleTimingType switches the timing type of a task
	SetSampleTimingType(t Task, typ TimingType) error

	// CfgInputBuffer overrides the input buffer size of a task
	CfgInputBuffer(t Task, samps uint32) error

	// SetCISemiPeriodTerm selects the terminal whose half periods are measured
	SetCISemiPeriodTerm(t Task, counter, terminal string) error

	// SetCIPulseWidthTerm selects the terminal whose pulse widths are measured
	SetCIPulseWidthTerm(t Task, counter, terminal string) error

	// SetCICtrTimebaseSrc selects the terminal whose edges are counted as ticks
	SetCICtrTimebaseSrc(t Task, counter, terminal string) error

	// SetReadPolicy configures buffered reads of a task
	SetReadPolicy(t Task, p ReadPolicy) error

	// AvailableSamples returns the number of unread samples per channel
	AvailableSamples(t Task) (uint32, error)

	// ReadCounterU32 reads samps samples of a counter input into buf and
	// returns the number read.  With Auto and a ReadAllAvailable policy it
	// reads what is buffered, at most len(buf), without waiting.  Auto on a
	// finite task without that policy waits for the acquisition to complete.
	ReadCounterU32(t Task, samps int, timeout time.Duration, buf []uint32) (int, error)

	// ReadAnalogF64 reads samps samples per channel, grouped by channel.
	// The second return is the number of samples per channel read.
	ReadAnalogF64(t Task, samps int, timeout time.Duration) ([]float64, int, error)

	// WriteAnalogF64 writes samps samples per channel, grouped by channel
	WriteAnalogF64(t Task, samps int, autoStart bool, timeout time.Duration, data []float64) (int, error)

	// WriteDigitalU32 writes samps samples of a digital output
	WriteDigitalU32(t Task, samps int, autoStart bool, timeout time.Duration, data []uint32) (int, error)

	// ConnectTerms routes src to dst
	ConnectTerms(src, dst string) error

	// DisconnectTerms removes a route
	DisconnectTerms(src, dst string) error

	// ResetDevice aborts every task on a device and returns it to its default state
	ResetDevice(device string) error

	// SelfTestDevice checks that a device responds
	SelfTestDevice(device string) error
}

// Error is a failure reported by the driver
type Error struct {
	// Code is the vendor status code, always negative for errors
	Code int

	// Procedure is the driver call that failed
	Procedure string

	// Message is the vendor description of Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s encountered at call to %s", e.Code, e.Message, e.Procedure)
}

// vendor status codes the acquisition core distinguishes
const (
	CodeResourceReserved        = -50103
	CodeInvalidAttributeValue   = -200077
	CodeInvalidTask             = -200088
	CodePhysicalChannelNotExist = -200170
	CodeDeviceNotFound          = -200220
	CodeSamplesNotAvailable     = -200279
	CodeReadTimeout             = -200284
	CodeInvalidTiming           = -200300
	CodeWaitTimeout             = -200560
	CodeRouteFailed             = -89125
	CodeTaskNotRunning          = -200473
	CodeSelfTestFailed          = -200020
	CodeChannelCountMismatch    = -200547
	CodeBufferTooSmall          = -200229
)

// StatusCodes maps vendor status codes to their description
var StatusCodes = map[int]string{
	CodeResourceReserved:        "the specified resource is reserved",
	CodeInvalidAttributeValue:   "requested value is not a supported value for this property",
	CodeInvalidTask:             "task specified is invalid or does not exist",
	CodePhysicalChannelNotExist: "physical channel specified does not exist on this device",
	CodeDeviceNotFound:          "device identifier is invalid",
	CodeSamplesNotAvailable:     "attempted to read samples that are no longer available",
	CodeReadTimeout:             "some or all of the samples requested have not yet been acquired",
	CodeInvalidTiming:           "invalid timing type for this channel",
	CodeWaitTimeout:             "wait until done did not indicate that the task was done within the specified timeout",
	CodeRouteFailed:             "source terminal to be routed could not be found on the device",
	CodeTaskNotRunning:          "read cannot be performed when the task is not started",
	CodeSelfTestFailed:          "self test failed",
	CodeBufferTooSmall:          "buffer is too small to fit read data",
	CodeChannelCountMismatch:    "write cannot be performed, because the number of channels in the data does not match the number of channels in the task",
}

// enrich converts a vendor status to an *Error, or nil for a non-negative status
func enrich(code int, procedure string) error {
	if code >= 0 {
		return nil
	}
	msg, ok := StatusCodes[code]
	if !ok {
		msg = "unknown error"
	}
	return &Error{Code: code, Procedure: procedure, Message: msg}
}

// Code returns the vendor status of err, or 0 if err is not an *Error
func Code(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}
