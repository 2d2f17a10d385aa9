//go:build nidaqmx
// +build nidaqmx

package daqmx

/*
#cgo linux LDFLAGS: -lnidaqmx
#cgo windows LDFLAGS: -lNIDAQmx
#include <stdlib.h>
#include <NIDAQmx.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

// NI is the Driver backed by the NI-DAQmx C library
type NI struct {
	mu    sync.Mutex
	tasks map[Task]C.TaskHandle
	chans map[Task]int
	next  Task
}

// Open returns the hardware driver
func Open() (Driver, error) {
	return &NI{tasks: make(map[Task]C.TaskHandle), chans: make(map[Task]int)}, nil
}

// status converts a DAQmx return code into an error, attaching the
// extended error string the library keeps for the calling thread
func status(code C.int32, procedure string) error {
	if code >= 0 {
		return nil
	}
	err := enrich(int(code), procedure)
	buf := make([]byte, 2048)
	C.DAQmxGetExtendedErrorInfo((*C.char)(unsafe.Pointer(&buf[0])), C.uInt32(len(buf)))
	if msg := C.GoString((*C.char)(unsafe.Pointer(&buf[0]))); msg != "" {
		err.(*Error).Message = msg
	}
	return err
}

func cbool(b bool) C.bool32 {
	if b {
		return 1
	}
	return 0
}

func seconds(d time.Duration) C.float64 {
	return C.float64(d.Seconds())
}

func (n *NI) handle(t Task, procedure string) (C.TaskHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.tasks[t]
	if !ok {
		return nil, enrich(CodeInvalidTask, procedure)
	}
	return h, nil
}

func (n *NI) addChan(t Task) {
	n.mu.Lock()
	n.chans[t]++
	n.mu.Unlock()
}

func sampleMode(m SampleMode) C.int32 {
	if m == Finite {
		return C.DAQmx_Val_FiniteSamps
	}
	return C.DAQmx_Val_ContSamps
}

func edge(e Edge) C.int32 {
	if e == Falling {
		return C.DAQmx_Val_Falling
	}
	return C.DAQmx_Val_Rising
}

// CreateTask makes a new, empty task
func (n *NI) CreateTask(name string) (Task, error) {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	var h C.TaskHandle
	if err := status(C.DAQmxCreateTask(cs, &h), "DAQmxCreateTask"); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	n.tasks[n.next] = h
	return n.next, nil
}

// ClearTask releases a task
func (n *NI) ClearTask(t Task) error {
	h, err := n.handle(t, "DAQmxClearTask")
	if err != nil {
		return err
	}
	err = status(C.DAQmxClearTask(h), "DAQmxClearTask")
	n.mu.Lock()
	delete(n.tasks, t)
	delete(n.chans, t)
	n.mu.Unlock()
	return err
}

// StartTask starts a task
func (n *NI) StartTask(t Task) error {
	h, err := n.handle(t, "DAQmxStartTask")
	if err != nil {
		return err
	}
	return status(C.DAQmxStartTask(h), "DAQmxStartTask")
}

// StopTask stops a task
func (n *NI) StopTask(t Task) error {
	h, err := n.handle(t, "DAQmxStopTask")
	if err != nil {
		return err
	}
	return status(C.DAQmxStopTask(h), "DAQmxStopTask")
}

// WaitUntilTaskDone blocks until a task completes or the timeout elapses
func (n *NI) WaitUntilTaskDone(t Task, timeout time.Duration) error {
	h, err := n.handle(t, "DAQmxWaitUntilTaskDone")
	if err != nil {
		return err
	}
	return status(C.DAQmxWaitUntilTaskDone(h, seconds(timeout)), "DAQmxWaitUntilTaskDone")
}

// IsTaskDone reports if a task has completed
func (n *NI) IsTaskDone(t Task) (bool, error) {
	h, err := n.handle(t, "DAQmxIsTaskDone")
	if err != nil {
		return false, err
	}
	var done C.bool32
	err = status(C.DAQmxIsTaskDone(h, &done), "DAQmxIsTaskDone")
	return done != 0, err
}

// CreateCOPulseChanFreq adds a pulse train output
func (n *NI) CreateCOPulseChanFreq(t Task, counter string, idle Level, initialDelay, freq, duty float64) error {
	h, err := n.handle(t, "DAQmxCreateCOPulseChanFreq")
	if err != nil {
		return err
	}
	cs := C.CString(counter)
	defer C.free(unsafe.Pointer(cs))
	var idleState C.int32 = C.DAQmx_Val_Low
	if idle == High {
		idleState = C.DAQmx_Val_High
	}
	err = status(C.DAQmxCreateCOPulseChanFreq(h, cs, nil, C.DAQmx_Val_Hz, idleState,
		C.float64(initialDelay), C.float64(freq), C.float64(duty)), "DAQmxCreateCOPulseChanFreq")
	if err == nil {
		n.addChan(t)
	}
	return err
}

// CreateCISemiPeriodChan adds a semi-period counter input in ticks
func (n *NI) CreateCISemiPeriodChan(t Task, counter string, min, max float64) error {
	h, err := n.handle(t, "DAQmxCreateCISemiPeriodChan")
	if err != nil {
		return err
	}
	cs := C.CString(counter)
	defer C.free(unsafe.Pointer(cs))
	err = status(C.DAQmxCreateCISemiPeriodChan(h, cs, nil, C.float64(min), C.float64(max),
		C.DAQmx_Val_Ticks, nil), "DAQmxCreateCISemiPeriodChan")
	if err == nil {
		n.addChan(t)
	}
	return err
}

// CreateCIPulseWidthChan adds a pulse width counter input in ticks
func (n *NI) CreateCIPulseWidthChan(t Task, counter string, min, max float64, startingEdge Edge) error {
	h, err := n.handle(t, "DAQmxCreateCIPulseWidthChan")
	if err != nil {
		return err
	}
	cs := C.CString(counter)
	defer C.free(unsafe.Pointer(cs))
	err = status(C.DAQmxCreateCIPulseWidthChan(h, cs, nil, C.float64(min), C.float64(max),
		C.DAQmx_Val_Ticks, edge(startingEdge), nil), "DAQmxCreateCIPulseWidthChan")
	if err == nil {
		n.addChan(t)
	}
	return err
}

// CreateAOVoltageChan adds an analog output
func (n *NI) CreateAOVoltageChan(t Task, channel string, min, max float64) error {
	h, err := n.handle(t, "DAQmxCreateAOVoltageChan")
	if err != nil {
		return err
	}
	cs := C.CString(channel)
	defer C.free(unsafe.Pointer(cs))
	err = status(C.DAQmxCreateAOVoltageChan(h, cs, nil, C.float64(min), C.float64(max),
		C.DAQmx_Val_Volts, nil), "DAQmxCreateAOVoltageChan")
	if err == nil {
		n.addChan(t)
	}
	return err
}

// CreateAIVoltageChan adds an analog input
func (n *NI) CreateAIVoltageChan(t Task, channel string, min, max float64) error {
	h, err := n.handle(t, "DAQmxCreateAIVoltageChan")
	if err != nil {
		return err
	}
	cs := C.CString(channel)
	defer C.free(unsafe.Pointer(cs))
	err = status(C.DAQmxCreateAIVoltageChan(h, cs, nil, C.DAQmx_Val_Cfg_Default, C.float64(min), C.float64(max),
		C.DAQmx_Val_Volts, nil), "DAQmxCreateAIVoltageChan")
	if err == nil {
		n.addChan(t)
	}
	return err
}

// CreateDOChan adds digital output lines as one channel
func (n *NI) CreateDOChan(t Task, lines string) error {
	h, err := n.handle(t, "DAQmxCreateDOChan")
	if err != nil {
		return err
	}
	cs := C.CString(lines)
	defer C.free(unsafe.Pointer(cs))
	err = status(C.DAQmxCreateDOChan(h, cs, nil, C.DAQmx_Val_ChanForAllLines), "DAQmxCreateDOChan")
	if err == nil {
		n.addChan(t)
	}
	return err
}

// CfgImplicitTiming sets the sample mode and buffer size
func (n *NI) CfgImplicitTiming(t Task, mode SampleMode, samps uint64) error {
	h, err := n.handle(t, "DAQmxCfgImplicitTiming")
	if err != nil {
		return err
	}
	return status(C.DAQmxCfgImplicitTiming(h, sampleMode(mode), C.uInt64(samps)), "DAQmxCfgImplicitTiming")
}

// CfgSampClkTiming paces a task on a clock terminal
func (n *NI) CfgSampClkTiming(t Task, source string, rate float64, e Edge, mode SampleMode, samps uint64) error {
	h, err := n.handle(t, "DAQmxCfgSampClkTiming")
	if err != nil {
		return err
	}
	cs := C.CString(source)
	defer C.free(unsafe.Pointer(cs))
	return status(C.DAQmxCfgSampClkTiming(h, cs, C.float64(rate), edge(e), sampleMode(mode), C.uInt64(samps)),
		"DAQmxCfgSampClkTiming")
}

// SetSampleTimingType switches the timing type
func (n *NI) SetSampleTimingType(t Task, typ TimingType) error {
	h, err := n.handle(t, "DAQmxSetSampTimingType")
	if err != nil {
		return err
	}
	var v C.int32
	switch typ {
	case OnDemand:
		v = C.DAQmx_Val_OnDemand
	case SampleClock:
		v = C.DAQmx_Val_SampClk
	case Implicit:
		v = C.DAQmx_Val_Implicit
	default:
		return fmt.Errorf("daqmx: unknown timing type %d", typ)
	}
	return status(C.DAQmxSetSampTimingType(h, v), "DAQmxSetSampTimingType")
}

// CfgInputBuffer overrides the input buffer size
func (n *NI) CfgInputBuffer(t Task, samps uint32) error {
	h, err := n.handle(t, "DAQmxCfgInputBuffer")
	if err != nil {
		return err
	}
	return status(C.DAQmxCfgInputBuffer(h, C.uInt32(samps)), "DAQmxCfgInputBuffer")
}

// SetCISemiPeriodTerm selects the measured terminal
func (n *NI) SetCISemiPeriodTerm(t Task, counter, terminal string) error {
	h, err := n.handle(t, "DAQmxSetCISemiPeriodTerm")
	if err != nil {
		return err
	}
	cc, ct := C.CString(counter), C.CString(terminal)
	defer C.free(unsafe.Pointer(cc))
	defer C.free(unsafe.Pointer(ct))
	return status(C.DAQmxSetCISemiPeriodTerm(h, cc, ct), "DAQmxSetCISemiPeriodTerm")
}

// SetCIPulseWidthTerm selects the measured terminal
func (n *NI) SetCIPulseWidthTerm(t Task, counter, terminal string) error {
	h, err := n.handle(t, "DAQmxSetCIPulseWidthTerm")
	if err != nil {
		return err
	}
	cc, ct := C.CString(counter), C.CString(terminal)
	defer C.free(unsafe.Pointer(cc))
	defer C.free(unsafe.Pointer(ct))
	return status(C.DAQmxSetCIPulseWidthTerm(h, cc, ct), "DAQmxSetCIPulseWidthTerm")
}

// SetCICtrTimebaseSrc selects the counted terminal
func (n *NI) SetCICtrTimebaseSrc(t Task, counter, terminal string) error {
	h, err := n.handle(t, "DAQmxSetCICtrTimebaseSrc")
	if err != nil {
		return err
	}
	cc, ct := C.CString(counter), C.CString(terminal)
	defer C.free(unsafe.Pointer(cc))
	defer C.free(unsafe.Pointer(ct))
	return status(C.DAQmxSetCICtrTimebaseSrc(h, cc, ct), "DAQmxSetCICtrTimebaseSrc")
}

// SetReadPolicy configures buffered reads
func (n *NI) SetReadPolicy(t Task, p ReadPolicy) error {
	h, err := n.handle(t, "DAQmxSetReadRelativeTo")
	if err != nil {
		return err
	}
	var rel C.int32
	switch p.RelativeTo {
	case FirstSample:
		rel = C.DAQmx_Val_FirstSample
	case MostRecentSample:
		rel = C.DAQmx_Val_MostRecentSamp
	default:
		rel = C.DAQmx_Val_CurrReadPos
	}
	if err = status(C.DAQmxSetReadRelativeTo(h, rel), "DAQmxSetReadRelativeTo"); err != nil {
		return err
	}
	if err = status(C.DAQmxSetReadOffset(h, C.int32(p.Offset)), "DAQmxSetReadOffset"); err != nil {
		return err
	}
	var ow C.int32 = C.DAQmx_Val_DoNotOverwriteUnreadSamps
	if p.Overwrite == OverwriteUnread {
		ow = C.DAQmx_Val_OverwriteUnreadSamps
	}
	if err = status(C.DAQmxSetReadOverWrite(h, ow), "DAQmxSetReadOverWrite"); err != nil {
		return err
	}
	return status(C.DAQmxSetReadReadAllAvailSamp(h, cbool(p.ReadAllAvailable)), "DAQmxSetReadReadAllAvailSamp")
}

// AvailableSamples returns the number of unread samples per channel
func (n *NI) AvailableSamples(t Task) (uint32, error) {
	h, err := n.handle(t, "DAQmxGetReadAvailSampPerChan")
	if err != nil {
		return 0, err
	}
	var v C.uInt32
	err = status(C.DAQmxGetReadAvailSampPerChan(h, &v), "DAQmxGetReadAvailSampPerChan")
	return uint32(v), err
}

// bufferFor sizes a read buffer; Auto reads size to what is available
func (n *NI) bufferFor(t Task, h C.TaskHandle, samps, limit int) (int, error) {
	if samps != Auto {
		return samps, nil
	}
	var v C.uInt32
	if err := status(C.DAQmxGetReadAvailSampPerChan(h, &v), "DAQmxGetReadAvailSampPerChan"); err != nil {
		return 0, err
	}
	if limit >= 0 && int(v) > limit {
		return limit, nil
	}
	return int(v), nil
}

// ReadCounterU32 reads samps counter samples into buf.  When the task reads
// all available samples, Auto is resolved to what is buffered, at most
// len(buf), so the driver is never asked for more than buf holds.
func (n *NI) ReadCounterU32(t Task, samps int, timeout time.Duration, buf []uint32) (int, error) {
	h, err := n.handle(t, "DAQmxReadCounterU32")
	if err != nil {
		return 0, err
	}
	if samps > len(buf) || len(buf) == 0 {
		return 0, enrich(CodeBufferTooSmall, "DAQmxReadCounterU32")
	}
	want := samps
	if samps == Auto {
		var all C.bool32
		if err = status(C.DAQmxGetReadReadAllAvailSamp(h, &all), "DAQmxGetReadReadAllAvailSamp"); err != nil {
			return 0, err
		}
		if all != 0 {
			if want, err = n.bufferFor(t, h, samps, len(buf)); err != nil || want == 0 {
				return 0, err
			}
		}
	}
	var read C.int32
	err = status(C.DAQmxReadCounterU32(h, C.int32(want), seconds(timeout),
		(*C.uInt32)(unsafe.Pointer(&buf[0])), C.uInt32(len(buf)), &read, nil), "DAQmxReadCounterU32")
	if err != nil {
		return 0, err
	}
	return int(read), nil
}

// ReadAnalogF64 reads samps samples per channel, grouped by channel
func (n *NI) ReadAnalogF64(t Task, samps int, timeout time.Duration) ([]float64, int, error) {
	h, err := n.handle(t, "DAQmxReadAnalogF64")
	if err != nil {
		return nil, 0, err
	}
	size, err := n.bufferFor(t, h, samps, -1)
	if err != nil || size == 0 {
		return []float64{}, 0, err
	}
	n.mu.Lock()
	nch := n.chans[t]
	n.mu.Unlock()
	buf := make([]float64, size*nch)
	var read C.int32
	err = status(C.DAQmxReadAnalogF64(h, C.int32(size), seconds(timeout), C.DAQmx_Val_GroupByChannel,
		(*C.float64)(unsafe.Pointer(&buf[0])), C.uInt32(len(buf)), &read, nil), "DAQmxReadAnalogF64")
	if err != nil {
		return nil, 0, err
	}
	if int(read) == size {
		return buf, size, nil
	}
	// compact channel groups when fewer samples than requested were read
	out := make([]float64, 0, int(read)*nch)
	for j := 0; j < nch; j++ {
		out = append(out, buf[j*size:j*size+int(read)]...)
	}
	return out, int(read), nil
}

// WriteAnalogF64 writes samps samples per channel, grouped by channel
func (n *NI) WriteAnalogF64(t Task, samps int, autoStart bool, timeout time.Duration, data []float64) (int, error) {
	h, err := n.handle(t, "DAQmxWriteAnalogF64")
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, enrich(CodeChannelCountMismatch, "DAQmxWriteAnalogF64")
	}
	var written C.int32
	err = status(C.DAQmxWriteAnalogF64(h, C.int32(samps), cbool(autoStart), seconds(timeout), C.DAQmx_Val_GroupByChannel,
		(*C.float64)(unsafe.Pointer(&data[0])), &written, nil), "DAQmxWriteAnalogF64")
	return int(written), err
}

// WriteDigitalU32 writes samps samples of a digital output
func (n *NI) WriteDigitalU32(t Task, samps int, autoStart bool, timeout time.Duration, data []uint32) (int, error) {
	h, err := n.handle(t, "DAQmxWriteDigitalU32")
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, enrich(CodeChannelCountMismatch, "DAQmxWriteDigitalU32")
	}
	var written C.int32
	err = status(C.DAQmxWriteDigitalU32(h, C.int32(samps), cbool(autoStart), seconds(timeout), C.DAQmx_Val_GroupByChannel,
		(*C.uInt32)(unsafe.Pointer(&data[0])), &written, nil), "DAQmxWriteDigitalU32")
	return int(written), err
}

// ConnectTerms routes src to dst
func (n *NI) ConnectTerms(src, dst string) error {
	cs, cd := C.CString(src), C.CString(dst)
	defer C.free(unsafe.Pointer(cs))
	defer C.free(unsafe.Pointer(cd))
	return status(C.DAQmxConnectTerms(cs, cd, C.DAQmx_Val_DoNotInvertPolarity), "DAQmxConnectTerms")
}

// DisconnectTerms removes a route
func (n *NI) DisconnectTerms(src, dst string) error {
	cs, cd := C.CString(src), C.CString(dst)
	defer C.free(unsafe.Pointer(cs))
	defer C.free(unsafe.Pointer(cd))
	return status(C.DAQmxDisconnectTerms(cs, cd), "DAQmxDisconnectTerms")
}

// ResetDevice resets a device
func (n *NI) ResetDevice(device string) error {
	cs := C.CString(device)
	defer C.free(unsafe.Pointer(cs))
	return status(C.DAQmxResetDevice(cs), "DAQmxResetDevice")
}

// SelfTestDevice self tests a device
func (n *NI) SelfTestDevice(device string) error {
	cs := C.CString(device)
	defer C.free(unsafe.Pointer(cs))
	return status(C.DAQmxSelfTestDevice(cs), "DAQmxSelfTestDevice")
}
