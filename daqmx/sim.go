package daqmx

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PhotonFeed returns the cumulative number of source edges seen at the i-th
// timebase edge after a counter is armed.  Edge 0 is the first edge the
// counter observes.
type PhotonFeed func(i int) uint64

// CumulativeFeed replays a fixed cumulative sequence and holds its last value
func CumulativeFeed(cum []uint64) PhotonFeed {
	return func(i int) uint64 {
		if len(cum) == 0 {
			return 0
		}
		if i >= len(cum) {
			return cum[len(cum)-1]
		}
		return cum[i]
	}
}

// RateFeed produces perEdge source edges in every half period
func RateFeed(perEdge uint64) PhotonFeed {
	return func(i int) uint64 {
		return uint64(i) * perEdge
	}
}

// Call is one recorded driver call
type Call struct {
	// Procedure is the Driver method name
	Procedure string

	// Task is the task operated on, 0 for device level calls
	Task Task

	// Target is the channel, terminal or device named in the call
	Target string

	// Samples is the number of samples requested, read or written
	Samples int
}

type taskKind int

const (
	kindEmpty taskKind = iota
	kindCO
	kindCISemi
	kindCIPulse
	kindAO
	kindAI
	kindDO
)

type simChan struct {
	phys     string
	min, max float64
	semiTerm string
	pwTerm   string
	tbSrc    string
}

type simTask struct {
	name    string
	kind    taskKind
	chans   []simChan
	mode    SampleMode
	samps   int
	timing  TimingType
	clock   string
	buf     int
	policy  ReadPolicy
	running bool
	done    bool

	idle    Level
	freq    float64
	emitted int

	ci       []uint32
	ai       [][]float64
	acquired int
	readPos  int
	overflow bool
	edges    int
	prevCum  uint64

	out      []float64
	outSamps int
	outPos   int
	pattern  []uint32
}

func (t *simTask) internalOutput() string {
	return t.chans[0].phys + strings.ToLower(InternalOutput)
}

// Sim is a simulated multi-function DAQ board.
//
// Counter outputs configured for a finite number of ticks deliver every edge
// to their consumers the moment they are started, so consumers must be
// running first.  Continuous counter outputs produce edges on demand, when a
// consumer reads or waits, or explicitly through Advance.
type Sim struct {
	mu       sync.Mutex
	devices  map[string]bool
	tasks    map[Task]*simTask
	next     Task
	reserved map[string]Task
	routes   map[string]string
	feeds    map[string]PhotonFeed
	voltages map[string]func(int) float64
	outputs  map[string][]float64
	digital  map[string][]uint32
	faults   map[string][]int
	resets   map[string]int
	calls    []Call
	poll     time.Duration
}

var simChannel = regexp.MustCompile(`^(ctr[0-3]|ao[0-3]|ai([0-9]|1[0-5])|pfi([0-9]|1[0-5])|port0/line[0-7](:[0-7])?)$`)

// NewSim returns a simulated board hosting the named devices, e.g. "Dev1".
// Each device has counters ctr0-3, analog outputs ao0-3, analog inputs
// ai0-15, PFI terminals 0-15 and digital lines port0/line0-7.
func NewSim(devices ...string) *Sim {
	s := &Sim{
		devices:  make(map[string]bool),
		tasks:    make(map[Task]*simTask),
		reserved: make(map[string]Task),
		routes:   make(map[string]string),
		feeds:    make(map[string]PhotonFeed),
		voltages: make(map[string]func(int) float64),
		outputs:  make(map[string][]float64),
		digital:  make(map[string][]uint32),
		faults:   make(map[string][]int),
		resets:   make(map[string]int),
		poll:     time.Millisecond,
	}
	for _, d := range devices {
		s.devices[strings.ToLower(d)] = true
	}
	return s
}

func norm(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s != "" && !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return s
}

// split separates /dev/chan into its parts
func split(name string) (string, string) {
	parts := strings.SplitN(strings.TrimPrefix(norm(name), "/"), "/", 2)
	if len(parts) != 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func (s *Sim) validChannel(name string) bool {
	dev, ch := split(name)
	return s.devices[dev] && simChannel.MatchString(ch)
}

func (s *Sim) validTerminal(name string) bool {
	dev, ch := split(name)
	if !s.devices[dev] {
		return false
	}
	if simChannel.MatchString(ch) {
		return true
	}
	return strings.HasSuffix(ch, strings.ToLower(InternalOutput)) &&
		simChannel.MatchString(strings.TrimSuffix(ch, strings.ToLower(InternalOutput)))
}

// record logs a call and consumes an injected fault for it.  Caller holds s.mu.
func (s *Sim) record(proc string, t Task, target string, samples int) error {
	s.calls = append(s.calls, Call{Procedure: proc, Task: t, Target: target, Samples: samples})
	if q := s.faults[proc]; len(q) > 0 {
		s.faults[proc] = q[1:]
		return enrich(q[0], proc)
	}
	return nil
}

func (s *Sim) task(t Task, proc string) (*simTask, error) {
	st, ok := s.tasks[t]
	if !ok {
		return nil, enrich(CodeInvalidTask, proc)
	}
	return st, nil
}

// FailNext makes the next call to procedure fail with code.
// Repeated calls queue several failures.
func (s *Sim) FailNext(procedure string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[procedure] = append(s.faults[procedure], code)
}

// SetFeed connects a photon feed to a source terminal, e.g. /Dev1/PFI8
func (s *Sim) SetFeed(terminal string, feed PhotonFeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[norm(terminal)] = feed
}

// SetVoltage makes an analog input return fn(i) for its i-th sample
func (s *Sim) SetVoltage(channel string, fn func(i int) float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltages[norm(channel)] = fn
}

// SetPollInterval changes how often blocked reads and waits re-check the buffers
func (s *Sim) SetPollInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poll = d
}

// Calls returns a copy of the call log
func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Outputs returns every voltage generated on an analog output, in order
func (s *Sim) Outputs(channel string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.outputs[norm(channel)]))
	copy(out, s.outputs[norm(channel)])
	return out
}

// Digital returns every value generated on a set of digital lines, in order
func (s *Sim) Digital(lines string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.digital[norm(lines)]))
	copy(out, s.digital[norm(lines)])
	return out
}

// Routes returns the active terminal routes, destination to source
func (s *Sim) Routes() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.routes))
	for k, v := range s.routes {
		out[k] = v
	}
	return out
}

// Resets returns how many times a device was reset
func (s *Sim) Resets(device string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[strings.ToLower(device)]
}

// TaskCount returns the number of tasks not yet cleared
func (s *Sim) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Running returns the names of running tasks
func (s *Sim) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.tasks {
		if t.running {
			out = append(out, t.name)
		}
	}
	return out
}

// Advance emits ticks on the running, continuous counter output on counter
func (s *Sim) Advance(counter string, ticks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := norm(counter)
	for _, t := range s.tasks {
		if t.kind == kindCO && t.running && t.chans[0].phys == c {
			s.tick(t, ticks)
			return nil
		}
	}
	return fmt.Errorf("sim: no running counter output on %s", counter)
}

// Gate delivers externally generated gate pulses of the given widths, in
// ticks, to every running pulse-width counter measuring terminal
func (s *Sim) Gate(terminal string, widths ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	term := s.resolve(norm(terminal))
	for _, t := range s.tasks {
		if t.kind != kindCIPulse || !t.running || s.resolve(t.chans[0].pwTerm) != term {
			continue
		}
		for _, w := range widths {
			if t.mode == Finite && t.acquired >= t.samps {
				break
			}
			t.ci = append(t.ci, w)
			t.push()
		}
	}
}

// resolve follows routes back to the originating terminal
func (s *Sim) resolve(term string) string {
	for i := 0; i < 8; i++ {
		src, ok := s.routes[term]
		if !ok {
			return term
		}
		term = src
	}
	return term
}

// clockTerm is the terminal pacing a consumer task, or "" if none
func (t *simTask) clockTerm() string {
	switch t.kind {
	case kindCISemi:
		return t.chans[0].semiTerm
	case kindAO, kindAI, kindDO:
		if t.timing == SampleClock {
			return t.clock
		}
	}
	return ""
}

// push accounts for one newly acquired sample per channel
func (t *simTask) push() {
	t.acquired++
	if t.acquired-t.readPos > t.buf {
		if t.policy.Overwrite == OverwriteUnread {
			t.readPos = t.acquired - t.buf
		} else {
			t.overflow = true
		}
	}
	if t.mode == Finite && t.acquired >= t.samps {
		t.done = true
	}
}

// tick emits ticks on a counter output, each a rising and a falling edge
func (s *Sim) tick(co *simTask, ticks int) {
	src := co.internalOutput()
	var consumers []*simTask
	for _, t := range s.tasks {
		if t.running && !t.done && t.clockTerm() != "" && s.resolve(t.clockTerm()) == src {
			consumers = append(consumers, t)
		}
	}
	for i := 0; i < ticks; i++ {
		if co.done {
			return
		}
		co.emitted++
		for _, c := range consumers {
			s.edge(c, true)
		}
		for _, c := range consumers {
			s.edge(c, false)
		}
		if co.mode == Finite && co.emitted >= co.samps {
			co.done = true
		}
	}
}

func (s *Sim) edge(c *simTask, rising bool) {
	if c.done {
		return
	}
	switch c.kind {
	case kindCISemi:
		feed := s.feeds[c.chans[0].tbSrc]
		var cum uint64
		if feed != nil {
			cum = feed(c.edges)
		}
		c.edges++
		c.ci = append(c.ci, uint32(cum-c.prevCum))
		c.prevCum = cum
		c.push()
	case kindAI:
		if !rising {
			return
		}
		for j, ch := range c.chans {
			var v float64
			if fn := s.voltages[ch.phys]; fn != nil {
				v = fn(c.acquired)
			}
			c.ai[j] = append(c.ai[j], v)
		}
		c.push()
	case kindAO:
		if !rising || c.outSamps == 0 {
			return
		}
		if c.outPos >= c.outSamps {
			if c.mode == Finite {
				return
			}
			c.outPos = 0
		}
		for j, ch := range c.chans {
			s.outputs[ch.phys] = append(s.outputs[ch.phys], c.out[j*c.outSamps+c.outPos])
		}
		c.outPos++
		c.acquired++
		if c.mode == Finite && c.acquired >= c.samps {
			c.done = true
		}
	case kindDO:
		if !rising || len(c.pattern) == 0 {
			return
		}
		lines := c.chans[0].phys
		s.digital[lines] = append(s.digital[lines], c.pattern[c.outPos%len(c.pattern)])
		c.outPos++
		c.acquired++
		if c.mode == Finite && c.acquired >= c.samps {
			c.done = true
		}
	}
}

// clockOf returns the running counter output pacing t, if any
func (s *Sim) clockOf(t *simTask) *simTask {
	term := t.clockTerm()
	if term == "" {
		return nil
	}
	src := s.resolve(term)
	for _, co := range s.tasks {
		if co.kind == kindCO && co.running && !co.done && co.internalOutput() == src {
			return co
		}
	}
	return nil
}

// pump advances a continuous clock far enough for t to gain need samples
func (s *Sim) pump(t *simTask, need int) {
	co := s.clockOf(t)
	if co == nil || co.mode != Continuous || need <= 0 {
		return
	}
	ticks := need
	if t.kind == kindCISemi {
		ticks = (need + 1) / 2
	}
	s.tick(co, ticks)
}

// waitFor blocks until ready is true or timeout elapses.
// It is called with s.mu held and returns with s.mu held.
func (s *Sim) waitFor(timeout time.Duration, ready func() bool) bool {
	if ready() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	lim := rate.NewLimiter(rate.Every(s.poll), 1)
	for {
		s.mu.Unlock()
		err := lim.Wait(ctx)
		s.mu.Lock()
		if ready() {
			return true
		}
		if err != nil {
			return false
		}
	}
}

// CreateTask makes a new, empty task
func (s *Sim) CreateTask(name string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateTask", 0, name, 0); err != nil {
		return 0, err
	}
	s.next++
	s.tasks[s.next] = &simTask{name: name, buf: 1000}
	return s.next, nil
}

// ClearTask releases a task and every resource it reserved
func (s *Sim) ClearTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ClearTask", t, "", 0); err != nil {
		return err
	}
	if _, err := s.task(t, "ClearTask"); err != nil {
		return err
	}
	s.release(t)
	delete(s.tasks, t)
	return nil
}

func (s *Sim) release(t Task) {
	for ch, owner := range s.reserved {
		if owner == t {
			delete(s.reserved, ch)
		}
	}
}

// StartTask transitions a task to running, reserving its resources
func (s *Sim) StartTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StartTask", t, "", 0); err != nil {
		return err
	}
	return s.start(t, "StartTask")
}

func (s *Sim) start(t Task, proc string) error {
	st, err := s.task(t, proc)
	if err != nil {
		return err
	}
	if st.running {
		return nil
	}
	for _, ch := range st.chans {
		if owner, ok := s.reserved[ch.phys]; ok && owner != t {
			return enrich(CodeResourceReserved, proc)
		}
	}
	for _, ch := range st.chans {
		s.reserved[ch.phys] = t
	}
	st.running, st.done = true, false
	st.emitted, st.acquired, st.readPos, st.edges, st.prevCum = 0, 0, 0, 0, 0
	st.overflow = false
	st.ci = nil
	for j := range st.ai {
		st.ai[j] = nil
	}
	st.outPos = 0
	if st.kind == kindCO && st.mode == Finite {
		s.tick(st, st.samps)
	}
	return nil
}

// StopTask stops a running task
func (s *Sim) StopTask(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("StopTask", t, "", 0); err != nil {
		return err
	}
	st, err := s.task(t, "StopTask")
	if err != nil {
		return err
	}
	st.running = false
	s.release(t)
	return nil
}

// WaitUntilTaskDone blocks until a finite task completes or the timeout elapses
func (s *Sim) WaitUntilTaskDone(t Task, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("WaitUntilTaskDone", t, "", 0); err != nil {
		return err
	}
	st, err := s.task(t, "WaitUntilTaskDone")
	if err != nil {
		return err
	}
	if st.mode == Finite && st.running && !st.done {
		s.pump(st, st.samps-st.acquired)
	}
	ok := s.waitFor(timeout, func() bool {
		cur, live := s.tasks[t]
		return !live || cur.done
	})
	if !ok {
		return enrich(CodeWaitTimeout, "WaitUntilTaskDone")
	}
	if _, live := s.tasks[t]; !live {
		return enrich(CodeInvalidTask, "WaitUntilTaskDone")
	}
	return nil
}

// IsTaskDone reports if a task has completed
func (s *Sim) IsTaskDone(t Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("IsTaskDone", t, "", 0); err != nil {
		return false, err
	}
	st, err := s.task(t, "IsTaskDone")
	if err != nil {
		return false, err
	}
	return st.done, nil
}

func (s *Sim) addChan(t Task, proc string, kind taskKind, ch simChan) error {
	if err := s.record(proc, t, ch.phys, 0); err != nil {
		return err
	}
	st, err := s.task(t, proc)
	if err != nil {
		return err
	}
	if kind != kindDO && !s.validChannel(ch.phys) {
		return enrich(CodePhysicalChannelNotExist, proc)
	}
	if st.kind != kindEmpty && (st.kind != kind || kind == kindCO || kind == kindCISemi || kind == kindCIPulse || kind == kindDO) {
		return enrich(CodeInvalidAttributeValue, proc)
	}
	if ch.min > ch.max {
		return enrich(CodeInvalidAttributeValue, proc)
	}
	st.kind = kind
	st.chans = append(st.chans, ch)
	if kind == kindAI {
		st.ai = append(st.ai, nil)
	}
	return nil
}

// CreateCOPulseChanFreq adds a counter output generating a pulse train
func (s *Sim) CreateCOPulseChanFreq(t Task, counter string, idle Level, initialDelay, freq, duty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if freq <= 0 || duty <= 0 || duty >= 1 {
		s.record("CreateCOPulseChanFreq", t, norm(counter), 0)
		return enrich(CodeInvalidAttributeValue, "CreateCOPulseChanFreq")
	}
	if err := s.addChan(t, "CreateCOPulseChanFreq", kindCO, simChan{phys: norm(counter)}); err != nil {
		return err
	}
	st := s.tasks[t]
	st.freq, st.idle = freq, idle
	st.mode, st.samps = Continuous, 1000
	return nil
}

// CreateCISemiPeriodChan adds a counter input measuring each half period
func (s *Sim) CreateCISemiPeriodChan(t Task, counter string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addChan(t, "CreateCISemiPeriodChan", kindCISemi, simChan{phys: norm(counter), min: min, max: max})
}

// CreateCIPulseWidthChan adds a counter input measuring pulse widths
func (s *Sim) CreateCIPulseWidthChan(t Task, counter string, min, max float64, startingEdge Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addChan(t, "CreateCIPulseWidthChan", kindCIPulse, simChan{phys: norm(counter), min: min, max: max})
}

// CreateAOVoltageChan adds an analog output
func (s *Sim) CreateAOVoltageChan(t Task, channel string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addChan(t, "CreateAOVoltageChan", kindAO, simChan{phys: norm(channel), min: min, max: max})
}

// CreateAIVoltageChan adds an analog input
func (s *Sim) CreateAIVoltageChan(t Task, channel string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addChan(t, "CreateAIVoltageChan", kindAI, simChan{phys: norm(channel), min: min, max: max})
}

// CreateDOChan adds digital output lines
func (s *Sim) CreateDOChan(t Task, lines string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validChannel(lines) {
		s.record("CreateDOChan", t, norm(lines), 0)
		return enrich(CodePhysicalChannelNotExist, "CreateDOChan")
	}
	return s.addChan(t, "CreateDOChan", kindDO, simChan{phys: norm(lines)})
}

// CfgImplicitTiming sets the sample mode and buffer size of a counter task
func (s *Sim) CfgImplicitTiming(t Task, mode SampleMode, samps uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CfgImplicitTiming", t, "", int(samps)); err != nil {
		return err
	}
	st, err := s.task(t, "CfgImplicitTiming")
	if err != nil {
		return err
	}
	if st.kind != kindCO && st.kind != kindCISemi && st.kind != kindCIPulse {
		return enrich(CodeInvalidTiming, "CfgImplicitTiming")
	}
	if samps == 0 {
		return enrich(CodeInvalidAttributeValue, "CfgImplicitTiming")
	}
	st.timing, st.mode, st.samps, st.buf = Implicit, mode, int(samps), int(samps)
	return nil
}

// CfgSampClkTiming paces a task on a clock terminal
func (s *Sim) CfgSampClkTiming(t Task, source string, rateHz float64, edge Edge, mode SampleMode, samps uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CfgSampClkTiming", t, norm(source), int(samps)); err != nil {
		return err
	}
	st, err := s.task(t, "CfgSampClkTiming")
	if err != nil {
		return err
	}
	if st.kind != kindAO && st.kind != kindAI && st.kind != kindDO {
		return enrich(CodeInvalidTiming, "CfgSampClkTiming")
	}
	if !s.validTerminal(source) || rateHz <= 0 || samps == 0 {
		return enrich(CodeInvalidAttributeValue, "CfgSampClkTiming")
	}
	st.timing, st.clock, st.mode, st.samps, st.buf = SampleClock, norm(source), mode, int(samps), int(samps)
	return nil
}

// SetSampleTimingType switches the timing type of a task
func (s *Sim) SetSampleTimingType(t Task, typ TimingType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetSampleTimingType", t, "", 0); err != nil {
		return err
	}
	st, err := s.task(t, "SetSampleTimingType")
	if err != nil {
		return err
	}
	if st.running {
		return enrich(CodeInvalidAttributeValue, "SetSampleTimingType")
	}
	st.timing = typ
	if typ == OnDemand {
		st.clock = ""
		st.out, st.outSamps, st.outPos = nil, 0, 0
	}
	return nil
}

// CfgInputBuffer overrides the input buffer size of a task
func (s *Sim) CfgInputBuffer(t Task, samps uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CfgInputBuffer", t, "", int(samps)); err != nil {
		return err
	}
	st, err := s.task(t, "CfgInputBuffer")
	if err != nil {
		return err
	}
	st.buf = int(samps)
	return nil
}

func (s *Sim) setTerm(t Task, proc, counter, terminal string, set func(*simChan, string)) error {
	if err := s.record(proc, t, norm(terminal), 0); err != nil {
		return err
	}
	st, err := s.task(t, proc)
	if err != nil {
		return err
	}
	if len(st.chans) == 0 || st.chans[0].phys != norm(counter) {
		return enrich(CodePhysicalChannelNotExist, proc)
	}
	if !s.validTerminal(terminal) {
		return enrich(CodeInvalidAttributeValue, proc)
	}
	set(&st.chans[0], norm(terminal))
	return nil
}

// SetCISemiPeriodTerm selects the terminal whose half periods are measured
func (s *Sim) SetCISemiPeriodTerm(t Task, counter, terminal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTerm(t, "SetCISemiPeriodTerm", counter, terminal, func(c *simChan, v string) { c.semiTerm = v })
}

// SetCIPulseWidthTerm selects the terminal whose pulse widths are measured
func (s *Sim) SetCIPulseWidthTerm(t Task, counter, terminal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTerm(t, "SetCIPulseWidthTerm", counter, terminal, func(c *simChan, v string) { c.pwTerm = v })
}

// SetCICtrTimebaseSrc selects the terminal whose edges are counted
func (s *Sim) SetCICtrTimebaseSrc(t Task, counter, terminal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTerm(t, "SetCICtrTimebaseSrc", counter, terminal, func(c *simChan, v string) { c.tbSrc = v })
}

// SetReadPolicy configures buffered reads of a task
func (s *Sim) SetReadPolicy(t Task, p ReadPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetReadPolicy", t, "", 0); err != nil {
		return err
	}
	st, err := s.task(t, "SetReadPolicy")
	if err != nil {
		return err
	}
	st.policy = p
	return nil
}

// AvailableSamples returns the number of unread samples
func (s *Sim) AvailableSamples(t Task) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("AvailableSamples", t, "", 0); err != nil {
		return 0, err
	}
	st, err := s.task(t, "AvailableSamples")
	if err != nil {
		return 0, err
	}
	return uint32(st.acquired - st.readPos), nil
}

// window resolves the samples a read returns, waiting for them when needed.
// limit caps Auto reads, negative for no cap.  Caller holds s.mu.
func (s *Sim) window(t Task, proc string, samps, limit int, timeout time.Duration) (*simTask, int, int, error) {
	st, err := s.task(t, proc)
	if err != nil {
		return nil, 0, 0, err
	}
	if !st.running {
		return nil, 0, 0, enrich(CodeTaskNotRunning, proc)
	}
	start := func() int {
		if st.policy.RelativeTo == FirstSample {
			return st.policy.Offset
		}
		return st.readPos + st.policy.Offset
	}
	avail := func() int { return st.acquired - start() }
	if st.overflow {
		return nil, 0, 0, enrich(CodeSamplesNotAvailable, proc)
	}
	if samps == Auto {
		if st.mode != Finite || st.policy.ReadAllAvailable {
			n := avail()
			if limit >= 0 && n > limit {
				n = limit
			}
			if n < 0 {
				n = 0
			}
			return st, start(), n, nil
		}
		// a finite task without ReadAllAvailable waits for the whole acquisition
		samps = st.samps - start()
		if limit >= 0 && samps > limit {
			return nil, 0, 0, enrich(CodeBufferTooSmall, proc)
		}
		if samps <= 0 {
			return st, start(), 0, nil
		}
	}
	s.pump(st, samps-avail())
	ok := s.waitFor(timeout, func() bool {
		cur, live := s.tasks[t]
		return !live || cur.overflow || !cur.running || avail() >= samps
	})
	if cur, live := s.tasks[t]; !live || !cur.running {
		return nil, 0, 0, enrich(CodeTaskNotRunning, proc)
	}
	if st.overflow {
		return nil, 0, 0, enrich(CodeSamplesNotAvailable, proc)
	}
	if !ok {
		return nil, 0, 0, enrich(CodeReadTimeout, proc)
	}
	return st, start(), samps, nil
}

// ReadCounterU32 reads samps samples of a counter input into buf
func (s *Sim) ReadCounterU32(t Task, samps int, timeout time.Duration, buf []uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ReadCounterU32", t, "", samps); err != nil {
		return 0, err
	}
	if samps > len(buf) || len(buf) == 0 {
		return 0, enrich(CodeBufferTooSmall, "ReadCounterU32")
	}
	st, from, n, err := s.window(t, "ReadCounterU32", samps, len(buf), timeout)
	if err != nil {
		return 0, err
	}
	if st.kind != kindCISemi && st.kind != kindCIPulse {
		return 0, enrich(CodeInvalidAttributeValue, "ReadCounterU32")
	}
	copy(buf, st.ci[from:from+n])
	st.readPos = from + n
	return n, nil
}

// ReadAnalogF64 reads samps samples per channel, grouped by channel
func (s *Sim) ReadAnalogF64(t Task, samps int, timeout time.Duration) ([]float64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ReadAnalogF64", t, "", samps); err != nil {
		return nil, 0, err
	}
	st, from, n, err := s.window(t, "ReadAnalogF64", samps, -1, timeout)
	if err != nil {
		return nil, 0, err
	}
	if st.kind != kindAI {
		return nil, 0, enrich(CodeInvalidAttributeValue, "ReadAnalogF64")
	}
	out := make([]float64, 0, n*len(st.chans))
	for j := range st.chans {
		out = append(out, st.ai[j][from:from+n]...)
	}
	st.readPos = from + n
	return out, n, nil
}

// WriteAnalogF64 writes samps samples per channel, grouped by channel
func (s *Sim) WriteAnalogF64(t Task, samps int, autoStart bool, timeout time.Duration, data []float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("WriteAnalogF64", t, "", samps); err != nil {
		return 0, err
	}
	st, err := s.task(t, "WriteAnalogF64")
	if err != nil {
		return 0, err
	}
	if st.kind != kindAO {
		return 0, enrich(CodeInvalidAttributeValue, "WriteAnalogF64")
	}
	if samps <= 0 || len(data) != samps*len(st.chans) {
		return 0, enrich(CodeChannelCountMismatch, "WriteAnalogF64")
	}
	for j, ch := range st.chans {
		for _, v := range data[j*samps : (j+1)*samps] {
			if v < ch.min || v > ch.max {
				return 0, enrich(CodeInvalidAttributeValue, "WriteAnalogF64")
			}
		}
	}
	if st.timing != SampleClock {
		for _, ch := range st.chans {
			if owner, ok := s.reserved[ch.phys]; ok && owner != t {
				return 0, enrich(CodeResourceReserved, "WriteAnalogF64")
			}
		}
		for j, ch := range st.chans {
			s.outputs[ch.phys] = append(s.outputs[ch.phys], data[j*samps+samps-1])
		}
		return samps, nil
	}
	st.out = append([]float64(nil), data...)
	st.outSamps, st.outPos = samps, 0
	if autoStart {
		if err := s.start(t, "WriteAnalogF64"); err != nil {
			return 0, err
		}
	}
	return samps, nil
}

// WriteDigitalU32 writes samps samples of a digital output
func (s *Sim) WriteDigitalU32(t Task, samps int, autoStart bool, timeout time.Duration, data []uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("WriteDigitalU32", t, "", samps); err != nil {
		return 0, err
	}
	st, err := s.task(t, "WriteDigitalU32")
	if err != nil {
		return 0, err
	}
	if st.kind != kindDO {
		return 0, enrich(CodeInvalidAttributeValue, "WriteDigitalU32")
	}
	if samps <= 0 || len(data) != samps {
		return 0, enrich(CodeChannelCountMismatch, "WriteDigitalU32")
	}
	if st.timing != SampleClock {
		lines := st.chans[0].phys
		s.digital[lines] = append(s.digital[lines], data[samps-1])
		return samps, nil
	}
	st.pattern = append([]uint32(nil), data...)
	st.outPos = 0
	if autoStart {
		if err := s.start(t, "WriteDigitalU32"); err != nil {
			return 0, err
		}
	}
	return samps, nil
}

// ConnectTerms routes src to dst
func (s *Sim) ConnectTerms(src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ConnectTerms", 0, norm(src)+"->"+norm(dst), 0); err != nil {
		return err
	}
	if !s.validTerminal(src) || !s.validTerminal(dst) {
		return enrich(CodeRouteFailed, "ConnectTerms")
	}
	if cur, ok := s.routes[norm(dst)]; ok && cur != norm(src) {
		return enrich(CodeResourceReserved, "ConnectTerms")
	}
	s.routes[norm(dst)] = norm(src)
	return nil
}

// DisconnectTerms removes a route
func (s *Sim) DisconnectTerms(src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DisconnectTerms", 0, norm(src)+"->"+norm(dst), 0); err != nil {
		return err
	}
	if s.routes[norm(dst)] == norm(src) {
		delete(s.routes, norm(dst))
	}
	return nil
}

// ResetDevice clears every task and route on a device
func (s *Sim) ResetDevice(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := strings.ToLower(device)
	if err := s.record("ResetDevice", 0, dev, 0); err != nil {
		return err
	}
	if !s.devices[dev] {
		return enrich(CodeDeviceNotFound, "ResetDevice")
	}
	prefix := "/" + dev + "/"
	for id, t := range s.tasks {
		for _, ch := range t.chans {
			if strings.HasPrefix(ch.phys, prefix) {
				s.release(id)
				delete(s.tasks, id)
				break
			}
		}
	}
	for dst, src := range s.routes {
		if strings.HasPrefix(dst, prefix) || strings.HasPrefix(src, prefix) {
			delete(s.routes, dst)
		}
	}
	s.resets[dev]++
	return nil
}

// SelfTestDevice checks that a device exists
func (s *Sim) SelfTestDevice(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := strings.ToLower(device)
	if err := s.record("SelfTestDevice", 0, dev, 0); err != nil {
		return err
	}
	if !s.devices[dev] {
		return enrich(CodeDeviceNotFound, "SelfTestDevice")
	}
	return nil
}
