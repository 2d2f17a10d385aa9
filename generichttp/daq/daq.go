// Package daq provides a generic HTTP interface to hardware timed counting
// and scanning on a multi-function DAQ board
//
// This is not the last word in speed, due to HTTP having reasonable latency in
// most client languages, but it is the last word in ease of use.
package daq

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/astrogo/fitsio"
	"github.com/nasa-jpl/confocal/acq"
	"github.com/nasa-jpl/confocal/generichttp"
	"github.com/nasa-jpl/confocal/server"
	"github.com/nasa-jpl/confocal/util"
)

// Status attaches the HTTP status matching the acquisition error taxonomy
func Status(err error) error {
	if err == nil {
		return nil
	}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, acq.ErrConfiguration):
		code = http.StatusBadRequest
	case errors.Is(err, acq.ErrHardwareBusy):
		code = http.StatusConflict
	case errors.Is(err, acq.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	return &generichttp.StatusError{Code: code, Err: err}
}

func fail(w http.ResponseWriter, err error) {
	generichttp.Error(w, Status(err))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("query parameter %s: %w", key, err)
	}
	return i, nil
}

// respondCounts writes counts as JSON, or as FITS when ?format=fits
func respondCounts(w http.ResponseWriter, r *http.Request, c acq.Counts) {
	if r.URL.Query().Get("format") != "fits" {
		server.Respond(w, c)
		return
	}
	w.Header().Set("Content-Type", "image/fits")
	if err := WriteFits(w, nil, c); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Counter is free running, hardware timed counting
type Counter interface {
	// StartCounting starts counting at a sample rate, Hz, with a typical read size
	StartCounting(float64, int) error

	// ReadCounts reads n samples
	ReadCounts(int) (acq.Counts, error)

	// StopCounting stops counting
	StopCounting() error
}

type freqSamples struct {
	F64 float64 `json:"f64"`
	Int int     `json:"int"`
}

// HTTPCounter adds routes for counting to a table
func HTTPCounter(iface Counter, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/counter/start"}] = StartCounting(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/counter/read"}] = ReadCounts(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/counter/stop"}] = generichttp.Do(func() error { return Status(iface.StopCounting()) })
}

// StartCounting parses {"f64": rate, "int": samples} and starts counting
func StartCounting(c Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input freqSamples
		err := json.NewDecoder(r.Body).Decode(&input)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = c.StartCounting(input.F64, input.Int); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ReadCounts reads ?n= samples, 1 by default
func ReadCounts(c Counter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := queryInt(r, "n", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		counts, err := c.ReadCounts(n)
		if err != nil {
			fail(w, err)
			return
		}
		respondCounts(w, r, counts)
	}
}

// Scanner moves analog outputs through paths in lock step with counting
type Scanner interface {
	// StartScanner builds the scanner at a scan rate, Hz
	StartScanner(float64) error

	// SetPosition moves immediately
	SetPosition([]float64) error

	// Position returns the last commanded position
	Position() ([]float64, error)

	// Scan drives the outputs through a path, path[i] is axis i
	Scan([][]float64) (acq.Counts, error)

	// SetPositionRanges replaces the position range of every axis
	SetPositionRanges([]util.Limiter) error

	// SetVoltageRanges replaces the voltage range of every axis
	SetVoltageRanges([]util.Limiter) error

	// CloseScanner clears the scanner
	CloseScanner() error
}

type pathT struct {
	Path [][]float64 `json:"path"`
}

type rangesT struct {
	Ranges []util.Limiter `json:"ranges"`
}

// HTTPScanner adds routes for scanning to a table
func HTTPScanner(iface Scanner, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/scanner/start"}] = generichttp.SetFloat(func(f float64) error { return Status(iface.StartScanner(f)) })
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/scanner/position"}] = generichttp.GetFloats(func() ([]float64, error) {
		pos, err := iface.Position()
		return pos, Status(err)
	})
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/scanner/position"}] = generichttp.SetFloats(func(f []float64) error { return Status(iface.SetPosition(f)) })
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/scanner/scan"}] = Scan(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/scanner/scan-csv"}] = ScanCSV(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/scanner/position-ranges"}] = SetRanges(iface.SetPositionRanges)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/scanner/voltage-ranges"}] = SetRanges(iface.SetVoltageRanges)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/scanner/close"}] = generichttp.Do(func() error { return Status(iface.CloseScanner()) })
}

// SetRanges parses {"ranges": [{"min": a, "max": b}, ...]} and calls fcn with it
func SetRanges(fcn func([]util.Limiter) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input rangesT
		err := json.NewDecoder(r.Body).Decode(&input)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = fcn(input.Ranges); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Scan parses {"path": [[axis 0...], [axis 1...]]} and scans it
func Scan(s Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input pathT
		err := json.NewDecoder(r.Body).Decode(&input)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		counts, err := s.Scan(input.Path)
		if err != nil {
			fail(w, err)
			return
		}
		respondCounts(w, r, counts)
	}
}

// ScanCSV scans a path uploaded as CSV, one row per axis
func ScanCSV(s Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := csvToPath(r.Body)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		counts, err := s.Scan(path)
		if err != nil {
			fail(w, err)
			return
		}
		respondCounts(w, r, counts)
	}
}

func csvToPath(r io.Reader) ([][]float64, error) {
	var out [][]float64
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		row := make([]float64, len(record))
		for i := range record {
			row[i], err = strconv.ParseFloat(record[i], 64)
			if err != nil {
				return out, err
			}
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return out, errors.New("empty CSV path")
	}
	return out, nil
}

// Sweeper acquires one sample per step of an externally triggered sweep
type Sweeper interface {
	// StartSweep builds the sweep at a step rate, Hz
	StartSweep(float64) error

	// SetSweepLength configures the number of points
	SetSweepLength(int) error

	// Sweep acquires n points
	Sweep(int) (acq.Counts, error)

	// CloseSweep clears the sweep
	CloseSweep() error

	// SetOversampling sets the lock-in pairs per point
	SetOversampling(int) error

	// Oversampling returns the lock-in pairs per point
	Oversampling() int

	// SetLockIn turns the lock-in pulser on or off
	SetLockIn(bool) error

	// LockIn reports if the lock-in pulser is on
	LockIn() bool
}

// HTTPSweeper adds routes for triggered sweeps to a table
func HTTPSweeper(iface Sweeper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/sweep/start"}] = generichttp.SetFloat(func(f float64) error { return Status(iface.StartSweep(f)) })
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/sweep/length"}] = generichttp.SetInt(func(i int) error { return Status(iface.SetSweepLength(i)) })
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/sweep/run"}] = Sweep(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/sweep/close"}] = generichttp.Do(func() error { return Status(iface.CloseSweep()) })
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/sweep/oversampling"}] = generichttp.GetInt(func() (int, error) { return iface.Oversampling(), nil })
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/sweep/oversampling"}] = generichttp.SetInt(func(i int) error { return Status(iface.SetOversampling(i)) })
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/sweep/lock-in"}] = generichttp.GetBool(func() (bool, error) { return iface.LockIn(), nil })
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/sweep/lock-in"}] = generichttp.SetBool(func(b bool) error { return Status(iface.SetLockIn(b)) })
}

// Sweep parses {"int": n} and sweeps n points
func Sweep(s Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := server.IntT{}
		err := json.NewDecoder(r.Body).Decode(&in)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		counts, err := s.Sweep(in.Int)
		if err != nil {
			fail(w, err)
			return
		}
		respondCounts(w, r, counts)
	}
}

// GatedCounter measures externally gated pulse widths
type GatedCounter interface {
	// ConfigureGated builds the measurement with a buffer depth
	ConfigureGated(int, bool) error

	// StartGated starts accumulation
	StartGated() error

	// ReadGated reads n samples, or what is available
	ReadGated(int, bool) ([]uint32, error)

	// StopGated stops accumulation
	StopGated() error

	// CloseGated clears the measurement
	CloseGated() error

	// GatedState returns the state
	GatedState() acq.GatedState

	// GatedDone reports if a finite measurement has filled its buffer
	GatedDone() (bool, error)
}

type gatedConfig struct {
	Depth      int  `json:"depth"`
	Continuous bool `json:"continuous"`
}

// GatedSamples is the response of a gated read
type GatedSamples struct {
	Samples []uint32 `json:"samples"`
	Count   int      `json:"count"`
}

// HTTPGated adds routes for gated counting to a table
func HTTPGated(iface GatedCounter, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/gated/configure"}] = ConfigureGated(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/gated/start"}] = generichttp.Do(func() error { return Status(iface.StartGated()) })
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/gated/stop"}] = generichttp.Do(func() error { return Status(iface.StopGated()) })
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/gated/close"}] = generichttp.Do(func() error { return Status(iface.CloseGated()) })
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/gated/read"}] = ReadGated(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/gated/state"}] = generichttp.GetString(func() (string, error) { return iface.GatedState().String(), nil })
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/gated/done"}] = generichttp.GetBool(func() (bool, error) {
		done, err := iface.GatedDone()
		return done, Status(err)
	})
}

// ConfigureGated parses {"depth": n, "continuous": bool} and configures
func ConfigureGated(g GatedCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input gatedConfig
		err := json.NewDecoder(r.Body).Decode(&input)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = g.ConfigureGated(input.Depth, input.Continuous); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// ReadGated reads ?n= samples, or what is available with ?available=true
func ReadGated(g GatedCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := queryInt(r, "n", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		avail := false
		if s := r.URL.Query().Get("available"); s != "" {
			if avail, err = strconv.ParseBool(s); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		data, err := g.ReadGated(n, avail)
		if err != nil {
			fail(w, err)
			return
		}
		if data == nil {
			data = []uint32{}
		}
		server.Respond(w, GatedSamples{Samples: data, Count: len(data)})
	}
}

// Switcher drives digital lines high or low
type Switcher interface {
	DigitalSwitch(string, bool) error
}

type switchT struct {
	Line string `json:"line"`
	On   bool   `json:"on"`
}

// DigitalSwitch parses {"line": lines, "on": bool} and switches the lines
func DigitalSwitch(s Switcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input switchT
		err := json.NewDecoder(r.Body).Decode(&input)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = s.DigitalSwitch(input.Line, input.On); err != nil {
			fail(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Resetter can reset its hardware
type Resetter interface {
	Reset() error
}

// Statuser reports the live sessions
type Statuser interface {
	Status() acq.Status
}

// HTTPAcquisition is a type that exposes a device satisfying any combination
// of the interfaces in this package over HTTP
type HTTPAcquisition struct {
	d Resetter

	RouteTable generichttp.RouteTable
}

// NewHTTPAcquisition sets up an HTTP interface to a device
func NewHTTPAcquisition(d Resetter) HTTPAcquisition {
	w := HTTPAcquisition{d: d}
	rt := generichttp.RouteTable{}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/reset"}] = generichttp.Do(func() error { return Status(d.Reset()) })
	if c, ok := d.(Counter); ok {
		HTTPCounter(c, rt)
	}
	if s, ok := d.(Scanner); ok {
		HTTPScanner(s, rt)
	}
	if s, ok := d.(Sweeper); ok {
		HTTPSweeper(s, rt)
	}
	if g, ok := d.(GatedCounter); ok {
		HTTPGated(g, rt)
	}
	if s, ok := d.(Switcher); ok {
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/digital/switch"}] = DigitalSwitch(s)
	}
	if s, ok := d.(Statuser); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = func(w http.ResponseWriter, r *http.Request) {
			server.Respond(w, s.Status())
		}
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPAcquisition) RT() generichttp.RouteTable {
	return h.RouteTable
}

// WriteFits streams counts to w as a FITS image, one row per channel with
// the digital channels first
func WriteFits(w io.Writer, metadata []fitsio.Card, c acq.Counts) error {
	rows := append(append([][]float64{}, c.Digital...), c.Analog...)
	if len(rows) == 0 || len(rows[0]) == 0 {
		return errors.New("no samples to write")
	}
	width := len(rows[0])
	buf := make([]float64, 0, width*len(rows))
	for i, row := range rows {
		if len(row) != width {
			return fmt.Errorf("row %d has %d samples, row 0 has %d", i, len(row), width)
		}
		buf = append(buf, row...)
	}
	metadata = append(metadata,
		fitsio.Card{Name: "NDIGITAL", Value: len(c.Digital), Comment: "rows in counts/s"},
		fitsio.Card{Name: "NANALOG", Value: len(c.Analog), Comment: "rows in volts"})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{width, len(rows)})
	defer im.Close()
	if err = im.Header().Append(metadata...); err != nil {
		return err
	}
	if err = im.Write(buf); err != nil {
		return err
	}
	return fits.Write(im)
}
