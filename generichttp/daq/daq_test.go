package daq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/confocal/acq"
	"github.com/nasa-jpl/confocal/daqmx"
	"github.com/nasa-jpl/confocal/generichttp"
	"github.com/nasa-jpl/confocal/util"
)

func boardConfig() acq.Config {
	c := acq.DefaultConfig()
	c.ClockChannel = "/Dev1/Ctr0"
	c.CounterChannels = []string{"/Dev1/Ctr1"}
	c.PhotonSources = []string{"/Dev1/PFI8"}
	c.ScannerClockChannel = "/Dev1/Ctr2"
	c.ScannerCounterChannels = []string{"/Dev1/Ctr3"}
	c.ScannerAOChannels = []string{"/Dev1/AO0", "/Dev1/AO1"}
	c.ScannerVoltageRanges = []util.Limiter{{Min: -10, Max: 10}, {Min: -10, Max: 10}}
	c.ScannerPositionRanges = []util.Limiter{{Min: 0, Max: 100e-6}, {Min: 0, Max: 100e-6}}
	c.GateInChannel = "/Dev1/PFI9"
	c.GatedCounterChannel = "/Dev1/Ctr3"
	c.GatedPhotonSource = "/Dev1/PFI10"
	c.ReadWriteTimeout = 1
	return c
}

type board struct {
	t    *testing.T
	mux  chi.Router
	sim  *daqmx.Sim
	orch *acq.Orchestrator
}

func newBoard(t *testing.T) *board {
	return newBoardWith(t, boardConfig())
}

func newBoardWith(t *testing.T, cfg acq.Config) *board {
	sim := daqmx.NewSim("Dev1")
	sim.SetPollInterval(time.Millisecond)
	sim.SetFeed("/Dev1/PFI8", daqmx.RateFeed(10))
	orch, err := acq.New(acq.NewDevice(sim, cfg.DeviceOptions()...), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { orch.Close() })
	mux := chi.NewRouter()
	NewHTTPAcquisition(orch).RT().Bind(mux)
	return &board{t: t, mux: mux, sim: sim, orch: orch}
}

func (b *board) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	b.mux.ServeHTTP(w, req)
	return w
}

func (b *board) counts(w *httptest.ResponseRecorder) acq.Counts {
	require.Equal(b.t, http.StatusOK, w.Code, w.Body.String())
	var c acq.Counts
	require.NoError(b.t, json.Unmarshal(w.Body.Bytes(), &c))
	return c
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", acq.ErrConfiguration), http.StatusBadRequest},
		{acq.ErrOutOfRange, http.StatusBadRequest},
		{acq.ErrHardwareBusy, http.StatusConflict},
		{acq.ErrTimeout, http.StatusGatewayTimeout},
		{acq.ErrDataLoss, http.StatusInternalServerError},
		{errors.New("anything"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var se *generichttp.StatusError
		require.True(t, errors.As(Status(tt.err), &se), tt.err)
		assert.Equal(t, tt.code, se.Code, tt.err.Error())
		assert.ErrorIs(t, Status(tt.err), tt.err)
	}
	assert.NoError(t, Status(nil))
}

func TestRoutes(t *testing.T) {
	b := newBoard(t)
	exp := []string{
		"GET /counter/read", "POST /counter/start", "POST /counter/stop",
		"POST /digital/switch",
		"POST /gated/close", "POST /gated/configure", "GET /gated/done", "GET /gated/read",
		"POST /gated/start", "GET /gated/state", "POST /gated/stop",
		"POST /reset",
		"POST /scanner/close", "GET /scanner/position", "POST /scanner/position",
		"POST /scanner/position-ranges", "POST /scanner/scan", "POST /scanner/scan-csv",
		"POST /scanner/start", "POST /scanner/voltage-ranges",
		"GET /status",
		"POST /sweep/close", "POST /sweep/length", "GET /sweep/lock-in", "POST /sweep/lock-in",
		"GET /sweep/oversampling", "POST /sweep/oversampling", "POST /sweep/run", "POST /sweep/start",
	}
	assert.Equal(t, exp, NewHTTPAcquisition(b.orch).RT().Endpoints())
}

func TestCounterOverHTTP(t *testing.T) {
	b := newBoard(t)
	w := b.do(http.MethodGet, "/counter/read", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(http.MethodPost, "/counter/start", `{"f64": 100, "int": 5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = b.do(http.MethodPost, "/counter/start", `{"f64": 100, "int": 5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c := b.counts(b.do(http.MethodGet, "/counter/read?n=3", ""))
	assert.Equal(t, [][]float64{{2000, 2000, 2000}}, c.Digital)
	assert.Empty(t, c.Analog)

	w = b.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st acq.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Counting)
	assert.Len(t, st.Resources, 2)

	w = b.do(http.MethodGet, "/counter/read?n=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(http.MethodPost, "/counter/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCountsAsFits(t *testing.T) {
	b := newBoard(t)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/counter/start", `{}`).Code)
	w := b.do(http.MethodGet, "/counter/read?n=2&format=fits", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/fits", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("SIMPLE")))
	assert.Zero(t, w.Body.Len()%2880, "FITS files are whole 2880 byte blocks")
}

func TestScannerOverHTTP(t *testing.T) {
	b := newBoard(t)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/scanner/start", `{"f64": 100}`).Code)

	w := b.do(http.MethodPost, "/scanner/position", `{"f64s": [0, 1e-4]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = b.do(http.MethodGet, "/scanner/position", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"f64s": [0, 0.0001]}`, w.Body.String())

	w = b.do(http.MethodPost, "/scanner/position", `{"f64s": [0, 1]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c := b.counts(b.do(http.MethodPost, "/scanner/scan", `{"path": [[0, 5e-5], [0, 0]]}`))
	assert.Equal(t, [][]float64{{2000, 2000}}, c.Digital)

	c = b.counts(b.do(http.MethodPost, "/scanner/scan-csv", "0, 5e-5, 1e-4\n5e-5, 5e-5, 5e-5\n"))
	assert.Equal(t, [][]float64{{2000, 2000, 2000}}, c.Digital)

	w = b.do(http.MethodPost, "/scanner/scan-csv", "0,oops\n")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = b.do(http.MethodPost, "/sweep/start", `{"f64": 100}`)
	assert.Equal(t, http.StatusConflict, w.Code, "the sweep shares the scanner clock")

	assert.Equal(t, http.StatusOK, b.do(http.MethodPost, "/scanner/close", "").Code)
	assert.Equal(t, http.StatusOK, b.do(http.MethodPost, "/sweep/start", `{"f64": 100}`).Code)
}

func TestScannerRangesOverHTTP(t *testing.T) {
	b := newBoard(t)
	ranges := `{"ranges": [{"min": 0, "max": 1}, {"min": 0, "max": 1}]}`
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/scanner/position-ranges", ranges).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/scanner/start", `{"f64": 100}`).Code)

	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/scanner/position", `{"f64s": [0.5, 1]}`).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/scanner/position-ranges", ranges).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/scanner/position", `{"f64s": [0.5, 1]}`).Code)

	w := b.do(http.MethodPost, "/scanner/voltage-ranges", `{"ranges": [{"min": -5, "max": 5}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "one range for two channels")
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/scanner/voltage-ranges", "{").Code)
	w = b.do(http.MethodPost, "/scanner/voltage-ranges", `{"ranges": [{"min": -5, "max": 5}, {"min": 0, "max": 2}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/scanner/position", `{"f64s": [1, 0.5]}`).Code)

	ao0, ao1 := b.sim.Outputs("/Dev1/AO0"), b.sim.Outputs("/Dev1/AO1")
	assert.Equal(t, 5.0, ao0[len(ao0)-1])
	assert.Equal(t, 1.0, ao1[len(ao1)-1])
}

func TestLockInOverHTTP(t *testing.T) {
	b := newBoard(t)
	assert.JSONEq(t, `{"int": 1}`, b.do(http.MethodGet, "/sweep/oversampling", "").Body.String())
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/sweep/oversampling", `{"int": 3}`).Code)
	assert.JSONEq(t, `{"int": 3}`, b.do(http.MethodGet, "/sweep/oversampling", "").Body.String())
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/sweep/oversampling", `{"int": 0}`).Code)

	w := b.do(http.MethodPost, "/sweep/lock-in", `{"bool": true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no pulser lines configured")
	assert.JSONEq(t, `{"bool": false}`, b.do(http.MethodGet, "/sweep/lock-in", "").Body.String())

	cfg := boardConfig()
	cfg.ODMRPulserLines = "/Dev1/port0/line0:1"
	b = newBoardWith(t, cfg)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/sweep/start", `{"f64": 100}`).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/sweep/lock-in", `{"bool": true}`).Code)
	assert.JSONEq(t, `{"bool": true}`, b.do(http.MethodGet, "/sweep/lock-in", "").Body.String())
	c := b.counts(b.do(http.MethodPost, "/sweep/run", `{"int": 2}`))
	assert.Equal(t, [][]float64{{0, 0}}, c.Digital, "a steady feed has no contrast")
	assert.Equal(t, []uint32{2, 1, 2, 1, 2}, b.sim.Digital("/Dev1/port0/line0:1"))
}

func TestDigitalSwitchOverHTTP(t *testing.T) {
	b := newBoard(t)
	w := b.do(http.MethodPost, "/digital/switch", `{"line": "/Dev1/port0/line2", "on": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = b.do(http.MethodPost, "/digital/switch", `{"line": "/Dev1/port0/line2", "on": false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []uint32{0xffffffff, 0}, b.sim.Digital("/Dev1/port0/line2"))

	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/digital/switch", `{"line": "/Dev1/port9/line0"}`).Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/digital/switch", "{").Code)
	assert.Empty(t, b.orch.Status().Resources)
	assert.Zero(t, b.sim.TaskCount())
}

func TestSweepOverHTTP(t *testing.T) {
	b := newBoard(t)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/sweep/start", `{"f64": 100}`).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/sweep/length", `{"int": 2}`).Code)
	c := b.counts(b.do(http.MethodPost, "/sweep/run", `{"int": 2}`))
	assert.Equal(t, [][]float64{{2000, 2000}}, c.Digital)

	b.sim.FailNext("WaitUntilTaskDone", daqmx.CodeWaitTimeout)
	w := b.do(http.MethodPost, "/sweep/run", `{"int": 2}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/sweep/length", `{"int": 0}`).Code)
	assert.Equal(t, http.StatusOK, b.do(http.MethodPost, "/sweep/close", "").Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/sweep/run", `{"int": 2}`).Code)
}

func TestGatedOverHTTP(t *testing.T) {
	b := newBoard(t)
	w := b.do(http.MethodGet, "/gated/state", "")
	assert.JSONEq(t, `{"str": "unconfigured"}`, w.Body.String())

	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/gated/configure", `{"depth": 8, "continuous": true}`).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/gated/start", "").Code)
	b.sim.Gate("/Dev1/PFI9", 3)

	w = b.do(http.MethodGet, "/gated/read?n=5&available=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"samples": [3], "count": 1}`, w.Body.String())

	w = b.do(http.MethodGet, "/gated/read?n=5&available=true", "")
	assert.JSONEq(t, `{"samples": [], "count": 0}`, w.Body.String())

	w = b.do(http.MethodGet, "/gated/state", "")
	assert.JSONEq(t, `{"str": "running"}`, w.Body.String())
	w = b.do(http.MethodGet, "/gated/done", "")
	assert.JSONEq(t, `{"bool": false}`, w.Body.String(), "continuous measurements never finish")

	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodGet, "/gated/read?available=maybe", "").Code)
	assert.Equal(t, http.StatusOK, b.do(http.MethodPost, "/gated/stop", "").Code)
	assert.Equal(t, http.StatusOK, b.do(http.MethodPost, "/gated/close", "").Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodPost, "/gated/close", "").Code)
	assert.Equal(t, http.StatusBadRequest, b.do(http.MethodGet, "/gated/done", "").Code)
}

func TestFiniteGatedDoneOverHTTP(t *testing.T) {
	b := newBoard(t)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/gated/configure", `{"depth": 2}`).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/gated/start", "").Code)
	b.sim.Gate("/Dev1/PFI9", 4)
	assert.JSONEq(t, `{"bool": false}`, b.do(http.MethodGet, "/gated/done", "").Body.String())
	b.sim.Gate("/Dev1/PFI9", 6)
	assert.JSONEq(t, `{"bool": true}`, b.do(http.MethodGet, "/gated/done", "").Body.String())

	w := b.do(http.MethodGet, "/gated/read?n=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"samples": [4, 6], "count": 2}`, w.Body.String())
}

func TestResetOverHTTP(t *testing.T) {
	b := newBoard(t)
	assert.Equal(t, http.StatusOK, b.do(http.MethodPost, "/reset", "").Code)
	assert.Equal(t, 1, b.sim.Resets("Dev1"))
	require.Equal(t, http.StatusOK, b.do(http.MethodPost, "/counter/start", `{}`).Code)
	assert.Equal(t, http.StatusConflict, b.do(http.MethodPost, "/reset", "").Code)
}

func TestCSVToPath(t *testing.T) {
	path, err := csvToPath(strings.NewReader("1,2,3\n4, 5, 6\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, path)

	_, err = csvToPath(strings.NewReader(""))
	assert.Error(t, err)
	_, err = csvToPath(strings.NewReader("1,a\n"))
	assert.Error(t, err)
}

func TestWriteFitsRejectsRaggedCounts(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteFits(&buf, nil, acq.Counts{}))
	assert.Error(t, WriteFits(&buf, nil, acq.Counts{Digital: [][]float64{{1, 2}}, Analog: [][]float64{{1}}}))
}
