package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildMuxServesMockBoard(t *testing.T) {
	c := DefaultConfig()
	drv, err := OpenDriver(c)
	require.NoError(t, err)
	mux, orchs, err := BuildMux(c, drv, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, orchs, 1)
	defer orchs[0].Close()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w
	}

	w := do(http.MethodGet, "/endpoints", "")
	require.Equal(t, http.StatusOK, w.Code)
	var graph map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &graph))
	assert.Contains(t, graph["/confocal"], "POST /counter/start")
	assert.Contains(t, graph["/confocal"], "GET /lock")

	require.Equal(t, http.StatusOK, do(http.MethodPost, "/confocal/counter/start", `{"f64": 100, "int": 2}`).Code)
	w = do(http.MethodGet, "/confocal/counter/read?n=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"digital": [[200000, 200000]]}`, w.Body.String())

	require.Equal(t, http.StatusOK, do(http.MethodPost, "/confocal/lock", `{"bool": true}`).Code)
	assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/confocal/counter/stop", "").Code)
	require.Equal(t, http.StatusOK, do(http.MethodPost, "/confocal/lock", `{"bool": false}`).Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/confocal/counter/stop", "").Code)
}

func TestBuildMuxRejectsDuplicateEndpoints(t *testing.T) {
	c := DefaultConfig()
	c.Nodes = append(c.Nodes, Node{Endpoint: "confocal/", Device: c.Nodes[0].Device})
	drv, err := OpenDriver(c)
	require.NoError(t, err)
	_, orchs, err := BuildMux(c, drv, zap.NewNop())
	assert.Error(t, err)
	assert.Len(t, orchs, 1)
}

func TestNewLoggerLevel(t *testing.T) {
	l, err := NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
	_, err = NewLogger("loud")
	assert.Error(t, err)
}
