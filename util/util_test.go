package util_test

import (
	"testing"

	"github.com/nasa-jpl/confocal/util"
)

func TestLimiterCheckInclusive(t *testing.T) {
	l := util.Limiter{Min: 0, Max: 1e-4}
	for _, f := range []float64{0, 5e-5, 1e-4} {
		if !l.Check(f) {
			t.Errorf("expected %g to be within %s", f, l)
		}
	}
	for _, f := range []float64{-1e-12, 1.0001e-4} {
		if l.Check(f) {
			t.Errorf("expected %g to be outside %s", f, l)
		}
	}
}

func TestLimiterValid(t *testing.T) {
	if err := (util.Limiter{Min: -10, Max: 10}).Valid(); err != nil {
		t.Errorf("expected valid limits, got %v", err)
	}
	if err := (util.Limiter{Min: 3, Max: 3}).Valid(); err == nil {
		t.Error("expected zero span to be invalid")
	}
	if err := (util.Limiter{Min: 4, Max: 3}).Valid(); err == nil {
		t.Error("expected inverted limits to be invalid")
	}
}

func TestLinspaceEndpoints(t *testing.T) {
	out := util.Linspace(-2, 7, 10)
	if len(out) != 10 {
		t.Fatalf("expected 10 values, got %d", len(out))
	}
	if out[0] != -2 || out[9] != 7 {
		t.Errorf("expected endpoints -2 and 7, got %g and %g", out[0], out[9])
	}
	if out := util.Linspace(3, 4, 1); len(out) != 1 || out[0] != 3 {
		t.Errorf("expected [3], got %v", out)
	}
	if out := util.Linspace(3, 4, 0); len(out) != 0 {
		t.Errorf("expected empty slice, got %v", out)
	}
}
