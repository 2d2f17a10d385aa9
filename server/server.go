// Package server contains the JSON payload types shared by the HTTP adapters.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
)

// FloatT is a struct with a single F64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// FloatsT is a struct with a single F64s field
type FloatsT struct {
	F64s []float64 `json:"f64s"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a tagged union of the basic types a handler responds with.
// T selects the field that is encoded.
type HumanPayload struct {
	T      types.BasicKind
	Float  float64
	Floats []float64
	Int    int
	String string
	Bool   bool
}

// EncodeAndRespond encodes the field selected by T as JSON, e.g. {"f64": 1.5},
// and writes it to w
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.UntypedFloat:
		v = FloatsT{F64s: hp.Floats}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.String:
		v = StrT{Str: hp.String}
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	default:
		http.Error(w, fmt.Sprintf("payload of unsupported kind %d", hp.T), http.StatusInternalServerError)
		return
	}
	Respond(w, v)
}

// Respond writes v to w as JSON with status 200
func Respond(w http.ResponseWriter, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding %T to json %q", v, err)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}
