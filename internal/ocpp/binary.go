package ocpp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// MaxBinaryFrameSize bounds the nesting and length limits of decoded CBOR
// frames.
const MaxBinaryFrameSize = 4 << 20

var (
	cborOnce sync.Once
	cborEnc  cbor.EncMode
	cborDec  cbor.DecMode
	cborErr  error
)

func initCBOR() {
	cborOnce.Do(func() {
		encOpts := cbor.CoreDetEncOptions()
		encOpts.Time = cbor.TimeRFC3339Nano
		cborEnc, cborErr = encOpts.EncMode()
		if cborErr != nil {
			return
		}
		cborDec, cborErr = cbor.DecOptions{
			DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
			MaxArrayElements: MaxBinaryFrameSize,
			MaxMapPairs:      MaxBinaryFrameSize,
		}.DecMode()
	})
}

// encodeCBOR encodes v deterministically so equal values give equal bytes.
func encodeCBOR(v any) ([]byte, error) {
	initCBOR()
	if cborErr != nil {
		return nil, fmt.Errorf("cbor init: %w", cborErr)
	}
	return cborEnc.Marshal(v)
}

func decodeCBOR(data []byte, v any) error {
	initCBOR()
	if cborErr != nil {
		return fmt.Errorf("cbor init: %w", cborErr)
	}
	return cborDec.Unmarshal(data, v)
}

// jsonToValue turns a JSON document into plain Go values with numbers kept
// as integers where they fit, so the CBOR encoding does not turn every
// number into a float.
func jsonToValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

// valueToJSON re-encodes a decoded CBOR element as JSON. Floats that carry
// an integral value are written without a fraction.
func valueToJSON(v any) (json.RawMessage, error) {
	out, err := json.Marshal(fixFloats(v))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func fixFloats(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = fixFloats(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = fixFloats(e)
		}
		return t
	default:
		return v
	}
}
