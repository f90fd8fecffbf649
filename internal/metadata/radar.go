package metadata

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/rkm/opr-stac/internal/matfile"
)

var (
	// ErrRadarParamsMissing means no accessor found both f0 and f1.
	ErrRadarParamsMissing = errors.New("radar waveform parameters missing")

	// ErrAmbiguousFrequency means a frame holds more than one distinct low or
	// high frequency.
	ErrAmbiguousFrequency = errors.New("ambiguous radar frequency")
)

// WaveformAccessor locates the waveform parameters (the wfs record) inside
// a dataset. Layouts differ between processing software versions, so
// lookups are tried in order until one yields f0 and f1.
type WaveformAccessor interface {
	Name() string
	Waveforms(ds Dataset) (any, bool)
}

// PathAccessor reads a top-level variable and walks struct fields below it.
type PathAccessor struct {
	Variable string
	Path     []string
	// List selects the layout where wfs is a list of structs, one per
	// waveform, instead of a single struct.
	List bool
}

func (a PathAccessor) Name() string {
	name := a.Variable
	for _, p := range a.Path {
		name += "." + p
	}
	if a.List {
		name += "(:)"
	}
	return name
}

func (a PathAccessor) Waveforms(ds Dataset) (any, bool) {
	root, err := ds.Variable(a.Variable)
	if err != nil {
		return nil, false
	}
	v, ok := matfile.Lookup(root, a.Path...)
	if !ok {
		return nil, false
	}
	switch v.(type) {
	case *matfile.Struct:
		return v, !a.List
	case []any:
		return v, a.List
	}
	return nil, false
}

// DefaultAccessors returns the lookup chain used when none is configured.
func DefaultAccessors() []WaveformAccessor {
	return []WaveformAccessor{
		PathAccessor{Variable: "param_records", Path: []string{"radar", "wfs"}},
		PathAccessor{Variable: "param_radar", Path: []string{"wfs"}},
		PathAccessor{Variable: "param_records", Path: []string{"radar", "wfs"}, List: true},
	}
}

// RadarFrequencies returns the single low (f0) and high (f1) frequency of
// the frame from the first accessor that yields both.
func RadarFrequencies(ds Dataset, accessors []WaveformAccessor) (low, high float64, err error) {
	for _, acc := range accessors {
		wfs, ok := acc.Waveforms(ds)
		if !ok {
			continue
		}
		f0 := fieldValues(wfs, "f0")
		f1 := fieldValues(wfs, "f1")
		if len(f0) == 0 || len(f1) == 0 {
			continue
		}
		low, ok = uniform(f0)
		if !ok {
			return 0, 0, fmt.Errorf("%w: multiple low frequency values found via %s: %v", ErrAmbiguousFrequency, acc.Name(), distinct(f0))
		}
		high, ok = uniform(f1)
		if !ok {
			return 0, 0, fmt.Errorf("%w: multiple high frequency values found via %s: %v", ErrAmbiguousFrequency, acc.Name(), distinct(f1))
		}
		return low, high, nil
	}
	return 0, 0, ErrRadarParamsMissing
}

func fieldValues(wfs any, field string) []float64 {
	switch x := wfs.(type) {
	case *matfile.Struct:
		v, ok := x.Get(field)
		if !ok {
			return nil
		}
		return flatten(v)
	case []any:
		var out []float64
		for _, e := range x {
			out = append(out, fieldValues(e, field)...)
		}
		return out
	}
	return nil
}

func flatten(v any) []float64 {
	switch x := v.(type) {
	case float64:
		return []float64{x}
	case *matfile.Array:
		return x.Data
	case []any:
		var out []float64
		for _, e := range x {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return nil
}

func uniform(vals []float64) (float64, bool) {
	d := distinct(vals)
	if len(d) != 1 {
		return 0, false
	}
	return d[0], true
}

// distinct returns the non-NaN values of vals without repeats, in first-seen
// order.
func distinct(vals []float64) []float64 {
	var out []float64
	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		seen := false
		for _, o := range out {
			if o == v {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, v)
		}
	}
	return out
}

// WaveformParams returns the waveform parameters shared by every waveform of
// the frame, read through the first accessor that finds a wfs record.
func WaveformParams(ds Dataset, accessors []WaveformAccessor) (*matfile.Struct, bool) {
	for _, acc := range accessors {
		if wfs, ok := acc.Waveforms(ds); ok {
			return StableWaveformParams(wfs), true
		}
	}
	return nil, false
}

// StableWaveformParams reduces a wfs value to the parameters shared by every
// waveform. A single struct is returned as is. For a list, only fields whose
// value is identical in every element are kept.
func StableWaveformParams(wfs any) *matfile.Struct {
	switch x := wfs.(type) {
	case *matfile.Struct:
		return x
	case []any:
		out := matfile.NewStruct()
		if len(x) == 0 {
			return out
		}
		first, ok := x[0].(*matfile.Struct)
		if !ok {
			return out
		}
		for _, key := range first.Keys() {
			want, _ := first.Get(key)
			stable := true
			for _, e := range x[1:] {
				s, ok := e.(*matfile.Struct)
				if !ok {
					stable = false
					break
				}
				got, ok := s.Get(key)
				if !ok || !reflect.DeepEqual(want, got) {
					stable = false
					break
				}
			}
			if stable {
				out.Set(key, want)
			}
		}
		return out
	}
	return matfile.NewStruct()
}
