// Package matfile decodes MATLAB data files into plain Go values.
//
// Both storage backends (the legacy MAT v5 binary format in this package and
// the HDF5-based v7.3 format in hdf5mat) expose their contents as a tree of
// Nodes. Decode walks that tree and produces the same plain-value shape for
// either backend:
//
//	float64    numeric leaf with at most one element
//	*Array     numeric leaf with more than one element
//	string     single-row character array
//	[]any      cell array or struct array, never collapsed into an Array
//	*Struct    scalar struct or group, fields in file order
//	nil        empty value
package matfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf16"
)

var (
	// ErrDecode is wrapped by every decode failure.
	ErrDecode = errors.New("matfile: decode error")

	// ErrUnsupportedClass is returned for MATLAB classes that have no plain
	// value (sparse matrices, objects, function handles).
	ErrUnsupportedClass = errors.New("matfile: unsupported class")
)

// RedactedValue replaces values stored under credential-like keys.
const RedactedValue = "API_KEY_REMOVED"

// Kind tags the variant a Node holds.
type Kind int

const (
	KindEmpty Kind = iota
	KindStruct
	KindCell
	KindChar
	KindNumeric
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindStruct:
		return "struct"
	case KindCell:
		return "cell"
	case KindChar:
		return "char"
	case KindNumeric:
		return "numeric"
	case KindReference:
		return "reference"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Node is one element of a decoded file tree. The methods available beyond
// Kind depend on the kind; see the StructNode, CellNode, CharNode,
// NumericNode and ReferenceNode interfaces.
type Node interface {
	Kind() Kind
	Name() string
}

// StructNode is a struct array or group. Len is the number of struct
// elements; a group is a 1-element struct.
type StructNode interface {
	Node
	Len() int
	FieldNames() []string
	Field(elem int, name string) (Node, error)
}

// CellNode is a cell array.
type CellNode interface {
	Node
	Len() int
	Elem(i int) (Node, error)
}

// CharNode is a character array of UTF-16 code units in column-major order.
type CharNode interface {
	Node
	Shape() []int
	CodeUnits() ([]uint16, error)
}

// NumericNode is a numeric or logical array in column-major order.
type NumericNode interface {
	Node
	Shape() []int
	Float64s() ([]float64, error)
}

// ReferenceNode points at another node in the same file.
type ReferenceNode interface {
	Node
	Deref() (Node, error)
}

// Array is a decoded numeric array. Data is column-major, as MATLAB stores it.
type Array struct {
	Shape []int
	Data  []float64
}

// Len returns the number of elements.
func (a *Array) Len() int { return len(a.Data) }

// Struct is an ordered mapping of field names to decoded values.
type Struct struct {
	keys   []string
	values map[string]any
}

// NewStruct returns an empty Struct.
func NewStruct() *Struct {
	return &Struct{values: make(map[string]any)}
}

// Set adds or replaces a field, keeping first-insertion order.
func (s *Struct) Set(key string, v any) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = v
}

// Get returns the value of a field.
func (s *Struct) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the field names in order.
func (s *Struct) Keys() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.keys...)
}

// Len returns the number of fields.
func (s *Struct) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// MarshalJSON encodes the struct as a JSON object in field order.
func (s *Struct) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Lookup walks nested structs by field name.
func Lookup(v any, path ...string) (any, bool) {
	cur := v
	for _, p := range path {
		s, ok := cur.(*Struct)
		if !ok {
			return nil, false
		}
		cur, ok = s.Get(p)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Options controls Decode.
type Options struct {
	// Strict makes the first child failure abort the decode. Otherwise the
	// failing field is logged and omitted.
	Strict bool
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Decode converts a node and everything below it into plain values.
func Decode(n Node, opts Options) (any, error) {
	return decode(n, opts, n.Name())
}

func decode(n Node, opts Options, path string) (any, error) {
	switch n.Kind() {
	case KindEmpty:
		return nil, nil
	case KindReference:
		r, ok := n.(ReferenceNode)
		if !ok {
			return nil, mismatch(n, path)
		}
		target, err := r.Deref()
		if err != nil {
			return nil, fmt.Errorf("%w at %s: dereference: %w", ErrDecode, path, err)
		}
		return decode(target, opts, path)
	case KindCell:
		c, ok := n.(CellNode)
		if !ok {
			return nil, mismatch(n, path)
		}
		return decodeCell(c, opts, path)
	case KindChar:
		c, ok := n.(CharNode)
		if !ok {
			return nil, mismatch(n, path)
		}
		v, err := decodeChar(c)
		if err != nil {
			return nil, fmt.Errorf("%w at %s: %w", ErrDecode, path, err)
		}
		return v, nil
	case KindNumeric:
		num, ok := n.(NumericNode)
		if !ok {
			return nil, mismatch(n, path)
		}
		v, err := decodeNumeric(num)
		if err != nil {
			return nil, fmt.Errorf("%w at %s: %w", ErrDecode, path, err)
		}
		return v, nil
	case KindStruct:
		s, ok := n.(StructNode)
		if !ok {
			return nil, mismatch(n, path)
		}
		return decodeStruct(s, opts, path)
	default:
		return nil, fmt.Errorf("%w at %s: unknown node kind %v", ErrDecode, path, n.Kind())
	}
}

func mismatch(n Node, path string) error {
	return fmt.Errorf("%w at %s: %T does not implement %v node", ErrDecode, path, n, n.Kind())
}

func decodeCell(c CellNode, opts Options, path string) (any, error) {
	out := make([]any, 0, c.Len())
	for i := 0; i < c.Len(); i++ {
		elemPath := fmt.Sprintf("%s{%d}", path, i+1)
		v, err := decodeChild(opts, elemPath, func() (Node, error) { return c.Elem(i) })
		if err != nil {
			if opts.Strict {
				return nil, err
			}
			opts.logger().Warn("skipping undecodable cell element", "path", elemPath, "error", err)
			v = nil
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeStruct(s StructNode, opts Options, path string) (any, error) {
	n := s.Len()
	if n == 1 {
		return decodeStructElem(s, 0, opts, path)
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := decodeStructElem(s, i, opts, fmt.Sprintf("%s(%d)", path, i+1))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeStructElem(s StructNode, elem int, opts Options, path string) (*Struct, error) {
	out := NewStruct()
	for _, name := range s.FieldNames() {
		if strings.HasPrefix(name, "#") {
			continue
		}
		if strings.Contains(strings.ToLower(name), "api_key") {
			out.Set(name, RedactedValue)
			continue
		}
		childPath := joinPath(path, name)
		v, err := decodeChild(opts, childPath, func() (Node, error) { return s.Field(elem, name) })
		if err != nil {
			if opts.Strict {
				return nil, err
			}
			opts.logger().Warn("skipping undecodable field", "path", childPath, "error", err)
			continue
		}
		out.Set(name, v)
	}
	return out, nil
}

func decodeChild(opts Options, path string, open func() (Node, error)) (v any, err error) {
	// Third-party backends may panic on malformed input; treat that as a
	// failure of this child only.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w at %s: panic: %v", ErrDecode, path, r)
		}
	}()
	child, err := open()
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %w", ErrDecode, path, err)
	}
	return decode(child, opts, path)
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func decodeNumeric(n NumericNode) (any, error) {
	data, err := n.Float64s()
	if err != nil {
		return nil, err
	}
	switch len(data) {
	case 0:
		return nil, nil
	case 1:
		return data[0], nil
	}
	shape := append([]int(nil), n.Shape()...)
	return &Array{Shape: shape, Data: data}, nil
}

func decodeChar(c CharNode) (any, error) {
	units, err := c.CodeUnits()
	if err != nil {
		return nil, err
	}
	shape := c.Shape()
	rows := 1
	if len(shape) > 0 {
		rows = shape[0]
	}
	if rows <= 1 || len(units) == 0 {
		return unitsToString(units), nil
	}

	cols := len(units) / rows
	out := make([]any, 0, rows)
	row := make([]uint16, cols)
	for r := 0; r < rows; r++ {
		for col := 0; col < cols; col++ {
			row[col] = units[r+col*rows]
		}
		out = append(out, strings.TrimRight(unitsToString(row), " "))
	}
	return out, nil
}

// unitsToString converts UTF-16 code units to a string, combining surrogate
// pairs and dropping trailing NUL units.
func unitsToString(units []uint16) string {
	end := len(units)
	for end > 0 && units[end-1] == 0 {
		end--
	}
	return string(utf16.Decode(units[:end]))
}

// Float64 returns v as a float64 when v is a scalar or a one-element Array.
func Float64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case *Array:
		if len(x.Data) == 1 {
			return x.Data[0], true
		}
	}
	return 0, false
}

// Float64Slice returns the numeric contents of v as a flat slice.
func Float64Slice(v any) ([]float64, bool) {
	switch x := v.(type) {
	case float64:
		return []float64{x}, true
	case *Array:
		return x.Data, true
	}
	return nil, false
}
