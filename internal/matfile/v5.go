package matfile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf16"
)

// HeaderSize is the length of the text header that starts every MAT file,
// including v7.3 files whose HDF5 payload follows at offset 512.
const HeaderSize = 128

// Header versions.
const (
	VersionV5  uint16 = 0x0100
	VersionV73 uint16 = 0x0200
)

// MAT v5 data types.
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
	miUTF8       = 16
	miUTF16      = 17
	miUTF32      = 18
)

// MATLAB array classes.
const (
	mxCELL   = 1
	mxSTRUCT = 2
	mxOBJECT = 3
	mxCHAR   = 4
	mxSPARSE = 5
	mxDOUBLE = 6
	mxUINT64 = 15
)

const (
	flagComplex = 0x0800
	flagLogical = 0x0200
)

// Header is the fixed 128-byte MAT file header.
type Header struct {
	Text    string
	Version uint16
	Order   binary.ByteOrder
}

// ParseHeader decodes the first HeaderSize bytes of a MAT file.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrDecode, len(b), HeaderSize)
	}
	var order binary.ByteOrder
	switch string(b[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return Header{}, fmt.Errorf("%w: bad endian indicator %q", ErrDecode, b[126:128])
	}
	return Header{
		Text:    strings.TrimRight(string(b[:116]), " \x00"),
		Version: order.Uint16(b[124:126]),
		Order:   order,
	}, nil
}

// File is a parsed MAT v5 file. Its root is a one-element struct whose
// fields are the file's variables.
type File struct {
	Header Header
	root   *v5Node
}

// Root returns the node holding every variable.
func (f *File) Root() StructNode { return f.root }

// Variables returns the variable names in file order.
func (f *File) Variables() []string { return f.root.FieldNames() }

// Variable returns the named top-level variable.
func (f *File) Variable(name string) (Node, bool) {
	n, err := f.root.Field(0, name)
	if err != nil {
		return nil, false
	}
	return n, true
}

// ReadV5 reads a complete MAT v5 file.
func ReadV5(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read MAT file: %w", err)
	}
	return ParseV5(data)
}

// ParseV5 parses a MAT v5 file held in memory.
func ParseV5(data []byte) (*File, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Version != VersionV5 {
		return nil, fmt.Errorf("%w: header version 0x%04x is not MAT v5", ErrDecode, h.Version)
	}

	p := &v5Parser{order: h.Order}
	root := &v5Node{class: mxSTRUCT, dims: []int{1, 1}, order: h.Order}

	buf := data[HeaderSize:]
	for len(buf) > 0 {
		if len(buf) < 8 {
			break
		}
		el, rest, err := p.element(buf)
		if err != nil {
			return nil, err
		}
		buf = rest

		if el.typ == miCOMPRESSED {
			inflated, err := inflate(el.data)
			if err != nil {
				return nil, err
			}
			el, _, err = p.element(inflated)
			if err != nil {
				return nil, err
			}
		}
		if el.typ != miMATRIX {
			continue
		}
		node, err := p.matrix(el.data)
		if err != nil {
			return nil, err
		}
		if node.name == "" {
			continue
		}
		root.fields = append(root.fields, node.name)
		root.children = append(root.children, node)
	}
	return &File{Header: h, root: root}, nil
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: compressed element: %w", ErrDecode, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate element: %w", ErrDecode, err)
	}
	return out, nil
}

type v5Element struct {
	typ  uint32
	data []byte
}

type v5Parser struct {
	order binary.ByteOrder
}

// element reads one data element and returns the remaining buffer.
func (p *v5Parser) element(buf []byte) (v5Element, []byte, error) {
	if len(buf) < 8 {
		return v5Element{}, nil, fmt.Errorf("%w: truncated element tag", ErrDecode)
	}
	w0 := p.order.Uint32(buf[0:4])
	if w0>>16 != 0 {
		// Small element: size and type share the first word, data fits in
		// the second.
		n := int(w0 >> 16)
		if n > 4 {
			return v5Element{}, nil, fmt.Errorf("%w: small element of %d bytes", ErrDecode, n)
		}
		return v5Element{typ: w0 & 0xffff, data: buf[4 : 4+n]}, buf[8:], nil
	}

	n := int(p.order.Uint32(buf[4:8]))
	if n < 0 || 8+n > len(buf) {
		return v5Element{}, nil, fmt.Errorf("%w: element of %d bytes exceeds remaining %d", ErrDecode, n, len(buf)-8)
	}
	el := v5Element{typ: w0, data: buf[8 : 8+n]}
	next := 8 + n
	if w0 != miCOMPRESSED {
		next = 8 + (n+7)&^7
	}
	if next > len(buf) {
		next = len(buf)
	}
	return el, buf[next:], nil
}

func (p *v5Parser) matrix(data []byte) (*v5Node, error) {
	node := &v5Node{order: p.order}
	if len(data) == 0 {
		node.empty = true
		return node, nil
	}

	flags, rest, err := p.element(data)
	if err != nil {
		return nil, err
	}
	if len(flags.data) < 4 {
		return nil, fmt.Errorf("%w: short array flags", ErrDecode)
	}
	w := p.order.Uint32(flags.data[0:4])
	node.class = uint8(w & 0xff)
	node.complex = w&flagComplex != 0
	node.logical = w&flagLogical != 0

	dimsEl, rest, err := p.element(rest)
	if err != nil {
		return nil, err
	}
	dims, err := p.ints(dimsEl)
	if err != nil {
		return nil, fmt.Errorf("%w: dimensions: %w", ErrDecode, err)
	}
	node.dims = dims

	nameEl, rest, err := p.element(rest)
	if err != nil {
		return nil, err
	}
	node.name = string(nameEl.data)

	switch {
	case node.class == mxCELL:
		for i := 0; i < numel(dims); i++ {
			el, r, err := p.element(rest)
			if err != nil {
				return nil, err
			}
			rest = r
			child, err := p.matrix(el.data)
			if err != nil {
				return nil, err
			}
			node.children = append(node.children, child)
		}
	case node.class == mxSTRUCT:
		if err := p.structFields(node, rest); err != nil {
			return nil, err
		}
	case node.class == mxCHAR:
		if len(rest) > 0 {
			el, _, err := p.element(rest)
			if err != nil {
				return nil, err
			}
			node.typ, node.raw = el.typ, el.data
		}
	case node.class >= mxDOUBLE && node.class <= mxUINT64:
		if len(rest) > 0 {
			el, _, err := p.element(rest)
			if err != nil {
				return nil, err
			}
			node.typ, node.raw = el.typ, el.data
		}
	default:
		node.err = fmt.Errorf("%w: class %d", ErrUnsupportedClass, node.class)
	}
	return node, nil
}

func (p *v5Parser) structFields(node *v5Node, rest []byte) error {
	lenEl, rest, err := p.element(rest)
	if err != nil {
		return err
	}
	lens, err := p.ints(lenEl)
	if err != nil || len(lens) != 1 || lens[0] < 0 {
		return fmt.Errorf("%w: struct field name length", ErrDecode)
	}
	fieldLen := lens[0]

	namesEl, rest, err := p.element(rest)
	if err != nil {
		return err
	}
	for i := 0; fieldLen > 0 && i+fieldLen <= len(namesEl.data); i += fieldLen {
		node.fields = append(node.fields, strings.TrimRight(string(namesEl.data[i:i+fieldLen]), "\x00"))
	}

	for i := 0; i < numel(node.dims)*len(node.fields); i++ {
		el, r, err := p.element(rest)
		if err != nil {
			return err
		}
		rest = r
		child, err := p.matrix(el.data)
		if err != nil {
			return err
		}
		node.children = append(node.children, child)
	}
	return nil
}

func (p *v5Parser) ints(el v5Element) ([]int, error) {
	vals, err := toFloat64s(el.typ, el.data, p.order)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(v)
	}
	return out, nil
}

func numel(dims []int) int {
	if len(dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// toFloat64s converts raw element data of a numeric storage type.
func toFloat64s(typ uint32, raw []byte, order binary.ByteOrder) ([]float64, error) {
	var size int
	switch typ {
	case miINT8, miUINT8, miUTF8:
		size = 1
	case miINT16, miUINT16, miUTF16:
		size = 2
	case miINT32, miUINT32, miSINGLE, miUTF32:
		size = 4
	case miDOUBLE, miINT64, miUINT64:
		size = 8
	default:
		return nil, fmt.Errorf("%w: numeric storage type %d", ErrDecode, typ)
	}
	n := len(raw) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		switch typ {
		case miINT8:
			out[i] = float64(int8(b[0]))
		case miUINT8, miUTF8:
			out[i] = float64(b[0])
		case miINT16:
			out[i] = float64(int16(order.Uint16(b)))
		case miUINT16, miUTF16:
			out[i] = float64(order.Uint16(b))
		case miINT32:
			out[i] = float64(int32(order.Uint32(b)))
		case miUINT32, miUTF32:
			out[i] = float64(order.Uint32(b))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case miDOUBLE:
			out[i] = math.Float64frombits(order.Uint64(b))
		case miINT64:
			out[i] = float64(int64(order.Uint64(b)))
		case miUINT64:
			out[i] = float64(order.Uint64(b))
		}
	}
	return out, nil
}

// v5Node implements every node interface; which methods apply depends on
// the MATLAB class.
type v5Node struct {
	name    string
	class   uint8
	dims    []int
	complex bool
	logical bool
	empty   bool
	order   binary.ByteOrder

	// numeric and char payload
	typ uint32
	raw []byte

	// struct field names; children holds cell elements, or struct values
	// laid out element-major (elem*len(fields) + field).
	fields   []string
	children []*v5Node

	err error
}

func (n *v5Node) Name() string { return n.name }

func (n *v5Node) Kind() Kind {
	switch {
	case n.empty:
		return KindEmpty
	case n.err != nil:
		// Unsupported classes surface their error through Float64s.
		return KindNumeric
	case n.class == mxCELL:
		return KindCell
	case n.class == mxSTRUCT:
		return KindStruct
	case n.class == mxCHAR:
		return KindChar
	default:
		return KindNumeric
	}
}

func (n *v5Node) Shape() []int { return n.dims }

func (n *v5Node) Len() int { return numel(n.dims) }

func (n *v5Node) FieldNames() []string { return append([]string(nil), n.fields...) }

func (n *v5Node) Field(elem int, name string) (Node, error) {
	if n.err != nil {
		return nil, n.err
	}
	for i, f := range n.fields {
		if f != name {
			continue
		}
		idx := elem*len(n.fields) + i
		if idx >= len(n.children) {
			return nil, fmt.Errorf("%w: struct element %d out of range", ErrDecode, elem)
		}
		return n.children[idx], nil
	}
	return nil, fmt.Errorf("%w: no field %q", ErrDecode, name)
}

func (n *v5Node) Elem(i int) (Node, error) {
	if i < 0 || i >= len(n.children) {
		return nil, fmt.Errorf("%w: cell index %d out of range", ErrDecode, i)
	}
	return n.children[i], nil
}

func (n *v5Node) Float64s() ([]float64, error) {
	if n.err != nil {
		return nil, n.err
	}
	if n.complex {
		return nil, fmt.Errorf("%w: complex %s", ErrUnsupportedClass, n.name)
	}
	if n.raw == nil {
		return nil, nil
	}
	return toFloat64s(n.typ, n.raw, n.order)
}

func (n *v5Node) CodeUnits() ([]uint16, error) {
	if n.err != nil {
		return nil, n.err
	}
	switch n.typ {
	case miUTF8:
		return utf16.Encode([]rune(string(n.raw))), nil
	case miUTF32:
		vals, err := toFloat64s(n.typ, n.raw, n.order)
		if err != nil {
			return nil, err
		}
		runes := make([]rune, len(vals))
		for i, v := range vals {
			runes[i] = rune(v)
		}
		return utf16.Encode(runes), nil
	}
	vals, err := toFloat64s(n.typ, n.raw, n.order)
	if err != nil {
		return nil, err
	}
	units := make([]uint16, len(vals))
	for i, v := range vals {
		units[i] = uint16(v)
	}
	return units, nil
}
