// Package mattest writes small MAT v5 files for tests.
//
// Supported values: nil (empty matrix), bool, int, float64, []float64 (row
// vector), *matfile.Array, string, Char16, []any (cell), *matfile.Struct,
// []*matfile.Struct (struct array) and Sparse.
package mattest

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"unicode/utf16"

	"github.com/rkm/opr-stac/internal/matfile"
)

// Var is one top-level variable.
type Var struct {
	Name  string
	Value any
}

// Char16 is a character array given as raw UTF-16 code units.
type Char16 []uint16

// Sparse encodes as a sparse matrix, which decoders reject.
type Sparse struct{}

// Options controls encoding.
type Options struct {
	// Compress wraps every variable in a zlib-compressed element.
	Compress bool
}

const (
	miINT8       = 1
	miUINT8      = 2
	miINT32      = 5
	miUINT16     = 4
	miUINT32     = 6
	miDOUBLE     = 9
	miMATRIX     = 14
	miCOMPRESSED = 15

	mxCELL   = 1
	mxSTRUCT = 2
	mxCHAR   = 4
	mxSPARSE = 5
	mxDOUBLE = 6
	mxUINT8  = 9

	flagLogical = 0x0200
)

var order = binary.LittleEndian

// Header returns a 128-byte MAT file header with the given version.
func Header(version uint16) []byte {
	h := make([]byte, 128)
	text := fmt.Sprintf("MATLAB 5.0 MAT-file, Platform: GLNXA64, Created by: mattest, version 0x%04x", version)
	copy(h, text)
	for i := len(text); i < 116; i++ {
		h[i] = ' '
	}
	order.PutUint16(h[124:126], version)
	copy(h[126:128], "IM")
	return h
}

// Encode builds a complete MAT v5 file.
func Encode(vars []Var, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Header(matfile.VersionV5))
	for _, v := range vars {
		m, err := matrix(v.Name, v.Value)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", v.Name, err)
		}
		if !opts.Compress {
			buf.Write(m)
			continue
		}
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		if _, err := zw.Write(m); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		writeTag(&buf, miCOMPRESSED, z.Len())
		buf.Write(z.Bytes())
	}
	return buf.Bytes(), nil
}

// WriteFile encodes vars and writes them to path.
func WriteFile(path string, opts Options, vars ...Var) error {
	data, err := Encode(vars, opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// V73Stub returns a header-only file that claims to be MAT v7.3.
func V73Stub() []byte {
	out := make([]byte, 512)
	copy(out, Header(matfile.VersionV73))
	return out
}

func writeTag(buf *bytes.Buffer, typ uint32, n int) {
	var tag [8]byte
	order.PutUint32(tag[0:4], typ)
	order.PutUint32(tag[4:8], uint32(n))
	buf.Write(tag[:])
}

// element writes a data element, using the small format for payloads of
// 1 to 4 bytes.
func element(buf *bytes.Buffer, typ uint32, data []byte) {
	if n := len(data); n > 0 && n <= 4 {
		var small [8]byte
		order.PutUint32(small[0:4], uint32(n)<<16|typ)
		copy(small[4:], data)
		buf.Write(small[:])
		return
	}
	writeTag(buf, typ, len(data))
	buf.Write(data)
	if pad := (8 - len(data)%8) % 8; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func matrix(name string, v any) ([]byte, error) {
	var body bytes.Buffer

	header := func(class uint8, flags uint32, dims []int) {
		f := make([]byte, 8)
		order.PutUint32(f[0:4], uint32(class)|flags)
		element(&body, miUINT32, f)
		d := make([]byte, 4*len(dims))
		for i, x := range dims {
			order.PutUint32(d[i*4:], uint32(int32(x)))
		}
		element(&body, miINT32, d)
		element(&body, miINT8, []byte(name))
	}

	switch x := v.(type) {
	case nil:
		var out bytes.Buffer
		writeTag(&out, miMATRIX, 0)
		return out.Bytes(), nil
	case bool:
		header(mxUINT8, flagLogical, []int{1, 1})
		b := byte(0)
		if x {
			b = 1
		}
		element(&body, miUINT8, []byte{b})
	case int:
		header(mxDOUBLE, 0, []int{1, 1})
		element(&body, miDOUBLE, float64s([]float64{float64(x)}))
	case float64:
		header(mxDOUBLE, 0, []int{1, 1})
		element(&body, miDOUBLE, float64s([]float64{x}))
	case []float64:
		header(mxDOUBLE, 0, []int{1, len(x)})
		element(&body, miDOUBLE, float64s(x))
	case *matfile.Array:
		header(mxDOUBLE, 0, x.Shape)
		element(&body, miDOUBLE, float64s(x.Data))
	case string:
		units := utf16.Encode([]rune(x))
		header(mxCHAR, 0, []int{1, len(units)})
		element(&body, miUINT16, uint16s(units))
	case Char16:
		header(mxCHAR, 0, []int{1, len(x)})
		element(&body, miUINT16, uint16s(x))
	case []any:
		header(mxCELL, 0, []int{1, len(x)})
		for _, e := range x {
			m, err := matrix("", e)
			if err != nil {
				return nil, err
			}
			body.Write(m)
		}
	case *matfile.Struct:
		if err := structBody(&body, header, []*matfile.Struct{x}); err != nil {
			return nil, err
		}
	case []*matfile.Struct:
		if err := structBody(&body, header, x); err != nil {
			return nil, err
		}
	case Sparse:
		header(mxSPARSE, 0, []int{1, 1})
		element(&body, miINT32, make([]byte, 4))
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}

	var out bytes.Buffer
	writeTag(&out, miMATRIX, body.Len())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func structBody(body *bytes.Buffer, header func(uint8, uint32, []int), elems []*matfile.Struct) error {
	header(mxSTRUCT, 0, []int{1, len(elems)})
	var keys []string
	if len(elems) > 0 {
		keys = elems[0].Keys()
	}
	fieldLen := 1
	for _, k := range keys {
		if len(k)+1 > fieldLen {
			fieldLen = len(k) + 1
		}
	}
	l := make([]byte, 4)
	order.PutUint32(l, uint32(fieldLen))
	element(body, miINT32, l)

	names := make([]byte, fieldLen*len(keys))
	for i, k := range keys {
		copy(names[i*fieldLen:], k)
	}
	element(body, miINT8, names)

	for _, s := range elems {
		for _, k := range keys {
			v, _ := s.Get(k)
			m, err := matrix("", v)
			if err != nil {
				return fmt.Errorf("field %s: %w", k, err)
			}
			body.Write(m)
		}
	}
	return nil
}

func float64s(vals []float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		order.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func uint16s(vals []uint16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		order.PutUint16(out[i*2:], v)
	}
	return out
}
