// Package frame opens radar frame files. The on-disk format (legacy MAT v5
// or HDF5-based MAT v7.3) is detected from the file header, and variables
// are decoded on first access.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/rkm/opr-stac/internal/matfile"
	"github.com/rkm/opr-stac/internal/matfile/hdf5mat"
	"github.com/rkm/opr-stac/internal/metadata"
)

// ErrUnknownFormat is returned for files that are neither MAT v5 nor HDF5.
var ErrUnknownFormat = errors.New("unknown frame file format")

var hdf5Signature = []byte("\x89HDF\r\n\x1a\n")

// Format identifies the container of a frame file.
type Format int

const (
	FormatMATv5 Format = iota + 1
	FormatHDF5
)

func (f Format) String() string {
	switch f {
	case FormatMATv5:
		return "MAT v5"
	case FormatHDF5:
		return "HDF5"
	default:
		return "unknown"
	}
}

// Options controls decoding.
type Options struct {
	Strict bool
	Logger *slog.Logger
}

type source interface {
	Variables() []string
	Variable(name string) (matfile.Node, bool)
}

// Dataset is an open frame file. It is safe for concurrent use.
type Dataset struct {
	path   string
	format Format
	src    source
	closer io.Closer
	opts   matfile.Options

	mu    sync.Mutex
	cache map[string]any
}

var _ metadata.Dataset = (*Dataset)(nil)

// Sniff reports the format of the file at path.
func Sniff(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, 512+len(hdf5Signature))
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, fmt.Errorf("read header of %s: %w", path, err)
	}
	return sniffBytes(buf[:n])
}

func sniffBytes(b []byte) (Format, error) {
	if bytes.HasPrefix(b, hdf5Signature) {
		return FormatHDF5, nil
	}
	h, err := matfile.ParseHeader(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnknownFormat, err)
	}
	switch h.Version {
	case matfile.VersionV5:
		return FormatMATv5, nil
	case matfile.VersionV73:
		return FormatHDF5, nil
	default:
		return 0, fmt.Errorf("%w: MAT header version 0x%04x", ErrUnknownFormat, h.Version)
	}
}

// Load opens the frame file at path.
func Load(path string, opts Options) (*Dataset, error) {
	format, err := Sniff(path)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		path:   path,
		format: format,
		opts:   matfile.Options{Strict: opts.Strict, Logger: opts.Logger},
		cache:  make(map[string]any),
	}
	if ds.opts.Logger != nil {
		ds.opts.Logger = ds.opts.Logger.With("file", path)
	}

	switch format {
	case FormatHDF5:
		h5, err := hdf5mat.Open(path)
		if err != nil {
			return nil, err
		}
		ds.src = h5
		ds.closer = h5
	case FormatMATv5:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		mf, err := matfile.ReadV5(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		ds.src = mf
	}
	return ds, nil
}

// Path returns the file the dataset was loaded from.
func (d *Dataset) Path() string { return d.path }

// Format returns the detected container format.
func (d *Dataset) Format() Format { return d.format }

// MimeType returns the media type of the underlying file.
func (d *Dataset) MimeType() string {
	if d.format == FormatHDF5 {
		return metadata.MimeHDF5
	}
	return metadata.MimeMATLAB
}

// Variables lists the top-level variable names, without bookkeeping
// entries such as #refs#.
func (d *Dataset) Variables() []string {
	var out []string
	for _, name := range d.src.Variables() {
		if len(name) > 0 && name[0] == '#' {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Variable decodes the named variable, caching the result.
func (d *Dataset) Variable(name string) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.cache[name]; ok {
		return v, nil
	}
	node, ok := d.src.Variable(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", metadata.ErrVariableNotFound, name)
	}
	v, err := matfile.Decode(node, d.opts)
	if err != nil {
		return nil, err
	}
	d.cache[name] = v
	return v, nil
}

// Close releases the file handle, if the backend holds one.
func (d *Dataset) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// VariableSummary describes one variable without decoding it.
type VariableSummary struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Shape []int  `json:"shape,omitempty"`
}

// Summary describes an open dataset.
type Summary struct {
	Path      string            `json:"path"`
	Format    string            `json:"format"`
	MimeType  string            `json:"mime_type"`
	Variables []VariableSummary `json:"variables"`
	// Waveform holds the radar parameters common to every waveform.
	Waveform *matfile.Struct `json:"waveform,omitempty"`
}

// Summary lists the dataset's variables by name with their node kind and
// shape, plus the stable waveform parameters when the frame has any.
func (d *Dataset) Summary() Summary {
	s := Summary{Path: d.path, Format: d.format.String(), MimeType: d.MimeType()}
	names := d.Variables()
	sort.Strings(names)
	for _, name := range names {
		node, ok := d.src.Variable(name)
		if !ok {
			continue
		}
		vs := VariableSummary{Name: name, Kind: node.Kind().String()}
		switch n := node.(type) {
		case matfile.NumericNode:
			vs.Shape = n.Shape()
		case matfile.CharNode:
			vs.Shape = n.Shape()
		}
		s.Variables = append(s.Variables, vs)
	}
	if wfs, ok := metadata.WaveformParams(d, metadata.DefaultAccessors()); ok {
		s.Waveform = wfs
	}
	return s
}
