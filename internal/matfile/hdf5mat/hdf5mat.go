// Package hdf5mat reads MATLAB v7.3 files, which are HDF5 files with a
// 512-byte MAT header in the user block, as matfile Nodes.
//
// Groups become struct nodes, datasets become numeric, char, cell or
// reference nodes according to their MATLAB_class attribute and datatype.
// HDF5 reports dimensions in C order; shapes are reversed here so they read
// as MATLAB shapes over column-major data.
package hdf5mat

import (
	"fmt"
	"path"

	"gonum.org/v1/hdf5"

	"github.com/rkm/opr-stac/internal/matfile"
)

const (
	attrClass = "MATLAB_class"
	attrEmpty = "MATLAB_empty"
)

// File is an open v7.3 MAT file.
type File struct {
	h5 *hdf5.File
}

// Open opens a v7.3 MAT file read-only.
func Open(name string) (*File, error) {
	f, err := hdf5.OpenFile(name, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("open HDF5 file %s: %w", name, err)
	}
	return &File{h5: f}, nil
}

// Close releases the file handle.
func (f *File) Close() error {
	return f.h5.Close()
}

// Root returns the root group as a struct node.
func (f *File) Root() matfile.StructNode {
	return &groupNode{file: f, path: "/", name: ""}
}

// Variables returns the top-level names, including bookkeeping groups such
// as #refs#.
func (f *File) Variables() []string {
	return f.Root().FieldNames()
}

// Variable returns the named top-level variable.
func (f *File) Variable(name string) (matfile.Node, bool) {
	n, err := f.Root().Field(0, name)
	if err != nil {
		return nil, false
	}
	return n, true
}

func (f *File) node(p string, group bool) (matfile.Node, error) {
	if group {
		return &groupNode{file: f, path: p, name: path.Base(p)}, nil
	}
	ds, err := f.dataset(p)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

// groupNode is a one-element struct over an HDF5 group.
type groupNode struct {
	file *File
	path string
	name string
}

func (g *groupNode) Kind() matfile.Kind { return matfile.KindStruct }
func (g *groupNode) Name() string       { return g.name }
func (g *groupNode) Len() int           { return 1 }

func (g *groupNode) FieldNames() []string {
	grp, err := g.file.h5.OpenGroup(g.path)
	if err != nil {
		return nil
	}
	defer grp.Close()

	n, err := grp.NumObjects()
	if err != nil {
		return nil
	}
	names := make([]string, 0, n)
	for i := uint(0); i < n; i++ {
		name, err := grp.ObjectNameByIndex(i)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names
}

func (g *groupNode) Field(elem int, name string) (matfile.Node, error) {
	if elem != 0 {
		return nil, fmt.Errorf("%w: group %s has one element", matfile.ErrDecode, g.path)
	}
	grp, err := g.file.h5.OpenGroup(g.path)
	if err != nil {
		return nil, fmt.Errorf("open group %s: %w", g.path, err)
	}
	defer grp.Close()

	n, err := grp.NumObjects()
	if err != nil {
		return nil, fmt.Errorf("list group %s: %w", g.path, err)
	}
	for i := uint(0); i < n; i++ {
		objName, err := grp.ObjectNameByIndex(i)
		if err != nil || objName != name {
			continue
		}
		typ, err := grp.ObjectTypeByIndex(i)
		if err != nil {
			return nil, fmt.Errorf("object type of %s: %w", name, err)
		}
		child := path.Join(g.path, name)
		switch typ {
		case hdf5.H5G_GROUP:
			return g.file.node(child, true)
		case hdf5.H5G_DATASET:
			return g.file.node(child, false)
		default:
			return nil, fmt.Errorf("%w: %s is neither group nor dataset", matfile.ErrUnsupportedClass, child)
		}
	}
	return nil, fmt.Errorf("%w: no field %q in %s", matfile.ErrDecode, name, g.path)
}

// datasetNode implements the leaf node interfaces. Which ones apply is
// decided by kind.
type datasetNode struct {
	file  *File
	path  string
	name  string
	class string
	kind  matfile.Kind
	shape []int
	count int
}

func (f *File) dataset(p string) (*datasetNode, error) {
	ds, err := f.h5.OpenDataset(p)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", p, err)
	}
	defer ds.Close()

	node := &datasetNode{file: f, path: p, name: path.Base(p)}

	class, _, err := stringAttr(ds.ID(), attrClass)
	if err != nil {
		return nil, err
	}
	node.class = class

	space := ds.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, fmt.Errorf("dimensions of %s: %w", p, err)
	}
	node.count = 1
	for i := len(dims) - 1; i >= 0; i-- {
		node.shape = append(node.shape, int(dims[i]))
		node.count *= int(dims[i])
	}
	if len(dims) == 0 {
		node.shape = []int{1, 1}
	}

	dtype, err := ds.Datatype()
	if err != nil {
		return nil, fmt.Errorf("datatype of %s: %w", p, err)
	}
	defer dtype.Close()

	switch {
	case hasAttr(ds.ID(), attrEmpty):
		node.kind = matfile.KindEmpty
	case dtype.Class() == hdf5.T_REFERENCE && node.count == 1 && class != "cell":
		node.kind = matfile.KindReference
	case dtype.Class() == hdf5.T_REFERENCE:
		node.kind = matfile.KindCell
	case class == "char":
		node.kind = matfile.KindChar
	case dtype.Class() == hdf5.T_INTEGER, dtype.Class() == hdf5.T_FLOAT:
		node.kind = matfile.KindNumeric
	default:
		return nil, fmt.Errorf("%w: dataset %s with class %q", matfile.ErrUnsupportedClass, p, class)
	}
	return node, nil
}

func (d *datasetNode) Kind() matfile.Kind { return d.kind }
func (d *datasetNode) Name() string       { return d.name }
func (d *datasetNode) Shape() []int       { return d.shape }
func (d *datasetNode) Len() int           { return d.count }

func (d *datasetNode) Float64s() ([]float64, error) {
	ds, err := d.file.h5.OpenDataset(d.path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", d.path, err)
	}
	defer ds.Close()

	data := make([]float64, d.count)
	if d.count == 0 {
		return data, nil
	}
	if err := ds.Read(&data); err != nil {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}
	return data, nil
}

func (d *datasetNode) CodeUnits() ([]uint16, error) {
	ds, err := d.file.h5.OpenDataset(d.path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", d.path, err)
	}
	defer ds.Close()

	units := make([]uint16, d.count)
	if d.count == 0 {
		return units, nil
	}
	if err := ds.Read(&units); err != nil {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}
	return units, nil
}

func (d *datasetNode) refs() ([]objectRef, error) {
	ds, err := d.file.h5.OpenDataset(d.path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", d.path, err)
	}
	defer ds.Close()
	return readObjectRefs(ds.ID(), d.count)
}

func (d *datasetNode) Elem(i int) (matfile.Node, error) {
	refs, err := d.refs()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(refs) {
		return nil, fmt.Errorf("%w: cell index %d out of range", matfile.ErrDecode, i)
	}
	return d.resolve(refs[i])
}

func (d *datasetNode) Deref() (matfile.Node, error) {
	refs, err := d.refs()
	if err != nil {
		return nil, err
	}
	if len(refs) != 1 {
		return nil, fmt.Errorf("%w: reference dataset %s holds %d references", matfile.ErrDecode, d.path, len(refs))
	}
	return d.resolve(refs[0])
}

func (d *datasetNode) resolve(ref objectRef) (matfile.Node, error) {
	p, group, err := resolveRef(d.file.h5.ID(), ref)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.path, err)
	}
	return d.file.node(p, group)
}
