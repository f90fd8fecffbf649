package hdf5mat

/*
#cgo LDFLAGS: -lhdf5
#include <stdlib.h>
#include <string.h>
#include <hdf5.h>

static herr_t read_obj_refs(hid_t dset, hobj_ref_t *buf) {
	return H5Dread(dset, H5T_STD_REF_OBJ, H5S_ALL, H5S_ALL, H5P_DEFAULT, buf);
}

// deref_name resolves an object reference to the referenced object's path.
// It returns the object type (H5I_GROUP or H5I_DATASET) or -1 on failure.
static int deref_name(hid_t file, hobj_ref_t *ref, char *name, size_t n) {
	hid_t obj = H5Rdereference2(file, H5P_DEFAULT, H5R_OBJECT, ref);
	if (obj < 0) {
		return -1;
	}
	int typ = (int)H5Iget_type(obj);
	if (H5Iget_name(obj, name, n) < 0) {
		typ = -1;
	}
	H5Oclose(obj);
	return typ;
}

static int has_attr(hid_t obj, const char *name) {
	return H5Aexists(obj, name) > 0;
}

// read_str_attr copies a string attribute into buf, handling both fixed
// and variable length strings. Returns 1 when read, 0 when absent, -1 on error.
static int read_str_attr(hid_t obj, const char *name, char *buf, size_t n) {
	if (H5Aexists(obj, name) <= 0) {
		return 0;
	}
	hid_t attr = H5Aopen(obj, name, H5P_DEFAULT);
	if (attr < 0) {
		return -1;
	}
	hid_t ftype = H5Aget_type(attr);
	hid_t mtype = H5Tcopy(H5T_C_S1);
	int rc = -1;
	if (H5Tis_variable_str(ftype) > 0) {
		char *s = NULL;
		H5Tset_size(mtype, H5T_VARIABLE);
		if (H5Aread(attr, mtype, &s) >= 0 && s != NULL) {
			strncpy(buf, s, n - 1);
			buf[n - 1] = 0;
			H5free_memory(s);
			rc = 1;
		}
	} else {
		H5Tset_size(mtype, n);
		if (H5Aread(attr, mtype, buf) >= 0) {
			buf[n - 1] = 0;
			rc = 1;
		}
	}
	H5Tclose(mtype);
	H5Tclose(ftype);
	H5Aclose(attr);
	return rc;
}

static int obj_type_group(void) { return (int)H5I_GROUP; }
static int obj_type_dataset(void) { return (int)H5I_DATASET; }
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const nameBufSize = 1024

type objectRef C.hobj_ref_t

func readObjectRefs(datasetID int64, n int) ([]objectRef, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]C.hobj_ref_t, n)
	if rc := C.read_obj_refs(C.hid_t(datasetID), &buf[0]); rc < 0 {
		return nil, fmt.Errorf("read object references")
	}
	out := make([]objectRef, n)
	for i, r := range buf {
		out[i] = objectRef(r)
	}
	return out, nil
}

// resolveRef returns the path of the referenced object and whether it is a group.
func resolveRef(fileID int64, ref objectRef) (path string, group bool, err error) {
	cref := C.hobj_ref_t(ref)
	name := (*C.char)(C.malloc(nameBufSize))
	defer C.free(unsafe.Pointer(name))

	typ := C.deref_name(C.hid_t(fileID), &cref, name, nameBufSize)
	switch typ {
	case C.obj_type_group():
		return C.GoString(name), true, nil
	case C.obj_type_dataset():
		return C.GoString(name), false, nil
	default:
		return "", false, fmt.Errorf("dereference object: type %d", int(typ))
	}
}

func hasAttr(objID int64, name string) bool {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.has_attr(C.hid_t(objID), cname) != 0
}

// stringAttr reads a string attribute. ok is false when it is absent.
func stringAttr(objID int64, name string) (value string, ok bool, err error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	buf := (*C.char)(C.malloc(nameBufSize))
	defer C.free(unsafe.Pointer(buf))

	switch C.read_str_attr(C.hid_t(objID), cname, buf, nameBufSize) {
	case 1:
		return C.GoString(buf), true, nil
	case 0:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("read attribute %s", name)
	}
}
