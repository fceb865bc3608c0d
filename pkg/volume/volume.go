// Package volume is the out-of-core 3-D array layer that all chunk I/O goes
// through.
//
// A volume is stored in a .vol file: a 64 byte little-endian header followed
// by row-major samples (index = z*Y*X + y*X + x). File-backed volumes are
// memory mapped, so cropping a sub-volume out of a large source only touches
// the pages that are actually copied.
package volume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
)

// Extension is the file extension of volume files
const Extension = ".vol"

const headerSize = 64

var magic = [8]byte{'B', 'Q', '3', 'D', 'V', 'O', 'L', '1'}

// Volume is a 3-D array of samples, either memory mapped from a .vol file or
// held in process memory.
//
// A Volume is not safe for concurrent writes to overlapping regions. Disjoint
// regions of the same file may be written through separate mappings.
type Volume struct {
	path     string
	shape    models.Shape
	dtype    DType
	itemSize int

	file     *os.File
	mapping  []byte // whole file, nil for in-memory volumes
	data     []byte // samples only
	readOnly bool
}

// New allocates a zero-initialized in-memory volume.
func New(shape models.Shape, dtype DType) *Volume {
	if !dtype.Valid() {
		panic(fmt.Sprintf("volume: invalid dtype %v", dtype))
	}
	return &Volume{
		shape:    shape,
		dtype:    dtype,
		itemSize: dtype.ItemSize(),
		data:     make([]byte, shape.Voxels()*dtype.ItemSize()),
	}
}

// Empty allocates a zero-initialized, memory-mapped volume at path without
// reading anything. An existing file at path is replaced.
func Empty(path string, shape models.Shape, dtype DType) (*Volume, error) {
	if !dtype.Valid() {
		return nil, errs.Configf("empty", "invalid dtype %v", dtype)
	}
	for a := 0; a < 3; a++ {
		if shape[a] < 1 {
			return nil, errs.Configf("empty", "invalid shape %v", shape)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errs.Storagef("empty", err, "create %s", path)
	}
	size := int64(headerSize) + int64(shape.Voxels())*int64(dtype.ItemSize())
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errs.Storagef("empty", err, "allocate %d bytes for %s", size, path)
	}
	if _, err := f.WriteAt(encodeHeader(shape, dtype), 0); err != nil {
		f.Close()
		return nil, errs.Storagef("empty", err, "write header of %s", path)
	}
	return mapFile(f, path, shape, dtype, false)
}

// Open maps an existing volume file read-only.
func Open(path string) (*Volume, error) {
	return open(path, true)
}

// OpenWritable maps an existing volume file for reading and writing.
func OpenWritable(path string) (*Volume, error) {
	return open(path, false)
}

func open(path string, readOnly bool) (*Volume, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errs.Storagef("open", err, "open %s", path)
	}
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, errs.Storagef("open", err, "read header of %s", path)
	}
	shape, dtype, err := decodeHeader(hdr)
	if err != nil {
		f.Close()
		return nil, errs.Storagef("open", err, "%s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Storagef("open", err, "stat %s", path)
	}
	want := int64(headerSize) + int64(shape.Voxels())*int64(dtype.ItemSize())
	if st.Size() < want {
		f.Close()
		return nil, errs.Storagef("open", nil, "%s is truncated: %d bytes, expected %d", path, st.Size(), want)
	}
	return mapFile(f, path, shape, dtype, readOnly)
}

func mapFile(f *os.File, path string, shape models.Shape, dtype DType, readOnly bool) (*Volume, error) {
	size := headerSize + shape.Voxels()*dtype.ItemSize()
	m, err := mmap(f, size, readOnly)
	if err != nil {
		f.Close()
		return nil, errs.Storagef("mmap", err, "map %s", path)
	}
	return &Volume{
		path:     path,
		shape:    shape,
		dtype:    dtype,
		itemSize: dtype.ItemSize(),
		file:     f,
		mapping:  m,
		data:     m[headerSize:size],
		readOnly: readOnly,
	}, nil
}

// Shape returns the Z, Y, X extent of the volume
func (v *Volume) Shape() models.Shape { return v.shape }

// DType returns the sample type
func (v *Volume) DType() DType { return v.dtype }

// Len returns the number of samples
func (v *Volume) Len() int { return v.shape.Voxels() }

// Path returns the backing file, or "" for in-memory volumes
func (v *Volume) Path() string { return v.path }

// InMemory reports whether the volume has no backing file
func (v *Volume) InMemory() bool { return v.mapping == nil }

// Index returns the flat sample index of (z, y, x)
func (v *Volume) Index(z, y, x int) int {
	return (z*v.shape[1]+y)*v.shape[2] + x
}

// At returns sample i converted to float64.
func (v *Volume) At(i int) float64 {
	return v.dtype.decode(v.data[i*v.itemSize:])
}

// Set stores x into sample i, rounding and saturating for integer dtypes.
func (v *Volume) Set(i int, x float64) {
	if v.readOnly {
		panic("volume: write to read-only volume " + v.path)
	}
	v.dtype.encode(v.data[i*v.itemSize:], x)
}

// Fill sets every sample to x
func (v *Volume) Fill(x float64) {
	n := v.Len()
	for i := 0; i < n; i++ {
		v.Set(i, x)
	}
}

// Bytes exposes the raw sample storage.
func (v *Volume) Bytes() []byte { return v.data }

// Flush writes dirty pages of a mapped volume back to its file.
func (v *Volume) Flush() error {
	if v.mapping == nil || v.readOnly {
		return nil
	}
	if err := msync(v.mapping); err != nil {
		return errs.Storagef("flush", err, "sync %s", v.path)
	}
	return nil
}

// Close flushes and unmaps the volume. Closing twice is a no-op.
func (v *Volume) Close() error {
	if v.mapping == nil {
		v.data = nil
		return nil
	}
	var firstErr error
	if err := v.Flush(); err != nil {
		firstErr = err
	}
	if err := munmap(v.mapping); err != nil && firstErr == nil {
		firstErr = errs.Storagef("close", err, "unmap %s", v.path)
	}
	if err := v.file.Close(); err != nil && firstErr == nil {
		firstErr = errs.Storagef("close", err, "close %s", v.path)
	}
	v.mapping, v.data, v.file = nil, nil, nil
	return firstErr
}

func encodeHeader(shape models.Shape, dtype DType) []byte {
	hdr := make([]byte, headerSize)
	copy(hdr[0:8], magic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(dtype))
	for a := 0; a < 3; a++ {
		binary.LittleEndian.PutUint64(hdr[16+8*a:24+8*a], uint64(shape[a]))
	}
	return hdr
}

var errBadHeader = errors.New("not a volume file")

func decodeHeader(hdr []byte) (models.Shape, DType, error) {
	var shape models.Shape
	if !bytes.Equal(hdr[0:8], magic[:]) {
		return shape, Invalid, errBadHeader
	}
	dtype := DType(binary.LittleEndian.Uint32(hdr[8:12]))
	if !dtype.Valid() {
		return shape, Invalid, fmt.Errorf("%w: unknown dtype code %d", errBadHeader, uint32(dtype))
	}
	for a := 0; a < 3; a++ {
		shape[a] = int(binary.LittleEndian.Uint64(hdr[16+8*a : 24+8*a]))
		if shape[a] < 1 {
			return shape, Invalid, fmt.Errorf("%w: invalid shape", errBadHeader)
		}
	}
	return shape, dtype, nil
}
