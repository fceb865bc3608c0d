package volume

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
)

// CopyRegion copies src[srcRanges] into dst with its first voxel at dstOrigin.
// Runs along X are copied as raw bytes when the dtypes match, so mapped
// sources are paged in row by row rather than loaded whole.
func CopyRegion(dst *Volume, dstOrigin [3]int, src *Volume, srcRanges models.Ranges) error {
	if !srcRanges.Within(src.shape) {
		return errs.Storagef("copy", nil, "source ranges %v outside volume %v", srcRanges, src.shape)
	}
	size := srcRanges.Shape()
	dstRanges := models.Ranges{
		{Start: dstOrigin[0], Stop: dstOrigin[0] + size[0]},
		{Start: dstOrigin[1], Stop: dstOrigin[1] + size[1]},
		{Start: dstOrigin[2], Stop: dstOrigin[2] + size[2]},
	}
	if !dstRanges.Within(dst.shape) {
		return errs.Storagef("copy", nil, "destination ranges %v outside volume %v", dstRanges, dst.shape)
	}
	if dst.readOnly {
		return errs.Storagef("copy", nil, "destination %s is read-only", dst.path)
	}

	sameType := src.dtype == dst.dtype
	rowLen := size[2]
	for z := 0; z < size[0]; z++ {
		for y := 0; y < size[1]; y++ {
			si := src.Index(srcRanges[0].Start+z, srcRanges[1].Start+y, srcRanges[2].Start)
			di := dst.Index(dstOrigin[0]+z, dstOrigin[1]+y, dstOrigin[2])
			if sameType {
				n := rowLen * src.itemSize
				copy(dst.data[di*dst.itemSize:di*dst.itemSize+n], src.data[si*src.itemSize:si*src.itemSize+n])
				continue
			}
			for x := 0; x < rowLen; x++ {
				dst.Set(di+x, src.At(si+x))
			}
		}
	}
	return nil
}

// Materialize creates a new volume file at path sized exactly to ranges and
// copies that sub-volume of src into it.
func Materialize(src *Volume, ranges models.Ranges, path string) (*Volume, error) {
	if !ranges.Within(src.shape) {
		return nil, errs.Storagef("materialize", nil, "ranges %v outside volume %v", ranges, src.shape)
	}
	dst, err := Empty(path, ranges.Shape(), src.dtype)
	if err != nil {
		return nil, err
	}
	if err := CopyRegion(dst, [3]int{}, src, ranges); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

// Read returns ranges of v as an in-memory volume.
func Read(v *Volume, ranges models.Ranges) (*Volume, error) {
	if !ranges.Within(v.shape) {
		return nil, errs.Storagef("read", nil, "ranges %v outside volume %v", ranges, v.shape)
	}
	out := New(ranges.Shape(), v.dtype)
	if err := CopyRegion(out, [3]int{}, v, ranges); err != nil {
		return nil, err
	}
	return out, nil
}

// Write stores data into the sub-region ranges of v. The rest of v is left
// untouched. data must have the shape of ranges.
func Write(v *Volume, ranges models.Ranges, data *Volume) error {
	if ranges.Shape() != data.shape {
		return errs.Storagef("write", nil, "data shape %v does not match ranges %v", data.shape, ranges)
	}
	return CopyRegion(v, ranges.Origin(), data, models.Full(data.shape))
}

// Copy copies ranges of the volume file at source into a new file at dest.
func Copy(source, dest string, ranges *models.Ranges) (*Volume, error) {
	src, err := Open(source)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	r := models.Full(src.shape)
	if ranges != nil {
		r = *ranges
	}
	if !r.Within(src.shape) {
		return nil, errs.Configf("copy", "ranges %v outside source volume %v", r, src.shape)
	}
	return Materialize(src, r, dest)
}

// OpenOrCreate opens the volume at path for writing, creating a zero-filled
// one of the given shape and dtype first if none exists. Creation is race
// free across goroutines and processes: the file is fully allocated under a
// temporary name and then hard-linked into place, so a concurrent caller
// either wins the link or opens the winner's complete file.
func OpenOrCreate(path string, shape models.Shape, dtype DType) (*Volume, error) {
	v, err := OpenWritable(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errs.Storagef("create", err, "create directory for %s", path)
		}
		tmp := path + "." + uuid.NewString() + ".tmp"
		created, err := Empty(tmp, shape, dtype)
		if err != nil {
			os.Remove(tmp)
			return nil, err
		}
		if err := created.Close(); err != nil {
			os.Remove(tmp)
			return nil, err
		}
		linkErr := os.Link(tmp, path)
		os.Remove(tmp)
		if linkErr != nil && !errors.Is(linkErr, fs.ErrExist) {
			return nil, errs.Storagef("create", linkErr, "publish %s", path)
		}
		if v, err = OpenWritable(path); err != nil {
			return nil, err
		}
	}
	if v.shape != shape || v.dtype != dtype {
		v.Close()
		return nil, errs.Storagef("create", nil, "%s holds a %v %v volume, expected %v %v",
			path, v.shape, v.dtype, shape, dtype)
	}
	return v, nil
}

// NewRunDir creates a uniquely named directory under root.
func NewRunDir(root, prefix string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, prefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errs.Storagef("tempdir", err, "create %s", dir)
	}
	return dir, nil
}

// TempPath returns a fresh volume file name inside dir
func TempPath(dir string) string {
	return filepath.Join(dir, uuid.NewString()+Extension)
}

// RemoveAll deletes dir and everything below it. A missing dir is not an error.
func RemoveAll(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Storagef("cleanup", err, "remove %s", dir)
	}
	return nil
}
