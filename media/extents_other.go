//go:build !unix

package media

import "errors"

// ErrUnsupported is returned by sparse-file operations on platforms without
// SEEK_DATA/SEEK_HOLE or fallocate support.
var ErrUnsupported = errors.New("media: sparse-file operations unsupported on this platform")

// Extents reports the whole file as one data extent, since hole detection
// is unavailable: every range is conservatively treated as present.
func (f *File) Extents(off, length int64) ([]Extent, error) {
	if length <= 0 {
		return nil, nil
	}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	end := off + length
	if end > size {
		end = size
	}
	if end <= off {
		return nil, nil
	}
	return []Extent{{Offset: off, Length: end - off}}, nil
}

// PunchHole is not supported on this platform.
func (f *File) PunchHole(off, length int64) error {
	return ErrUnsupported
}

// Fallocate is not supported on this platform; writes still succeed, just
// without the late-ENOSPC guard.
func (f *File) Fallocate(off, length int64) error {
	return nil
}

// FreeBytes is not available on this platform.
func (b *Backend) FreeBytes() (uint64, error) {
	return 0, ErrUnsupported
}
