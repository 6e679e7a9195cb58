//go:build unix

package media

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Extents reports the data-backed spans of the file in [off, off+length),
// using SEEK_DATA/SEEK_HOLE. Used by the cache store's query_refill_range to
// find which parts of a logical range still need fetching from origin:
// everything NOT covered by a returned Extent is a hole.
func (f *File) Extents(off, length int64) ([]Extent, error) {
	if length <= 0 {
		return nil, nil
	}
	end := off + length

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if off >= size {
		return nil, nil
	}
	if end > size {
		end = size
	}

	fd := int(f.f.Fd())
	var extents []Extent
	pos := off
	for pos < end {
		dataStart, err := unix.Seek(fd, pos, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				// no more data from pos to EOF
				break
			}
			return nil, fmt.Errorf("media: seek_data: %w", err)
		}
		if dataStart >= end {
			break
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				holeStart = size
			} else {
				return nil, fmt.Errorf("media: seek_hole: %w", err)
			}
		}
		dataEnd := holeStart
		if dataEnd > end {
			dataEnd = end
		}
		if dataEnd > dataStart {
			extents = append(extents, Extent{Offset: dataStart, Length: dataEnd - dataStart})
		}
		pos = holeStart
	}
	return extents, nil
}

// PunchHole deallocates the storage backing [off, off+length) without
// changing the file's logical size, turning that span back into a hole.
// Used by eviction/trim to reclaim space from a file without unlinking it.
func (f *File) PunchHole(off, length int64) error {
	if length <= 0 {
		return nil
	}
	fd := int(f.f.Fd())
	err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
	if err != nil {
		return fmt.Errorf("media: fallocate punch hole: %w", err)
	}
	return nil
}

// Fallocate preallocates storage for [off, off+length) so that a subsequent
// WriteAt in that span cannot fail midway due to ENOSPC discovered late.
func (f *File) Fallocate(off, length int64) error {
	if length <= 0 {
		return nil
	}
	fd := int(f.f.Fd())
	if err := unix.Fallocate(fd, 0, off, length); err != nil {
		return fmt.Errorf("media: fallocate: %w", err)
	}
	return nil
}

// FreeBytes reports the free space available on the filesystem backing the
// backend root, used for the pool's free-space eviction floor.
func (b *Backend) FreeBytes() (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(b.root, &stat); err != nil {
		return 0, fmt.Errorf("media: statfs: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil //nolint:gosec // Bsize is always positive
}
