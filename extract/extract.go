// Package extract materialises a container image layer tarball into a
// directory tree under the cache namespace: the support path used to
// bootstrap a cache-only store from a layer blob before any byte-range
// reads of it occur.
//
// Grounded on overlaybd's untar/libtar.cpp (mkdir_hier directory
// materialisation, its read-header-then-extract-body loop) and
// untar/whiteout.cpp (OCI whiteout convention: ".wh."-prefixed entries
// delete the shadowed path, ".wh..wh..opq" makes a directory opaque to
// lower layers). Unlike tarframe (a stateless offset-shift view over one
// already-framed blob), this package walks a full multi-entry tar stream
// with the standard library's archive/tar reader -- the format and the
// job are different (archive extraction vs. single-blob envelope), so
// reusing tarframe's hand-rolled header parsing here would be the wrong
// tool, not economy.
package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
)

const (
	whiteoutPrefix     = ".wh."
	whiteoutMetaPrefix = whiteoutPrefix + whiteoutPrefix
	whiteoutOpaqueDir  = whiteoutMetaPrefix + ".opq"
)

// ErrUnsupportedMediaType is returned when the layer's media type is not one
// this package knows how to decompress.
var ErrUnsupportedMediaType = errors.New("extract: unsupported layer media type")

// ErrDigestMismatch is returned when the bytes read from r do not hash to
// Options.ExpectedDigest.
var ErrDigestMismatch = errors.New("extract: layer digest mismatch")

// Options configures a layer extraction.
type Options struct {
	// MediaType is the OCI media type of the layer, used to decide whether
	// the stream needs gzip decompression. Defaults to assuming a plain
	// (uncompressed) tar stream if empty.
	MediaType string
	// Concurrency bounds how many regular files are written in parallel
	// while materialising one layer. Default 1 (sequential).
	Concurrency int
	// ExpectedDigest, if set, is checked against the digest of the raw
	// bytes read from r (the layer blob as stored, before decompression,
	// matching an OCI descriptor's Digest field). Layer still extracts the
	// content before reporting a mismatch, the same way a streaming
	// registry pull can only verify after the blob has been fully read.
	ExpectedDigest digest.Digest
}

// decompress wraps r with a gzip reader when mediaType names a gzip layer,
// matching the media types overlaybd's layer pull path recognises.
func decompress(r io.Reader, mediaType string) (io.Reader, func() error, error) {
	switch mediaType {
	case "", ocispec.MediaTypeImageLayer, ocispec.MediaTypeImageLayerNonDistributable: //nolint:staticcheck // still a valid legacy media type
		return r, func() error { return nil }, nil
	case ocispec.MediaTypeImageLayerGzip, ocispec.MediaTypeImageLayerNonDistributableGzip: //nolint:staticcheck
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("extract: open gzip layer: %w", err)
		}
		return gz, gz.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mediaType)
	}
}

// pendingFile is a regular-file entry whose body write is deferred so that
// several can run concurrently while directory/symlink/whiteout entries
// (which must apply in stream order) are handled on the main loop.
type pendingFile struct {
	target string
	mode   fs.FileMode
	body   []byte
}

// Layer extracts a single OCI layer tarball (optionally gzip-compressed)
// into destRoot, a plain directory on the local filesystem, and returns the
// digest of the raw bytes read from r. Whiteout entries per the OCI layer
// spec delete or opaque-mark the shadowed path instead of being
// materialised as regular files. Regular-file writes for entries seen so
// far are flushed concurrently up to opts.Concurrency once the stream is
// fully read, since the in-order requirement only binds directory
// creation, deletion, and opaque-marking, not file bodies. A hard-link
// entry flushes the bodies buffered before it first, so that a link to a
// file of the same layer finds its target on disk.
func Layer(ctx context.Context, r io.Reader, destRoot string, opts Options) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	teed := io.TeeReader(r, digester.Hash())

	stream, closeStream, err := decompress(teed, opts.MediaType)
	if err != nil {
		return "", err
	}
	defer closeStream() //nolint:errcheck // best-effort on the read side

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return "", fmt.Errorf("extract: create root %s: %w", destRoot, err)
	}

	tr := tar.NewReader(stream)
	unpacked := make(map[string]bool)
	var pending []pendingFile

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("extract: read tar header: %w", err)
		}

		cleanName := path.Clean("/" + hdr.Name)
		dir, base := path.Split(cleanName)
		target := filepath.Join(destRoot, filepath.FromSlash(cleanName))

		if base == whiteoutOpaqueDir {
			if err := opaqueDir(destRoot, dir, unpacked); err != nil {
				return "", err
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			shadowed := filepath.Join(destRoot, filepath.FromSlash(dir), strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(shadowed); err != nil {
				return "", fmt.Errorf("extract: remove whiteout target %s: %w", shadowed, err)
			}
			continue
		}

		unpacked[cleanName] = true

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return "", fmt.Errorf("extract: mkdir %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", fmt.Errorf("extract: mkdir for symlink %s: %w", target, err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return "", fmt.Errorf("extract: symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", fmt.Errorf("extract: mkdir for hardlink %s: %w", target, err)
			}
			// The target may be a regular file of this same layer whose body
			// is still buffered: write the buffered bodies out first.
			if err := flushFiles(ctx, pending, opts.Concurrency); err != nil {
				return "", err
			}
			pending = nil
			linkTarget := filepath.Join(destRoot, filepath.FromSlash(path.Clean("/"+hdr.Linkname)))
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return "", fmt.Errorf("extract: hardlink %s -> %s: %w", target, linkTarget, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", fmt.Errorf("extract: mkdir for %s: %w", target, err)
			}
			body := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, body); err != nil {
				return "", fmt.Errorf("extract: read body of %s: %w", hdr.Name, err)
			}
			pending = append(pending, pendingFile{target: target, mode: hdr.FileInfo().Mode().Perm(), body: body})
		default:
			// Devices, fifos, and other exotic entries have no home in a
			// directory-tree cache namespace; skip rather than fail the
			// whole layer over one unusual entry.
		}
	}

	// Drain whatever the tar/gzip readers left unread (trailing padding,
	// the gzip footer) so the digester has seen every byte of r.
	if _, err := io.Copy(io.Discard, stream); err != nil {
		return "", fmt.Errorf("extract: drain layer stream: %w", err)
	}

	if err := flushFiles(ctx, pending, opts.Concurrency); err != nil {
		return "", err
	}

	sum := digester.Digest()
	if opts.ExpectedDigest != "" && sum != opts.ExpectedDigest {
		return sum, fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, sum, opts.ExpectedDigest)
	}
	return sum, nil
}

func flushFiles(ctx context.Context, files []pendingFile, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, pf := range files {
		pf := pf
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return os.WriteFile(pf.target, pf.body, pf.mode)
		})
	}
	return g.Wait()
}

// opaqueDir implements the ".wh..wh..opq" convention: every path under dir
// that the current layer has not itself written is removed, because an
// opaque marker means "do not fall through to the entries a lower layer
// would otherwise contribute here".
func opaqueDir(destRoot, dir string, unpacked map[string]bool) error {
	full := filepath.Join(destRoot, filepath.FromSlash(dir))
	entries, err := os.ReadDir(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("extract: read opaque dir %s: %w", full, err)
	}
	for _, entry := range entries {
		childLogical := path.Join(dir, entry.Name())
		if unpacked[childLogical] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(full, entry.Name())); err != nil {
			return fmt.Errorf("extract: clear opaque entry %s: %w", childLogical, err)
		}
	}
	return nil
}
