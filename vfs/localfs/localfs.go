// Package localfs implements vfs.FS over the local filesystem using
// os/io/path-filepath, the reference adapter for the vfs.FS interface.
package localfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/vfs"
)

// FS is a vfs.FS rooted at the local filesystem.
type FS struct{}

// New constructs an FS.
func New() FS { return FS{} }

func (FS) Glob(pattern string) ([]vfs.FileInfo, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err)
	}
	sort.Strings(matches)
	out := make([]vfs.FileInfo, 0, len(matches))
	var prefix int64
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		if fi.IsDir() {
			continue
		}
		out = append(out, vfs.FileInfo{Path: m, Size: fi.Size(), ExclusivePrefixSum: prefix})
		prefix += fi.Size()
	}
	return out, nil
}

type readStream struct {
	f   *os.File
	end int64 // -1 if unbounded
}

func (r *readStream) Read(p []byte) (int, error) {
	if r.end >= 0 {
		pos, err := r.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, ferr.Wrap(ferr.IoError, err)
		}
		if pos >= r.end {
			return 0, io.EOF
		}
		if remaining := r.end - pos; int64(len(p)) > remaining {
			p = p[:remaining]
		}
	}
	n, err := r.f.Read(p)
	if err != nil && err != io.EOF {
		err = ferr.Wrap(ferr.IoError, err)
	}
	return n, err
}

func (r *readStream) Seek(offset int64) error {
	if _, err := r.f.Seek(offset, io.SeekStart); err != nil {
		return ferr.Wrap(ferr.IoError, err)
	}
	return nil
}

func (r *readStream) Seekable() bool { return true }

func (r *readStream) Close() error { return r.f.Close() }

func (FS) OpenReadStream(path string, byteRange *[2]int64) (vfs.ReadStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err)
	}
	rs := &readStream{f: f, end: -1}
	if byteRange != nil {
		if _, err := f.Seek(byteRange[0], io.SeekStart); err != nil {
			f.Close()
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		rs.end = byteRange[1]
	}
	return rs, nil
}

type writeStream struct{ f *os.File }

func (w *writeStream) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *writeStream) Close() error { return w.f.Close() }

func (FS) OpenWriteStream(path string) (vfs.WriteStream, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, ferr.Wrap(ferr.IoError, err)
	}
	return &writeStream{f: f}, nil
}
