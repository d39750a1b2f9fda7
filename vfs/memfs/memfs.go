// Package memfs implements vfs.FS entirely in memory, for tests that
// exercise the VFS-adapter surface (Glob, byte-range reads, the
// lseek-unsupported path for "compressed" files) without touching disk.
package memfs

import (
	"bytes"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/joeycumines/go-flowdag/ferr"
	"github.com/joeycumines/go-flowdag/vfs"
)

type entry struct {
	data       []byte
	compressed bool // if true, OpenReadStream reports Seekable()==false
}

// FS is an in-memory vfs.FS.
type FS struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty FS.
func New() *FS { return &FS{entries: make(map[string]*entry)} }

// Put seeds path with data, as an uncompressed (seekable) entry.
func (fs *FS) Put(path string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.entries[path] = &entry{data: append([]byte(nil), data...)}
}

// PutCompressed seeds path with data, marked so that OpenReadStream
// refuses byte ranges and reports Seekable()==false, the way compressed
// files behave (no lseek).
func (fs *FS) PutCompressed(path string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.entries[path] = &entry{data: append([]byte(nil), data...), compressed: true}
}

func (fs *FS) Glob(pattern string) ([]vfs.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var matches []string
	for path := range fs.entries {
		ok, err := filepath.Match(pattern, path)
		if err != nil {
			return nil, ferr.Wrap(ferr.IoError, err)
		}
		if ok {
			matches = append(matches, path)
		}
	}
	sort.Strings(matches)
	out := make([]vfs.FileInfo, 0, len(matches))
	var prefix int64
	for _, m := range matches {
		sz := int64(len(fs.entries[m].data))
		out = append(out, vfs.FileInfo{Path: m, Size: sz, ExclusivePrefixSum: prefix})
		prefix += sz
	}
	return out, nil
}

type readStream struct {
	r        *bytes.Reader
	seekable bool
}

func (r *readStream) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *readStream) Close() error { return nil }
func (r *readStream) Seekable() bool { return r.seekable }

func (r *readStream) Seek(offset int64) error {
	if !r.seekable {
		panic("memfs: Seek on a non-seekable (compressed) stream")
	}
	_, err := r.r.Seek(offset, io.SeekStart)
	return err
}

func (fs *FS) OpenReadStream(path string, byteRange *[2]int64) (vfs.ReadStream, error) {
	fs.mu.Lock()
	e, ok := fs.entries[path]
	fs.mu.Unlock()
	if !ok {
		return nil, ferr.New(ferr.IoError, "memfs: no such file: "+path)
	}
	if e.compressed && byteRange != nil {
		return nil, ferr.New(ferr.ConfigError, "memfs: byte ranges are not supported on compressed files")
	}
	data := e.data
	if byteRange != nil {
		data = data[byteRange[0]:byteRange[1]]
	}
	return &readStream{r: bytes.NewReader(data), seekable: !e.compressed}, nil
}

type writeStream struct {
	fs   *FS
	path string
	buf  bytes.Buffer
}

func (w *writeStream) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writeStream) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.entries[w.path] = &entry{data: append([]byte(nil), w.buf.Bytes()...)}
	return nil
}

func (fs *FS) OpenWriteStream(path string) (vfs.WriteStream, error) {
	return &writeStream{fs: fs, path: path}, nil
}
