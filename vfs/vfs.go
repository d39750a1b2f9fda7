// Package vfs defines the consumed filesystem interface: opaque
// byte-stream access at URIs, used by the dia package's
// ReadLines/ReadBinary sources and WriteLines/WriteBinary actions. Gzip,
// S3, and HDFS adapters are out of scope; this module ships vfs/localfs
// (os-backed) and vfs/memfs (in-memory, for tests).
package vfs

import "io"

// FileInfo describes one entry returned by Glob: its path, size in bytes,
// and ExclusivePrefixSum, the sum of every preceding entry's Size in the
// same Glob result (used to assign byte ranges across a fixed number of
// partitions without re-scanning).
type FileInfo struct {
	Path               string
	Size               int64
	ExclusivePrefixSum int64
}

// ReadStream is a seekable (unless Seekable is false) byte-input stream.
type ReadStream interface {
	io.Reader
	io.Closer
	// Seek repositions the stream. Calling Seek when Seekable is false
	// (e.g. a compressed file) is a programming error.
	Seek(offset int64) error
	// Seekable reports whether Seek is supported. Compressed files report
	// their decompressed or on-disk size but must be read as one
	// indivisible range.
	Seekable() bool
}

// WriteStream is a byte-output stream.
type WriteStream interface {
	io.Writer
	io.Closer
}

// FS is the consumed VFS interface.
type FS interface {
	// Glob returns every entry matching pattern, in a stable order, with
	// ExclusivePrefixSum populated over that order.
	Glob(pattern string) ([]FileInfo, error)
	// OpenReadStream opens path for reading, optionally restricted to
	// [byteRange[0], byteRange[1]); byteRange may be nil for the whole file.
	OpenReadStream(path string, byteRange *[2]int64) (ReadStream, error)
	// OpenWriteStream opens path for writing, truncating any existing
	// content.
	OpenWriteStream(path string) (WriteStream, error)
}
