package memfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGlob_OrderAndPrefixSums(t *testing.T) {
	fs := New()
	fs.Put("data/b.txt", []byte("bbbb"))
	fs.Put("data/a.txt", []byte("aa"))
	fs.Put("data/c.txt", []byte("cccccc"))
	fs.Put("data/skip.bin", []byte("x"))

	infos, err := fs.Glob("data/*.txt")
	require.NoError(t, err)
	require.Len(t, infos, 3)

	require.Equal(t, "data/a.txt", infos[0].Path)
	require.Equal(t, int64(2), infos[0].Size)
	require.Equal(t, int64(0), infos[0].ExclusivePrefixSum)

	require.Equal(t, "data/b.txt", infos[1].Path)
	require.Equal(t, int64(4), infos[1].Size)
	require.Equal(t, int64(2), infos[1].ExclusivePrefixSum)

	require.Equal(t, "data/c.txt", infos[2].Path)
	require.Equal(t, int64(6), infos[2].Size)
	require.Equal(t, int64(6), infos[2].ExclusivePrefixSum)
}

func TestOpenReadStream_ByteRangeAndSeek(t *testing.T) {
	fs := New()
	fs.Put("f", []byte("0123456789"))

	rs, err := fs.OpenReadStream("f", &[2]int64{3, 7})
	require.NoError(t, err)
	defer rs.Close()
	require.True(t, rs.Seekable())

	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "3456", string(data))

	// Seek is relative to the opened range.
	require.NoError(t, rs.Seek(1))
	data, err = io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "456", string(data))
}

func TestOpenReadStream_Compressed(t *testing.T) {
	fs := New()
	fs.PutCompressed("f.gz", []byte("payload"))

	_, err := fs.OpenReadStream("f.gz", &[2]int64{0, 3})
	require.Error(t, err, "compressed files must refuse byte ranges")

	rs, err := fs.OpenReadStream("f.gz", nil)
	require.NoError(t, err)
	defer rs.Close()
	require.False(t, rs.Seekable())

	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestOpenReadStream_Missing(t *testing.T) {
	fs := New()
	_, err := fs.OpenReadStream("nope", nil)
	require.Error(t, err)
}

func TestWriteStream_RoundTrip(t *testing.T) {
	fs := New()
	ws, err := fs.OpenWriteStream("out")
	require.NoError(t, err)
	_, err = ws.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = ws.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	rs, err := fs.OpenReadStream("out", nil)
	require.NoError(t, err)
	defer rs.Close()
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}
