package zipar

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// rawArchive builds a one-entry archive around a pre-compressed payload.
func rawArchive(t *testing.T, method Method, plaintext, payload []byte) []byte {
	t.Helper()

	data := buildArchive(t, func(w *Writer) {
		f, err := w.CreateRaw("data.bin", crc32.ChecksumIEEE(plaintext), uint64(len(plaintext)))
		require.NoError(t, err)
		_, err = f.Write(payload)
		require.NoError(t, err)
	})

	patchMethod(t, data, uint16(method))
	return data
}

func TestZstdEntry(t *testing.T) {
	plaintext := bytes.Repeat([]byte("zstandard all the way down "), 512)

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	a := openArchive(t, rawArchive(t, Zstd, plaintext, compressed.Bytes()))
	e, _ := a.Entry(0)
	assert.Equal(t, Zstd, e.Method)
	assert.Equal(t, plaintext, readEntry(t, a, "data.bin"))
}

func TestBzip2Entry(t *testing.T) {
	plaintext := bytes.Repeat([]byte("burrows and wheelers "), 512)

	var compressed bytes.Buffer
	enc, err := bzip2.NewWriter(&compressed, nil)
	require.NoError(t, err)
	_, err = enc.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	a := openArchive(t, rawArchive(t, Bzip2, plaintext, compressed.Bytes()))
	assert.Equal(t, plaintext, readEntry(t, a, "data.bin"))
}

func TestXzEntry(t *testing.T) {
	plaintext := bytes.Repeat([]byte("lempel ziv markov "), 512)

	var compressed bytes.Buffer
	enc, err := xz.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	a := openArchive(t, rawArchive(t, Xz, plaintext, compressed.Bytes()))
	assert.Equal(t, plaintext, readEntry(t, a, "data.bin"))
}

func TestUnsupportedMethodsByConstruction(t *testing.T) {
	for _, m := range []Method{Shrunk, Reduce1, Implode, Deflate64, Ppmd, Method(4660)} {
		_, err := newDecompressor(bytes.NewReader(nil), m)

		var unsupported UnsupportedArchiveError
		require.ErrorAs(t, err, &unsupported, "method %d", m)
		assert.Equal(t, "Compression method not supported", unsupported.Reason)
	}
}
