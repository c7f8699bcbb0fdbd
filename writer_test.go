package zipar

import (
	"bytes"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/nddang/zipar/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroReader yields an endless stream of zero bytes.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestWriterStateMachine(t *testing.T) {
	var sb seekBuffer
	w := NewWriter(&sb)

	// a second Create closes the first entry implicitly.
	f1, err := w.Create("one", WithMethod(Store))
	require.NoError(t, err)
	_, err = f1.Write([]byte("first"))
	require.NoError(t, err)

	f2, err := w.Create("two", WithMethod(Store))
	require.NoError(t, err)
	_, err = f2.Write([]byte("second"))
	require.NoError(t, err)

	// the stale handle is dead once the next entry opens.
	_, err = f1.Write([]byte("late"))
	assert.Error(t, err)

	require.NoError(t, w.Finish())

	// writing after Finish is rejected.
	_, err = w.Create("three")
	assert.Error(t, err)

	a := openArchive(t, sb.b)
	assert.Equal(t, []string{"one", "two"}, a.FileNames())
	assert.Equal(t, []byte("first"), readEntry(t, a, "one"))
	assert.Equal(t, []byte("second"), readEntry(t, a, "two"))
}

func TestWriterEntryOrderPreserved(t *testing.T) {
	names := []string{"z", "a", "m/", "0"}
	data := buildArchive(t, func(w *Writer) {
		for _, name := range names {
			if name == "m/" {
				require.NoError(t, w.AddDir(name))
				continue
			}
			f, err := w.Create(name, WithMethod(Store))
			require.NoError(t, err)
			_, err = f.Write([]byte(name))
			require.NoError(t, err)
		}
	})

	assert.Equal(t, names, openArchive(t, data).FileNames())
}

func TestWriterStreamingModeRoundTrip(t *testing.T) {
	// bytes.Buffer cannot seek, so the writer must emit data descriptors
	// and the archive must still open from the central directory.
	var buf bytes.Buffer
	w := NewWriter(&buf)

	payload := bytes.Repeat([]byte("streaming "), 500)
	f, err := w.Create("s.txt", WithMethod(Deflate))
	require.NoError(t, err)
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	a := openArchive(t, buf.Bytes())
	e, _ := a.Entry(0)
	assert.True(t, e.UsesDataDescriptor())
	assert.Equal(t, payload, readEntry(t, a, "s.txt"))
}

func TestLargeFileWithoutOptIn(t *testing.T) {
	if testing.Short() {
		t.Skip("writes 4 GiB of zeros through the counter")
	}

	w := NewWriter(io.Discard)
	f, err := w.Create("zero.dat", WithMethod(Store))
	require.NoError(t, err)

	_, err = io.CopyN(f, zeroReader{}, int64(uint32max)+1)
	assert.ErrorIs(t, err, ErrLargeFile)

	// the failure is sticky: opening another entry also fails.
	_, err = w.Create("next")
	assert.ErrorIs(t, err, ErrLargeFile)
	assert.ErrorIs(t, w.Finish(), ErrLargeFile)
}

func TestLargeFileRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("writes and reads back a >4 GiB archive")
	}

	path := filepath.Join(t.TempDir(), "large.zip")
	out, err := os.Create(path)
	require.NoError(t, err)

	const size = int64(uint32max) + 1

	w := NewWriter(out)
	f, err := w.Create("zero.dat", WithMethod(Store), WithLargeFile())
	require.NoError(t, err)
	_, err = io.CopyN(f, zeroReader{}, size)
	require.NoError(t, err)
	require.NoError(t, w.Finish())
	require.NoError(t, out.Close())

	a, err := OpenArchive(path)
	require.NoError(t, err)
	defer a.Close()

	e, err := a.EntryByName("zero.dat")
	require.NoError(t, err)
	assert.True(t, e.LargeFile)
	assert.EqualValues(t, size, e.UncompressedSize)

	er, err := a.ByIndex(0)
	require.NoError(t, err)
	defer er.Close()

	n, err := io.Copy(io.Discard, er)
	require.NoError(t, err)
	assert.Equal(t, size, n)
}

func TestSmallLargeFileEntry(t *testing.T) {
	// the LargeFile opt-in forces ZIP64 records even for a small entry;
	// the reader must promote the sizes back from the extra field.
	data := buildArchive(t, func(w *Writer) {
		f, err := w.Create("promoted", WithMethod(Store), WithLargeFile())
		require.NoError(t, err)
		_, err = f.Write(loremIpsum)
		require.NoError(t, err)
	})

	a := openArchive(t, data)
	e, _ := a.Entry(0)
	assert.True(t, e.LargeFile)
	assert.EqualValues(t, len(loremIpsum), e.UncompressedSize)
	assert.Equal(t, loremIpsum, readEntry(t, a, "promoted"))
}

func TestWriterDirectoryAttributes(t *testing.T) {
	data := buildArchive(t, func(w *Writer) {
		require.NoError(t, w.AddDir("d", WithPerm(0o700)))
	})

	a := openArchive(t, data)
	e, err := a.EntryByName("d/")
	require.NoError(t, err)
	assert.True(t, e.IsDir())
	assert.EqualValues(t, 0, e.UncompressedSize)
	assert.EqualValues(t, 0o700, e.UnixMode()&0o777)
	assert.NotZero(t, e.ExternalAttrs&msdosDirBit)
}

func TestWriterCommentTooLong(t *testing.T) {
	w := NewWriter(io.Discard)
	assert.Error(t, w.SetComment(string(bytes.Repeat([]byte("c"), uint16max+1))))
}

func TestCreateRawStoresVerbatim(t *testing.T) {
	payload := []byte("already compressed, honest")
	data := buildArchive(t, func(w *Writer) {
		f, err := w.CreateRaw("r.bin", crc32.ChecksumIEEE(payload), uint64(len(payload)))
		require.NoError(t, err)
		_, err = f.Write(payload)
		require.NoError(t, err)
	})

	a := openArchive(t, data)
	assert.Equal(t, payload, readEntry(t, a, "r.bin"))
}

func TestEocdRoundTripThroughWriter(t *testing.T) {
	// parse-then-write of the writer's EOCD reproduces the original bytes.
	data := buildArchive(t, func(w *Writer) {
		require.NoError(t, w.SetComment("tail"))
		require.NoError(t, w.AddDir("d/"))
	})

	i := bytes.LastIndex(data, []byte{0x50, 0x4b, 0x05, 0x06})
	require.GreaterOrEqual(t, i, 0)

	tail := data[i:]
	parsed, err := record.ParseEndOfCentralDir(tail)
	require.NoError(t, err)
	assert.Equal(t, tail, parsed.Marshal())
}
