package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileHeaderRoundTrip(t *testing.T) {
	h := LocalFileHeader{
		ReaderVersion:    20,
		Flags:            0x0808,
		Method:           8,
		ModifiedTime:     0x7d1c,
		ModifiedDate:     0x354b,
		CRC32:            0xdeadbeef,
		CompressedSize:   1234,
		UncompressedSize: 5678,
		NameLength:       13,
		ExtraLength:      9,
	}

	data := h.Marshal()
	require.Len(t, data, LocalFileHeaderLen)

	got, err := ParseLocalFileHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestCentralHeaderRoundTrip(t *testing.T) {
	h := CentralHeader{
		CreatorVersion:   0x031e,
		ReaderVersion:    45,
		Flags:            0x0800,
		Method:           93,
		ModifiedTime:     0x0001,
		ModifiedDate:     0x0021,
		CRC32:            0xcafebabe,
		CompressedSize:   0xffffffff,
		UncompressedSize: 0xffffffff,
		NameLength:       7,
		ExtraLength:      20,
		CommentLength:    3,
		DiskNumber:       0,
		InternalAttrs:    1,
		ExternalAttrs:    0o644 << 16,
		Offset:           0xffffffff,
	}

	data := h.Marshal()
	require.Len(t, data, CentralHeaderLen)

	got, err := ParseCentralHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestEndOfCentralDirRoundTrip(t *testing.T) {
	r := EndOfCentralDir{
		DiskNumber:   0,
		CDDiskNumber: 0,
		DiskRecords:  3,
		TotalRecords: 3,
		CDSize:       146,
		CDOffset:     1024,
		Comment:      []byte("hello zip"),
	}

	data := r.Marshal()
	require.Len(t, data, EndOfCentralDirLen+9)

	got, err := ParseEndOfCentralDir(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestEndOfCentralDirTruncatedComment(t *testing.T) {
	r := EndOfCentralDir{Comment: []byte("abcdef")}
	data := r.Marshal()

	// declared comment length exceeds the available bytes; the parser
	// keeps what it can reach instead of failing.
	got, err := ParseEndOfCentralDir(data[:EndOfCentralDirLen+3])
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Comment)
}

func TestZip64EndOfCentralDirRoundTrip(t *testing.T) {
	r := Zip64EndOfCentralDir{
		RecordSize:     44,
		CreatorVersion: 45,
		ReaderVersion:  45,
		DiskNumber:     0,
		CDDiskNumber:   0,
		DiskRecords:    70000,
		TotalRecords:   70000,
		CDSize:         1 << 33,
		CDOffset:       1 << 34,
	}

	data := r.Marshal()
	require.Len(t, data, Zip64EndOfCentralDirLen)

	got, err := ParseZip64EndOfCentralDir(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestZip64EndOfCentralDirBadRecordSize(t *testing.T) {
	data := Zip64EndOfCentralDir{}.Marshal()
	data[4] = 45 // corrupt the declared record size

	_, err := ParseZip64EndOfCentralDir(data)
	assert.ErrorIs(t, err, ErrZip64RecordSize)
}

func TestZip64EndLocatorRoundTrip(t *testing.T) {
	r := Zip64EndLocator{
		CDDiskNumber: 0,
		EndOffset:    0x123456789a,
		TotalDisks:   1,
	}

	data := r.Marshal()
	require.Len(t, data, Zip64EndLocatorLen)

	got, err := ParseZip64EndLocator(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestBadSignatures(t *testing.T) {
	for name, fn := range map[string]func([]byte) error{
		"local": func(b []byte) error {
			_, err := ParseLocalFileHeader(b)
			return err
		},
		"central": func(b []byte) error {
			_, err := ParseCentralHeader(b)
			return err
		},
		"eocd": func(b []byte) error {
			_, err := ParseEndOfCentralDir(b)
			return err
		},
		"zip64 eocd": func(b []byte) error {
			_, err := ParseZip64EndOfCentralDir(b)
			return err
		},
		"zip64 locator": func(b []byte) error {
			_, err := ParseZip64EndLocator(b)
			return err
		},
	} {
		t.Run(name, func(t *testing.T) {
			buf := make([]byte, 64)
			assert.ErrorIs(t, fn(buf), ErrSignature)
		})
	}
}
