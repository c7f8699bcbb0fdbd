package zipar

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nddang/zipar/internal/record"
)

// StreamReader walks the local file headers of an archive through a
// forward-only reader, with no access to the central directory.
//
// Encrypted entries and entries using a data descriptor cannot be read
// this way: their payload length is unknown until after the payload.
type StreamReader struct {
	br  *bufio.Reader
	cur *StreamEntry
}

// NewStreamReader wraps src for forward-only traversal.
func NewStreamReader(src io.Reader) *StreamReader {
	return &StreamReader{br: bufio.NewReaderSize(src, 16*1024)}
}

// StreamEntry is one entry produced by a StreamReader. Reading past the
// payload yields io.EOF; the CRC is verified at that point.
type StreamEntry struct {
	// Entry describes the file using only local-header information; the
	// fields sourced from the central directory are zero.
	Entry *Entry

	r      io.Reader
	raw    io.Reader
	closer io.Closer
}

func (s *StreamEntry) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Close releases the entry's decoder. The remainder of an unread payload
// is drained by the next call to Next.
func (s *StreamEntry) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Next returns the next entry, or (nil, nil) once the central directory is
// reached. Any leftover payload of the previous entry is skipped first.
func (r *StreamReader) Next() (*StreamEntry, error) {
	if r.cur != nil {
		if _, err := io.Copy(io.Discard, r.cur.r); err != nil && !isCrcMismatch(err) {
			return nil, fmt.Errorf("drain previous entry: %w", err)
		}
		// the decoder may leave compressed padding unconsumed.
		if _, err := io.Copy(io.Discard, r.cur.raw); err != nil {
			return nil, fmt.Errorf("drain previous entry: %w", err)
		}
		r.cur = nil
	}

	sig, err := r.br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("peek next signature: %w", err)
	}

	switch binary.LittleEndian.Uint32(sig) {
	case record.LocalFileHeaderSignature:
	case record.CentralHeaderSignature:
		return nil, nil
	default:
		return nil, invalidArchive("Invalid digital signature header")
	}

	buf := make([]byte, record.LocalFileHeaderLen)
	if _, err = io.ReadFull(r.br, buf); err != nil {
		return nil, fmt.Errorf("read local header: %w", err)
	}

	h, err := record.ParseLocalFileHeader(buf)
	if err != nil {
		return nil, err
	}

	tail := make([]byte, int(h.NameLength)+int(h.ExtraLength))
	if _, err = io.ReadFull(r.br, tail); err != nil {
		return nil, fmt.Errorf("read local header tail: %w", err)
	}

	name := tail[:h.NameLength]
	e := &Entry{
		System:           SystemUnknown,
		Flags:            h.Flags,
		Method:           Method(h.Method),
		Level:            deflateLevelHint(h.Flags, Method(h.Method)),
		Modified:         DosTimeFromParts(h.ModifiedDate, h.ModifiedTime),
		CRC32:            h.CRC32,
		CompressedSize:   uint64(h.CompressedSize),
		UncompressedSize: uint64(h.UncompressedSize),
		Name:             decodeHeaderString(name, h.Flags&flagUTF8 != 0),
		RawName:          append([]byte(nil), name...),
		Extra:            append([]byte(nil), tail[h.NameLength:]...),
	}

	if e.Encrypted() {
		return nil, unsupportedArchive("Encrypted files are not supported in streaming mode")
	}
	if e.UsesDataDescriptor() {
		return nil, unsupportedArchive("The file length is not available in the local header")
	}

	limited := io.LimitReader(r.br, int64(e.CompressedSize))
	dec, err := newDecompressor(limited, e.Method)
	if err != nil {
		return nil, err
	}

	r.cur = &StreamEntry{
		Entry:  e,
		r:      newCrcReader(dec, e.CRC32, true),
		raw:    limited,
		closer: dec,
	}
	return r.cur, nil
}

func isCrcMismatch(err error) bool {
	var m Crc32MismatchError
	return errors.As(err, &m)
}
