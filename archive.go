// Package zipar reads and writes ZIP archives, including the ZIP64
// extensions, the Stored, Deflate, Bzip2, Zstd, Xz and Lzma compression
// methods, and the ZipCrypto and WinZip AES decryption schemes.
//
// An Archive gives random access over a seekable source. Entries open one
// at a time: the archive lends its byte source to the returned EntryReader
// and takes it back on Close. NewStreamReader serves the forward-only
// case, Writer composes archives, and ExtractParallel fans extraction out
// over a pipeline when the source supports independent cursors.
package zipar

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nddang/zipar/internal/record"
)

// Archive provides random access to the entries of a ZIP archive.
//
// The byte source is exclusive: while an EntryReader is open the archive is
// busy and further opens fail with ErrSourceBusy until the reader is
// closed. Archive is not safe for concurrent use.
type Archive struct {
	shared *sharedArchive
	size   int64

	// src is nil while lent to an open EntryReader.
	src io.ReadSeeker

	// ra is set when the source also supports ReaderAt, which enables
	// ExtractParallel to give each reader worker its own cursor. Archive
	// has no method that clones a handle.
	ra io.ReaderAt

	closer io.Closer
}

// NewArchive parses the central directory of the given source. The source
// is measured by seeking to its end.
func NewArchive(src io.ReadSeeker) (*Archive, error) {
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("measure archive: %w", err)
	}

	shared, err := readDirectory(src, size)
	if err != nil {
		return nil, err
	}

	a := &Archive{shared: shared, size: size, src: src}
	if ra, ok := src.(io.ReaderAt); ok {
		a.ra = ra
	}
	return a, nil
}

// OpenArchive opens the named file and parses it as a ZIP archive. Close
// releases the file handle.
func OpenArchive(name string) (*Archive, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	a, err := NewArchive(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	a.closer = f
	return a, nil
}

// Close releases the underlying file when the archive owns one. It does
// not invalidate outstanding EntryReaders' shared metadata, only the
// source they read from.
func (a *Archive) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// Len returns the number of entries.
func (a *Archive) Len() int { return len(a.shared.entries) }

// IsEmpty reports whether the archive holds no entries.
func (a *Archive) IsEmpty() bool { return a.Len() == 0 }

// Comment returns the archive-level comment bytes.
func (a *Archive) Comment() []byte { return a.shared.comment }

// Offset returns the number of bytes of non-ZIP data prepended to the
// archive.
func (a *Archive) Offset() uint64 { return a.shared.offset }

// FileNames returns the entry names in central-directory order.
func (a *Archive) FileNames() []string {
	names := make([]string, len(a.shared.entries))
	for i, e := range a.shared.entries {
		names[i] = e.Name
	}
	return names
}

// Entry returns the descriptor at the given index without opening it.
func (a *Archive) Entry(i int) (*Entry, error) {
	if i < 0 || i >= len(a.shared.entries) {
		return nil, ErrFileNotFound
	}
	return a.shared.entries[i], nil
}

// EntryByName returns the descriptor with the given name without opening it.
func (a *Archive) EntryByName(name string) (*Entry, error) {
	i, ok := a.shared.names[name]
	if !ok {
		return nil, ErrFileNotFound
	}
	return a.shared.entries[i], nil
}

// EntryReader reads the validated plaintext of one entry. Closing it
// returns the byte source to the archive; exactly one EntryReader may be
// open per archive at a time.
type EntryReader struct {
	// Entry is the descriptor this reader was opened from.
	Entry *Entry

	r       io.Reader
	closers []io.Closer
	release func()
	closed  bool
}

func (er *EntryReader) Read(p []byte) (int, error) {
	return er.r.Read(p)
}

// Close releases the decoder chain and returns the source to the archive.
// It must be called exactly once before the next entry is opened.
func (er *EntryReader) Close() error {
	if er.closed {
		return nil
	}
	er.closed = true

	var err error
	for _, c := range er.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	if er.release != nil {
		er.release()
	}
	return err
}

// ByIndex opens the entry at the given index for reading.
func (a *Archive) ByIndex(i int) (*EntryReader, error) {
	return a.open(i, nil, false)
}

// ByName opens the named entry for reading.
func (a *Archive) ByName(name string) (*EntryReader, error) {
	i, ok := a.shared.names[name]
	if !ok {
		return nil, ErrFileNotFound
	}
	return a.open(i, nil, false)
}

// ByIndexDecrypt opens the entry at the given index, decrypting with the
// password. A wrong password fails with ErrInvalidPassword; structural
// problems fail with the usual archive errors.
func (a *Archive) ByIndexDecrypt(i int, password []byte) (*EntryReader, error) {
	return a.open(i, password, false)
}

// ByNameDecrypt opens the named entry, decrypting with the password.
func (a *Archive) ByNameDecrypt(name string, password []byte) (*EntryReader, error) {
	i, ok := a.shared.names[name]
	if !ok {
		return nil, ErrFileNotFound
	}
	return a.open(i, password, false)
}

// ByIndexRaw opens the entry at the given index and returns the stored
// bytes verbatim: no decryption, no decompression, no CRC check.
func (a *Archive) ByIndexRaw(i int) (*EntryReader, error) {
	return a.open(i, nil, true)
}

func (a *Archive) open(i int, password []byte, raw bool) (*EntryReader, error) {
	if i < 0 || i >= len(a.shared.entries) {
		return nil, ErrFileNotFound
	}

	src, err := a.lendSource()
	if err != nil {
		return nil, err
	}

	e := a.shared.entries[i]
	limited, err := openEntryData(src, e)
	if err != nil {
		a.returnSource(src)
		return nil, err
	}

	er := &EntryReader{Entry: e, release: func() { a.returnSource(src) }}
	if raw {
		er.r = limited
		return er, nil
	}

	if er.r, er.closers, err = buildEntryPipeline(limited, e, password); err != nil {
		a.returnSource(src)
		return nil, err
	}

	return er, nil
}

// lendSource moves the archive's source into the Lent state.
func (a *Archive) lendSource() (io.ReadSeeker, error) {
	if a.src == nil {
		return nil, ErrSourceBusy
	}

	src := a.src
	a.src = nil
	return src, nil
}

func (a *Archive) returnSource(src io.ReadSeeker) {
	a.src = src
}

// openEntryData seeks to the entry's local header, resolves the payload
// offset, and returns a view limited to exactly the compressed size. The
// local name and extra lengths may differ from the central directory's;
// the local values decide where the payload starts.
func openEntryData(src io.ReadSeeker, e *Entry) (io.Reader, error) {
	if _, err := src.Seek(int64(e.HeaderStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to local header: %w", err)
	}

	buf := make([]byte, record.LocalFileHeaderLen)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, fmt.Errorf("read local header: %w", err)
	}

	h, err := record.ParseLocalFileHeader(buf)
	if err != nil {
		if errors.Is(err, record.ErrSignature) {
			return nil, invalidArchive(err.Error())
		}
		return nil, err
	}

	dataStart := e.HeaderStart + record.LocalFileHeaderLen + uint64(h.NameLength) + uint64(h.ExtraLength)
	e.setDataStart(dataStart)

	if _, err = src.Seek(int64(dataStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to entry data: %w", err)
	}

	return io.LimitReader(src, int64(e.CompressedSize)), nil
}

// buildEntryPipeline layers decryption, decompression and CRC verification
// over the raw payload view.
func buildEntryPipeline(limited io.Reader, e *Entry, password []byte) (io.Reader, []io.Closer, error) {
	plain, suppressCrc, err := newCryptoReader(limited, e, password)
	if err != nil {
		return nil, nil, err
	}

	dec, err := newDecompressor(plain, e.readMethod())
	if err != nil {
		return nil, nil, err
	}

	return newCrcReader(dec, e.CRC32, !suppressCrc), []io.Closer{dec}, nil
}

