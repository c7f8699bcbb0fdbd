package zipar

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/nddang/zipar/internal/record"
)

const (
	zipVersion20 = 20
	zipVersion45 = 45

	uint16max = (1 << 16) - 1
	uint32max = (1 << 32) - 1

	creatorUnix = 3

	msdosDirBit = 0x10
)

// FileOptions configure one entry added to a Writer.
type FileOptions struct {
	// Method is Store or Deflate. The writer does not produce the other
	// methods, though CreateRaw accepts pre-compressed payloads of any.
	Method Method

	// Level is the deflate compression level; 0 means the engine default.
	Level int

	// Modified is the entry timestamp; the zero value means "now".
	Modified DosTime

	// Perm is the Unix permission recorded in the external attributes.
	// Files default to 0644, directories to 0755.
	Perm os.FileMode

	// LargeFile must be set before writing an entry whose size can reach
	// 4 GiB; it switches the entry to ZIP64 sizes.
	LargeFile bool
}

// WithMethod sets the compression method.
func WithMethod(m Method) func(*FileOptions) {
	return func(o *FileOptions) { o.Method = m }
}

// WithLevel sets the deflate level.
func WithLevel(level int) func(*FileOptions) {
	return func(o *FileOptions) { o.Level = level }
}

// WithModified sets the entry timestamp.
func WithModified(t DosTime) func(*FileOptions) {
	return func(o *FileOptions) { o.Modified = t }
}

// WithPerm sets the Unix permissions.
func WithPerm(perm os.FileMode) func(*FileOptions) {
	return func(o *FileOptions) { o.Perm = perm }
}

// WithLargeFile allows the entry to exceed 4 GiB.
func WithLargeFile() func(*FileOptions) {
	return func(o *FileOptions) { o.LargeFile = true }
}

// Writer composes a ZIP archive sequentially: local header and payload per
// entry, then the central directory on Finish.
//
// When the destination also implements io.Seeker, sizes and CRC are
// patched into each local header after the entry closes; otherwise the
// writer switches to streaming mode and emits data descriptors.
type Writer struct {
	w     io.Writer
	out   *offsetWriter  // counts every byte reaching w
	ws    io.WriteSeeker // non-nil in patch mode
	count uint64         // absolute offset in the archive

	dir     []*writerEntry
	cur     *openEntry
	comment string

	err      error // sticky
	finished bool
}

// writerEntry is what Finish needs to emit one central directory record.
type writerEntry struct {
	name          string
	flags         uint16
	method        Method
	modified      DosTime
	crc           uint32
	csize, usize  uint64
	offset        uint64
	externalAttrs uint32
	largeFile     bool
}

// openEntry is the in-flight state of the entry currently accepting writes.
type openEntry struct {
	we          *writerEntry
	headerStart uint64
	payloadStart uint64
	comp        io.Writer
	compCloser  io.Closer
	raw         bool
	crc         uint32
	usize       uint64
	streamed    bool
}

// NewWriter returns a writer that composes an archive onto w, starting at
// w's current position being archive offset zero.
func NewWriter(w io.Writer) *Writer {
	zw := &Writer{w: w}
	zw.out = &offsetWriter{w: w, n: &zw.count}
	if ws, ok := w.(io.WriteSeeker); ok {
		zw.ws = ws
	}
	return zw
}

// offsetWriter tallies the archive offset as bytes reach the destination.
type offsetWriter struct {
	w io.Writer
	n *uint64
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	*o.n += uint64(n)
	return n, err
}

// SetComment sets the archive-level comment emitted by Finish.
func (w *Writer) SetComment(comment string) error {
	if len(comment) > uint16max {
		return fmt.Errorf("comment is too long, %d bytes exceeds %d", len(comment), uint16max)
	}
	w.comment = comment
	return nil
}

func (w *Writer) write(p []byte) error {
	_, err := w.out.Write(p)
	return err
}

// Create opens a new entry and returns the destination for its contents.
// Any previously open entry is closed first. The returned writer stays
// valid until the next Create, AddDir or Finish call.
func (w *Writer) Create(name string, optFns ...func(*FileOptions)) (io.Writer, error) {
	opts := &FileOptions{Method: Deflate, Perm: 0o644}
	for _, fn := range optFns {
		fn(opts)
	}

	if err := w.startEntry(name, opts, false, 0, 0); err != nil {
		return nil, err
	}
	return &entryWriter{w: w, cur: w.cur}, nil
}

// CreateRaw opens an entry whose payload the caller supplies already
// compressed; crc and uncompressedSize describe the plaintext the payload
// decodes to. No compression or verification is applied.
func (w *Writer) CreateRaw(name string, crc uint32, uncompressedSize uint64, optFns ...func(*FileOptions)) (io.Writer, error) {
	opts := &FileOptions{Method: Store, Perm: 0o644}
	for _, fn := range optFns {
		fn(opts)
	}

	if err := w.startEntry(name, opts, true, crc, uncompressedSize); err != nil {
		return nil, err
	}
	return &entryWriter{w: w, cur: w.cur}, nil
}

// AddDir records a directory entry. The name gains a trailing slash if it
// lacks one.
func (w *Writer) AddDir(name string, optFns ...func(*FileOptions)) error {
	opts := &FileOptions{Method: Store, Perm: 0o755}
	for _, fn := range optFns {
		fn(opts)
	}

	if !strings.HasSuffix(name, "/") {
		name += "/"
	}

	if err := w.startEntry(name, opts, false, 0, 0); err != nil {
		return err
	}
	return w.closeEntry()
}

func (w *Writer) startEntry(name string, opts *FileOptions, raw bool, rawCrc uint32, rawUsize uint64) error {
	switch {
	case w.err != nil:
		return w.err
	case w.finished:
		return fmt.Errorf("archive is finished")
	case len(name) > uint16max:
		return fmt.Errorf("entry name is too long, %d bytes exceeds %d", len(name), uint16max)
	}

	if err := w.closeEntry(); err != nil {
		return err
	}

	isDir := strings.HasSuffix(name, "/")
	modified := opts.Modified
	if modified == (DosTime{}) {
		modified = DosTimeFromTime(time.Now())
	}

	var flags uint16
	if valid, require := detectUTF8(name); valid && require {
		flags |= flagUTF8
	}
	if w.ws == nil && !isDir {
		flags |= flagDataDescriptor
	}

	externalAttrs := uint32(opts.Perm&0o777) << 16
	if isDir {
		externalAttrs = (uint32(opts.Perm&0o777)|0o040000)<<16 | msdosDirBit
	}

	method := opts.Method
	if isDir {
		method = Store
	}
	if !raw && !isDir && method != Store && method != Deflate {
		return unsupportedArchive("Compression method not supported")
	}

	we := &writerEntry{
		name:          name,
		flags:         flags,
		method:        method,
		modified:      modified,
		offset:        w.count,
		externalAttrs: externalAttrs,
		largeFile:     opts.LargeFile,
	}
	if raw {
		we.crc, we.usize = rawCrc, rawUsize
	}

	cur := &openEntry{
		we:          we,
		headerStart: w.count,
		raw:         raw,
		streamed:    w.ws == nil,
	}

	if err := w.writeLocalHeader(we); err != nil {
		w.err = err
		return err
	}
	cur.payloadStart = w.count

	if isDir {
		cur.comp = io.Discard
	} else if raw || method == Store {
		cur.comp = w.out
	} else if method == Deflate {
		level := opts.Level
		if level == 0 {
			level = flate.DefaultCompression
		}
		fw, err := flate.NewWriter(w.out, level)
		if err != nil {
			w.err = err
			return err
		}
		cur.comp, cur.compCloser = fw, fw
	} else {
		return unsupportedArchive("Compression method not supported")
	}

	if raw {
		cur.crc, cur.usize = rawCrc, rawUsize
	}

	w.dir = append(w.dir, we)
	w.cur = cur
	return nil
}

func (w *Writer) writeLocalHeader(we *writerEntry) error {
	h := record.LocalFileHeader{
		ReaderVersion: zipVersion20,
		Flags:         we.flags,
		Method:        uint16(we.method),
		ModifiedTime:  we.modified.Timepart(),
		ModifiedDate:  we.modified.Datepart(),
		NameLength:    uint16(len(we.name)),
	}

	var extra []byte
	if we.largeFile {
		h.ReaderVersion = zipVersion45
		h.CompressedSize = uint32max
		h.UncompressedSize = uint32max

		// zip64 extra with zero sizes; patched after the entry closes
		// when w can seek, otherwise left zero (a data descriptor follows).
		extra = make([]byte, 20)
		binary.LittleEndian.PutUint16(extra, record.Zip64ExtraID)
		binary.LittleEndian.PutUint16(extra[2:], 16)
		h.ExtraLength = uint16(len(extra))
	}

	if err := w.write(h.Marshal()); err != nil {
		return err
	}
	if err := w.write([]byte(we.name)); err != nil {
		return err
	}
	if len(extra) > 0 {
		return w.write(extra)
	}
	return nil
}

// entryWriter feeds one open entry. It updates the running CRC and byte
// counter and enforces the large-file opt-in. The handle dies when its
// entry closes.
type entryWriter struct {
	w   *Writer
	cur *openEntry
}

func (ew *entryWriter) Write(p []byte) (int, error) {
	w := ew.w
	switch {
	case w.err != nil:
		return 0, w.err
	case w.cur != ew.cur:
		return 0, fmt.Errorf("entry is no longer open for writing")
	}

	cur := ew.cur
	if !cur.raw && !cur.we.largeFile && cur.usize+uint64(len(p)) > uint32max {
		w.err = ErrLargeFile
		return 0, w.err
	}

	n, err := cur.comp.Write(p)
	if !cur.raw {
		cur.crc = crc32.Update(cur.crc, crc32.IEEETable, p[:n])
		cur.usize += uint64(n)
	}

	if err != nil {
		w.err = err
	}
	return n, err
}

func (w *Writer) closeEntry() error {
	cur := w.cur
	if cur == nil {
		return nil
	}
	w.cur = nil

	if cur.compCloser != nil {
		if err := cur.compCloser.Close(); err != nil {
			w.err = err
			return err
		}
	}

	we := cur.we
	we.csize = w.count - cur.payloadStart
	we.crc = cur.crc
	we.usize = cur.usize

	if !we.largeFile && (we.csize > uint32max || we.usize > uint32max) {
		w.err = ErrLargeFile
		return w.err
	}

	if cur.streamed {
		if we.flags&flagDataDescriptor != 0 {
			d := record.DataDescriptor{
				CRC32:            we.crc,
				CompressedSize:   we.csize,
				UncompressedSize: we.usize,
				Zip64:            we.largeFile,
			}
			if err := w.write(d.Marshal()); err != nil {
				w.err = err
				return err
			}
		}
		return nil
	}

	return w.patchLocalHeader(cur)
}

// patchLocalHeader seeks back over the finished entry to fill in the CRC
// and sizes, then restores the cursor to the end of the archive.
func (w *Writer) patchLocalHeader(cur *openEntry) error {
	we := cur.we

	var fixed [12]byte
	binary.LittleEndian.PutUint32(fixed[0:], we.crc)
	if we.largeFile {
		binary.LittleEndian.PutUint32(fixed[4:], uint32max)
		binary.LittleEndian.PutUint32(fixed[8:], uint32max)
	} else {
		binary.LittleEndian.PutUint32(fixed[4:], uint32(we.csize))
		binary.LittleEndian.PutUint32(fixed[8:], uint32(we.usize))
	}

	// crc sits 14 bytes into the local header. Seeks are relative to the
	// current position, which is w.count bytes past archive offset zero.
	pos := cur.headerStart + 14
	if _, err := w.ws.Seek(int64(pos)-int64(w.count), io.SeekCurrent); err != nil {
		w.err = err
		return err
	}
	if _, err := w.ws.Write(fixed[:]); err != nil {
		w.err = err
		return err
	}
	pos += uint64(len(fixed))

	if we.largeFile {
		// the zip64 extra sizes sit right after the name.
		extraStart := cur.headerStart + record.LocalFileHeaderLen + uint64(len(we.name)) + 4
		var sizes [16]byte
		binary.LittleEndian.PutUint64(sizes[0:], we.usize)
		binary.LittleEndian.PutUint64(sizes[8:], we.csize)
		if _, err := w.ws.Seek(int64(extraStart)-int64(pos), io.SeekCurrent); err != nil {
			w.err = err
			return err
		}
		if _, err := w.ws.Write(sizes[:]); err != nil {
			w.err = err
			return err
		}
		pos = extraStart + uint64(len(sizes))
	}

	if _, err := w.ws.Seek(int64(w.count)-int64(pos), io.SeekCurrent); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Finish closes any open entry and emits the central directory, the ZIP64
// records when required, and the end-of-central-directory record. The
// writer accepts nothing afterwards.
func (w *Writer) Finish() error {
	if w.err != nil {
		return w.err
	}
	if w.finished {
		return nil
	}

	if err := w.closeEntry(); err != nil {
		return err
	}
	w.finished = true

	cdStart := w.count
	for _, we := range w.dir {
		if err := w.writeCentralHeader(we); err != nil {
			w.err = err
			return err
		}
	}
	cdSize := w.count - cdStart

	records := uint64(len(w.dir))
	needZip64 := records > uint16max || cdStart > uint32max || cdSize > uint32max
	if !needZip64 {
		for _, we := range w.dir {
			if we.largeFile {
				needZip64 = true
				break
			}
		}
	}

	if needZip64 {
		z64 := record.Zip64EndOfCentralDir{
			CreatorVersion: creatorUnix<<8 | zipVersion45,
			ReaderVersion:  zipVersion45,
			DiskRecords:    records,
			TotalRecords:   records,
			CDSize:         cdSize,
			CDOffset:       cdStart,
		}
		loc := record.Zip64EndLocator{
			EndOffset:  w.count,
			TotalDisks: 1,
		}
		if err := w.write(z64.Marshal()); err != nil {
			w.err = err
			return err
		}
		if err := w.write(loc.Marshal()); err != nil {
			w.err = err
			return err
		}
	}

	eocd := record.EndOfCentralDir{
		DiskRecords:  uint16(min(records, uint16max)),
		TotalRecords: uint16(min(records, uint16max)),
		CDSize:       uint32(min(cdSize, uint32max)),
		CDOffset:     uint32(min(cdStart, uint32max)),
		Comment:      []byte(w.comment),
	}
	if err := w.write(eocd.Marshal()); err != nil {
		w.err = err
		return err
	}

	return nil
}

func (w *Writer) writeCentralHeader(we *writerEntry) error {
	h := record.CentralHeader{
		CreatorVersion: creatorUnix<<8 | zipVersion20,
		ReaderVersion:  zipVersion20,
		Flags:          we.flags,
		Method:         uint16(we.method),
		ModifiedTime:   we.modified.Timepart(),
		ModifiedDate:   we.modified.Datepart(),
		CRC32:          we.crc,
		NameLength:     uint16(len(we.name)),
		ExternalAttrs:  we.externalAttrs,
	}

	var extra []byte
	zip64 := we.largeFile || we.csize > uint32max || we.usize > uint32max || we.offset > uint32max
	if zip64 {
		h.ReaderVersion = zipVersion45
		h.CompressedSize = uint32max
		h.UncompressedSize = uint32max
		h.Offset = uint32max

		extra = make([]byte, 4+24)
		binary.LittleEndian.PutUint16(extra, record.Zip64ExtraID)
		binary.LittleEndian.PutUint16(extra[2:], 24)
		binary.LittleEndian.PutUint64(extra[4:], we.usize)
		binary.LittleEndian.PutUint64(extra[12:], we.csize)
		binary.LittleEndian.PutUint64(extra[20:], we.offset)
		h.ExtraLength = uint16(len(extra))
	} else {
		h.CompressedSize = uint32(we.csize)
		h.UncompressedSize = uint32(we.usize)
		h.Offset = uint32(we.offset)
	}

	if err := w.write(h.Marshal()); err != nil {
		return err
	}
	if err := w.write([]byte(we.name)); err != nil {
		return err
	}
	if len(extra) > 0 {
		return w.write(extra)
	}
	return nil
}

// detectUTF8 reports whether s is valid UTF-8 and whether it needs the
// UTF-8 flag, i.e. is not representable in the CP-437/ASCII overlap.
func detectUTF8(s string) (valid, require bool) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		// 0x5c and 0x7e are excluded: EUC-KR and Shift-JIS replace them
		// with localized currency and overline characters.
		if r < 0x20 || r > 0x7d || r == 0x5c {
			if !utf8.ValidRune(r) || (r == utf8.RuneError && size == 1) {
				return false, false
			}
			require = true
		}
	}
	return true, require
}
