package zipar

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/nddang/zipar/internal/record"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/text/encoding/charmap"
)

// sharedArchive is the immutable product of parsing an archive's central
// directory. An Archive or ContextArchive holds one instance by pointer.
// Neither type has a method that clones a handle; each constructor call
// parses the directory anew.
type sharedArchive struct {
	entries []*Entry
	// names maps a file name to its entry index; insertion order is
	// preserved in entries, so a file is reachable both ways.
	names   map[string]int
	offset  uint64
	comment []byte
}

// directoryCounts carries what the resolver learned from the archive tail.
type directoryCounts struct {
	archiveOffset  uint64
	directoryStart uint64
	numberOfFiles  uint64
	eocd           record.EndOfCentralDir
	eocdStart      uint64
}

// maxCommentLen bounds the backward EOCD scan: the archive comment is at
// most 65535 bytes, so the signature must sit within that span of the tail.
const maxCommentLen = 0xffff

// findEndOfCentralDir scans backwards over the archive tail for the EOCD
// signature. A candidate whose comment length exactly spans the remaining
// tail wins; failing that, the match closest to the end is used so that
// archives with trailing garbage still open.
func findEndOfCentralDir(src io.ReadSeeker, size int64) (record.EndOfCentralDir, uint64, error) {
	var zero record.EndOfCentralDir
	if size < record.EndOfCentralDirLen {
		return zero, 0, invalidArchive("Invalid zip header")
	}

	tailStart := max(0, size-record.EndOfCentralDirLen-maxCommentLen)
	if _, err := src.Seek(tailStart, io.SeekStart); err != nil {
		return zero, 0, fmt.Errorf("seek to archive tail: %w", err)
	}

	tail := make([]byte, size-tailStart)
	if _, err := io.ReadFull(src, tail); err != nil {
		return zero, 0, fmt.Errorf("read archive tail: %w", err)
	}

	fallback := -1
	for i := len(tail) - record.EndOfCentralDirLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != record.EndOfCentralDirSignature {
			continue
		}

		commentLen := int(binary.LittleEndian.Uint16(tail[i+20:]))
		if i+record.EndOfCentralDirLen+commentLen == len(tail) {
			eocd, err := record.ParseEndOfCentralDir(tail[i:])
			if err != nil {
				return zero, 0, invalidArchive("Invalid zip header")
			}
			return eocd, uint64(tailStart) + uint64(i), nil
		}

		if fallback < 0 {
			fallback = i
		}
	}

	if fallback < 0 {
		return zero, 0, invalidArchive("Invalid zip header")
	}

	eocd, err := record.ParseEndOfCentralDir(tail[fallback:])
	if err != nil {
		return zero, 0, invalidArchive("Invalid zip header")
	}

	return eocd, uint64(tailStart) + uint64(fallback), nil
}

// findZip64EndOfCentralDir performs a bounded forward scan for the ZIP64
// EOCD record, starting at the offset the locator claims; the first match
// wins. The distance between the claimed and actual position is the
// archive offset.
func findZip64EndOfCentralDir(src io.ReadSeeker, nominal, eocdStart uint64) (record.Zip64EndOfCentralDir, uint64, error) {
	var zero record.Zip64EndOfCentralDir

	// candidates are tried up to 60 bytes before the EOCD. A well-formed
	// ZIP64 EOCD record (56 bytes) ends where the 20-byte locator begins,
	// 76 bytes before the EOCD, so it always lies inside that range.
	if eocdStart < 60 {
		return zero, 0, invalidArchive("File cannot contain ZIP64 central directory end")
	}

	upper := eocdStart - 60
	if nominal > upper {
		return zero, 0, invalidArchive("Could not find ZIP64 central directory end")
	}

	if _, err := src.Seek(int64(nominal), io.SeekStart); err != nil {
		return zero, 0, fmt.Errorf("seek for zip64 end of central directory: %w", err)
	}

	window := make([]byte, upper-nominal+record.Zip64EndOfCentralDirLen)
	if _, err := io.ReadFull(src, window); err != nil {
		return zero, 0, fmt.Errorf("scan for zip64 end of central directory: %w", err)
	}

	for i := 0; uint64(i) <= upper-nominal; i++ {
		if binary.LittleEndian.Uint32(window[i:]) != record.Zip64EndOfCentralDirSig {
			continue
		}

		z, err := record.ParseZip64EndOfCentralDir(window[i:])
		if err != nil {
			if errors.Is(err, record.ErrZip64RecordSize) {
				return zero, 0, invalidArchive(err.Error())
			}
			continue
		}

		return z, uint64(i), nil
	}

	return zero, 0, invalidArchive("Could not find ZIP64 central directory end")
}

// resolveDirectory locates the end-of-central-directory records and derives
// the archive offset, the directory start, and the entry count.
func resolveDirectory(src io.ReadSeeker, size int64) (directoryCounts, error) {
	var d directoryCounts

	eocd, eocdStart, err := findEndOfCentralDir(src, size)
	if err != nil {
		return d, err
	}
	d.eocd, d.eocdStart = eocd, eocdStart

	if eocd.DiskNumber != eocd.CDDiskNumber && !eocd.RecordTooSmall() {
		return d, unsupportedArchive("Support for multi-disk files is not implemented")
	}

	// a ZIP64 locator, if present, sits immediately before the EOCD.
	var locator *record.Zip64EndLocator
	if eocdStart >= record.Zip64EndLocatorLen {
		if _, err = src.Seek(int64(eocdStart-record.Zip64EndLocatorLen), io.SeekStart); err != nil {
			return d, fmt.Errorf("seek to zip64 locator: %w", err)
		}

		buf := make([]byte, record.Zip64EndLocatorLen)
		if _, err = io.ReadFull(src, buf); err != nil {
			return d, fmt.Errorf("read zip64 locator: %w", err)
		}

		if loc, err := record.ParseZip64EndLocator(buf); err == nil {
			locator = &loc
		}
		// a missing signature is not an error; the archive is plain ZIP32.
	}

	if locator == nil {
		needed := uint64(eocd.CDSize) + uint64(eocd.CDOffset)
		if needed > eocdStart {
			return d, invalidArchive("Invalid central directory size or offset")
		}

		d.archiveOffset = eocdStart - needed
		d.directoryStart = uint64(eocd.CDOffset) + d.archiveOffset
		d.numberOfFiles = uint64(eocd.DiskRecords)
		return d, nil
	}

	if locator.TotalDisks > 1 {
		return d, unsupportedArchive("Support for multi-disk files is not implemented")
	}

	z64, archiveOffset, err := findZip64EndOfCentralDir(src, locator.EndOffset, eocdStart)
	if err != nil {
		return d, err
	}

	if z64.DiskNumber != z64.CDDiskNumber {
		return d, unsupportedArchive("Support for multi-disk files is not implemented")
	}

	d.archiveOffset = archiveOffset
	if d.directoryStart = z64.CDOffset + archiveOffset; d.directoryStart < z64.CDOffset {
		return d, invalidArchive("Invalid central directory size or offset")
	}
	d.numberOfFiles = z64.TotalRecords
	return d, nil
}

// readDirectory resolves the archive tail and materialises one Entry per
// central directory record.
func readDirectory(src io.ReadSeeker, size int64) (*sharedArchive, error) {
	d, err := resolveDirectory(src, size)
	if err != nil {
		return nil, err
	}

	// an attacker-controlled count must not drive preallocation: if the
	// declared number of entries could not even fit before the EOCD,
	// start from zero capacity and let append grow as records parse.
	capacity := d.numberOfFiles
	if capacity > d.eocdStart {
		capacity = 0
	}

	if _, err = src.Seek(int64(d.directoryStart), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to central directory: %w", err)
	}

	shared := &sharedArchive{
		entries: make([]*Entry, 0, capacity),
		names:   make(map[string]int, capacity),
		offset:  d.archiveOffset,
		comment: d.eocd.Comment,
	}

	br := bufio.NewReaderSize(src, 16*1024)
	pos := d.directoryStart
	for i := uint64(0); i < d.numberOfFiles; i++ {
		e, n, err := readCentralEntry(br, pos, d.archiveOffset)
		if err != nil {
			return nil, err
		}

		pos += n
		shared.names[e.Name] = len(shared.entries)
		shared.entries = append(shared.entries, e)
	}

	return shared, nil
}

// readCentralEntry parses one central directory record plus its variable
// tail and returns the entry and the number of bytes consumed.
func readCentralEntry(r io.Reader, centralStart, archiveOffset uint64) (*Entry, uint64, error) {
	fixed := make([]byte, record.CentralHeaderLen)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, 0, fmt.Errorf("read central directory header: %w", err)
	}

	h, err := record.ParseCentralHeader(fixed)
	if err != nil {
		if errors.Is(err, record.ErrSignature) {
			return nil, 0, invalidArchive(err.Error())
		}
		return nil, 0, err
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	tailLen := int(h.NameLength) + int(h.ExtraLength) + int(h.CommentLength)
	if _, err = bb.ReadFrom(io.LimitReader(r, int64(tailLen))); err != nil {
		return nil, 0, fmt.Errorf("read central directory header tail: %w", err)
	}
	if bb.Len() < tailLen {
		return nil, 0, fmt.Errorf("read central directory header tail: %w", io.ErrUnexpectedEOF)
	}

	tail := bb.B
	name := tail[:h.NameLength]
	extra := tail[h.NameLength : int(h.NameLength)+int(h.ExtraLength)]
	comment := tail[int(h.NameLength)+int(h.ExtraLength):]

	e := &Entry{
		System:             systemFromByte(uint8(h.CreatorVersion >> 8)),
		CreatorVersion:     h.CreatorVersion,
		Flags:              h.Flags,
		Method:             Method(h.Method),
		Level:              deflateLevelHint(h.Flags, Method(h.Method)),
		Modified:           DosTimeFromParts(h.ModifiedDate, h.ModifiedTime),
		CRC32:              h.CRC32,
		CompressedSize:     uint64(h.CompressedSize),
		UncompressedSize:   uint64(h.UncompressedSize),
		Name:               decodeHeaderString(name, h.Flags&flagUTF8 != 0),
		RawName:            append([]byte(nil), name...),
		Extra:              append([]byte(nil), extra...),
		Comment:            decodeHeaderString(comment, h.Flags&flagUTF8 != 0),
		HeaderStart:        uint64(h.Offset),
		CentralHeaderStart: centralStart,
		ExternalAttrs:      h.ExternalAttrs,
	}

	if err = parseExtraField(e, extra, h); err != nil {
		return nil, 0, err
	}

	shifted := e.HeaderStart + archiveOffset
	if shifted < e.HeaderStart {
		return nil, 0, invalidArchive("Archive header is too large")
	}
	e.HeaderStart = shifted

	if e.Method == MethodAes && e.Aes == nil {
		return nil, 0, invalidArchive("AES encryption without AES extra data field")
	}

	return e, uint64(record.CentralHeaderLen + len(tail)), nil
}

// parseExtraField walks the TLV records of an extra field. A record that
// ends early terminates the walk without error; the extra field is simply
// treated as finished.
func parseExtraField(e *Entry, data []byte, h record.CentralHeader) error {
	for len(data) >= 4 {
		tag := binary.LittleEndian.Uint16(data)
		length := int(binary.LittleEndian.Uint16(data[2:]))
		data = data[4:]
		if length > len(data) {
			// extra field ended early
			return nil
		}

		body := data[:length]
		data = data[length:]

		switch tag {
		case record.Zip64ExtraID:
			// each u64 replaces its u32 slot only when that slot is
			// saturated; consume fields in order while bytes remain.
			if h.UncompressedSize == 0xffffffff && len(body) >= 8 {
				e.UncompressedSize = binary.LittleEndian.Uint64(body)
				e.LargeFile = true
				body = body[8:]
			}
			if h.CompressedSize == 0xffffffff && len(body) >= 8 {
				e.CompressedSize = binary.LittleEndian.Uint64(body)
				e.LargeFile = true
				body = body[8:]
			}
			if h.Offset == 0xffffffff && len(body) >= 8 {
				e.HeaderStart = binary.LittleEndian.Uint64(body)
				e.LargeFile = true
			}

		case record.AesExtraID:
			if length != 7 {
				return unsupportedArchive("AES extra data field has an unsupported length")
			}

			vendorVersion := binary.LittleEndian.Uint16(body)
			vendorID := binary.LittleEndian.Uint16(body[2:])
			strength := body[4]
			realMethod := binary.LittleEndian.Uint16(body[5:])

			if vendorID != record.AesVendorID {
				return invalidArchive("Invalid AES vendor")
			}

			var vv AesVendorVersion
			switch vendorVersion {
			case 0x0001:
				vv = Ae1
			case 0x0002:
				vv = Ae2
			default:
				return invalidArchive("Invalid AES vendor version")
			}

			var mode AesMode
			switch strength {
			case 0x01:
				mode = Aes128
			case 0x02:
				mode = Aes192
			case 0x03:
				mode = Aes256
			default:
				return invalidArchive("Invalid AES encryption strength")
			}

			e.Aes = &AesInfo{Mode: mode, VendorVersion: vv, Method: Method(realMethod)}

		default:
			// unrecognised tag; body already skipped
		}
	}

	return nil
}

// decodeHeaderString decodes a name or comment field. With the UTF-8 flag
// the bytes are taken as UTF-8 with invalid sequences replaced; without it
// they are decoded from code page 437 as the format prescribes.
func decodeHeaderString(b []byte, isUTF8 bool) string {
	if len(b) == 0 {
		return ""
	}

	if isUTF8 {
		if utf8.Valid(b) {
			return string(b)
		}
		return strings.ToValidUTF8(string(b), string(utf8.RuneError))
	}

	decoded, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), string(utf8.RuneError))
	}

	return string(decoded)
}
