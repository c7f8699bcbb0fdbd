package zipar

import (
	"sync/atomic"
)

// Method identifies a compression method as stored in ZIP headers. Values
// outside the named constants are carried through verbatim, so an archive
// using an unknown method still lists correctly; it only fails when a
// reader for that entry is requested.
type Method uint16

const (
	Store     Method = 0
	Shrunk    Method = 1
	Reduce1   Method = 2
	Reduce2   Method = 3
	Reduce3   Method = 4
	Reduce4   Method = 5
	Implode   Method = 6
	Deflate   Method = 8
	Deflate64 Method = 9
	Bzip2     Method = 12
	Lzma      Method = 14
	Zstd      Method = 93
	Mp3       Method = 94
	Xz        Method = 95
	Jpeg      Method = 96
	WavPack   Method = 97
	Ppmd      Method = 98

	// MethodAes is the placeholder method on AES-encrypted entries; the
	// real method lives in the 0x9901 extra field.
	MethodAes Method = 99
)

func (m Method) String() string {
	switch m {
	case Store:
		return "store"
	case Shrunk:
		return "shrink"
	case Reduce1, Reduce2, Reduce3, Reduce4:
		return "reduce"
	case Implode:
		return "implode"
	case Deflate:
		return "deflate"
	case Deflate64:
		return "deflate64"
	case Bzip2:
		return "bzip2"
	case Lzma:
		return "lzma"
	case Zstd:
		return "zstd"
	case Mp3:
		return "mp3"
	case Xz:
		return "xz"
	case Jpeg:
		return "jpeg"
	case WavPack:
		return "wavpack"
	case Ppmd:
		return "ppmd"
	case MethodAes:
		return "aes"
	default:
		return "unsupported"
	}
}

// System identifies the originating system recorded in the creator-version
// high byte.
type System uint8

const (
	SystemDos     System = 0
	SystemUnix    System = 3
	SystemUnknown System = 255
)

func systemFromByte(b uint8) System {
	switch b {
	case 0:
		return SystemDos
	case 3:
		return SystemUnix
	default:
		return SystemUnknown
	}
}

// AesMode is the WinZip AES key strength.
type AesMode uint8

const (
	Aes128 AesMode = 1
	Aes192 AesMode = 2
	Aes256 AesMode = 3
)

// SaltLen returns the per-entry salt length in bytes.
func (m AesMode) SaltLen() int { return 4 * (int(m) + 1) }

// KeyLen returns the AES key length in bytes.
func (m AesMode) KeyLen() int { return 8 * (int(m) + 1) }

// AesVendorVersion distinguishes the two WinZip AES schemes. AE-2 omits
// CRC verification by design.
type AesVendorVersion uint16

const (
	Ae1 AesVendorVersion = 1
	Ae2 AesVendorVersion = 2
)

// AesInfo is decoded from the 0x9901 extra field of an AES entry.
type AesInfo struct {
	Mode          AesMode
	VendorVersion AesVendorVersion
	// Method is the real compression method hidden behind the AES
	// placeholder in the central directory.
	Method Method
}

// General-purpose bit flags.
const (
	flagEncrypted      = 1 << 0
	flagDataDescriptor = 1 << 3
	flagUTF8           = 1 << 11
)

// Entry describes one file in an archive. All fields are populated while
// the central directory is parsed and are read-only afterwards, except the
// data-start offset which is resolved on first access to the local header.
type Entry struct {
	// System is the originating system derived from CreatorVersion.
	System System
	// CreatorVersion is the version-made-by field; the low byte is the
	// producer's format version.
	CreatorVersion uint16
	// Flags is the raw general-purpose bit flag. Unknown bits are
	// preserved but not acted upon.
	Flags uint16
	// Method is the compression method as stored in the central
	// directory; MethodAes for AES entries.
	Method Method
	// Level is the compression level hint derived from flag bits 1-2 for
	// deflate entries, 0 when the header carries no hint.
	Level int
	// Modified is the last-modified timestamp, raw from the header.
	Modified DosTime
	// CRC32 of the uncompressed data.
	CRC32 uint32
	// CompressedSize and UncompressedSize in bytes, ZIP64-promoted.
	CompressedSize   uint64
	UncompressedSize uint64
	// Name is the file name decoded to UTF-8; RawName holds the header
	// bytes untouched.
	Name    string
	RawName []byte
	// Extra holds the entry's extra field verbatim.
	Extra []byte
	// Comment is the file comment, decoded the same way as the name.
	Comment string
	// HeaderStart is the absolute offset of the local header in the
	// underlying source, after the archive-offset shift.
	HeaderStart uint64
	// CentralHeaderStart is the absolute offset of this entry's central
	// directory header.
	CentralHeaderStart uint64
	// ExternalAttrs is the external attributes field; for Unix producers
	// the high 16 bits hold the file mode.
	ExternalAttrs uint32
	// LargeFile is set when any size or offset was promoted from a ZIP64
	// extra field.
	LargeFile bool
	// Aes is non-nil for AES-encrypted entries.
	Aes *AesInfo

	// dataStart is 0 until the local header has been visited once, then
	// holds the absolute offset of the entry payload. The single store
	// publishes through the channel or call that hands the entry over,
	// so relaxed atomics suffice.
	dataStart atomic.Uint64
}

// Encrypted reports whether general-purpose bit 0 is set.
func (e *Entry) Encrypted() bool { return e.Flags&flagEncrypted != 0 }

// UsesDataDescriptor reports whether general-purpose bit 3 is set.
func (e *Entry) UsesDataDescriptor() bool { return e.Flags&flagDataDescriptor != 0 }

// IsUTF8 reports whether general-purpose bit 11 is set.
func (e *Entry) IsUTF8() bool { return e.Flags&flagUTF8 != 0 }

// IsDir reports whether the entry denotes a directory.
func (e *Entry) IsDir() bool {
	n := len(e.Name)
	return n > 0 && (e.Name[n-1] == '/' || e.Name[n-1] == '\\')
}

// DataStart returns the payload offset, or 0 if the local header has not
// been visited yet.
func (e *Entry) DataStart() uint64 { return e.dataStart.Load() }

func (e *Entry) setDataStart(v uint64) { e.dataStart.Store(v) }

// UnixMode returns the Unix permission bits when the producer recorded
// them, or a conventional default otherwise.
func (e *Entry) UnixMode() uint32 {
	if e.System == SystemUnix {
		if m := e.ExternalAttrs >> 16 & 0o777; m != 0 {
			return m
		}
	}

	if e.IsDir() {
		return 0o755
	}

	return 0o644
}

// readMethod returns the method that actually compressed the payload,
// unwrapping the AES placeholder.
func (e *Entry) readMethod() Method {
	if e.Aes != nil {
		return e.Aes.Method
	}

	return e.Method
}

// deflateLevelHint maps general-purpose bits 1-2 to a flate level hint.
func deflateLevelHint(flags uint16, method Method) int {
	if method != Deflate && method != Deflate64 {
		return 0
	}

	switch flags >> 1 & 3 {
	case 1: // maximum
		return 9
	case 2: // fast
		return 2
	case 3: // super fast
		return 1
	default:
		return 6
	}
}
