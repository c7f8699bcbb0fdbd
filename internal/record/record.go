// Package record encodes and decodes the fixed-layout little-endian records
// that make up a ZIP archive: the local file header, the central directory
// header, the end-of-central-directory record, and their ZIP64 counterparts.
//
// Only the fixed portion of each record lives here; variable-length tails
// (file name, extra field, comment) are read and written by the caller.
package record

import (
	"encoding/binary"
	"errors"
	"io"
)

// Record signatures, PKWARE APPNOTE §4.
const (
	LocalFileHeaderSignature   = 0x04034b50
	CentralHeaderSignature     = 0x02014b50
	EndOfCentralDirSignature   = 0x06054b50
	Zip64EndOfCentralDirSig    = 0x06064b50
	Zip64EndLocatorSignature   = 0x07064b50
	DataDescriptorSignature    = 0x08074b50
	LocalFileHeaderLen         = 30
	CentralHeaderLen           = 46
	EndOfCentralDirLen         = 22
	Zip64EndOfCentralDirLen    = 56
	Zip64EndLocatorLen         = 20
	DataDescriptorLen          = 16
	DataDescriptor64Len        = 24
	Zip64ExtraID               = 0x0001
	AesExtraID                 = 0x9901
	AesVendorID                = 0x4541 // "AE"
)

// ErrSignature is returned whenever a record's leading four bytes do not
// carry the expected signature.
var ErrSignature = errors.New("Invalid digital signature header")

// readBuf consumes little-endian integers from the front of a byte slice.
type readBuf []byte

func (b *readBuf) uint8() uint8 {
	v := (*b)[0]
	*b = (*b)[1:]
	return v
}

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

// writeBuf produces little-endian integers at the front of a byte slice.
type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

// LocalFileHeader is the fixed portion of a local file header.
type LocalFileHeader struct {
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	NameLength       uint16
	ExtraLength      uint16
}

// ParseLocalFileHeader decodes the 30 fixed bytes of a local file header.
func ParseLocalFileHeader(data []byte) (LocalFileHeader, error) {
	var h LocalFileHeader
	if len(data) < LocalFileHeaderLen {
		return h, io.ErrUnexpectedEOF
	}

	b := readBuf(data)
	if b.uint32() != LocalFileHeaderSignature {
		return h, ErrSignature
	}

	h.ReaderVersion = b.uint16()
	h.Flags = b.uint16()
	h.Method = b.uint16()
	h.ModifiedTime = b.uint16()
	h.ModifiedDate = b.uint16()
	h.CRC32 = b.uint32()
	h.CompressedSize = b.uint32()
	h.UncompressedSize = b.uint32()
	h.NameLength = b.uint16()
	h.ExtraLength = b.uint16()
	return h, nil
}

// Marshal encodes the fixed 30 bytes of the local file header.
func (h LocalFileHeader) Marshal() []byte {
	buf := make([]byte, LocalFileHeaderLen)
	b := writeBuf(buf)
	b.uint32(LocalFileHeaderSignature)
	b.uint16(h.ReaderVersion)
	b.uint16(h.Flags)
	b.uint16(h.Method)
	b.uint16(h.ModifiedTime)
	b.uint16(h.ModifiedDate)
	b.uint32(h.CRC32)
	b.uint32(h.CompressedSize)
	b.uint32(h.UncompressedSize)
	b.uint16(h.NameLength)
	b.uint16(h.ExtraLength)
	return buf
}

// CentralHeader is the fixed portion of a central directory file header.
type CentralHeader struct {
	CreatorVersion   uint16
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	NameLength       uint16
	ExtraLength      uint16
	CommentLength    uint16
	DiskNumber       uint16
	InternalAttrs    uint16
	ExternalAttrs    uint32
	Offset           uint32
}

// ParseCentralHeader decodes the 46 fixed bytes of a central directory header.
func ParseCentralHeader(data []byte) (CentralHeader, error) {
	var h CentralHeader
	if len(data) < CentralHeaderLen {
		return h, io.ErrUnexpectedEOF
	}

	b := readBuf(data)
	if b.uint32() != CentralHeaderSignature {
		return h, ErrSignature
	}

	h.CreatorVersion = b.uint16()
	h.ReaderVersion = b.uint16()
	h.Flags = b.uint16()
	h.Method = b.uint16()
	h.ModifiedTime = b.uint16()
	h.ModifiedDate = b.uint16()
	h.CRC32 = b.uint32()
	h.CompressedSize = b.uint32()
	h.UncompressedSize = b.uint32()
	h.NameLength = b.uint16()
	h.ExtraLength = b.uint16()
	h.CommentLength = b.uint16()
	h.DiskNumber = b.uint16()
	h.InternalAttrs = b.uint16()
	h.ExternalAttrs = b.uint32()
	h.Offset = b.uint32()
	return h, nil
}

// Marshal encodes the fixed 46 bytes of the central directory header.
func (h CentralHeader) Marshal() []byte {
	buf := make([]byte, CentralHeaderLen)
	b := writeBuf(buf)
	b.uint32(CentralHeaderSignature)
	b.uint16(h.CreatorVersion)
	b.uint16(h.ReaderVersion)
	b.uint16(h.Flags)
	b.uint16(h.Method)
	b.uint16(h.ModifiedTime)
	b.uint16(h.ModifiedDate)
	b.uint32(h.CRC32)
	b.uint32(h.CompressedSize)
	b.uint32(h.UncompressedSize)
	b.uint16(h.NameLength)
	b.uint16(h.ExtraLength)
	b.uint16(h.CommentLength)
	b.uint16(h.DiskNumber)
	b.uint16(h.InternalAttrs)
	b.uint32(h.ExternalAttrs)
	b.uint32(h.Offset)
	return buf
}

// EndOfCentralDir is the end-of-central-directory record, comment included.
type EndOfCentralDir struct {
	DiskNumber    uint16
	CDDiskNumber  uint16
	DiskRecords   uint16
	TotalRecords  uint16
	CDSize        uint32
	CDOffset      uint32
	Comment       []byte
}

// ParseEndOfCentralDir decodes an EOCD record. data must hold the 22 fixed
// bytes; the comment is read from whatever follows, up to the declared
// length, and is cut short if data ends before that length.
func ParseEndOfCentralDir(data []byte) (EndOfCentralDir, error) {
	var r EndOfCentralDir
	if len(data) < EndOfCentralDirLen {
		return r, io.ErrUnexpectedEOF
	}

	b := readBuf(data)
	if b.uint32() != EndOfCentralDirSignature {
		return r, ErrSignature
	}

	r.DiskNumber = b.uint16()
	r.CDDiskNumber = b.uint16()
	r.DiskRecords = b.uint16()
	r.TotalRecords = b.uint16()
	r.CDSize = b.uint32()
	r.CDOffset = b.uint32()
	commentLen := int(b.uint16())
	if commentLen > len(b) {
		commentLen = len(b)
	}
	r.Comment = append([]byte(nil), b[:commentLen]...)
	return r, nil
}

// Marshal encodes the EOCD record including its comment.
func (r EndOfCentralDir) Marshal() []byte {
	buf := make([]byte, EndOfCentralDirLen+len(r.Comment))
	b := writeBuf(buf)
	b.uint32(EndOfCentralDirSignature)
	b.uint16(r.DiskNumber)
	b.uint16(r.CDDiskNumber)
	b.uint16(r.DiskRecords)
	b.uint16(r.TotalRecords)
	b.uint32(r.CDSize)
	b.uint32(r.CDOffset)
	b.uint16(uint16(len(r.Comment)))
	copy(b, r.Comment)
	return buf
}

// RecordTooSmall reports whether any field is saturated at its sentinel,
// which signals that the true values live in the ZIP64 record.
func (r EndOfCentralDir) RecordTooSmall() bool {
	return r.DiskNumber == 0xffff ||
		r.CDDiskNumber == 0xffff ||
		r.DiskRecords == 0xffff ||
		r.TotalRecords == 0xffff ||
		r.CDSize == 0xffffffff ||
		r.CDOffset == 0xffffffff
}

// Zip64EndOfCentralDir is the fixed portion of a ZIP64 EOCD record. The
// extensible data sector is not preserved.
type Zip64EndOfCentralDir struct {
	RecordSize     uint64
	CreatorVersion uint16
	ReaderVersion  uint16
	DiskNumber     uint32
	CDDiskNumber   uint32
	DiskRecords    uint64
	TotalRecords   uint64
	CDSize         uint64
	CDOffset       uint64
}

// ErrZip64RecordSize is returned when the ZIP64 EOCD record declares a size
// other than the 44 bytes this version defines.
var ErrZip64RecordSize = errors.New("Invalid ZIP64 end of central directory record size")

// ParseZip64EndOfCentralDir decodes the 56 fixed bytes of a ZIP64 EOCD record.
func ParseZip64EndOfCentralDir(data []byte) (Zip64EndOfCentralDir, error) {
	var r Zip64EndOfCentralDir
	if len(data) < Zip64EndOfCentralDirLen {
		return r, io.ErrUnexpectedEOF
	}

	b := readBuf(data)
	if b.uint32() != Zip64EndOfCentralDirSig {
		return r, ErrSignature
	}

	r.RecordSize = b.uint64()
	if r.RecordSize != 44 {
		return r, ErrZip64RecordSize
	}

	r.CreatorVersion = b.uint16()
	r.ReaderVersion = b.uint16()
	r.DiskNumber = b.uint32()
	r.CDDiskNumber = b.uint32()
	r.DiskRecords = b.uint64()
	r.TotalRecords = b.uint64()
	r.CDSize = b.uint64()
	r.CDOffset = b.uint64()
	return r, nil
}

// Marshal encodes the 56 fixed bytes of the ZIP64 EOCD record. RecordSize
// is always emitted as 44 regardless of the stored field.
func (r Zip64EndOfCentralDir) Marshal() []byte {
	buf := make([]byte, Zip64EndOfCentralDirLen)
	b := writeBuf(buf)
	b.uint32(Zip64EndOfCentralDirSig)
	b.uint64(44)
	b.uint16(r.CreatorVersion)
	b.uint16(r.ReaderVersion)
	b.uint32(r.DiskNumber)
	b.uint32(r.CDDiskNumber)
	b.uint64(r.DiskRecords)
	b.uint64(r.TotalRecords)
	b.uint64(r.CDSize)
	b.uint64(r.CDOffset)
	return buf
}

// Zip64EndLocator points at the ZIP64 EOCD record.
type Zip64EndLocator struct {
	CDDiskNumber uint32
	EndOffset    uint64
	TotalDisks   uint32
}

// ParseZip64EndLocator decodes the 20 fixed bytes of a ZIP64 EOCD locator.
func ParseZip64EndLocator(data []byte) (Zip64EndLocator, error) {
	var r Zip64EndLocator
	if len(data) < Zip64EndLocatorLen {
		return r, io.ErrUnexpectedEOF
	}

	b := readBuf(data)
	if b.uint32() != Zip64EndLocatorSignature {
		return r, ErrSignature
	}

	r.CDDiskNumber = b.uint32()
	r.EndOffset = b.uint64()
	r.TotalDisks = b.uint32()
	return r, nil
}

// Marshal encodes the 20 fixed bytes of the ZIP64 EOCD locator.
func (r Zip64EndLocator) Marshal() []byte {
	buf := make([]byte, Zip64EndLocatorLen)
	b := writeBuf(buf)
	b.uint32(Zip64EndLocatorSignature)
	b.uint32(r.CDDiskNumber)
	b.uint64(r.EndOffset)
	b.uint32(r.TotalDisks)
	return buf
}

// DataDescriptor trails an entry payload when sizes were unknown at
// header-emit time. Marshal emits the de-facto-standard leading signature
// and 8-byte sizes when Zip64 is set.
type DataDescriptor struct {
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
	Zip64            bool
}

// Marshal encodes the data descriptor.
func (d DataDescriptor) Marshal() []byte {
	n := DataDescriptorLen
	if d.Zip64 {
		n = DataDescriptor64Len
	}

	buf := make([]byte, n)
	b := writeBuf(buf)
	b.uint32(DataDescriptorSignature)
	b.uint32(d.CRC32)
	if d.Zip64 {
		b.uint64(d.CompressedSize)
		b.uint64(d.UncompressedSize)
	} else {
		b.uint32(uint32(d.CompressedSize))
		b.uint32(uint32(d.UncompressedSize))
	}

	return buf
}
