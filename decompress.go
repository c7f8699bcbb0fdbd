package zipar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// newDecompressor wraps src in the decoder for the given method. Selection
// happens here, at construction time: an unsupported method fails
// immediately rather than on the first read.
func newDecompressor(src io.Reader, method Method) (io.ReadCloser, error) {
	switch method {
	case Store:
		return io.NopCloser(src), nil

	case Deflate:
		return flate.NewReader(src), nil

	case Bzip2:
		r, err := bzip2.NewReader(src, nil)
		if err != nil {
			return nil, err
		}
		return r, nil

	case Zstd:
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return &zstdDecoder{d}, nil

	case Xz:
		r, err := xz.NewReader(src)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(r), nil

	case Lzma:
		return newZipLzmaReader(src)

	default:
		return nil, unsupportedArchive("Compression method not supported")
	}
}

// zstdDecoder adapts the zstd decoder's valueless Close to io.Closer.
type zstdDecoder struct {
	*zstd.Decoder
}

func (d *zstdDecoder) Close() error {
	d.Decoder.Close()
	return nil
}

// newZipLzmaReader decodes the LZMA framing ZIP uses: a 2-byte version, a
// 2-byte properties length that must be 5, then the 5 raw LZMA property
// bytes, then the stream with no
// embedded length. A classic LZMA header is synthesised so the generic
// decoder can run with an unknown uncompressed size.
func newZipLzmaReader(src io.Reader) (io.ReadCloser, error) {
	var prologue [9]byte
	if _, err := io.ReadFull(src, prologue[:]); err != nil {
		return nil, fmt.Errorf("read lzma header: %w", err)
	}

	if propsLen := binary.LittleEndian.Uint16(prologue[2:4]); propsLen != 5 {
		return nil, invalidArchive("Invalid LZMA properties length")
	}

	header := make([]byte, 13)
	copy(header, prologue[4:9])
	binary.LittleEndian.PutUint64(header[5:], ^uint64(0)) // size unknown

	r, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), src))
	if err != nil {
		return nil, err
	}

	return io.NopCloser(r), nil
}
