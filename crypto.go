package zipar

import (
	"fmt"
	"hash/crc32"
	"io"
)

// zipCryptoKeys is the three-register state of the legacy PKWARE stream
// cipher.
type zipCryptoKeys struct {
	k0, k1, k2 uint32
}

func newZipCryptoKeys(password []byte) zipCryptoKeys {
	k := zipCryptoKeys{k0: 0x12345678, k1: 0x23456789, k2: 0x34567890}
	for _, b := range password {
		k.update(b)
	}
	return k
}

func crcUpdateByte(c uint32, b byte) uint32 {
	return crc32.IEEETable[byte(c)^b] ^ (c >> 8)
}

func (k *zipCryptoKeys) update(b byte) {
	k.k0 = crcUpdateByte(k.k0, b)
	k.k1 = (k.k1+k.k0&0xff)*134775813 + 1
	k.k2 = crcUpdateByte(k.k2, byte(k.k1>>24))
}

func (k *zipCryptoKeys) streamByte() byte {
	t := k.k2 | 2
	return byte((t * (t ^ 1)) >> 8)
}

func (k *zipCryptoKeys) decryptByte(c byte) byte {
	p := c ^ k.streamByte()
	k.update(p)
	return p
}

// encryptByte exists so tests can produce ciphertext; writing encrypted
// archives is out of scope.
func (k *zipCryptoKeys) encryptByte(p byte) byte {
	c := p ^ k.streamByte()
	k.update(p)
	return c
}

// zipCryptoReader decrypts a ZipCrypto payload after its 12-byte header has
// been validated.
type zipCryptoReader struct {
	r    io.Reader
	keys zipCryptoKeys
}

func (z *zipCryptoReader) Read(p []byte) (int, error) {
	n, err := z.r.Read(p)
	for i := 0; i < n; i++ {
		p[i] = z.keys.decryptByte(p[i])
	}
	return n, err
}

// newZipCryptoReader consumes and decrypts the 12-byte encryption header
// and checks its final byte against the validator. A passing check is
// probabilistic: 1 in 256 wrong passwords slip through; that is a property
// of the format.
func newZipCryptoReader(r io.Reader, password []byte, validator byte) (io.Reader, error) {
	z := &zipCryptoReader{r: r, keys: newZipCryptoKeys(password)}

	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read encryption header: %w", err)
	}
	for i := range header {
		header[i] = z.keys.decryptByte(header[i])
	}

	if header[11] != validator {
		return nil, ErrInvalidPassword
	}

	return z, nil
}

// zipCryptoValidator picks the check byte for the 12-byte header. With a
// data descriptor the stored CRC is unreliable, so the low byte of the
// MS-DOS time is used instead.
func zipCryptoValidator(e *Entry) byte {
	if e.UsesDataDescriptor() {
		return byte(e.Modified.Timepart())
	}
	return byte(e.CRC32 >> 24)
}

// newCryptoReader selects and validates the decryption layer for an
// entry's raw payload. The returned reader yields the compressed
// plaintext; suppressCrc is set for AE-2 entries whose CRC field is
// meaningless by design.
func newCryptoReader(r io.Reader, e *Entry, password []byte) (out io.Reader, suppressCrc bool, err error) {
	switch {
	case e.Aes != nil:
		if password == nil {
			return nil, false, ErrInvalidPassword
		}

		out, err = newAesReader(r, e, password)
		return out, err == nil && e.Aes.VendorVersion == Ae2, err

	case !e.Encrypted():
		// a password against an unencrypted entry is simply ignored.
		return r, false, nil

	case password == nil:
		return nil, false, unsupportedArchive("Password required to decrypt file")

	default:
		out, err = newZipCryptoReader(r, password, zipCryptoValidator(e))
		return out, false, err
	}
}
