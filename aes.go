package zipar

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	aesKeyDerivationRounds = 1000
	aesPasswordVerifyLen   = 2
	aesAuthCodeLen         = 10
)

// aesCtrStream is AES in counter mode with the WinZip variant counter: a
// full-block little-endian integer starting at 1. The standard library CTR
// counts big-endian, so the keystream is produced here.
type aesCtrStream struct {
	block   cipher.Block
	counter [aes.BlockSize]byte
	stream  [aes.BlockSize]byte
	used    int
}

func newAesCtrStream(block cipher.Block) *aesCtrStream {
	s := &aesCtrStream{block: block, used: aes.BlockSize}
	s.counter[0] = 1
	return s
}

func (s *aesCtrStream) xor(p []byte) {
	for i := range p {
		if s.used == aes.BlockSize {
			s.block.Encrypt(s.stream[:], s.counter[:])
			s.used = 0

			// increment the little-endian counter.
			for j := 0; j < aes.BlockSize; j++ {
				s.counter[j]++
				if s.counter[j] != 0 {
					break
				}
			}
		}

		p[i] ^= s.stream[s.used]
		s.used++
	}
}

// aesReader decrypts a WinZip AES payload: salt, 2-byte password verifier,
// AES-CTR ciphertext, then a 10-byte HMAC-SHA1 authentication code over
// the ciphertext. The tail reader below accumulates the MAC, so by the
// time it reports EOF the digest is complete.
type aesReader struct {
	r      io.Reader // ciphertext, already limited to the data length
	stream *aesCtrStream
}

func (a *aesReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.stream.xor(p[:n])
	}
	return n, err
}

// newAesReader derives keys from the password and the entry salt, checks
// the password verification value, and arranges for the authentication
// code to be verified once the ciphertext is exhausted.
func newAesReader(r io.Reader, e *Entry, password []byte) (io.Reader, error) {
	mode := e.Aes.Mode
	saltLen, keyLen := mode.SaltLen(), mode.KeyLen()

	overhead := uint64(saltLen + aesPasswordVerifyLen + aesAuthCodeLen)
	if e.CompressedSize < overhead {
		return nil, invalidArchive("AES entry is too short")
	}

	header := make([]byte, saltLen+aesPasswordVerifyLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read AES header: %w", err)
	}
	salt, verify := header[:saltLen], header[saltLen:]

	derived := pbkdf2.Key(password, salt, aesKeyDerivationRounds, 2*keyLen+aesPasswordVerifyLen, sha1.New)
	encKey, macKey, check := derived[:keyLen], derived[keyLen:2*keyLen], derived[2*keyLen:]

	if !bytes.Equal(verify, check) {
		return nil, ErrInvalidPassword
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	return &aesReader{
		stream: newAesCtrStream(block),
		r: &aesAuthTail{
			r:   io.LimitReader(r, int64(e.CompressedSize-overhead)),
			src: r,
			mac: hmac.New(sha1.New, macKey),
		},
	}, nil
}

// aesAuthTail accumulates the HMAC over the ciphertext and verifies the
// trailing authentication code when the ciphertext runs out.
type aesAuthTail struct {
	r       io.Reader // data-limited view
	src     io.Reader // underlying, for the trailing auth code
	mac     hash.Hash
	checked bool
}

func (t *aesAuthTail) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		_, _ = t.mac.Write(p[:n])
	}

	if err == io.EOF && !t.checked {
		t.checked = true
		if verr := t.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (t *aesAuthTail) verify() error {
	stored := make([]byte, aesAuthCodeLen)
	if _, err := io.ReadFull(t.src, stored); err != nil {
		return fmt.Errorf("read AES authentication code: %w", err)
	}

	if !hmac.Equal(stored, t.mac.Sum(nil)[:aesAuthCodeLen]) {
		return invalidArchive("Invalid AES authentication code")
	}

	return nil
}
