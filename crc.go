package zipar

import (
	"hash/crc32"
	"io"
)

// crcReader accumulates a CRC-32 over the bytes it delivers and compares
// against the expected value once the underlying reader is exhausted.
// Disabled for AE-2 entries, whose stored CRC is zero by design.
type crcReader struct {
	r        io.Reader
	sum      uint32
	expected uint32
	enabled  bool
	checked  bool
}

func newCrcReader(r io.Reader, expected uint32, enabled bool) *crcReader {
	return &crcReader{r: r, expected: expected, enabled: enabled}
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.enabled {
		c.sum = crc32.Update(c.sum, crc32.IEEETable, p[:n])
	}

	if err == io.EOF && c.enabled && !c.checked {
		c.checked = true
		if c.sum != c.expected {
			return n, Crc32MismatchError{Expected: c.expected, Actual: c.sum}
		}
	}

	return n, err
}
