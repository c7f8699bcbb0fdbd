package zipar

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// intermediateFile decouples pipeline stages: payloads below the spool
// threshold live in a pooled in-memory buffer, larger ones spill to a
// temporary file so in-flight extraction memory stays bounded.
//
// The in-memory variant shares its backing buffer across clones behind a
// lock; a clone of the file variant reopens the file with an independent
// cursor.
type intermediateFile struct {
	mem  *memBuffer
	f    *os.File
	path string
	pos  int64
}

type memBuffer struct {
	mu       sync.Mutex
	bb       *bytebufferpool.ByteBuffer
	released bool
}

// newIntermediateFile picks the backing store: in-memory when sizeHint is
// below threshold, otherwise a fresh temp file.
func newIntermediateFile(sizeHint, threshold int64) (*intermediateFile, error) {
	if sizeHint < threshold {
		return &intermediateFile{mem: &memBuffer{bb: bytebufferpool.Get()}}, nil
	}

	f, err := os.CreateTemp("", "intermediate*")
	if err != nil {
		return nil, fmt.Errorf("create intermediate file: %w", err)
	}

	return &intermediateFile{f: f, path: f.Name()}, nil
}

func (i *intermediateFile) Write(p []byte) (int, error) {
	if i.mem != nil {
		i.mem.mu.Lock()
		defer i.mem.mu.Unlock()

		n, err := i.mem.bb.Write(p)
		i.pos += int64(n)
		return n, err
	}

	n, err := i.f.Write(p)
	i.pos += int64(n)
	return n, err
}

func (i *intermediateFile) Read(p []byte) (int, error) {
	if i.mem != nil {
		i.mem.mu.Lock()
		defer i.mem.mu.Unlock()

		if i.pos >= int64(i.mem.bb.Len()) {
			return 0, io.EOF
		}

		n := copy(p, i.mem.bb.B[i.pos:])
		i.pos += int64(n)
		return n, nil
	}

	n, err := i.f.Read(p)
	i.pos += int64(n)
	return n, err
}

func (i *intermediateFile) Seek(offset int64, whence int) (int64, error) {
	if i.mem != nil {
		i.mem.mu.Lock()
		defer i.mem.mu.Unlock()

		switch whence {
		case io.SeekStart:
			i.pos = offset
		case io.SeekCurrent:
			i.pos += offset
		case io.SeekEnd:
			i.pos = int64(i.mem.bb.Len()) + offset
		}

		if i.pos < 0 {
			i.pos = 0
			return 0, fmt.Errorf("seek before start of intermediate buffer")
		}
		return i.pos, nil
	}

	pos, err := i.f.Seek(offset, whence)
	i.pos = pos
	return pos, err
}

// Len returns the number of bytes stored.
func (i *intermediateFile) Len() (int64, error) {
	if i.mem != nil {
		i.mem.mu.Lock()
		defer i.mem.mu.Unlock()
		return int64(i.mem.bb.Len()), nil
	}

	fi, err := i.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Pos returns the cursor position.
func (i *intermediateFile) Pos() int64 { return i.pos }

// Clone duplicates the cursor. The in-memory variant shares its buffer;
// the file variant reopens the backing file independently.
func (i *intermediateFile) Clone() (*intermediateFile, error) {
	if i.mem != nil {
		return &intermediateFile{mem: i.mem, pos: i.pos}, nil
	}

	f, err := os.Open(i.path)
	if err != nil {
		return nil, err
	}
	if _, err = f.Seek(i.pos, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &intermediateFile{f: f, path: i.path, pos: i.pos}, nil
}

// Remove releases the backing store: the pooled buffer goes back to the
// pool, the temp file is closed and deleted.
func (i *intermediateFile) Remove() error {
	if i.mem != nil {
		i.mem.mu.Lock()
		defer i.mem.mu.Unlock()

		if !i.mem.released {
			i.mem.released = true
			bytebufferpool.Put(i.mem.bb)
		}
		return nil
	}

	err := i.f.Close()
	if rerr := os.Remove(i.path); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
