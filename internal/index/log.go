package index

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// Log is the append-only byte-file collaborator the index writes offsets
// against. The network server and BlobStore orchestration own the concrete
// log; this package only consumes the interface.
type Log interface {
	Append(p []byte) (offset uint64, err error)
	Read(offset uint64, length uint64) ([]byte, error)
	GetLogEndOffset() uint64
	SetLogEndOffset(offset uint64)
	SizeInBytes() uint64
	Flush() error
}

// FileLog is a reference Log implementation so this package can be
// exercised end-to-end: a buffered append-only file with mutex-serialized
// writes and ReadAt-based reads. Append returns the starting offset of the
// written bytes; Read returns an arbitrary byte range, not one record —
// record framing belongs to the caller.
type FileLog struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer

	size         uint64
	logEndOffset uint64
}

// NewFileLog opens or creates path as a FileLog, picking up where a prior
// run left off.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	size := uint64(fi.Size())
	return &FileLog{
		f:            f,
		buf:          bufio.NewWriter(f),
		size:         size,
		logEndOffset: size,
	}, nil
}

// Append writes p to the end of the log and returns the offset its first
// byte landed at.
func (l *FileLog) Append(p []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.size
	n, err := l.buf.Write(p)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	l.size += uint64(n)
	l.logEndOffset = l.size
	return pos, nil
}

// Read returns the length bytes starting at offset.
func (l *FileLog) Read(offset, length uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.buf.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	b := make([]byte, length)
	if _, err := l.f.ReadAt(b, int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return b, nil
}

// GetLogEndOffset returns the current write cursor: the end of the last
// append, or whatever SetLogEndOffset last recorded.
func (l *FileLog) GetLogEndOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logEndOffset
}

// SetLogEndOffset records the effective end offset the index has
// reconciled against.
func (l *FileLog) SetLogEndOffset(offset uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logEndOffset = offset
}

// SizeInBytes returns the number of bytes physically appended so far.
func (l *FileLog) SizeInBytes() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Flush ensures all buffered bytes reach stable storage. The persistor
// calls this before writing any segment file that references them.
func (l *FileLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return l.f.Sync()
}

// Close flushes and closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return l.f.Close()
}
