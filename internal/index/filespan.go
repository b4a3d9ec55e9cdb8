package index

import (
	"fmt"
	"math"
)

// FileSpan is a half-open [Start, End) range of log bytes an entry occupies.
type FileSpan struct {
	Start uint64
	End   uint64
}

// NewFileSpan validates and constructs a FileSpan. start must be <= end,
// and end must fit the signed offset range the index stores offsets in.
func NewFileSpan(start, end uint64) (FileSpan, error) {
	if start > end {
		return FileSpan{}, fmt.Errorf("%w: file span start %d > end %d", ErrInvalidArgument, start, end)
	}
	if end > math.MaxInt64 {
		return FileSpan{}, fmt.Errorf("%w: file span end %d overflows the signed offset range", ErrInvalidArgument, end)
	}
	return FileSpan{Start: start, End: end}, nil
}

// validateAgainst checks that a FileSpan passed to a write operation
// satisfies currentEndOffset <= span.Start <= span.End, with span.End
// within the signed offset range.
func (s FileSpan) validateAgainst(currentEndOffset uint64) error {
	if s.Start > s.End || s.End > math.MaxInt64 {
		_, err := NewFileSpan(s.Start, s.End)
		return err
	}
	if currentEndOffset > s.Start {
		return &FileSpanError{Span: s, Current: currentEndOffset}
	}
	return nil
}
