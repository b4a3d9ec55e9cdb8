package index

import "fmt"

// Sentinel error kinds surfaced to callers. Callers compare against these
// with errors.Is; the concrete error values below wrap them with the key or
// offset involved.
var (
	ErrIDNotFound           = fmt.Errorf("index: id not found")
	ErrIDDeleted            = fmt.Errorf("index: id deleted")
	ErrTTLExpired           = fmt.Errorf("index: ttl expired")
	ErrIndexCreationFailure = fmt.Errorf("index: index creation failure")
	ErrInitializationError  = fmt.Errorf("index: initialization error")
	ErrIOError              = fmt.Errorf("index: io error")
	ErrInvalidArgument      = fmt.Errorf("index: invalid argument")
)

// KeyError wraps one of the sentinel kinds above with the key it concerns.
type KeyError struct {
	Key  StoreKey
	Kind error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%v: key %v", e.Kind, e.Key)
}

func (e *KeyError) Unwrap() error {
	return e.Kind
}

// FileSpanError reports a FileSpan that violates the monotone-end-offset
// invariant.
type FileSpanError struct {
	Span    FileSpan
	Current uint64
}

func (e *FileSpanError) Error() string {
	return fmt.Sprintf(
		"%v: file span [%d, %d) precedes current end offset %d",
		ErrInvalidArgument, e.Span.Start, e.Span.End, e.Current,
	)
}

func (e *FileSpanError) Unwrap() error {
	return ErrInvalidArgument
}
