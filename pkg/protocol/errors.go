package protocol

import "errors"

var (
	// ErrFraming matches every *FramingError via errors.Is.
	ErrFraming      = errors.New("protocol: framing error")
	ErrUnknownCodec = errors.New("protocol: unknown codec")
)

// FramingError reports a frame that could not be classified. The stream
// itself is still readable.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return "protocol: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFraming) true for any FramingError.
func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}
