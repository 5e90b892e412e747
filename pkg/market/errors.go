package market

import (
	"errors"
	"fmt"
)

var (
	ErrOverflow            = errors.New("profile level ceiling reached")
	ErrDuplicateBar        = errors.New("duplicate bar")
	ErrOutOfOrderBar       = errors.New("out-of-order bar")
	ErrSessionRolled       = errors.New("bar belongs to a new session")
	ErrNotSubscribed       = errors.New("key not subscribed")
	ErrNotConnected        = errors.New("connection not open")
	ErrPermanentDisconnect = errors.New("reconnection attempts exhausted")
	ErrSequenceGap         = errors.New("sequence gap")
)

// ProtocolError is a malformed or unknown frame. It is scoped to that one message.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (frame %.64q)", e.Err, e.Frame)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is a connection-wide failure such as a dropped socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// OverflowError reports an update rejected because the aggregate is at its level ceiling.
type OverflowError struct {
	Key     CompositeKey
	Levels  int
	Ceiling int
	Skipped int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s: %d levels at ceiling %d (%d bars skipped)", e.Key, e.Levels, e.Ceiling, e.Skipped)
}

func (e *OverflowError) Is(target error) bool { return target == ErrOverflow }

// SequenceGapError is raised by a consumer that saw a non-consecutive delta.
type SequenceGapError struct {
	Key      CompositeKey
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s: expected sequence %d, got %d", e.Key, e.Expected, e.Got)
}

func (e *SequenceGapError) Is(target error) bool { return target == ErrSequenceGap }
