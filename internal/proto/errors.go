package proto

import "fmt"

// MalformedMessageError reports a frame or message that could not be parsed
// or violates the wire format. The sender is penalized.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) error {
	return &MalformedMessageError{Reason: reason, Err: err}
}
