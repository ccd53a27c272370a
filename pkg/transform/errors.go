package transform

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPerson marks a contributor value that is not "<id>,<name>"
	ErrMalformedPerson = errors.New("malformed person")
	// ErrMissingTitle marks a film work without a title
	ErrMissingTitle = errors.New("missing title")
)

// DocumentError is a data-quality failure confined to one film work
type DocumentError struct {
	RootID string
	Field  string
	Value  string
	Err    error
}

func (e *DocumentError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("document %s: %s %q: %v", e.RootID, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("document %s: %s: %v", e.RootID, e.Field, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}
