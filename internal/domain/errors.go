package domain

import "fmt"

// ErrorKind classifies why a row could not be applied.
type ErrorKind string

const (
	KindMalformedInput       ErrorKind = "malformed_input"
	KindResolution           ErrorKind = "resolution"
	KindPersistence          ErrorKind = "persistence"
	KindReferenceUnavailable ErrorKind = "reference_unavailable"
	KindInternal             ErrorKind = "internal"
)

// IngestError describes the failure of a single feed row. It never stops the
// cycle the row belongs to.
type IngestError struct {
	Kind ErrorKind
	Line int
	Op   string
	Err  error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("line %d: %s: %s: %v", e.Line, e.Kind, e.Op, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// NewIngestError wraps err for the row at line.
func NewIngestError(kind ErrorKind, line int, op string, err error) *IngestError {
	return &IngestError{Kind: kind, Line: line, Op: op, Err: err}
}
