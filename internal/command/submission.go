package command

import "fmt"

// StatusKind is the type of a submission status event.
type StatusKind int

const (
	StatusInBlock StatusKind = iota + 1
	StatusFinalized
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusInBlock:
		return "inBlock"
	case StatusFinalized:
		return "finalized"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StatusEvent is pushed by a submission's status stream.
type StatusEvent struct {
	Kind        StatusKind
	BlockHash   string
	BlockNumber uint64
	Err         error // Set for StatusFailed
}

// Submission is an accepted signed operation whose status can be followed.
type Submission interface {
	// Hash identifies the submitted operation.
	Hash() string

	// Status streams status events. The channel is closed when the
	// stream ends or Unsubscribe is called.
	Status() <-chan StatusEvent

	// Unsubscribe stops following the submission. Safe to call twice.
	Unsubscribe()
}

// SubmissionError is returned when a signed operation is rejected.
type SubmissionError struct {
	Path string
	Err  error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Path, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
