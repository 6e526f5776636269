package uploader

import (
	"errors"
	"fmt"
)

var (
	// ErrNoURL is returned by New when Options.URL is empty.
	ErrNoURL = errors.New("uploader: url is required")
	// ErrNoAdapter is returned by New when neither an adapter nor a default is set.
	ErrNoAdapter = errors.New("uploader: no request adapter")
	// ErrNotFound reports an id the engine does not track as a file.
	ErrNotFound = errors.New("uploader: file not found")
	// ErrNotRetryable reports a manual retry of a file outside the error bucket.
	ErrNotRetryable = errors.New("uploader: file is not in the error state")
	// ErrFileTooLarge marks files rejected by Options.MaxSize.
	ErrFileTooLarge = errors.New("uploader: file exceeds max size")
)

// CompleteError rejects a chunked file from OnChunkComplete. Retry selects
// whether the file goes through the retry controller or fails terminally.
type CompleteError struct {
	Reason string
	Retry  bool
}

func (e *CompleteError) Error() string {
	return fmt.Sprintf("chunk complete rejected: %s", e.Reason)
}

// RejectError wraps a pre-flight gate rejection.
type RejectError struct {
	Err error
}

func (e *RejectError) Error() string { return "rejected before upload: " + e.Err.Error() }

func (e *RejectError) Unwrap() error { return e.Err }
