// Package entity defines the file and chunk records tracked by the upload engine.
package entity

import (
	"context"
	"io"
)

// Status is the lifecycle state of a file or chunk.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusError     Status = "error"
	StatusInvalid   Status = "invalid"
)

// Terminal reports whether no further transition is possible without a manual retry.
func (s Status) Terminal() bool {
	return s == StatusUploaded || s == StatusError || s == StatusInvalid
}

// Kind distinguishes the two dispatchable unit types.
type Kind string

const (
	KindFile  Kind = "file"
	KindChunk Kind = "chunk"
)

// File is one submitted payload. The engine owns it; observers only see FileInfo copies.
type File struct {
	ID         string
	Name       string
	Size       int64
	Source     io.ReaderAt
	Index      int
	RetryCount int
	Progress   float64
	Status     Status
	Loaded     int64
	Digest     string

	// Chunks is nil until the file is first dispatched with chunking enabled.
	Chunks []*Chunk

	cancel context.CancelFunc
}

// NewFile builds a waiting file record for a payload.
func NewFile(p Payload, index, retryBudget int) *File {
	return &File{
		ID:         NewID(),
		Name:       p.Name,
		Size:       p.Size,
		Source:     p.Data,
		Index:      index,
		RetryCount: retryBudget,
		Status:     StatusWaiting,
	}
}

// Open returns a reader over the whole payload.
func (f *File) Open() *io.SectionReader {
	return io.NewSectionReader(f.Source, 0, f.Size)
}

// SetCancel stores the cancellation handle of the current attempt.
func (f *File) SetCancel(cancel context.CancelFunc) { f.cancel = cancel }

// Cancel aborts the current attempt, if any, and forgets the handle.
func (f *File) Cancel() bool {
	if f.cancel == nil {
		return false
	}
	f.cancel()
	f.cancel = nil
	return true
}

// Chunk is a contiguous byte range of a File.
// FileID is a lookup key into the engine's file table, never an owning reference.
type Chunk struct {
	ID         string
	FileID     string
	Index      int
	Offset     int64
	Size       int64
	RetryCount int
	Status     Status
	Loaded     int64
	Digest     string

	cancel context.CancelFunc
}

// Open returns a reader over the chunk's slice of src.
func (c *Chunk) Open(src io.ReaderAt) *io.SectionReader {
	return io.NewSectionReader(src, c.Offset, c.Size)
}

// SetCancel stores the cancellation handle of the current attempt.
func (c *Chunk) SetCancel(cancel context.CancelFunc) { c.cancel = cancel }

// Cancel aborts the current attempt, if any, and forgets the handle.
func (c *Chunk) Cancel() bool {
	if c.cancel == nil {
		return false
	}
	c.cancel()
	c.cancel = nil
	return true
}

// Reset puts the chunk back into its initial waiting state with a fresh budget.
func (c *Chunk) Reset(retryBudget int) {
	c.Status = StatusWaiting
	c.Loaded = 0
	c.RetryCount = retryBudget
	c.cancel = nil
}
