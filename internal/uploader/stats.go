package uploader

import (
	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/scheduler"
)

// Stats is a snapshot of the engine's buckets. File and chunk lists hold ids
// in queue order; chunk lists cover the chunked file currently in progress.
type Stats struct {
	Files     []entity.FileInfo
	Waiting   []string
	Uploading []string
	Uploaded  []string
	Failed    []string
	Invalid   []string

	Chunks          []entity.ChunkInfo
	WaitingChunks   []string
	UploadingChunks []string
	UploadedChunks  []string
	FailedChunks    []string

	InFlight int
	Threads  int
	Loaded   int64
	Total    int64
	Percent  float64
}

// Stats returns a snapshot of every bucket.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Files:           e.infosLocked(e.order),
		Waiting:         e.fileQ.IDs(scheduler.Waiting),
		Uploading:       e.fileQ.IDs(scheduler.InFlight),
		Uploaded:        e.fileQ.IDs(scheduler.Uploaded),
		Failed:          e.fileQ.IDs(scheduler.Failed),
		Invalid:         e.fileQ.IDs(scheduler.Invalid),
		WaitingChunks:   e.chunkQ.IDs(scheduler.Waiting),
		UploadingChunks: e.chunkQ.IDs(scheduler.InFlight),
		UploadedChunks:  e.chunkQ.IDs(scheduler.Uploaded),
		FailedChunks:    e.chunkQ.IDs(scheduler.Failed),
		InFlight:        e.uploading,
		Threads:         e.opts.Threads,
		Loaded:          e.agg.Loaded(),
		Total:           e.agg.Total(),
		Percent:         e.agg.Percent(),
	}
	if f := e.current; f != nil {
		s.Chunks = make([]entity.ChunkInfo, len(f.Chunks))
		for i, c := range f.Chunks {
			s.Chunks[i] = c.Info(f)
		}
	}
	return s
}
