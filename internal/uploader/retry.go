package uploader

import (
	"fmt"

	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/scheduler"
)

// failChunkLocked re-queues a failed chunk at the front of the waiting
// chunks, or, once its budget is spent, fails the whole owning file.
func (e *Engine) failChunkLocked(f *entity.File, c *entity.Chunk, cause error) {
	e.agg.Rollback(c.ID)
	c.Loaded = 0
	f.Loaded = chunkLoaded(f)

	if c.RetryCount > 0 {
		c.RetryCount--
		c.Status = entity.StatusWaiting
		e.chunkQ.Move(c.ID, scheduler.Waiting, true)
		e.logger.Info("retrying chunk", "file_id", f.ID, "chunk", c.Index, "retries_left", c.RetryCount, "error", cause)
		e.notifyChunkRetry(f, c, cause)
		e.notifyChunkAfter(f, c)
		return
	}

	c.Status = entity.StatusError
	e.chunkQ.Move(c.ID, scheduler.Failed, false)
	e.notifyChunkError(f, c, cause)
	e.notifyChunkAfter(f, c)

	e.teardownChunksLocked()
	e.exhaustFileLocked(f, fmt.Errorf("chunk %d: %w", c.Index, cause))
	e.notifyAfter(f)
}

// failFileLocked re-queues a failed file at the front of the waiting files
// or moves it to the error bucket when its budget is spent. The budget is
// tested before it is decremented, so a budget of r allows r+1 attempts.
func (e *Engine) failFileLocked(f *entity.File, cause error) {
	e.agg.Rollback(f.ID)
	if f.RetryCount > 0 {
		f.RetryCount--
		e.logger.Info("retrying file", "file_id", f.ID, "name", f.Name, "retries_left", f.RetryCount, "error", cause)
		e.requeueFileLocked(f)
		e.notifyRetry(f, cause)
		return
	}
	e.exhaustFileLocked(f, cause)
}

// requeueFileLocked puts f back at the head of the waiting files. Chunks
// keep their ranges but restart from scratch.
func (e *Engine) requeueFileLocked(f *entity.File) {
	f.Status = entity.StatusWaiting
	f.Progress = 0
	f.Loaded = 0
	for _, c := range f.Chunks {
		c.Reset(e.opts.ChunkRetryCount)
	}
	e.fileQ.Move(f.ID, scheduler.Waiting, true)
	e.notifyChange(f)
}

// exhaustFileLocked moves f to the error bucket. Its credit is settled to
// the full size so the batch still reaches 100 percent.
func (e *Engine) exhaustFileLocked(f *entity.File, cause error) {
	f.Status = entity.StatusError
	f.Progress = 100
	e.fileQ.Move(f.ID, scheduler.Failed, false)
	e.agg.Settle(f.ID, f.Size)
	e.logger.Warn("file failed", "file_id", f.ID, "name", f.Name, "error", cause)
	e.notifyError(f, cause)
	e.notifyChange(f)
}

// Retry re-queues a file from the error bucket ahead of fresh files. A spent
// budget is refilled once, so the file gets RetryCount more attempts.
func (e *Engine) Retry(id string) error {
	e.mu.Lock()
	f, ok := e.files[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if b, _ := e.fileQ.Where(id); b != scheduler.Failed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, f.Status)
	}
	if f.RetryCount == 0 {
		f.RetryCount = e.opts.RetryCount
	}
	if f.RetryCount > 0 {
		f.RetryCount--
	}
	e.agg.Rollback(f.ID)
	e.requeueFileLocked(f)
	e.batchOpen = true
	e.logger.Info("manual retry", "file_id", f.ID, "name", f.Name, "retries_left", f.RetryCount)
	e.notifyRetry(f, nil)
	e.notifyProgress()
	e.refillLocked()
	e.unlock()
	return nil
}
