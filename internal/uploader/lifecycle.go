package uploader

import (
	"context"
	"errors"

	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/scheduler"
)

func (e *Engine) started(att *attempt) {
	e.mu.Lock()
	if !e.liveLocked(att) {
		e.mu.Unlock()
		return
	}
	e.startLocked(att)
	e.unlock()
}

func (e *Engine) startLocked(att *attempt) {
	if att.started {
		return
	}
	att.started = true
	f := att.file
	if c := att.chunk; c != nil {
		c.Status = entity.StatusUploading
		if f.Status == entity.StatusWaiting {
			f.Status = entity.StatusUploading
			e.notifyStart(f)
			e.notifyChange(f)
		}
		e.notifyChunkStart(f, c)
		return
	}
	f.Status = entity.StatusUploading
	e.notifyStart(f)
	e.notifyChange(f)
}

func (e *Engine) progressed(att *attempt, loaded, total int64) {
	e.mu.Lock()
	if !e.liveLocked(att) {
		e.mu.Unlock()
		return
	}
	e.startLocked(att)
	f := att.file
	if c := att.chunk; c != nil {
		e.agg.Observe(c.ID, loaded, total, c.Size)
		c.Loaded = e.agg.Credit(c.ID)
		f.Loaded = chunkLoaded(f)
		raise(f, float64(c.Offset+c.Loaded)/float64(f.Size)*100)
	} else {
		pct := e.agg.Observe(f.ID, loaded, total, f.Size)
		f.Loaded = e.agg.Credit(f.ID)
		raise(f, pct)
	}
	e.notifyProgress()
	e.unlock()
}

func (e *Engine) verify(att *attempt, req *Request, resp Response) error {
	if att.ctx.Err() != nil {
		return nil
	}
	if req.Chunk != nil {
		if e.hooks.OnChunkSuccessVerify != nil {
			return e.hooks.OnChunkSuccessVerify(att.ctx, *req.Chunk, resp)
		}
		return nil
	}
	if e.hooks.OnSuccessVerify != nil {
		return e.hooks.OnSuccessVerify(att.ctx, req.File, resp)
	}
	return nil
}

func (e *Engine) succeeded(att *attempt, resp Response) {
	e.mu.Lock()
	if !e.liveLocked(att) {
		e.logger.Debug("success of stale attempt dropped", "unit", att.unitID(), "attempt", att.seq)
		e.mu.Unlock()
		return
	}
	e.startLocked(att)
	e.mustInFlightLocked(att)
	e.endAttemptLocked(att)

	f := att.file
	if c := att.chunk; c != nil {
		e.agg.Settle(c.ID, c.Size)
		c.Status = entity.StatusUploaded
		c.Loaded = c.Size
		e.chunkQ.Move(c.ID, scheduler.Uploaded, false)
		f.Loaded = chunkLoaded(f)
		raise(f, float64(c.Offset+c.Size)/float64(f.Size)*100)
		e.notifyChunkSuccess(f, c, resp)
		e.notifyChunkAfter(f, c)
		e.notifyChange(f)
		if e.chunkQ.Len(scheduler.Waiting) == 0 && e.chunkQ.Len(scheduler.InFlight) == 0 {
			e.drainLocked(f)
		}
	} else {
		e.agg.Settle(f.ID, f.Size)
		f.Status = entity.StatusUploaded
		f.Progress = 100
		f.Loaded = f.Size
		e.fileQ.Move(f.ID, scheduler.Uploaded, false)
		if e.hooks.OnSuccessVerify != nil {
			e.notifyVerified(f, resp)
		}
		e.notifySuccess(f, resp)
		e.notifyAfter(f)
		e.notifyChange(f)
		e.logger.Debug("file uploaded", "file_id", f.ID, "name", f.Name)
	}
	e.notifyProgress()
	e.refillLocked()
	e.unlock()
}

func (e *Engine) failed(att *attempt, cause error) {
	e.mu.Lock()
	if !e.liveLocked(att) {
		e.logger.Debug("failure of stale attempt dropped", "unit", att.unitID(), "attempt", att.seq, "error", cause)
		e.mu.Unlock()
		return
	}
	e.mustInFlightLocked(att)
	e.endAttemptLocked(att)

	f := att.file
	if c := att.chunk; c != nil {
		e.failChunkLocked(f, c, cause)
	} else {
		e.failFileLocked(f, cause)
		e.notifyAfter(f)
	}
	e.notifyProgress()
	e.refillLocked()
	e.unlock()
}

// drainLocked runs once every chunk of f is uploaded. The chunk credits are
// folded into the file's own credit, then OnChunkComplete decides the file's
// fate. Later files stay blocked until it returns.
func (e *Engine) drainLocked(f *entity.File) {
	for _, c := range f.Chunks {
		e.agg.Rollback(c.ID)
	}
	e.agg.Settle(f.ID, f.Size)
	f.Loaded = f.Size

	if e.hooks.OnChunkComplete == nil {
		e.finishChunkedLocked(f, Response{}, nil)
		return
	}
	e.completing = true
	ctx, cancel := context.WithCancel(context.Background())
	e.seq++
	att := &attempt{seq: e.seq, file: f, ctx: ctx, cancel: cancel, started: true}
	e.attempts[f.ID] = att
	f.SetCancel(cancel)
	e.launch = append(e.launch, func() { e.complete(att) })
}

func (e *Engine) complete(att *attempt) {
	e.mu.Lock()
	if !e.liveLocked(att) {
		e.mu.Unlock()
		return
	}
	info := att.file.Info()
	e.mu.Unlock()

	resp, err := e.hooks.OnChunkComplete(att.ctx, info)

	e.mu.Lock()
	if !e.liveLocked(att) {
		e.logger.Debug("chunk completion of removed file dropped", "file_id", info.ID)
		e.mu.Unlock()
		return
	}
	e.endAttemptLocked(att)
	e.finishChunkedLocked(att.file, resp, err)
	e.notifyProgress()
	e.refillLocked()
	e.unlock()
}

func (e *Engine) finishChunkedLocked(f *entity.File, resp Response, cause error) {
	e.resetChunksLocked()
	if cause == nil {
		f.Status = entity.StatusUploaded
		f.Progress = 100
		e.fileQ.Move(f.ID, scheduler.Uploaded, false)
		if e.hooks.OnChunkComplete != nil {
			e.notifyVerified(f, resp)
		}
		e.notifySuccess(f, resp)
		e.notifyAfter(f)
		e.notifyChange(f)
		e.logger.Debug("chunked file uploaded", "file_id", f.ID, "name", f.Name, "chunks", len(f.Chunks))
		return
	}

	// A retryable completion failure restarts the file with a fresh budget.
	var ce *CompleteError
	if errors.As(cause, &ce) && !ce.Retry {
		f.RetryCount = 0
	} else {
		f.RetryCount = e.opts.RetryCount
		if f.RetryCount == 0 {
			f.RetryCount = defaultRetryCount
		}
	}
	e.failFileLocked(f, cause)
	e.notifyAfter(f)
}

// teardownChunksLocked abandons the current chunked file: live chunk
// attempts are cancelled and their slots freed, chunk credits are rolled
// back and in-flight chunks return to waiting.
func (e *Engine) teardownChunksLocked() {
	f := e.current
	if f == nil {
		return
	}
	for _, c := range f.Chunks {
		if att := e.attempts[c.ID]; att != nil {
			e.endAttemptLocked(att)
		}
		e.agg.Rollback(c.ID)
		if c.Status == entity.StatusUploading {
			c.Status = entity.StatusWaiting
		}
		c.Loaded = 0
	}
	if att := e.attempts[f.ID]; att != nil {
		e.endAttemptLocked(att)
	}
	f.Loaded = 0
	e.resetChunksLocked()
}

func (e *Engine) resetChunksLocked() {
	e.current = nil
	e.completing = false
	e.chunks = make(map[string]*entity.Chunk)
	e.chunkQ.Reset()
}

func chunkLoaded(f *entity.File) int64 {
	var n int64
	for _, c := range f.Chunks {
		n += c.Loaded
	}
	return n
}

// raise moves a file's percentage forward only.
func raise(f *entity.File, pct float64) {
	if pct > 100 {
		pct = 100
	}
	if pct > f.Progress {
		f.Progress = pct
	}
}
