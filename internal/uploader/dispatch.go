package uploader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/sheerbytes/upflux/internal/chunker"
	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/scheduler"
)

// startableLocked counts the units that could be dispatched right now, given
// free slots: whole files up to and including the first chunked file, whose
// chunks are counted instead, or the current file's waiting chunks.
func (e *Engine) startableLocked() int {
	if e.current != nil {
		if e.completing {
			return 0
		}
		return e.chunkQ.Len(scheduler.Waiting)
	}
	n := 0
	for _, id := range e.fileQ.IDs(scheduler.Waiting) {
		f := e.files[id]
		if e.opts.Chunked && chunker.Eligible(f.Size, e.opts.ChunkThreshold) {
			n += chunker.Count(f.Size, e.opts.ChunkSize, e.opts.ChunkThreshold)
			break
		}
		n++
	}
	return n
}

// fillLocked reserves up to limit units while slots are free.
func (e *Engine) fillLocked(limit int) int {
	n := 0
	for n < limit && e.uploading < e.opts.Threads && e.nextLocked() {
		n++
	}
	return n
}

// refillLocked fills freed slots and fires batch completion when nothing is
// left to do.
func (e *Engine) refillLocked() {
	if e.running {
		e.fillLocked(e.opts.Threads - e.uploading)
	}
	e.checkCompleteLocked()
}

// nextLocked reserves the next unit: a waiting chunk of the current file, or
// else the head waiting file, split lazily into chunks when it qualifies.
func (e *Engine) nextLocked() bool {
	if e.current != nil {
		if e.completing {
			return false
		}
		id, ok := e.chunkQ.Front(scheduler.Waiting)
		if !ok {
			return false
		}
		e.reserveLocked(e.current, e.chunks[id])
		return true
	}

	id, ok := e.fileQ.Front(scheduler.Waiting)
	if !ok {
		return false
	}
	f := e.files[id]
	if e.opts.Chunked && chunker.Eligible(f.Size, e.opts.ChunkThreshold) {
		e.beginChunkedLocked(f)
		cid, ok := e.chunkQ.Front(scheduler.Waiting)
		if !ok {
			panic(fmt.Sprintf("uploader: chunked file %s has no waiting chunk", f.ID))
		}
		e.reserveLocked(f, e.chunks[cid])
		return true
	}
	e.reserveLocked(f, nil)
	return true
}

func (e *Engine) beginChunkedLocked(f *entity.File) {
	if f.Chunks == nil {
		f.Chunks = chunker.Split(f, e.opts.ChunkSize, e.opts.ChunkThreshold, e.opts.ChunkRetryCount)
		e.logger.Debug("file split", "file_id", f.ID, "chunks", len(f.Chunks))
	}
	e.resetChunksLocked()
	e.current = f
	for _, c := range f.Chunks {
		e.chunks[c.ID] = c
		e.chunkQ.Move(c.ID, scheduler.Waiting, false)
	}
	e.fileQ.Move(f.ID, scheduler.InFlight, false)
}

// reserveLocked takes a slot for the unit and moves it in flight. Its status
// stays waiting until the adapter calls Start.
func (e *Engine) reserveLocked(f *entity.File, c *entity.Chunk) {
	ctx, cancel := context.WithCancel(context.Background())
	e.seq++
	att := &attempt{seq: e.seq, file: f, chunk: c, ctx: ctx, cancel: cancel, slot: true}
	e.attempts[att.unitID()] = att
	e.uploading++
	if c != nil {
		e.chunkQ.Move(c.ID, scheduler.InFlight, false)
		c.SetCancel(cancel)
	} else {
		e.fileQ.Move(f.ID, scheduler.InFlight, false)
		f.SetCancel(cancel)
	}
	e.launch = append(e.launch, func() { e.run(att) })
}

func (e *Engine) liveLocked(att *attempt) bool {
	return !att.done && e.attempts[att.unitID()] == att
}

// endAttemptLocked retires an attempt, cancels its context and frees its slot.
func (e *Engine) endAttemptLocked(att *attempt) {
	if e.attempts[att.unitID()] == att {
		delete(e.attempts, att.unitID())
	}
	att.done = true
	att.cancel()
	if att.chunk != nil {
		att.chunk.SetCancel(nil)
	} else {
		att.file.SetCancel(nil)
	}
	if att.slot {
		e.uploading--
		if e.uploading < 0 {
			panic("uploader: in-flight counter went negative")
		}
	}
}

// mustInFlightLocked panics when a live attempt's unit is not in the
// in-flight bucket; that is a bookkeeping bug, not a user error.
func (e *Engine) mustInFlightLocked(att *attempt) {
	q, id := e.fileQ, att.file.ID
	if att.chunk != nil {
		q, id = e.chunkQ, att.chunk.ID
	}
	if b, ok := q.Where(id); !ok || b != scheduler.InFlight {
		panic(fmt.Sprintf("uploader: %s %s not found in flight (bucket %v, tracked %v)", att.kind(), id, b, ok))
	}
}

// run drives one attempt outside the engine lock: digest, pre-flight gate,
// then the adapter.
func (e *Engine) run(att *attempt) {
	if err := e.digest(att); err != nil {
		e.failed(att, err)
		return
	}
	if err := e.gate(att); err != nil {
		e.reject(att, err)
		return
	}
	req, ok := e.request(att)
	if !ok {
		return
	}
	e.adapter.Upload(att.ctx, req)
}

func (e *Engine) digest(att *attempt) error {
	e.mu.Lock()
	if !e.liveLocked(att) {
		e.mu.Unlock()
		return nil
	}
	var body *io.SectionReader
	switch {
	case att.chunk != nil && e.opts.ChunkDigest && att.chunk.Digest == "":
		body = att.chunk.Open(att.file.Source)
	case att.chunk == nil && e.opts.Digest && att.file.Digest == "":
		body = att.file.Open()
	}
	e.mu.Unlock()
	if body == nil {
		return nil
	}

	h := md5.New()
	if _, err := io.Copy(h, body); err != nil {
		return fmt.Errorf("digest %s: %w", att.unitID(), err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	e.mu.Lock()
	if e.liveLocked(att) {
		if att.chunk != nil {
			att.chunk.Digest = sum
		} else {
			att.file.Digest = sum
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) gate(att *attempt) error {
	if att.chunk != nil {
		if e.hooks.OnChunkBefore == nil {
			return nil
		}
		e.mu.Lock()
		info := att.chunk.Info(att.file)
		e.mu.Unlock()
		return e.hooks.OnChunkBefore(att.ctx, info)
	}
	if e.hooks.OnBefore == nil {
		return nil
	}
	e.mu.Lock()
	info := att.file.Info()
	e.mu.Unlock()
	return e.hooks.OnBefore(att.ctx, info)
}

// reject turns a pre-flight rejection into an invalid file. A rejected chunk
// invalidates its whole file.
func (e *Engine) reject(att *attempt, cause error) {
	e.mu.Lock()
	if !e.liveLocked(att) {
		e.logger.Debug("rejection of stale attempt dropped", "unit", att.unitID(), "attempt", att.seq)
		e.mu.Unlock()
		return
	}
	if att.chunk != nil {
		e.teardownChunksLocked()
	} else {
		e.endAttemptLocked(att)
	}
	e.invalidateLocked(att.file, &RejectError{Err: cause})
	e.notifyProgress()
	e.refillLocked()
	e.unlock()
}

func (e *Engine) request(att *attempt) (*Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.liveLocked(att) {
		return nil, false
	}
	req := &Request{
		URL:    e.opts.URL,
		Method: e.opts.Method,
		Kind:   att.kind(),
		File:   att.file.Info(),
		engine: e,
		att:    att,
	}
	if c := att.chunk; c != nil {
		info := c.Info(att.file)
		req.URL = e.opts.ChunkURL
		req.Chunk = &info
		req.Body = c.Open(att.file.Source)
	} else {
		req.Body = att.file.Open()
	}
	return req, true
}

func (e *Engine) invalidateLocked(f *entity.File, cause error) {
	f.Status = entity.StatusInvalid
	e.fileQ.Move(f.ID, scheduler.Invalid, false)
	e.agg.Rollback(f.ID)
	e.agg.Settle(f.ID, f.Size)
	e.logger.Warn("file invalid", "file_id", f.ID, "name", f.Name, "error", cause)
	e.notifyInvalid(f, cause)
	e.notifyChange(f)
}

func (e *Engine) checkCompleteLocked() {
	if !e.batchOpen || e.current != nil || e.uploading > 0 {
		return
	}
	if e.fileQ.Len(scheduler.Waiting) > 0 || e.fileQ.Len(scheduler.InFlight) > 0 {
		return
	}
	e.batchOpen = false
	e.logger.Info("batch complete", "uploaded", e.fileQ.Len(scheduler.Uploaded), "failed", e.fileQ.Len(scheduler.Failed), "invalid", e.fileQ.Len(scheduler.Invalid))
	e.notifyComplete()
}
