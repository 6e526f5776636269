package uploader

import (
	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/scheduler"
)

// The notify helpers snapshot state under the engine lock and queue the hook
// call; flush delivers it after the lock is released.

func (e *Engine) notifyChange(f *entity.File) {
	h := e.hooks.OnChange
	if h == nil {
		return
	}
	files := e.infosLocked(e.order)
	if f == nil {
		e.emit(func() { h(files, nil) })
		return
	}
	changed := f.Info()
	e.emit(func() { h(files, &changed) })
}

func (e *Engine) notifyProgress() {
	h := e.hooks.OnProgress
	if h == nil {
		return
	}
	pct := e.agg.Percent()
	files := e.infosLocked(e.order)
	e.emit(func() { h(pct, files) })
}

func (e *Engine) notifyStart(f *entity.File) {
	if h := e.hooks.OnStart; h != nil {
		info := f.Info()
		e.emit(func() { h(info) })
	}
}

func (e *Engine) notifyChunkStart(f *entity.File, c *entity.Chunk) {
	if h := e.hooks.OnChunkStart; h != nil {
		info := c.Info(f)
		e.emit(func() { h(info) })
	}
}

func (e *Engine) notifySuccess(f *entity.File, resp Response) {
	if h := e.hooks.OnSuccess; h != nil {
		info := f.Info()
		e.emit(func() { h(info, resp) })
	}
}

func (e *Engine) notifyChunkSuccess(f *entity.File, c *entity.Chunk, resp Response) {
	if h := e.hooks.OnChunkSuccess; h != nil {
		info := c.Info(f)
		e.emit(func() { h(info, resp) })
	}
}

func (e *Engine) notifyVerified(f *entity.File, resp Response) {
	if h := e.hooks.OnVerified; h != nil {
		info := f.Info()
		e.emit(func() { h(info, resp) })
	}
}

func (e *Engine) notifyError(f *entity.File, err error) {
	if h := e.hooks.OnError; h != nil {
		info := f.Info()
		e.emit(func() { h(err, info) })
	}
}

func (e *Engine) notifyChunkError(f *entity.File, c *entity.Chunk, err error) {
	if h := e.hooks.OnChunkError; h != nil {
		info := c.Info(f)
		e.emit(func() { h(err, info) })
	}
}

func (e *Engine) notifyRetry(f *entity.File, err error) {
	if h := e.hooks.OnRetry; h != nil {
		info := f.Info()
		e.emit(func() { h(info, err) })
	}
}

func (e *Engine) notifyChunkRetry(f *entity.File, c *entity.Chunk, err error) {
	if h := e.hooks.OnChunkRetry; h != nil {
		info := c.Info(f)
		e.emit(func() { h(info, err) })
	}
}

func (e *Engine) notifyInvalid(f *entity.File, err error) {
	if h := e.hooks.OnInvalid; h != nil {
		info := f.Info()
		e.emit(func() { h(info, err) })
	}
}

func (e *Engine) notifyAfter(f *entity.File) {
	if h := e.hooks.OnAfter; h != nil {
		info := f.Info()
		e.emit(func() { h(info) })
	}
}

func (e *Engine) notifyChunkAfter(f *entity.File, c *entity.Chunk) {
	if h := e.hooks.OnChunkAfter; h != nil {
		info := c.Info(f)
		e.emit(func() { h(info) })
	}
}

func (e *Engine) notifyComplete() {
	if h := e.hooks.OnComplete; h != nil {
		uploaded := e.infosLocked(e.fileQ.IDs(scheduler.Uploaded))
		e.emit(func() { h(uploaded) })
	}
}
