// Package uploader schedules file and chunk uploads through a transport
// adapter with bounded concurrency, retries and aggregated progress.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/progress"
	"github.com/sheerbytes/upflux/internal/scheduler"
)

// Engine owns every file and chunk record and moves them between buckets.
// It is safe for concurrent use.
type Engine struct {
	opts    Options
	hooks   Hooks
	adapter Adapter
	logger  *slog.Logger
	agg     *progress.Aggregator

	mu    sync.Mutex
	files map[string]*entity.File
	order []string
	fileQ *scheduler.Ledger

	// current is the chunked file whose chunks are being drained. No other
	// file starts while it is set.
	current    *entity.File
	chunks     map[string]*entity.Chunk
	chunkQ     *scheduler.Ledger
	completing bool

	uploading int
	attempts  map[string]*attempt
	seq       uint64
	running   bool
	batchOpen bool

	outbox   []func()
	launch   []func()
	notifyMu sync.Mutex
}

// attempt is one dispatch of a unit. Callbacks carry their attempt and are
// dropped once it is no longer the live attempt of its unit.
type attempt struct {
	seq     uint64
	file    *entity.File
	chunk   *entity.Chunk
	ctx     context.Context
	cancel  context.CancelFunc
	slot    bool
	started bool
	done    bool
}

func (a *attempt) unitID() string {
	if a.chunk != nil {
		return a.chunk.ID
	}
	return a.file.ID
}

func (a *attempt) kind() entity.Kind {
	if a.chunk != nil {
		return entity.KindChunk
	}
	return entity.KindFile
}

// New validates opts and builds an engine. A nil adapter falls back to the
// process default registered with SetDefaultAdapter.
func New(opts Options, adapter Adapter) (*Engine, error) {
	if opts.URL == "" {
		return nil, ErrNoURL
	}
	if adapter == nil {
		adapter = DefaultAdapter()
	}
	if adapter == nil {
		return nil, ErrNoAdapter
	}
	opts = opts.normalize()
	return &Engine{
		opts:     opts,
		hooks:    opts.Hooks,
		adapter:  adapter,
		logger:   opts.Logger,
		agg:      progress.NewAggregator(),
		files:    make(map[string]*entity.File),
		fileQ:    scheduler.NewLedger(),
		chunks:   make(map[string]*entity.Chunk),
		chunkQ:   scheduler.NewLedger(),
		attempts: make(map[string]*attempt),
	}, nil
}

// Add submits payloads as new files and returns their snapshots. Payloads
// beyond MaxCount are dropped; payloads above MaxSize are added as invalid.
// With AutoUpload the engine starts dispatching immediately.
func (e *Engine) Add(payloads ...entity.Payload) []entity.FileInfo {
	valid, oversize := e.filter(payloads)

	e.mu.Lock()
	added := make([]*entity.File, 0, len(valid)+len(oversize))
	for _, p := range valid {
		f := e.trackLocked(p, len(added))
		e.fileQ.Move(f.ID, scheduler.Waiting, false)
		added = append(added, f)
	}
	for _, p := range oversize {
		f := e.trackLocked(p, len(added))
		e.invalidateLocked(f, fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, p.Name, p.Size))
		added = append(added, f)
	}
	if len(valid) > 0 {
		e.batchOpen = true
	}

	infos := make([]entity.FileInfo, len(added))
	for i, f := range added {
		infos[i] = f.Info()
	}
	e.notifyChange(nil)
	e.logger.Debug("files added", "count", len(valid), "invalid", len(oversize))

	if e.opts.AutoUpload && len(valid) > 0 {
		e.running = true
		e.fillLocked(e.opts.Threads)
	}
	e.unlock()
	return infos
}

// Start dispatches min(threads, startable units, free slots) units.
func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	avail := e.startableLocked()
	if avail == 0 {
		e.logger.Warn("no unit waiting to be uploaded")
	}
	e.fillLocked(min(e.opts.Threads, avail, e.opts.Threads-e.uploading))
	e.checkCompleteLocked()
	e.unlock()
}

// Remove forgets a file, cancelling its transfer and its chunks' transfers.
// It reports false for unknown ids, chunk ids and files already removed.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	f, ok := e.files[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if e.current == f {
		e.teardownChunksLocked()
	}
	if att := e.attempts[f.ID]; att != nil {
		e.endAttemptLocked(att)
	}
	e.agg.Rollback(f.ID)
	e.agg.SubTotal(f.Size)
	e.fileQ.Remove(id)
	delete(e.files, id)
	e.order = slices.DeleteFunc(e.order, func(v string) bool { return v == id })
	e.logger.Info("file removed", "file_id", id, "name", f.Name)

	e.notifyChange(nil)
	e.notifyProgress()
	e.refillLocked()
	e.unlock()
	return true
}

// MarkUploaded forces a file into the uploaded state, cancelling any
// transfer still running for it.
func (e *Engine) MarkUploaded(id string) error {
	e.mu.Lock()
	f, ok := e.files[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if f.Status == entity.StatusUploaded {
		e.mu.Unlock()
		return nil
	}
	if e.current == f {
		e.teardownChunksLocked()
	}
	if att := e.attempts[f.ID]; att != nil {
		e.endAttemptLocked(att)
	}
	e.agg.Settle(f.ID, f.Size)
	for _, c := range f.Chunks {
		c.Status = entity.StatusUploaded
		c.Loaded = c.Size
	}
	f.Status = entity.StatusUploaded
	f.Progress = 100
	f.Loaded = f.Size
	e.fileQ.Move(f.ID, scheduler.Uploaded, false)

	e.notifySuccess(f, Response{})
	e.notifyChange(f)
	e.notifyProgress()
	e.refillLocked()
	e.unlock()
	return nil
}

// ClearStats cancels every running transfer and forgets all records.
func (e *Engine) ClearStats() {
	e.mu.Lock()
	for _, att := range e.attempts {
		att.done = true
		att.cancel()
	}
	e.attempts = make(map[string]*attempt)
	e.files = make(map[string]*entity.File)
	e.order = nil
	e.fileQ.Reset()
	e.resetChunksLocked()
	e.uploading = 0
	e.running = false
	e.batchOpen = false
	e.agg.Reset()
	e.notifyChange(nil)
	e.unlock()
}

// Progress returns the aggregated byte progress with rate and ETA.
func (e *Engine) Progress() progress.Stats {
	return e.agg.Snapshot()
}

func (e *Engine) trackLocked(p entity.Payload, index int) *entity.File {
	f := entity.NewFile(p, index, e.opts.RetryCount)
	e.files[f.ID] = f
	e.order = append(e.order, f.ID)
	e.agg.AddTotal(f.Size)
	return f
}

func (e *Engine) filter(payloads []entity.Payload) (valid, oversize []entity.Payload) {
	list := slices.Clone(payloads)
	if limit := e.opts.MaxCount; limit > 0 && len(list) > limit {
		e.logger.Warn("too many files, truncating", "submitted", len(list), "max", limit)
		list = list[:limit]
	}
	for _, p := range list {
		if e.opts.MaxSize > 0 && p.Size > e.opts.MaxSize {
			oversize = append(oversize, p)
			continue
		}
		valid = append(valid, p)
	}
	if e.opts.Filter != nil {
		valid = e.opts.Filter(valid)
	}
	if e.opts.Sort != nil {
		slices.SortStableFunc(valid, e.opts.Sort)
	}
	return valid, oversize
}

func (e *Engine) infosLocked(ids []string) []entity.FileInfo {
	out := make([]entity.FileInfo, 0, len(ids))
	for _, id := range ids {
		if f, ok := e.files[id]; ok {
			out = append(out, f.Info())
		}
	}
	return out
}

// unlock releases the engine lock, delivers queued notifications and then
// launches attempts reserved while the lock was held.
func (e *Engine) unlock() {
	launch := e.launch
	e.launch = nil
	e.mu.Unlock()
	e.flush()
	for _, fn := range launch {
		go fn()
	}
}

func (e *Engine) emit(fn func()) {
	e.outbox = append(e.outbox, fn)
}

// flush delivers queued notifications in order. Only one goroutine delivers
// at a time; a caller that loses the race leaves its events to the winner,
// which re-checks the outbox before giving up the delivery lock.
func (e *Engine) flush() {
	for {
		if !e.notifyMu.TryLock() {
			return
		}
		for {
			e.mu.Lock()
			batch := e.outbox
			e.outbox = nil
			e.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
		e.notifyMu.Unlock()

		e.mu.Lock()
		pending := len(e.outbox) > 0
		e.mu.Unlock()
		if !pending {
			return
		}
	}
}
