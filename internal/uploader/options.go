package uploader

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sheerbytes/upflux/internal/chunker"
	"github.com/sheerbytes/upflux/internal/entity"
)

const (
	defaultThreads    = 1
	defaultChunkSize  = 4 * 1024 * 1024
	defaultRetryCount = 2
)

// Options configures an Engine. Start from DefaultOptions; the zero value
// disables retries and auto upload.
type Options struct {
	URL      string
	ChunkURL string
	Method   string

	Threads    int
	AutoUpload bool

	Chunked        bool
	ChunkSize      int64
	ChunkThreshold int64

	RetryCount      int
	ChunkRetryCount int

	Digest      bool
	ChunkDigest bool

	// MaxSize marks larger payloads invalid on Add. MaxCount truncates one Add
	// call to its first MaxCount payloads. Zero disables either.
	MaxSize  int64
	MaxCount int
	Filter   func([]entity.Payload) []entity.Payload
	Sort     func(a, b entity.Payload) int

	Hooks  Hooks
	Logger *slog.Logger
}

// DefaultOptions returns options with the documented defaults for url.
func DefaultOptions(url string) Options {
	return Options{
		URL:             url,
		Method:          http.MethodPost,
		Threads:         defaultThreads,
		AutoUpload:      true,
		ChunkSize:       defaultChunkSize,
		ChunkThreshold:  chunker.NoThreshold,
		RetryCount:      defaultRetryCount,
		ChunkRetryCount: defaultRetryCount,
	}
}

func (o Options) normalize() Options {
	if o.ChunkURL == "" {
		o.ChunkURL = o.URL
	}
	if o.Method == "" {
		o.Method = http.MethodPost
	}
	if o.Threads < 1 {
		o.Threads = defaultThreads
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.ChunkRetryCount < 0 {
		o.ChunkRetryCount = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Hooks are lifecycle observers. Notification hooks run outside the engine
// lock, in transition order, and may call back into the engine. Gates
// (OnBefore, OnChunkBefore, the verifiers and OnChunkComplete) run on the
// dispatching goroutine and may block.
type Hooks struct {
	OnChange func(files []entity.FileInfo, changed *entity.FileInfo)

	// OnBefore rejects a file by returning an error; the file becomes invalid.
	OnBefore func(ctx context.Context, f entity.FileInfo) error
	// OnChunkBefore rejects a chunk, which invalidates its whole file.
	OnChunkBefore func(ctx context.Context, c entity.ChunkInfo) error

	OnStart      func(f entity.FileInfo)
	OnChunkStart func(c entity.ChunkInfo)
	OnProgress   func(percent float64, files []entity.FileInfo)

	OnSuccess      func(f entity.FileInfo, resp Response)
	OnChunkSuccess func(c entity.ChunkInfo, resp Response)

	// Verifiers turn a transport success into a failure by returning an error.
	OnSuccessVerify      func(ctx context.Context, f entity.FileInfo, resp Response) error
	OnChunkSuccessVerify func(ctx context.Context, c entity.ChunkInfo, resp Response) error
	OnVerified           func(f entity.FileInfo, resp Response)

	OnError      func(err error, f entity.FileInfo)
	OnChunkError func(err error, c entity.ChunkInfo)
	OnRetry      func(f entity.FileInfo, err error)
	OnChunkRetry func(c entity.ChunkInfo, err error)
	OnInvalid    func(f entity.FileInfo, err error)

	OnAfter      func(f entity.FileInfo)
	OnChunkAfter func(c entity.ChunkInfo)

	// OnChunkComplete runs once every chunk of a file has been uploaded. A nil
	// error accepts the file; see CompleteError for rejection.
	OnChunkComplete func(ctx context.Context, f entity.FileInfo) (Response, error)

	OnComplete func(uploaded []entity.FileInfo)
}

// Merge returns hooks that run h first and then o. Gates stop at the first
// error; OnChunkComplete keeps the last non-empty response.
func (h Hooks) Merge(o Hooks) Hooks {
	return Hooks{
		OnChange:             chain2(h.OnChange, o.OnChange),
		OnBefore:             gate(h.OnBefore, o.OnBefore),
		OnChunkBefore:        gate(h.OnChunkBefore, o.OnChunkBefore),
		OnStart:              chain1(h.OnStart, o.OnStart),
		OnChunkStart:         chain1(h.OnChunkStart, o.OnChunkStart),
		OnProgress:           chain2(h.OnProgress, o.OnProgress),
		OnSuccess:            chain2(h.OnSuccess, o.OnSuccess),
		OnChunkSuccess:       chain2(h.OnChunkSuccess, o.OnChunkSuccess),
		OnSuccessVerify:      verify(h.OnSuccessVerify, o.OnSuccessVerify),
		OnChunkSuccessVerify: verify(h.OnChunkSuccessVerify, o.OnChunkSuccessVerify),
		OnVerified:           chain2(h.OnVerified, o.OnVerified),
		OnError:              chain2(h.OnError, o.OnError),
		OnChunkError:         chain2(h.OnChunkError, o.OnChunkError),
		OnRetry:              chain2(h.OnRetry, o.OnRetry),
		OnChunkRetry:         chain2(h.OnChunkRetry, o.OnChunkRetry),
		OnInvalid:            chain2(h.OnInvalid, o.OnInvalid),
		OnAfter:              chain1(h.OnAfter, o.OnAfter),
		OnChunkAfter:         chain1(h.OnChunkAfter, o.OnChunkAfter),
		OnChunkComplete:      complete(h.OnChunkComplete, o.OnChunkComplete),
		OnComplete:           chain1(h.OnComplete, o.OnComplete),
	}
}

func chain1[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) { a(x); b(x) }
}

func chain2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) { a(x, y); b(x, y) }
}

func gate[A any](a, b func(context.Context, A) error) func(context.Context, A) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, x A) error {
		if err := a(ctx, x); err != nil {
			return err
		}
		return b(ctx, x)
	}
}

func verify[A any](a, b func(context.Context, A, Response) error) func(context.Context, A, Response) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, x A, r Response) error {
		if err := a(ctx, x, r); err != nil {
			return err
		}
		return b(ctx, x, r)
	}
}

func complete(a, b func(context.Context, entity.FileInfo) (Response, error)) func(context.Context, entity.FileInfo) (Response, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, f entity.FileInfo) (Response, error) {
		resp, err := a(ctx, f)
		if err != nil {
			return resp, err
		}
		next, err := b(ctx, f)
		if err != nil {
			return next, err
		}
		if next.Status == 0 && next.Body == nil && next.Meta == nil {
			return resp, nil
		}
		return next, nil
	}
}
