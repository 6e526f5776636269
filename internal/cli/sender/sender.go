// Package sender runs the upload client: it resolves paths into payloads,
// drives the engine through the configured transport and reports progress.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sheerbytes/upflux/internal/config"
	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/metrics"
	"github.com/sheerbytes/upflux/internal/termio"
	"github.com/sheerbytes/upflux/internal/uploader"
)

const barWidth = 24

// ErrNoFiles is returned when the paths resolve to no regular file.
var ErrNoFiles = errors.New("no files to upload")

// Result counts how the batch ended.
type Result struct {
	Uploaded int
	Failed   int
	Invalid  int
}

// OK reports whether every file was uploaded.
func (r Result) OK() bool { return r.Failed == 0 && r.Invalid == 0 }

// Output is where progress goes.
type Output struct {
	W   io.Writer
	TTY bool
}

// Run uploads cfg.Paths and blocks until the batch completes or ctx is
// cancelled. Cancellation removes every file still pending.
func Run(ctx context.Context, cfg config.ClientConfig, out Output, logger *slog.Logger) (Result, error) {
	payloads, closeFiles, err := collect(cfg.Paths)
	defer closeFiles()
	if err != nil {
		return Result{}, err
	}

	tr, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return Result{}, err
	}
	if tr.closer != nil {
		defer tr.closer.Close()
	}

	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, logger)
		defer stop()
	}

	w := &lockedWriter{w: out.W}
	status := termio.NewStatusLine(w, out.TTY, barWidth)
	done := make(chan struct{})

	opts := options(cfg, tr.url, logger)
	var engine *uploader.Engine
	hooks := uploader.Hooks{
		OnProgress: func(float64, []entity.FileInfo) { status.Update(engine.Progress()) },
		OnError: func(err error, f entity.FileInfo) {
			fmt.Fprintf(w, "failed: %s: %v\n", f.Name, err)
		},
		OnInvalid: func(f entity.FileInfo, err error) {
			fmt.Fprintf(w, "skipped: %s: %v\n", f.Name, err)
		},
		OnComplete: func([]entity.FileInfo) { close(done) },
	}
	opts.Hooks = hooks.Merge(tr.hooks).Merge(metrics.InitEngineMetrics().Observer())
	opts.AutoUpload = false

	engine, err = uploader.New(opts, tr.adapter)
	if err != nil {
		return Result{}, err
	}
	added := engine.Add(payloads...)
	logger.Info("upload started", "files", len(added), "transport", cfg.Transport, "threads", cfg.Threads)
	engine.Start()

	// A batch of only invalid files never opens, so there is nothing to wait for.
	if s := engine.Stats(); len(s.Waiting) > 0 || len(s.Uploading) > 0 {
		select {
		case <-done:
		case <-ctx.Done():
			for _, f := range added {
				engine.Remove(f.ID)
			}
			return summarize(engine.Stats()), ctx.Err()
		}
	}
	status.Done(engine.Progress())
	return summarize(engine.Stats()), nil
}

// lockedWriter serializes hook output, which arrives from engine goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func options(cfg config.ClientConfig, url string, logger *slog.Logger) uploader.Options {
	opts := uploader.DefaultOptions(url)
	opts.ChunkURL = cfg.ChunkURL
	opts.Threads = cfg.Threads
	opts.Chunked = cfg.Chunked
	opts.ChunkSize = cfg.ChunkSize.Bytes()
	opts.ChunkThreshold = cfg.ChunkThreshold.Bytes()
	opts.RetryCount = cfg.RetryCount
	opts.ChunkRetryCount = cfg.ChunkRetryCount
	opts.Digest = cfg.Digest
	opts.ChunkDigest = cfg.Digest
	opts.MaxSize = cfg.MaxSize.Bytes()
	opts.MaxCount = cfg.MaxCount
	opts.Logger = logger
	return opts
}

func summarize(s uploader.Stats) Result {
	return Result{Uploaded: len(s.Uploaded), Failed: len(s.Failed), Invalid: len(s.Invalid)}
}

// collect opens every regular file under paths. Directories are walked.
func collect(paths []string) ([]entity.Payload, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	var payloads []entity.Payload
	add := func(path string) error {
		p, f, err := entity.OpenPayload(path)
		if err != nil {
			return err
		}
		files = append(files, f)
		payloads = append(payloads, p)
		return nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, closeAll, err
		}
		if !info.IsDir() {
			if err := add(root); err != nil {
				return nil, closeAll, err
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			return add(path)
		})
		if err != nil {
			return nil, closeAll, err
		}
	}
	if len(payloads) == 0 {
		return nil, closeAll, ErrNoFiles
	}
	return payloads, closeAll, nil
}

func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
