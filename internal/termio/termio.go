// Package termio serializes terminal output through background writers so
// log records and the progress line never interleave mid-write.
package termio

import (
	"io"
	"os"
	"sync"
)

type writer struct {
	file    *os.File
	ch      chan []byte
	syncMu  sync.Mutex
	flushed chan struct{}
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- buf
	return len(p), nil
}

// sync blocks until everything queued before it is written.
func (w *writer) sync() {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	w.ch <- nil
	<-w.flushed
}

type manager struct {
	once   sync.Once
	stdout *writer
	stderr *writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = newWriter(os.Stdout)
		global.stderr = newWriter(os.Stderr)
	})
}

func newWriter(f *os.File) *writer {
	w := &writer{
		file:    f,
		ch:      make(chan []byte, 1024),
		flushed: make(chan struct{}),
	}
	go func() {
		for buf := range w.ch {
			if buf == nil {
				w.flushed <- struct{}{}
				continue
			}
			_, _ = w.file.Write(buf)
		}
	}()
	return w
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

func StdoutFile() *os.File {
	Init()
	return global.stdout.file
}

func StderrFile() *os.File {
	Init()
	return global.stderr.file
}

// Flush waits until queued stdout and stderr output has been written. Call
// it before exiting.
func Flush() {
	Init()
	global.stdout.sync()
	global.stderr.sync()
}

// IsTTY reports whether f is a character device.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
