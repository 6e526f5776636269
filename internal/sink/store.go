// Package sink receives uploads over HTTP, WebSocket and QUIC and
// reassembles them on disk.
package sink

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sheerbytes/upflux/internal/metrics"
	"github.com/sheerbytes/upflux/pkg/protocol"
)

const partSuffix = ".part"

var (
	ErrOverflow       = errors.New("sink: unit longer than declared size")
	ErrIncomplete     = errors.New("sink: unit shorter than declared size")
	ErrDigestMismatch = errors.New("sink: md5 mismatch")
	ErrConflict       = errors.New("sink: header conflicts with earlier units of the file")
	ErrBadHeader      = errors.New("sink: bad unit header")
)

// Store writes units into dir. Each file is assembled in <fileId>.part and
// renamed to its sanitized name once every unit has arrived.
type Store struct {
	dir     string
	logger  *slog.Logger
	metrics *metrics.SinkMetrics

	mu    sync.Mutex
	files map[string]*assembly
}

type assembly struct {
	name   string
	size   int64
	chunks int
	tmp    string
	f      *os.File
	got    map[int]bool
	path   string // set once complete
}

// NewStore creates dir if needed. m may be nil.
func NewStore(dir string, logger *slog.Logger, m *metrics.SinkMetrics) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create out dir: %w", err)
	}
	return &Store{dir: dir, logger: logger, metrics: m, files: make(map[string]*assembly)}, nil
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// Unit receives the bytes of one file or chunk. Callers write exactly
// hdr.Size bytes and then Commit, or Abort on any transport error.
type Unit struct {
	store *Store
	hdr   protocol.UnitHeader
	asm   *assembly
	w     io.Writer
	n     int64
	sum   hash.Hash
}

// Begin validates hdr and opens the unit's slice of the assembly file.
func (s *Store) Begin(hdr protocol.UnitHeader) (*Unit, error) {
	if err := hdr.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if err := protocol.ValidateName(hdr.FileID); err != nil {
		return nil, fmt.Errorf("%w: file id: %w", ErrBadHeader, err)
	}
	chunks := hdr.Chunks
	if hdr.Kind == protocol.KindFile {
		chunks = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	asm, ok := s.files[hdr.FileID]
	if !ok {
		tmp := filepath.Join(s.dir, hdr.FileID+partSuffix)
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", tmp, err)
		}
		if err := f.Truncate(hdr.FileSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("size %s: %w", tmp, err)
		}
		asm = &assembly{name: hdr.FileName, size: hdr.FileSize, chunks: chunks, tmp: tmp, f: f, got: make(map[int]bool)}
		s.files[hdr.FileID] = asm
	}
	if asm.size != hdr.FileSize || asm.chunks != chunks || asm.name != hdr.FileName {
		return nil, fmt.Errorf("%w: %s", ErrConflict, hdr.FileID)
	}

	u := &Unit{store: s, hdr: hdr, asm: asm}
	if asm.path != "" {
		// Late duplicate of a finished file: drain and ack.
		u.w = io.Discard
	} else {
		u.w = io.NewOffsetWriter(asm.f, hdr.Offset)
	}
	if hdr.MD5 != "" {
		u.sum = md5.New()
	}
	return u, nil
}

func (u *Unit) Write(p []byte) (int, error) {
	if u.n+int64(len(p)) > u.hdr.Size {
		return 0, ErrOverflow
	}
	n, err := u.w.Write(p)
	u.n += int64(n)
	if u.sum != nil {
		u.sum.Write(p[:n])
	}
	return n, err
}

// N returns the bytes written so far.
func (u *Unit) N() int64 { return u.n }

// Commit checks the unit and records it. The file is finalized when this
// was its last missing unit.
func (u *Unit) Commit() (protocol.Ack, error) {
	if u.n != u.hdr.Size {
		return protocol.Ack{}, fmt.Errorf("%w: %d of %d bytes", ErrIncomplete, u.n, u.hdr.Size)
	}
	if u.sum != nil {
		if got := hex.EncodeToString(u.sum.Sum(nil)); !strings.EqualFold(got, u.hdr.MD5) {
			return protocol.Ack{}, fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got, u.hdr.MD5)
		}
	}

	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()
	asm := u.asm
	ack := protocol.Ack{FileID: u.hdr.FileID, Index: u.hdr.Index, Bytes: u.n}
	if asm.path != "" {
		ack.Complete, ack.Path = true, filepath.Base(asm.path)
		return ack, nil
	}
	asm.got[u.hdr.Index] = true
	if len(asm.got) < asm.chunks {
		return ack, nil
	}

	path, err := s.finalizeLocked(asm)
	if err != nil {
		return protocol.Ack{}, err
	}
	ack.Complete, ack.Path = true, filepath.Base(path)
	return ack, nil
}

// Abort drops the unit. Bytes already written stay in the assembly file
// and are overwritten by the retry.
func (u *Unit) Abort() {
	u.store.logger.Debug("unit aborted", "file_id", u.hdr.FileID, "index", u.hdr.Index, "bytes", u.n)
}

func (s *Store) finalizeLocked(asm *assembly) (string, error) {
	if err := asm.f.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", asm.tmp, err)
	}
	if err := asm.f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", asm.tmp, err)
	}
	path := s.freeName(asm.name)
	if err := os.Rename(asm.tmp, path); err != nil {
		return "", fmt.Errorf("rename %s: %w", asm.tmp, err)
	}
	asm.path = path
	asm.f = nil
	if s.metrics != nil {
		s.metrics.FilesAssembled.Inc()
	}
	s.logger.Info("file assembled", "name", asm.name, "path", path, "size", asm.size, "chunks", asm.chunks)
	return path, nil
}

// freeName returns dir/name, or dir/name-N.ext when that is taken.
func (s *Store) freeName(name string) string {
	path := filepath.Join(s.dir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%d%s", base, i, ext))
	}
}

// Close releases open assembly files. Unfinished .part files are left on
// disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, asm := range s.files {
		if asm.f != nil {
			errs = append(errs, asm.f.Close())
			asm.f = nil
		}
		delete(s.files, id)
	}
	return errors.Join(errs...)
}
