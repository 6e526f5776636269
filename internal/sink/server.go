package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/upflux/internal/metrics"
	"github.com/sheerbytes/upflux/pkg/protocol"
)

const (
	// FileField is the multipart field carrying the payload.
	FileField = "file"

	maxFieldBytes = 4 << 10
	// maxWSMessage bounds one WebSocket frame; clients send 64 KiB frames.
	maxWSMessage = 4 << 20
)

const (
	transportHTTP = "http"
	transportWS   = "ws"
	transportQUIC = "quic"
)

// Server exposes a Store over HTTP multipart, WebSocket and QUIC.
type Server struct {
	store    *Store
	logger   *slog.Logger
	metrics  *metrics.SinkMetrics
	upgrader websocket.Upgrader
}

// NewServer serves store. m may be nil.
func NewServer(store *Store, logger *slog.Logger, m *metrics.SinkMetrics) *Server {
	return &Server{
		store:   store,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler routes /health, /upload, /ws and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.reject(transportHTTP)
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	fields := make(map[string]string)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			s.reject(transportHTTP)
			sendError(w, http.StatusBadRequest, "missing "+FileField+" part")
			return
		}
		if err != nil {
			s.reject(transportHTTP)
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		if part.FormName() != FileField {
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				s.reject(transportHTTP)
				sendError(w, http.StatusBadRequest, err.Error())
				return
			}
			fields[part.FormName()] = string(v)
			continue
		}

		hdr, err := headerFromForm(fields)
		if err != nil {
			s.reject(transportHTTP)
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		ack, err := s.receive(hdr, part)
		if err != nil {
			s.reject(transportHTTP)
			s.logger.Warn("http unit rejected", "file_id", hdr.FileID, "index", hdr.Index, "error", err)
			sendError(w, statusFor(err), err.Error())
			return
		}
		s.received(transportHTTP, hdr)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upflux-Complete", strconv.FormatBool(ack.Complete))
		if ack.Path != "" {
			w.Header().Set("X-Upflux-Path", ack.Path)
		}
		json.NewEncoder(w).Encode(ack)
		return
	}
}

func (s *Server) receive(hdr protocol.UnitHeader, r io.Reader) (protocol.Ack, error) {
	unit, err := s.store.Begin(hdr)
	if err != nil {
		return protocol.Ack{}, err
	}
	if _, err := io.Copy(unit, r); err != nil {
		unit.Abort()
		return protocol.Ack{}, err
	}
	ack, err := unit.Commit()
	if err != nil {
		unit.Abort()
		return protocol.Ack{}, err
	}
	return ack, nil
}

// headerFromForm rebuilds a unit header from multipart form fields.
func headerFromForm(f map[string]string) (protocol.UnitHeader, error) {
	hdr := protocol.UnitHeader{
		FileID:   f["fileId"],
		FileName: f["fileName"],
		Kind:     f["kind"],
		MD5:      f["md5"],
	}
	if hdr.Kind == "" {
		hdr.Kind = protocol.KindFile
	}
	var err error
	if hdr.FileSize, err = intField(f, "fileSize"); err != nil {
		return hdr, err
	}
	if hdr.Size, err = intField(f, "size"); err != nil {
		return hdr, err
	}
	if hdr.Offset, err = intField(f, "chunkOffset"); err != nil {
		return hdr, err
	}
	idx, err := intField(f, "chunkIndex")
	if err != nil {
		return hdr, err
	}
	chunks, err := intField(f, "chunks")
	if err != nil {
		return hdr, err
	}
	hdr.Index, hdr.Chunks = int(idx), int(chunks)
	return hdr, nil
}

func intField(f map[string]string, name string) (int64, error) {
	v, ok := f[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadHeader), errors.Is(err, ErrConflict), errors.Is(err, ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, ErrIncomplete), errors.Is(err, ErrDigestMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) received(transport string, hdr protocol.UnitHeader) {
	if s.metrics == nil {
		return
	}
	s.metrics.UnitsReceived.WithLabelValues(transport, hdr.Kind).Inc()
	s.metrics.BytesReceived.WithLabelValues(transport).Add(float64(hdr.Size))
}

func (s *Server) reject(transport string) {
	if s.metrics != nil {
		s.metrics.UnitsRejected.WithLabelValues(transport).Inc()
	}
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
