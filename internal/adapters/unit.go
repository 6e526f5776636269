// Package adapters holds what the transport adapters share: the wire header
// of a unit and progress-reporting readers.
package adapters

import (
	"io"
	"strconv"

	"github.com/sheerbytes/upflux/internal/uploader"
	"github.com/sheerbytes/upflux/pkg/protocol"
)

// Header describes req on the wire.
func Header(req *uploader.Request) protocol.UnitHeader {
	h := protocol.UnitHeader{
		FileID:   req.File.ID,
		FileName: req.File.Name,
		FileSize: req.File.Size,
		Kind:     string(req.Kind),
		Size:     req.Size(),
		MD5:      req.File.Digest,
	}
	if c := req.Chunk; c != nil {
		h.Index = c.Index
		h.Chunks = c.Count
		h.Offset = c.Offset
		h.MD5 = c.Digest
	}
	return h
}

// ProgressReader reports every read to the request as loaded of Size bytes.
type ProgressReader struct {
	R    io.Reader
	Req  *uploader.Request
	read int64
}

// NewProgressReader wraps r.
func NewProgressReader(r io.Reader, req *uploader.Request) *ProgressReader {
	return &ProgressReader{R: r, Req: req}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.R.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.Req.Progress(p.read, p.Req.Size())
	}
	return n, err
}

// N reports the bytes consumed so far.
func (p *ProgressReader) N() int64 { return p.read }

// Reporter returns a callback for byte counters that already track totals.
func Reporter(req *uploader.Request) func(sent int64) {
	size := req.Size()
	return func(sent int64) { req.Progress(sent, size) }
}

// AckResponse turns a sink ack into the engine's response.
func AckResponse(ack protocol.Ack) uploader.Response {
	meta := map[string]string{
		"fileId":   ack.FileID,
		"bytes":    strconv.FormatInt(ack.Bytes, 10),
		"complete": strconv.FormatBool(ack.Complete),
	}
	if ack.Path != "" {
		meta["path"] = ack.Path
	}
	return uploader.Response{Status: 200, Meta: meta}
}
