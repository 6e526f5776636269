// Package httpadapter uploads units as multipart/form-data requests.
package httpadapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/upflux/internal/adapters"
	"github.com/sheerbytes/upflux/internal/bufpool"
	"github.com/sheerbytes/upflux/internal/uploader"
)

const (
	// FileField is the form field carrying the payload.
	FileField = "file"

	maxResponseBody = 1 << 20
	sniffLen        = 512
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
}

// Adapter posts every unit to req.URL with req.Method.
type Adapter struct {
	client  *http.Client
	limiter *rate.Limiter
	header  http.Header
	logger  *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient replaces the default HTTP client.
func WithClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithRateLimit caps the upload bandwidth shared by all units, in bytes per
// second. Zero or less leaves it unlimited.
func WithRateLimit(bytesPerSec int) Option {
	return func(a *Adapter) {
		if bytesPerSec <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, bufpool.FrameSize))
	}
}

// WithHeader adds headers to every request.
func WithHeader(h http.Header) Option {
	return func(a *Adapter) { a.header = h.Clone() }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New builds an adapter. The default client has no overall timeout, since
// large units stream for as long as they need; cancellation comes from ctx.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   32,
		}},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Upload(ctx context.Context, req *uploader.Request) {
	go func() {
		resp, err := a.send(ctx, req)
		req.Finish(resp, err)
	}()
}

func (a *Adapter) send(ctx context.Context, req *uploader.Request) (uploader.Response, error) {
	req.Start()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(a.writeForm(ctx, mw, req))
	}()

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, pr)
	if err != nil {
		pr.Close()
		return uploader.Response{}, fmt.Errorf("create request: %w", err)
	}
	for k, v := range a.header {
		hreq.Header[k] = v
	}
	hreq.Header.Set("Content-Type", mw.FormDataContentType())

	hresp, err := a.client.Do(hreq)
	if err != nil {
		pr.CloseWithError(err)
		return uploader.Response{}, fmt.Errorf("send request: %w", err)
	}
	defer hresp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBody))
	if err != nil {
		return uploader.Response{}, fmt.Errorf("read response: %w", err)
	}
	resp := uploader.Response{Status: hresp.StatusCode, Body: body, Meta: meta(hresp.Header)}
	if hresp.StatusCode < 200 || hresp.StatusCode >= 300 {
		return resp, &StatusError{StatusCode: hresp.StatusCode, Body: string(body)}
	}
	a.logger.Debug("unit posted", "unit", req.UnitID(), "status", hresp.StatusCode)
	return resp, nil
}

// writeForm streams the form fields and the payload part into mw.
func (a *Adapter) writeForm(ctx context.Context, mw *multipart.Writer, req *uploader.Request) error {
	hdr := adapters.Header(req)
	fields := [][2]string{
		{"fileId", hdr.FileID},
		{"fileName", hdr.FileName},
		{"fileSize", strconv.FormatInt(hdr.FileSize, 10)},
		{"kind", hdr.Kind},
		{"chunkIndex", strconv.Itoa(hdr.Index)},
		{"chunks", strconv.Itoa(hdr.Chunks)},
		{"chunkOffset", strconv.FormatInt(hdr.Offset, 10)},
		{"size", strconv.FormatInt(hdr.Size, 10)},
	}
	if hdr.MD5 != "" {
		fields = append(fields, [2]string{"md5", hdr.MD5})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": FileField, "filename": hdr.FileName}))
	h.Set("Content-Type", sniff(req.Body))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	var src io.Reader = adapters.NewProgressReader(req.Body, req)
	if a.limiter != nil {
		src = &limitedReader{ctx: ctx, r: src, limiter: a.limiter}
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

func sniff(body io.ReaderAt) string {
	buf := make([]byte, sniffLen)
	n, _ := body.ReadAt(buf, 0)
	if n == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(buf[:n]).String()
}

func meta(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k := range h {
		m[k] = h.Get(k)
	}
	return m
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
