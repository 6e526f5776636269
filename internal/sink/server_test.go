package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/upflux/internal/metrics"
	"github.com/sheerbytes/upflux/internal/transfer"
	"github.com/sheerbytes/upflux/internal/wsclient"
	"github.com/sheerbytes/upflux/pkg/protocol"
)

func newServer(t *testing.T) (*Server, *metrics.SinkMetrics) {
	t.Helper()
	m := metrics.NewSinkMetrics(prometheus.NewRegistry())
	s, err := NewStore(t.TempDir(), quiet(), m)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewServer(s, quiet(), m), m
}

func form(t *testing.T, hdr protocol.UnitHeader, body []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"fileId":      hdr.FileID,
		"fileName":    hdr.FileName,
		"fileSize":    strconv.FormatInt(hdr.FileSize, 10),
		"kind":        hdr.Kind,
		"chunkIndex":  strconv.Itoa(hdr.Index),
		"chunks":      strconv.Itoa(hdr.Chunks),
		"chunkOffset": strconv.FormatInt(hdr.Offset, 10),
		"size":        strconv.FormatInt(hdr.Size, 10),
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile(FileField, hdr.FileName)
	require.NoError(t, err)
	part.Write(body)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHTTPUpload(t *testing.T) {
	srv, m := newServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	data := []byte("0123456789abcdefghij")
	for i := 0; i < 2; i++ {
		hdr := chunkHeader("h1", "form.bin", 20, i, 2, int64(i*10), 10)
		body, ct := form(t, hdr, data[i*10:(i+1)*10])
		resp, err := http.Post(ts.URL+"/upload", ct, body)
		require.NoError(t, err)

		var ack protocol.Ack
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, i == 1, ack.Complete)
		assert.Equal(t, strconv.FormatBool(i == 1), resp.Header.Get("X-Upflux-Complete"))
	}

	got, err := os.ReadFile(filepath.Join(srv.store.Dir(), "form.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 2.0, counter(t, m.UnitsReceived.WithLabelValues("http", "chunk")))
	assert.Equal(t, 20.0, counter(t, m.BytesReceived.WithLabelValues("http")))
	assert.Equal(t, 1.0, counter(t, m.FilesAssembled))
}

func TestHTTPUploadRejected(t *testing.T) {
	srv, m := newServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	hdr := fileHeader("bad", "../escape.txt", []byte("x"))
	body, ct := form(t, hdr, []byte("x"))
	resp, err := http.Post(ts.URL+"/upload", ct, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/upload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/upload", "text/plain", strings.NewReader("nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 2.0, counter(t, m.UnitsRejected.WithLabelValues("http")))
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestWebSocketUpload(t *testing.T) {
	srv, m := newServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := wsclient.Dial(ctx, wsURL, nil, quiet())
	require.NoError(t, err)
	defer conn.Close()

	data := bytes.Repeat([]byte("ws!"), 5000)
	ack, err := conn.Upload(ctx, fileHeader("w1", "frames.bin", data), bytes.NewReader(data), 4096, nil)
	require.NoError(t, err)
	assert.True(t, ack.Complete)
	assert.Equal(t, "frames.bin", ack.Path)

	got, err := os.ReadFile(filepath.Join(srv.store.Dir(), "frames.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The connection stays usable after a refused unit.
	_, err = conn.Upload(ctx, fileHeader("../w2", "bad.bin", []byte("x")), bytes.NewReader([]byte("x")), 4096, nil)
	var nack *protocol.NackError
	require.ErrorAs(t, err, &nack)
	assert.Contains(t, nack.Nack.Message, "file id")

	ack, err = conn.Upload(ctx, fileHeader("w3", "second.bin", []byte("ok")), bytes.NewReader([]byte("ok")), 4096, nil)
	require.NoError(t, err)
	assert.True(t, ack.Complete)

	assert.Equal(t, 2.0, counter(t, m.UnitsReceived.WithLabelValues("ws", "file")))
	assert.Equal(t, 1.0, counter(t, m.UnitsRejected.WithLabelValues("ws")))
}

func TestQUICServe(t *testing.T) {
	srv, m := newServer(t)
	tr := transfer.NewMockTransport()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, tr) }()

	conn, err := tr.Dial(ctx, "sink")
	require.NoError(t, err)

	data := bytes.Repeat([]byte{7, 8, 9}, 40000)
	size := int64(len(data))
	half := size / 2
	units := []protocol.UnitHeader{
		chunkHeader("q1", "quic.bin", size, 0, 2, 0, half),
		chunkHeader("q1", "quic.bin", size, 1, 2, half, size-half),
	}
	var last protocol.Ack
	for _, hdr := range units {
		st, err := conn.OpenStream(ctx)
		require.NoError(t, err)
		body := bytes.NewReader(data[hdr.Offset : hdr.Offset+hdr.Size])
		require.NoError(t, transfer.WriteUnit(ctx, st, hdr, body, nil))
		last, err = transfer.ReadReply(st)
		require.NoError(t, err)
		st.Close()
	}
	assert.True(t, last.Complete)

	got, err := os.ReadFile(filepath.Join(srv.store.Dir(), "quic.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 2.0, counter(t, m.UnitsReceived.WithLabelValues("quic", "chunk")))

	cancel()
	tr.Close()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestQUICDigestNack(t *testing.T) {
	srv, _ := newServer(t)
	tr := transfer.NewMockTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer tr.Close()
	go srv.Serve(ctx, tr)

	conn, err := tr.Dial(ctx, "sink")
	require.NoError(t, err)
	st, err := conn.OpenStream(ctx)
	require.NoError(t, err)

	hdr := fileHeader("q2", "sum.bin", []byte("abc"))
	hdr.MD5 = "ffffffffffffffffffffffffffffffff"
	require.NoError(t, transfer.WriteUnit(ctx, st, hdr, strings.NewReader("abc"), nil))
	_, err = transfer.ReadReply(st)
	var nack *protocol.NackError
	require.ErrorAs(t, err, &nack)
	assert.Equal(t, "q2", nack.Nack.FileID)
}

func counter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}
