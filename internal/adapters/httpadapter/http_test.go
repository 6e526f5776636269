package httpadapter

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/uploader"
)

type received struct {
	fields map[string]string
	ctype  string
	data   []byte
}

// formServer records every multipart request and answers with status.
func formServer(t *testing.T, status func(n int) int) (*httptest.Server, func() []received) {
	var (
		mu  sync.Mutex
		got []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec := received{fields: make(map[string]string)}
		for k, v := range r.MultipartForm.Value {
			rec.fields[k] = v[0]
		}
		f, fh, err := r.FormFile(FileField)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.data, _ = io.ReadAll(f)
		rec.ctype = fh.Header.Get("Content-Type")

		mu.Lock()
		got = append(got, rec)
		n := len(got)
		mu.Unlock()

		w.Header().Set("X-Stored", rec.fields["fileName"])
		w.WriteHeader(status(n))
		w.Write([]byte(`{"ok":true}`))
	}))
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func engine(t *testing.T, opts uploader.Options, a uploader.Adapter) (*uploader.Engine, chan []entity.FileInfo) {
	t.Helper()
	done := make(chan []entity.FileInfo, 1)
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Hooks = opts.Hooks.Merge(uploader.Hooks{OnComplete: func(up []entity.FileInfo) { done <- up }})
	e, err := uploader.New(opts, a)
	require.NoError(t, err)
	return e, done
}

func wait(t *testing.T, done chan []entity.FileInfo) []entity.FileInfo {
	t.Helper()
	select {
	case up := <-done:
		return up
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
		return nil
	}
}

func TestUploadWholeFile(t *testing.T) {
	srv, got := formServer(t, func(int) int { return http.StatusOK })
	defer srv.Close()

	var resp uploader.Response
	opts := uploader.DefaultOptions(srv.URL + "/upload")
	opts.Digest = true
	opts.Hooks.OnSuccess = func(_ entity.FileInfo, r uploader.Response) { resp = r }
	e, done := engine(t, opts, New())

	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	e.Add(entity.BytesPayload("pic.png", png))
	require.Len(t, wait(t, done), 1)

	reqs := got()
	require.Len(t, reqs, 1)
	assert.Equal(t, png, reqs[0].data)
	assert.Equal(t, "image/png", reqs[0].ctype)
	assert.Equal(t, "pic.png", reqs[0].fields["fileName"])
	assert.Equal(t, "file", reqs[0].fields["kind"])
	assert.Equal(t, "72", reqs[0].fields["fileSize"])
	assert.Len(t, reqs[0].fields["md5"], 32)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "pic.png", resp.Meta["X-Stored"])
}

func TestUploadChunks(t *testing.T) {
	srv, got := formServer(t, func(int) int { return http.StatusOK })
	defer srv.Close()

	opts := uploader.DefaultOptions(srv.URL + "/upload")
	opts.Chunked = true
	opts.ChunkSize = 10
	opts.Threads = 2
	e, done := engine(t, opts, New())

	data := []byte("abcdefghijklmnopqrstuvwxy")
	e.Add(entity.BytesPayload("letters.txt", data))
	require.Len(t, wait(t, done), 1)

	reqs := got()
	require.Len(t, reqs, 3)
	assembled := make([]byte, len(data))
	for _, r := range reqs {
		assert.Equal(t, "chunk", r.fields["kind"])
		assert.Equal(t, "3", r.fields["chunks"])
		off, err := strconv.Atoi(r.fields["chunkOffset"])
		require.NoError(t, err)
		copy(assembled[off:], r.data)
	}
	assert.Equal(t, data, assembled)
}

func TestNon2xxIsRetriedThenFails(t *testing.T) {
	srv, got := formServer(t, func(int) int { return http.StatusServiceUnavailable })
	defer srv.Close()

	errs := make(chan error, 1)
	opts := uploader.DefaultOptions(srv.URL)
	opts.RetryCount = 1
	opts.Hooks.OnError = func(err error, _ entity.FileInfo) { errs <- err }
	e, done := engine(t, opts, New())

	e.Add(entity.BytesPayload("a.txt", []byte("hello")))
	assert.Empty(t, wait(t, done))

	var se *StatusError
	require.True(t, errors.As(<-errs, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Len(t, got(), 2)
}

func TestRateLimitSlowsUpload(t *testing.T) {
	srv, _ := formServer(t, func(int) int { return http.StatusOK })
	defer srv.Close()

	opts := uploader.DefaultOptions(srv.URL)
	e, done := engine(t, opts, New(WithRateLimit(64*1024)))

	start := time.Now()
	e.Add(entity.BytesPayload("big.bin", bytes.Repeat([]byte{1}, 192*1024)))
	require.Len(t, wait(t, done), 1)
	// First 64KiB burst is free, the remaining 128KiB take about two seconds.
	assert.Greater(t, time.Since(start), 1500*time.Millisecond)
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "server returned 500", (&StatusError{StatusCode: 500}).Error())
	assert.Equal(t, "server returned 400: bad", (&StatusError{StatusCode: 400, Body: "bad"}).Error())
}
