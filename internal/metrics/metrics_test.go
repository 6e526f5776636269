package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/uploader"
)

func TestNewEngineMetrics(t *testing.T) {
	m := NewEngineMetrics(prometheus.NewRegistry())
	require.NotNil(t, m)

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"UnitsStarted", m.UnitsStarted},
		{"UnitsSucceeded", m.UnitsSucceeded},
		{"UnitsFailed", m.UnitsFailed},
		{"UnitsRetried", m.UnitsRetried},
		{"UnitsInvalid", m.UnitsInvalid},
		{"ProgressPercent", m.ProgressPercent},
		{"BatchesCompleted", m.BatchesCompleted},
	}
	for _, tt := range tests {
		assert.NotNil(t, tt.metric, tt.name)
	}
}

func TestInitIsSingleton(t *testing.T) {
	a := InitEngineMetrics()
	b := InitEngineMetrics()
	assert.Same(t, a, b)
	assert.Same(t, InitSinkMetrics(), InitSinkMetrics())
}

func TestObserverCountsEngineEvents(t *testing.T) {
	m := NewEngineMetrics(prometheus.NewRegistry())

	var attempts atomic.Int32
	adapter := uploader.AdapterFunc(func(_ context.Context, req *uploader.Request) {
		go func() {
			req.Start()
			if req.File.Name == "flaky" && attempts.Add(1) == 1 {
				req.Finish(uploader.Response{Status: 503}, io.ErrUnexpectedEOF)
				return
			}
			req.Progress(req.Size(), req.Size())
			req.Finish(uploader.Response{Status: 200}, nil)
		}()
	})

	done := make(chan struct{}, 1)
	opts := uploader.DefaultOptions("mem://sink")
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.MaxSize = 8
	opts.Hooks = m.Observer().Merge(uploader.Hooks{
		OnComplete: func([]entity.FileInfo) { done <- struct{}{} },
	})
	e, err := uploader.New(opts, adapter)
	require.NoError(t, err)

	e.Add(entity.BytesPayload("flaky", []byte("abc")), entity.BytesPayload("huge", make([]byte, 64)))
	<-done

	assert.Equal(t, 2.0, value(t, m.UnitsStarted.WithLabelValues("file")))
	assert.Equal(t, 1.0, value(t, m.UnitsSucceeded.WithLabelValues("file")))
	assert.Equal(t, 1.0, value(t, m.UnitsRetried.WithLabelValues("file")))
	assert.Equal(t, 0.0, value(t, m.UnitsFailed.WithLabelValues("file")))
	assert.Equal(t, 1.0, value(t, m.UnitsInvalid))
	assert.Equal(t, 1.0, value(t, m.BatchesCompleted))
	assert.Equal(t, 100.0, value(t, m.ProgressPercent))
}

func TestHandler(t *testing.T) {
	s := InitSinkMetrics()
	s.BytesReceived.WithLabelValues("http").Add(42)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `upflux_sink_bytes_received_total{transport="http"}`))
	assert.Contains(t, string(body), "go_goroutines")
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if g := out.GetGauge(); g != nil {
		return g.GetValue()
	}
	return out.GetCounter().GetValue()
}
