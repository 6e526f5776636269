package metrics

import (
	"github.com/sheerbytes/upflux/internal/entity"
	"github.com/sheerbytes/upflux/internal/uploader"
)

// Observer returns engine hooks that feed m. Merge them with the caller's
// hooks before building the engine.
func (m *EngineMetrics) Observer() uploader.Hooks {
	file := string(entity.KindFile)
	chunk := string(entity.KindChunk)
	return uploader.Hooks{
		OnStart:      func(entity.FileInfo) { m.UnitsStarted.WithLabelValues(file).Inc() },
		OnChunkStart: func(entity.ChunkInfo) { m.UnitsStarted.WithLabelValues(chunk).Inc() },
		OnSuccess: func(entity.FileInfo, uploader.Response) {
			m.UnitsSucceeded.WithLabelValues(file).Inc()
		},
		OnChunkSuccess: func(entity.ChunkInfo, uploader.Response) {
			m.UnitsSucceeded.WithLabelValues(chunk).Inc()
		},
		OnError:      func(error, entity.FileInfo) { m.UnitsFailed.WithLabelValues(file).Inc() },
		OnChunkError: func(error, entity.ChunkInfo) { m.UnitsFailed.WithLabelValues(chunk).Inc() },
		OnRetry:      func(entity.FileInfo, error) { m.UnitsRetried.WithLabelValues(file).Inc() },
		OnChunkRetry: func(entity.ChunkInfo, error) { m.UnitsRetried.WithLabelValues(chunk).Inc() },
		OnInvalid:    func(entity.FileInfo, error) { m.UnitsInvalid.Inc() },
		OnProgress: func(pct float64, _ []entity.FileInfo) {
			m.ProgressPercent.Set(pct)
		},
		OnComplete: func([]entity.FileInfo) { m.BatchesCompleted.Inc() },
	}
}
