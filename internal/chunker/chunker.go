// Package chunker splits files into ordered, contiguous chunk records.
package chunker

import "github.com/sheerbytes/upflux/internal/entity"

// NoThreshold makes every file eligible for chunking.
const NoThreshold int64 = -1

// Eligible reports whether a file of the given size is split rather than sent
// whole. Empty files are always sent whole.
func Eligible(size, threshold int64) bool {
	return size > 0 && size > threshold
}

// Count returns how many units a file of the given size dispatches as:
// 1 when it is sent whole, otherwise the number of chunks Split would return.
func Count(size, chunkSize, threshold int64) int {
	if !Eligible(size, threshold) {
		return 1
	}
	mustPositive(chunkSize)
	return int((size + chunkSize - 1) / chunkSize)
}

// Split divides file into ceil(size/chunkSize) chunks. Every chunk except the
// last is exactly chunkSize bytes; the last one carries the remainder, or a full
// chunk when size is an exact multiple. It returns nil when the file is not
// larger than threshold. Chunks start waiting with retryBudget retries.
func Split(file *entity.File, chunkSize, threshold int64, retryBudget int) []*entity.Chunk {
	if !Eligible(file.Size, threshold) {
		return nil
	}
	mustPositive(chunkSize)

	n := Count(file.Size, chunkSize, threshold)
	chunks := make([]*entity.Chunk, 0, n)
	var offset int64
	for i := 0; i < n; i++ {
		size := chunkSize
		if remaining := file.Size - offset; remaining < size {
			size = remaining
		}
		chunks = append(chunks, &entity.Chunk{
			ID:         entity.NewID(),
			FileID:     file.ID,
			Index:      i,
			Offset:     offset,
			Size:       size,
			RetryCount: retryBudget,
			Status:     entity.StatusWaiting,
		})
		offset += size
	}
	return chunks
}

func mustPositive(chunkSize int64) {
	if chunkSize <= 0 {
		panic("chunker: chunk size must be positive")
	}
}
