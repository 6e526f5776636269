package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/upflux/internal/entity"
)

const mb = 1024 * 1024

func fileOfSize(size int64) *entity.File {
	return &entity.File{ID: entity.NewID(), Name: "f.bin", Size: size, Status: entity.StatusWaiting}
}

func TestSplitExactMultiple(t *testing.T) {
	f := fileOfSize(5 * mb)
	chunks := Split(f, mb, 0, 2)

	require.Len(t, chunks, 5)
	assert.Equal(t, int64(mb), chunks[4].Size)
	for _, c := range chunks {
		assert.Equal(t, 2, c.RetryCount)
		assert.Equal(t, entity.StatusWaiting, c.Status)
		assert.Equal(t, f.ID, c.FileID)
	}
}

func TestSplitRemainder(t *testing.T) {
	f := fileOfSize(4*mb + mb/2)
	chunks := Split(f, mb, NoThreshold, 1)

	require.Len(t, chunks, 5)
	assert.Equal(t, int64(mb/2), chunks[4].Size)
	assert.Equal(t, int64(4*mb), chunks[4].Offset)
}

func TestSplitBelowThreshold(t *testing.T) {
	f := fileOfSize(3 * mb)
	assert.Nil(t, Split(f, mb, 3*mb, 2))
	assert.Equal(t, 1, Count(3*mb, mb, 3*mb))

	assert.Len(t, Split(f, mb, 3*mb-1, 2), 3)
}

func TestSplitEmptyFileIsWhole(t *testing.T) {
	assert.Nil(t, Split(fileOfSize(0), mb, NoThreshold, 2))
	assert.Equal(t, 1, Count(0, mb, NoThreshold))
}

func TestSplitCoversFileExactly(t *testing.T) {
	sizes := []int64{1, 7, 1023, 1024, 1025, 10*1024 + 3, 64 * 1024}
	chunkSizes := []int64{1, 3, 512, 1024, 4096}

	for _, size := range sizes {
		for _, cs := range chunkSizes {
			f := fileOfSize(size)
			chunks := Split(f, cs, NoThreshold, 0)
			require.Equal(t, Count(size, cs, NoThreshold), len(chunks), "size=%d chunk=%d", size, cs)

			var sum, offset int64
			ids := make(map[string]struct{}, len(chunks))
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				assert.Equal(t, offset, c.Offset)
				assert.Positive(t, c.Size)
				if i < len(chunks)-1 {
					assert.Equal(t, cs, c.Size)
				}
				ids[c.ID] = struct{}{}
				offset += c.Size
				sum += c.Size
			}
			assert.Equal(t, size, sum, "size=%d chunk=%d", size, cs)
			assert.Len(t, ids, len(chunks))
		}
	}
}

func TestSplitPanicsOnZeroChunkSize(t *testing.T) {
	assert.Panics(t, func() { Split(fileOfSize(10), 0, NoThreshold, 0) })
}
