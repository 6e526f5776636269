package entity

// FileInfo is an immutable snapshot of a File handed to observers.
type FileInfo struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Size       int64       `json:"size"`
	Index      int         `json:"index"`
	RetryCount int         `json:"retryCount"`
	Progress   float64     `json:"progress"`
	Status     Status      `json:"status"`
	Loaded     int64       `json:"loaded"`
	Digest     string      `json:"md5,omitempty"`
	Chunks     []ChunkInfo `json:"chunks,omitempty"`
}

// ChunkInfo is an immutable snapshot of a Chunk handed to observers.
type ChunkInfo struct {
	ID         string `json:"id"`
	FileID     string `json:"belongFileId"`
	FileName   string `json:"belongFileName"`
	FileSize   int64  `json:"belongFileSize"`
	Index      int    `json:"index"`
	Count      int    `json:"chunks"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
	RetryCount int    `json:"retryCount"`
	Status     Status `json:"status"`
	Loaded     int64  `json:"loaded"`
	Digest     string `json:"md5,omitempty"`
}

// Info returns a snapshot of the file, including its chunks.
func (f *File) Info() FileInfo {
	info := FileInfo{
		ID:         f.ID,
		Name:       f.Name,
		Size:       f.Size,
		Index:      f.Index,
		RetryCount: f.RetryCount,
		Progress:   f.Progress,
		Status:     f.Status,
		Loaded:     f.Loaded,
		Digest:     f.Digest,
	}
	if f.Chunks != nil {
		info.Chunks = make([]ChunkInfo, len(f.Chunks))
		for i, c := range f.Chunks {
			info.Chunks[i] = c.Info(f)
		}
	}
	return info
}

// Info returns a snapshot of the chunk. owner must be the chunk's file.
func (c *Chunk) Info(owner *File) ChunkInfo {
	return ChunkInfo{
		ID:         c.ID,
		FileID:     c.FileID,
		FileName:   owner.Name,
		FileSize:   owner.Size,
		Index:      c.Index,
		Count:      len(owner.Chunks),
		Offset:     c.Offset,
		Size:       c.Size,
		RetryCount: c.RetryCount,
		Status:     c.Status,
		Loaded:     c.Loaded,
		Digest:     c.Digest,
	}
}
