package entity

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Payload is a raw binary payload submitted for upload.
type Payload struct {
	Name string
	Size int64
	Data io.ReaderAt
}

// BytesPayload wraps an in-memory buffer.
func BytesPayload(name string, data []byte) Payload {
	return Payload{Name: name, Size: int64(len(data)), Data: bytes.NewReader(data)}
}

// OpenPayload opens a regular file on disk. The caller closes the returned file
// once the engine no longer references the payload.
func OpenPayload(path string) (Payload, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return Payload{}, nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Payload{}, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return Payload{}, nil, fmt.Errorf("%s is not a regular file", path)
	}
	return Payload{Name: filepath.Base(path), Size: info.Size(), Data: f}, f, nil
}
