package protocol

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const maxNameLength = 255

var (
	// ErrInvalidName reports an empty, traversing or overlong file name.
	ErrInvalidName = errors.New("invalid file name")
	// ErrInvalidRange reports a chunk range outside its file.
	ErrInvalidRange = errors.New("invalid unit range")
)

// UnitHeader describes one file or chunk on the wire.
type UnitHeader struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	Kind     string `json:"kind"`
	Index    int    `json:"chunkIndex"`
	Chunks   int    `json:"chunks"`
	Offset   int64  `json:"chunkOffset"`
	Size     int64  `json:"size"`
	MD5      string `json:"md5,omitempty"`
}

// Validate checks the header fields a receiver relies on.
func (h UnitHeader) Validate() error {
	if h.FileID == "" {
		return errors.New("fileId is required")
	}
	if err := ValidateName(h.FileName); err != nil {
		return err
	}
	switch h.Kind {
	case KindFile:
		if h.Offset != 0 || h.Size != h.FileSize {
			return fmt.Errorf("%w: file unit must cover the whole file", ErrInvalidRange)
		}
	case KindChunk:
		if h.Chunks < 1 || h.Index < 0 || h.Index >= h.Chunks {
			return fmt.Errorf("%w: chunk %d of %d", ErrInvalidRange, h.Index, h.Chunks)
		}
	default:
		return fmt.Errorf("unknown unit kind %q", h.Kind)
	}
	if h.Size < 0 || h.Offset < 0 || h.Offset+h.Size > h.FileSize {
		return fmt.Errorf("%w: [%d,%d) of %d", ErrInvalidRange, h.Offset, h.Offset+h.Size, h.FileSize)
	}
	return nil
}

// ValidateName rejects names that are not a plain base name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return ErrInvalidName
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLength)
	}
	return nil
}

// UploadEnd closes a unit sent as binary frames.
type UploadEnd struct {
	Bytes int64  `json:"bytes"`
	CRC32 uint32 `json:"crc32"`
}

// Ack confirms a stored unit. Complete is set once the whole file is on disk.
type Ack struct {
	FileID   string `json:"fileId"`
	Index    int    `json:"chunkIndex"`
	Bytes    int64  `json:"bytes"`
	Complete bool   `json:"complete"`
	Path     string `json:"path,omitempty"`
}

// Nack refuses a unit.
type Nack struct {
	FileID  string `json:"fileId"`
	Index   int    `json:"chunkIndex"`
	Message string `json:"message"`
}

// NackError is returned by Result for a nack.
type NackError struct {
	Nack Nack
}

func (e *NackError) Error() string {
	return "upload refused: " + e.Nack.Message
}
