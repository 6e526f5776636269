package transfer

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sheerbytes/upflux/internal/bufpool"
	"github.com/sheerbytes/upflux/pkg/protocol"
)

// Frame layout on a stream:
//
//	magic "UPF1" | header length (uint32 BE) | JSON UnitHeader | payload | CRC32 (uint32 BE)
//
// The receiver answers with one JSON protocol.Envelope line (upload.ack or
// upload.nack).
const (
	magicBytes = "UPF1"

	maxHeaderLength = 64 * 1024
	maxUnitSize     = 10 * 1024 * 1024 * 1024 * 1024 // 10TB
)

var (
	// ErrInvalidMagic indicates the magic bytes don't match
	ErrInvalidMagic = errors.New("invalid magic bytes")
	// ErrHeaderTooLarge indicates the JSON header exceeds maxHeaderLength
	ErrHeaderTooLarge = errors.New("unit header too large")
	// ErrUnitTooLarge indicates the payload size exceeds the maximum allowed
	ErrUnitTooLarge = errors.New("unit size too large")
	// ErrCRC32Mismatch indicates the CRC32 checksum doesn't match
	ErrCRC32Mismatch = errors.New("CRC32 checksum mismatch")
	// ErrShortPayload indicates the body ended before the declared size
	ErrShortPayload = errors.New("payload shorter than declared size")
)

// WriteUnit frames one unit onto w: header, hdr.Size bytes from body and the
// CRC32 trailer. progress, when set, receives the payload bytes written so far.
func WriteUnit(ctx context.Context, w io.Writer, hdr protocol.UnitHeader, body io.Reader, progress func(sent int64)) error {
	if hdr.Size > maxUnitSize {
		return ErrUnitTooLarge
	}
	raw, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if len(raw) > maxHeaderLength {
		return ErrHeaderTooLarge
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(magicBytes)
	binary.Write(bw, binary.BigEndian, uint32(len(raw)))
	if _, err := bw.Write(raw); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	sum, err := copyPayload(ctx, w, body, hdr.Size, progress)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, sum); err != nil {
		return fmt.Errorf("write CRC32: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the magic and the unit header.
func ReadHeader(r io.Reader) (protocol.UnitHeader, error) {
	var hdr protocol.UnitHeader

	magic := make([]byte, len(magicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return hdr, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != magicBytes {
		return hdr, ErrInvalidMagic
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return hdr, fmt.Errorf("read header length: %w", err)
	}
	if n > maxHeaderLength {
		return hdr, ErrHeaderTooLarge
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return hdr, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return hdr, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Size > maxUnitSize {
		return hdr, ErrUnitTooLarge
	}
	if err := hdr.Validate(); err != nil {
		return hdr, err
	}
	return hdr, nil
}

// ReadPayload copies hdr.Size payload bytes from r to dst and verifies the
// CRC32 trailer. dst has received every byte even when the checksum fails.
func ReadPayload(ctx context.Context, r io.Reader, hdr protocol.UnitHeader, dst io.Writer) (int64, error) {
	sum, err := copyPayload(ctx, dst, r, hdr.Size, nil)
	if err != nil {
		return 0, err
	}
	var want uint32
	if err := binary.Read(r, binary.BigEndian, &want); err != nil {
		return hdr.Size, fmt.Errorf("read CRC32: %w", err)
	}
	if want != sum {
		return hdr.Size, ErrCRC32Mismatch
	}
	return hdr.Size, nil
}

// WriteReply sends the receiver's answer.
func WriteReply(w io.Writer, env protocol.Envelope) error {
	return json.NewEncoder(w).Encode(env)
}

// ReadReply reads the receiver's answer and turns a nack into an error.
func ReadReply(r io.Reader) (protocol.Ack, error) {
	var env protocol.Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return protocol.Ack{}, fmt.Errorf("read reply: %w", err)
	}
	return protocol.Result(env)
}

func copyPayload(ctx context.Context, dst io.Writer, src io.Reader, size int64, progress func(int64)) (uint32, error) {
	pool := bufpool.For(bufpool.FrameSize)
	buf := pool.Get()
	defer pool.Put(buf)

	h := crc32.NewIEEE()
	var done int64
	for done < size {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		want := min(int64(len(buf)), size-done)
		n, err := io.ReadFull(src, buf[:want])
		if n > 0 {
			h.Write(buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return 0, fmt.Errorf("write payload: %w", werr)
			}
			done += int64(n)
			if progress != nil {
				progress(done)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, fmt.Errorf("%w: %d of %d bytes", ErrShortPayload, done, size)
			}
			return 0, fmt.Errorf("read payload: %w", err)
		}
	}
	return h.Sum32(), nil
}
