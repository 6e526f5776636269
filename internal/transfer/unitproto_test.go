package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sheerbytes/upflux/pkg/protocol"
)

func testHeader(size int64) protocol.UnitHeader {
	return protocol.UnitHeader{
		FileID:   "f1",
		FileName: "data.bin",
		FileSize: size * 2,
		Kind:     protocol.KindChunk,
		Index:    1,
		Chunks:   2,
		Offset:   size,
		Size:     size,
	}
}

func TestWriteUnitReadUnit_OverMockStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := make([]byte, 300*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	hdr := testHeader(int64(len(payload)))

	tr := NewMockTransport()
	defer tr.Close()
	client, err := tr.Dial(ctx, "sink")
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	server, err := tr.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept error: %v", err)
	}

	type result struct {
		hdr  protocol.UnitHeader
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		s, err := server.AcceptStream(ctx)
		if err != nil {
			got <- result{err: err}
			return
		}
		defer s.Close()
		h, err := ReadHeader(s)
		if err != nil {
			got <- result{err: err}
			return
		}
		var buf bytes.Buffer
		n, err := ReadPayload(ctx, s, h, &buf)
		ack := protocol.Ack{FileID: h.FileID, Index: h.Index, Bytes: n}
		req, _ := protocol.NewEnvelope(protocol.TypeUploadBegin, "m", nil)
		WriteReply(s, protocol.Reply(req, ack, err))
		got <- result{hdr: h, data: buf.Bytes(), err: err}
	}()

	s, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream error: %v", err)
	}
	defer s.Close()

	var last int64
	if err := WriteUnit(ctx, s, hdr, bytes.NewReader(payload), func(sent int64) {
		if sent < last {
			t.Errorf("progress went backwards: %d after %d", sent, last)
		}
		last = sent
	}); err != nil {
		t.Fatalf("WriteUnit error: %v", err)
	}
	ack, err := ReadReply(s)
	if err != nil {
		t.Fatalf("ReadReply error: %v", err)
	}

	r := <-got
	if r.err != nil {
		t.Fatalf("receiver error: %v", r.err)
	}
	if r.hdr != hdr {
		t.Errorf("header = %+v, want %+v", r.hdr, hdr)
	}
	if !bytes.Equal(r.data, payload) {
		t.Error("payload mismatch")
	}
	if last != int64(len(payload)) {
		t.Errorf("final progress = %d, want %d", last, len(payload))
	}
	if ack.Bytes != int64(len(payload)) || ack.Index != 1 {
		t.Errorf("ack = %+v", ack)
	}
}

func frame(t *testing.T, hdr protocol.UnitHeader, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteUnit(context.Background(), &buf, hdr, bytes.NewReader(payload), nil); err != nil {
		t.Fatalf("WriteUnit error: %v", err)
	}
	return buf.Bytes()
}

func TestReadPayload_CRCMismatch(t *testing.T) {
	payload := []byte("hello, upflux")
	raw := frame(t, testHeader(int64(len(payload))), payload)
	raw[len(raw)-6] ^= 0xff // flip a payload byte

	r := bytes.NewReader(raw)
	hdr, err := ReadHeader(r)
	if err != nil {
		t.Fatalf("ReadHeader error: %v", err)
	}
	if _, err := ReadPayload(context.Background(), r, hdr, io.Discard); !errors.Is(err, ErrCRC32Mismatch) {
		t.Errorf("ReadPayload error = %v, want ErrCRC32Mismatch", err)
	}
}

func TestReadHeader_InvalidMagic(t *testing.T) {
	raw := frame(t, testHeader(4), []byte("abcd"))
	copy(raw, "NOPE")
	if _, err := ReadHeader(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("ReadHeader error = %v, want ErrInvalidMagic", err)
	}
}

func TestReadHeader_RejectsTraversal(t *testing.T) {
	hdr := testHeader(4)
	hdr.FileName = "../../etc/passwd"
	raw := frame(t, hdr, []byte("abcd"))
	if _, err := ReadHeader(bytes.NewReader(raw)); !errors.Is(err, protocol.ErrInvalidName) {
		t.Errorf("ReadHeader error = %v, want ErrInvalidName", err)
	}
}

func TestWriteUnit_ShortBody(t *testing.T) {
	var buf bytes.Buffer
	err := WriteUnit(context.Background(), &buf, testHeader(10), bytes.NewReader([]byte("abc")), nil)
	if !errors.Is(err, ErrShortPayload) {
		t.Errorf("WriteUnit error = %v, want ErrShortPayload", err)
	}
}

func TestWriteUnit_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	err := WriteUnit(ctx, &buf, testHeader(10), bytes.NewReader(make([]byte, 10)), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WriteUnit error = %v, want context.Canceled", err)
	}
}

func TestReadReply_Nack(t *testing.T) {
	var buf bytes.Buffer
	req, _ := protocol.NewEnvelope(protocol.TypeUploadBegin, "m", nil)
	if err := WriteReply(&buf, protocol.Reply(req, protocol.Ack{FileID: "f"}, errors.New("no space"))); err != nil {
		t.Fatal(err)
	}
	_, err := ReadReply(&buf)
	var nack *protocol.NackError
	if !errors.As(err, &nack) {
		t.Fatalf("ReadReply error = %v, want NackError", err)
	}
}

func TestMockConn_CloseUnblocksAccept(t *testing.T) {
	a, b := NewMockPair()
	done := make(chan error, 1)
	go func() {
		_, err := b.AcceptStream(context.Background())
		done <- err
	}()
	a.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Error("AcceptStream returned nil error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptStream still blocked after close")
	}
}

func TestMockTransport_CloseRejectsDial(t *testing.T) {
	tr := NewMockTransport()
	tr.Close()
	if _, err := tr.Dial(context.Background(), "x"); err == nil {
		t.Error("Dial after Close returned nil error")
	}
	if _, err := tr.Accept(context.Background()); err == nil {
		t.Error("Accept after Close returned nil error")
	}
}
