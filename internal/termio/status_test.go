package termio

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sheerbytes/upflux/internal/progress"
)

func TestStatusLineThrottles(t *testing.T) {
	var buf bytes.Buffer
	l := NewStatusLine(&buf, false, 10)
	l.interval = time.Hour

	if !l.Update(progress.Stats{Percent: 10}) {
		t.Fatal("first update not drawn")
	}
	if l.Update(progress.Stats{Percent: 20}) {
		t.Fatal("second update inside the interval was drawn")
	}
	l.Done(progress.Stats{Percent: 100})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "100.0%") {
		t.Fatalf("final line = %q", lines[1])
	}
}

func TestStatusLineRewritesOnTTY(t *testing.T) {
	var buf bytes.Buffer
	l := NewStatusLine(&buf, true, 10)
	l.interval = 0

	l.Update(progress.Stats{Percent: 50, BytesDone: 5 << 20, Total: 10 << 20})
	l.Update(progress.Stats{Percent: 60})
	l.Done(progress.Stats{Percent: 100})

	out := buf.String()
	if strings.Count(out, "\r") != 3 {
		t.Fatalf("expected 3 carriage returns: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("Done did not end the line: %q", out)
	}
	if strings.Contains(out[:len(out)-1], "\n") {
		t.Fatalf("tty output contains early newline: %q", out)
	}
}

func TestFlush(t *testing.T) {
	Stdout().Write(nil)
	Flush()
	if IsTTY(nil) {
		t.Fatal("nil file reported as tty")
	}
}
