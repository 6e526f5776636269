package termio

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/upflux/internal/progress"
)

const statusInterval = 250 * time.Millisecond

// StatusLine redraws one progress line in place. On a terminal it rewrites
// the line with a carriage return; otherwise every update is a new line.
type StatusLine struct {
	w        io.Writer
	tty      bool
	width    int
	interval time.Duration

	last  atomic.Int64 // unix nanos of the last draw
	mu    sync.Mutex
	shown int
}

// NewStatusLine writes to w with a bar of width cells.
func NewStatusLine(w io.Writer, tty bool, width int) *StatusLine {
	return &StatusLine{w: w, tty: tty, width: width, interval: statusInterval}
}

// Update draws s unless the previous draw was less than the interval ago.
// It reports whether it drew.
func (l *StatusLine) Update(s progress.Stats) bool {
	now := time.Now().UnixNano()
	prev := l.last.Load()
	if now-prev < int64(l.interval) || !l.last.CompareAndSwap(prev, now) {
		return false
	}
	l.draw(progress.Line(s, l.width))
	return true
}

// Done draws s unconditionally and ends the line.
func (l *StatusLine) Done(s progress.Stats) {
	l.draw(progress.Line(s, l.width))
	if l.tty {
		fmt.Fprintln(l.w)
	}
}

func (l *StatusLine) draw(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.tty {
		fmt.Fprintln(l.w, line)
		return
	}
	pad := ""
	if n := l.shown - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(l.w, "\r%s%s", line, pad)
	l.shown = len(line)
}
