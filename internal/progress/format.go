package progress

import (
	"fmt"
	"strings"
	"time"
)

// Line renders a one-line status: bar, percent, bytes, rate and ETA.
func Line(s Stats, width int) string {
	return fmt.Sprintf("%s %5.1f%%  %s / %s  %s  ETA %s",
		renderBar(s.Percent, width),
		s.Percent,
		FormatBytes(s.BytesDone),
		FormatBytes(s.Total),
		FormatRate(s.RateBps),
		FormatETA(s.ETA),
	)
}

func renderBar(percent float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int((clamp(percent) / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/g)
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/m)
	case n >= k:
		return fmt.Sprintf("%.0f KiB", float64(n)/k)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatRate renders a byte rate.
func FormatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

// FormatETA renders d as hh:mm:ss, or dashes when unknown.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
