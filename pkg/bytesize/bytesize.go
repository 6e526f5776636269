// Package bytesize parses and formats byte sizes and transfer rates.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Network rate units, in bytes per second.
const (
	Kbps int64 = 1000 / 8
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

var (
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]*)\s*$`)
)

// Parse parses "4MB", "1.5G", "512Ki" or a plain byte count. Units are
// binary and case-insensitive.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}

	var mult int64
	switch strings.ToUpper(m[2]) {
	case "", "B":
		mult = B
	case "KB", "K", "KI", "KIB":
		mult = KB
	case "MB", "M", "MI", "MIB":
		mult = MB
	case "GB", "G", "GI", "GIB":
		mult = GB
	case "TB", "T", "TI", "TIB":
		mult = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", m[2])
	}
	return int64(value * float64(mult)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders a byte count with two decimals, e.g. "1.50 MB".
func Format(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}
	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TB"},
		{GB, "GB"},
		{MB, "MB"},
		{KB, "KB"},
	}
	for _, u := range units {
		if bytes >= u.threshold {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// ParseRate parses "10mbps" (SI bits) or "512KB/s" (binary bytes) into
// bytes per second. A bare number is bytes per second.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate string")
	}
	m := ratePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid rate format: %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}

	switch strings.ToLower(m[2]) {
	case "bps":
		return int64(value / 8), nil
	case "kbps":
		return int64(value * float64(Kbps)), nil
	case "mbps":
		return int64(value * float64(Mbps)), nil
	case "gbps":
		return int64(value * float64(Gbps)), nil
	case "", "b/s":
		return int64(value), nil
	case "kb/s":
		return int64(value * float64(KB)), nil
	case "mb/s":
		return int64(value * float64(MB)), nil
	case "gb/s":
		return int64(value * float64(GB)), nil
	default:
		return 0, fmt.Errorf("unknown rate unit: %q", m[2])
	}
}

// Size is a byte count that reads "4MB" or 4194304 from YAML and flags.
type Size int64

// UnmarshalYAML accepts a number of bytes or a string with units.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	v, err := Parse(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*s = Size(v)
	return nil
}

// Set implements flag.Value.
func (s *Size) Set(v string) error {
	n, err := Parse(v)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }

// Rate is a transfer rate in bytes per second; zero means unlimited.
type Rate int64

// UnmarshalYAML accepts a number of bytes per second or a rate string.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: rate must be a scalar", value.Line)
	}
	v, err := ParseRate(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid rate %q: %w", value.Line, value.Value, err)
	}
	*r = Rate(v)
	return nil
}

// Set implements flag.Value.
func (r *Rate) Set(v string) error {
	n, err := ParseRate(v)
	if err != nil {
		return err
	}
	*r = Rate(n)
	return nil
}

// BytesPerSecond returns the rate in bytes per second.
func (r Rate) BytesPerSecond() int64 { return int64(r) }

func (r Rate) String() string {
	if r == 0 {
		return "unlimited"
	}
	return Format(int64(r)) + "/s"
}
