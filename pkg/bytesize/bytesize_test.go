package bytesize

import (
	"flag"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"4MB", 4 * MB, false},
		{"4mb", 4 * MB, false},
		{"512Ki", 512 * KB, false},
		{"1.5 GB", GB + GB/2, false},
		{"2TiB", 2 * TB, false},
		{" 7 B ", 7, false},
		{"", 0, true},
		{"-1MB", 0, true},
		{"10XB", 0, true},
		{"MB", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.50 KB"},
		{4 * MB, "4.00 MB"},
		{3 * TB, "3.00 TB"},
	}
	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"8bps", 1, false},
		{"10mbps", 1250000, false},
		{"1Gbps", 125000000, false},
		{"512KB/s", 512 * KB, false},
		{"2mb/s", 2 * MB, false},
		{"4096", 4096, false},
		{"fast", 0, true},
		{"10 furlongs", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustParse did not panic")
		}
	}()
	MustParse("lots")
}

func TestSizeYAML(t *testing.T) {
	var cfg struct {
		Chunk Size `yaml:"chunk"`
		Max   Size `yaml:"max"`
		Limit Rate `yaml:"limit"`
	}
	in := "chunk: 8MB\nmax: 1048576\nlimit: 10mbps\n"
	if err := yaml.Unmarshal([]byte(in), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Chunk.Bytes() != 8*MB || cfg.Max.Bytes() != MB || cfg.Limit.BytesPerSecond() != 1250000 {
		t.Fatalf("got %+v", cfg)
	}

	if err := yaml.Unmarshal([]byte("chunk: [1, 2]\n"), &cfg); err == nil {
		t.Fatal("expected error for sequence")
	}
	if err := yaml.Unmarshal([]byte("chunk: huge\n"), &cfg); err == nil {
		t.Fatal("expected error for bad unit")
	}
}

func TestFlagValues(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var size Size
	var rate Rate
	fs.Var(&size, "chunk-size", "")
	fs.Var(&rate, "rate-limit", "")
	if err := fs.Parse([]string{"-chunk-size", "2MB", "-rate-limit", "1MB/s"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if size.Bytes() != 2*MB || rate.BytesPerSecond() != MB {
		t.Fatalf("size=%d rate=%d", size, rate)
	}
	if size.String() != "2.00 MB" || rate.String() != "1.00 MB/s" || Rate(0).String() != "unlimited" {
		t.Fatalf("strings %q %q", size.String(), rate.String())
	}
}
