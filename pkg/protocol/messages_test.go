package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestUnitHeaderValidate(t *testing.T) {
	file := UnitHeader{FileID: "f", FileName: "a.bin", FileSize: 10, Kind: KindFile, Size: 10}
	chunk := UnitHeader{FileID: "f", FileName: "a.bin", FileSize: 10, Kind: KindChunk, Index: 1, Chunks: 2, Offset: 5, Size: 5}

	tests := []struct {
		name    string
		mutate  func(h *UnitHeader)
		base    UnitHeader
		wantErr error
	}{
		{name: "file ok", base: file},
		{name: "chunk ok", base: chunk},
		{name: "no id", base: file, mutate: func(h *UnitHeader) { h.FileID = "" }},
		{name: "traversal", base: file, mutate: func(h *UnitHeader) { h.FileName = "../etc/passwd" }, wantErr: ErrInvalidName},
		{name: "partial file", base: file, mutate: func(h *UnitHeader) { h.Size = 4 }, wantErr: ErrInvalidRange},
		{name: "index past count", base: chunk, mutate: func(h *UnitHeader) { h.Index = 2 }, wantErr: ErrInvalidRange},
		{name: "past end", base: chunk, mutate: func(h *UnitHeader) { h.Offset = 6 }, wantErr: ErrInvalidRange},
		{name: "unknown kind", base: file, mutate: func(h *UnitHeader) { h.Kind = "blob" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.base
			if tt.mutate != nil {
				tt.mutate(&h)
			}
			err := h.Validate()
			wantOK := tt.mutate == nil
			if wantOK {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	bad := []string{"", ".", "..", "a/b", `a\b`, strings.Repeat("x", 256)}
	for _, name := range bad {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
	for _, name := range []string{"a.bin", "report 2024.pdf", ".hidden"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}
}
