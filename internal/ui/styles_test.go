package ui

import (
	"strings"
	"testing"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{40 * 1024 * 1024, "40.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := Bytes(tt.n); got != tt.want {
			t.Errorf("Bytes(%d): expected %q, got %q", tt.n, tt.want, got)
		}
	}
}

func TestTableAlignsLabels(t *testing.T) {
	out := Table([]Row{{"Docs", 3}, {"Pending batches", 1}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "Docs:") || !strings.HasSuffix(lines[0], " 3") {
		t.Errorf("expected Docs row, got %q", lines[0])
	}
	if strings.Index(lines[0], "3") != strings.Index(lines[1], "1") {
		t.Errorf("expected aligned values, got %q and %q", lines[0], lines[1])
	}
}
