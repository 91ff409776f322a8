package main

import (
	"errors"
	"testing"
)

func TestParseSizeGiB(t *testing.T) {
	tests := []struct {
		wantErr error
		name    string
		input   string
		want    int64
	}{
		{name: "bare integer is GiB", input: "10", want: 10},
		{name: "binary quantity", input: "10Gi", want: 10},
		{name: "tebibytes", input: "1Ti", want: 1024},
		{name: "fraction rounds up", input: "1.5Gi", want: 2},
		{name: "decimal quantity rounds up", input: "500M", want: 1},
		{name: "zero", input: "0", wantErr: errInvalidSize},
		{name: "negative quantity", input: "-1Gi", wantErr: errInvalidSize},
		{name: "garbage", input: "ten"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSizeGiB(tt.input)
			if tt.wantErr != nil || tt.want == 0 {
				if err == nil {
					t.Fatalf("parseSizeGiB(%q) = %d, want error", tt.input, got)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("parseSizeGiB(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSizeGiB(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parseSizeGiB(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatGiB(t *testing.T) {
	tests := []struct {
		want string
		in   int64
	}{
		{in: 1, want: "1Gi"},
		{in: 10, want: "10Gi"},
		{in: 1024, want: "1Ti"},
	}
	for _, tt := range tests {
		if got := formatGiB(tt.in); got != tt.want {
			t.Errorf("formatGiB(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		want  string
		bytes int64
	}{
		{bytes: 512, want: "512B"},
		{bytes: 1536, want: "1.5Ki"},
		{bytes: 5 << 20, want: "5.0Mi"},
		{bytes: 100 << 30, want: "100.0Gi"},
		{bytes: 2 << 40, want: "2.0Ti"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.bytes); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
