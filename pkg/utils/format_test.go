package utils

import (
	"testing"
	"time"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		expected string
	}{
		{
			name:     "bytes",
			bytes:    500,
			expected: "500 B",
		},
		{
			name:     "kilobytes",
			bytes:    1500,
			expected: "1.5 KB",
		},
		{
			name:     "megabytes",
			bytes:    1500000,
			expected: "1.4 MB",
		},
		{
			name:     "gigabytes",
			bytes:    1500000000,
			expected: "1.4 GB",
		},
		{
			name:     "terabytes",
			bytes:    1500000000000,
			expected: "1.4 TB",
		},
		{
			name:     "zero bytes",
			bytes:    0,
			expected: "0 B",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatSize(tt.bytes)
			if result != tt.expected {
				t.Errorf("FormatSize(%d) = %s; want %s", tt.bytes, result, tt.expected)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{name: "zero", duration: 0, expected: "00:00"},
		{name: "seconds", duration: 42 * time.Second, expected: "00:42"},
		{name: "minutes", duration: 3*time.Minute + 7*time.Second, expected: "03:07"},
		{name: "hours", duration: 2*time.Hour + 5*time.Minute + 9*time.Second, expected: "2:05:09"},
		{name: "rounds", duration: 1500 * time.Millisecond, expected: "00:02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("FormatDuration(%v) = %s; want %s", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestThroughput(t *testing.T) {
	if got := Throughput(10, 0); got != 0 {
		t.Errorf("Throughput with zero elapsed = %v; want 0", got)
	}
	if got := Throughput(10, 2*time.Second); got != 5 {
		t.Errorf("Throughput(10, 2s) = %v; want 5", got)
	}
}
