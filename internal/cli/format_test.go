package cli

import (
	"testing"
	"time"
)

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-4321, "-4,321"},
	}
	for _, tt := range tests {
		if got := FormatNumber(tt.in); got != tt.want {
			t.Errorf("FormatNumber(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatCount(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{32, "32"},
		{9999, "9,999"},
		{12345, "12.3K"},
		{2_500_000, "2.5M"},
	}
	for _, tt := range tests {
		if got := FormatCount(tt.in); got != tt.want {
			t.Errorf("FormatCount(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDeltaAndPercent(t *testing.T) {
	if got := FormatDelta(1200); got != "+1,200" {
		t.Errorf("FormatDelta(1200) = %q", got)
	}
	if got := FormatDelta(-5); got != "-5" {
		t.Errorf("FormatDelta(-5) = %q", got)
	}
	if got := FormatPercent(66.666); got != "66.7%" {
		t.Errorf("FormatPercent = %q", got)
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2022, 4, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{72 * time.Hour, "3d ago"},
	}
	for _, tt := range tests {
		if got := FormatAge(now.Add(-tt.ago), now); got != tt.want {
			t.Errorf("FormatAge(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
	if got := FormatAge(time.Time{}, now); got != "never" {
		t.Errorf("FormatAge(zero) = %q", got)
	}
}
