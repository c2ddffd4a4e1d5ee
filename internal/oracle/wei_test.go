package oracle

import (
	"math/big"
	"testing"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "1000000000000000000"},
		{"0.05", "50000000000000000"},
		{"1.5", "1500000000000000000"},
		{".25", "250000000000000000"},
		{"0.000000000000000001", "1"},
		{"12345.678901234567891234", "12345678901234567891234"},
	}
	for _, tt := range tests {
		got, err := ParseEther(tt.in)
		if err != nil {
			t.Fatalf("ParseEther(%q) error: %v", tt.in, err)
		}
		if got.String() != tt.want {
			t.Errorf("ParseEther(%q) = %s, want %s", tt.in, got.String(), tt.want)
		}
	}
}

func TestParseEtherInvalid(t *testing.T) {
	for _, in := range []string{
		"", "-1", "1.2.3", "abc", "1e18", "0.0000000000000000001", ".",
		// 符号只能出现在整体开头且仅负号被显式拒绝，内嵌符号一律非法
		"0.-5", "1.+5", "+1.5", "-0.5", "1.-", "0x10",
	} {
		if _, err := ParseEther(in); err == nil {
			t.Errorf("ParseEther(%q) expected error, got nil", in)
		}
	}
}

func TestFormatEther(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1000000000000000000", "1"},
		{"50000000000000000", "0.05"},
		{"1500000000000000000", "1.5"},
		{"1", "0.000000000000000001"},
		{"400000000000", "0.0000004"},
	}
	for _, tt := range tests {
		wei, _ := new(big.Int).SetString(tt.in, 10)
		if got := FormatEther(wei); got != tt.want {
			t.Errorf("FormatEther(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEtherRoundTrip(t *testing.T) {
	for _, s := range []string{"0.05", "1", "3.14159", "0.0000004"} {
		wei, err := ParseEther(s)
		if err != nil {
			t.Fatalf("ParseEther(%q) error: %v", s, err)
		}
		if got := FormatEther(wei); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}
