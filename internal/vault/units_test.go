package vault

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"timelockvault/internal/vaulterr"
)

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals uint8
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"1.5", 18, "1500000000000000000"},
		{"100", 6, "100000000"},
		{"0.000001", 6, "1"},
		{"2.50", 1, "25"},
		{" 3 ", 0, "3"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.in, tc.decimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q, %d): %v", tc.in, tc.decimals, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseUnits(%q, %d) = %s, want %s", tc.in, tc.decimals, got, tc.want)
		}
	}
}

func TestParseUnitsRejects(t *testing.T) {
	tooWide := "1" + strings.Repeat("0", 80)
	for _, in := range []string{"", "abc", "-1", "0.0000001", "1e5", "1E-3", "1e200000000", tooWide} {
		_, err := ParseUnits(in, 6)
		if !errors.Is(err, vaulterr.ErrInvalidInput) {
			t.Fatalf("ParseUnits(%q): expected invalid input, got %v", in, err)
		}
	}
}

func TestFormatEther(t *testing.T) {
	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)
	halfEth, _ := new(big.Int).SetString("1500000000000000000", 10)

	if got := FormatEther(oneEth); got != "1.0" {
		t.Fatalf("expected 1.0, got %s", got)
	}
	if got := FormatEther(halfEth); got != "1.5" {
		t.Fatalf("expected 1.5, got %s", got)
	}
	if got := FormatEther(nil); got != "0.0" {
		t.Fatalf("expected 0.0, got %s", got)
	}
	if got := FormatUnits(big.NewInt(1), 6); got != "0.000001" {
		t.Fatalf("expected 0.000001, got %s", got)
	}
}
