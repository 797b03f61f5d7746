package amount

import (
	"errors"
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		decimals uint8
		want     string
		err      error
	}{
		{name: "whole", value: "12", decimals: 6, want: "12000000"},
		{name: "fraction", value: "1.5", decimals: 18, want: "1500000000000000000"},
		{name: "empty", value: " ", decimals: 18, want: "0"},
		{name: "exact precision", value: "0.000001", decimals: 6, want: "1"},
		{name: "too precise", value: "0.0000001", decimals: 6, err: ErrPrecision},
		{name: "negative", value: "-1", decimals: 6, err: ErrNegative},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.value, tc.decimals)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
	if _, err := Parse("abc", 6); err == nil {
		t.Fatalf("expected malformed input to fail")
	}
}

func TestFormat(t *testing.T) {
	units, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := Format(units, 18); got != "1.5" {
		t.Fatalf("unexpected format %s", got)
	}
	if got := Format(big.NewInt(25_000_000), 6); got != "25" {
		t.Fatalf("unexpected format %s", got)
	}
	if got := Format(nil, 6); got != "0" {
		t.Fatalf("unexpected nil format %s", got)
	}
	if got := FormatFixed(big.NewInt(1_234_567), 6, 2); got != "1.23" {
		t.Fatalf("unexpected fixed format %s", got)
	}
}
