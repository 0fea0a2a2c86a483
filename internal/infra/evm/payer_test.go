package evm

import (
	"math/big"
	"testing"
)

func TestIsWalletAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x00000000000000000000000000000000000000aa", true},
		{"0xDE0B295669a9FD93d5F28D9Ec85E40f4cb697BAe", true},
		{"00000000000000000000000000000000000000aa", true}, // prefix optional
		{"0x123", false},
		{"not-an-address", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsWalletAddress(tt.addr); got != tt.want {
			t.Errorf("IsWalletAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestBaseUnits(t *testing.T) {
	tests := []struct {
		amount   float64
		decimals int32
		want     *big.Int
	}{
		{1, 18, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)},
		{12.5, 6, big.NewInt(12_500_000)},
		{0.1, 18, big.NewInt(100_000_000_000_000_000)},
		{123, 0, big.NewInt(123)},
	}
	for _, tt := range tests {
		if got := baseUnits(tt.amount, tt.decimals); got.Cmp(tt.want) != 0 {
			t.Errorf("baseUnits(%v, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
		}
	}
}
