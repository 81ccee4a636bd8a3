package helpers

import (
	"math/big"
	"testing"
)

func TestConstantTimeCompare(t *testing.T) {
	if !ConstantTimeCompare([]byte{1, 2, 3}, []byte{1, 2, 3}) {
		t.Error("equal slices reported different")
	}
	if ConstantTimeCompare([]byte{1, 2, 3}, []byte{1, 2, 4}) {
		t.Error("different slices reported equal")
	}
	if ConstantTimeCompare([]byte{1, 2}, []byte{1, 2, 3}) {
		t.Error("different lengths reported equal")
	}
}

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom: %v", err)
	}
	b, _ := GenerateSecureRandom(32)
	if len(a) != 32 || ConstantTimeCompare(a, b) {
		t.Errorf("expected two distinct 32-byte values")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"0", 18, "0"},
		{"1000000000000000000", 18, "1"},
		{"1500000000000000000", 18, "1.5"},
		{"1", 18, "0.000000000000000001"},
		{"10000000", 7, "1"},
		{"12345678", 7, "1.2345678"},
		{"-5000000", 7, "-0.5"},
		{"42", 0, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			v, _ := new(big.Int).SetString(tt.amount, 10)
			if got := FormatAmount(v, tt.decimals); got != tt.want {
				t.Errorf("FormatAmount(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
	if got := FormatAmount(nil, 18); got != "0" {
		t.Errorf("FormatAmount(nil) = %s", got)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 18, "1000000000000000000", false},
		{"1.5", 7, "15000000", false},
		{".5", 7, "5000000", false},
		{"0.10000000", 7, "1000000", false},
		{"0.00000001", 7, "", true},
		{"abc", 7, "", true},
		{"-1", 7, "", true},
		{"", 7, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAmount(%q) expected error, got %s", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q) error: %v", tt.in, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	for _, s := range []string{"0.0000001", "1", "123.4567", "99999999.9999999"} {
		v, err := ParseAmount(s, 7)
		if err != nil {
			t.Fatalf("ParseAmount(%s): %v", s, err)
		}
		if got := FormatAmount(v, 7); got != s {
			t.Errorf("roundtrip %s -> %s", s, got)
		}
	}
}

func TestBasisPoints(t *testing.T) {
	tests := []struct {
		part, total int64
		want        int64
	}{
		{0, 100, 0},
		{25, 100, 2500},
		{1, 3, 3333},
		{100, 100, 10000},
		{5, 0, 0},
	}
	for _, tt := range tests {
		got := BasisPoints(big.NewInt(tt.part), big.NewInt(tt.total))
		if got != tt.want {
			t.Errorf("BasisPoints(%d, %d) = %d, want %d", tt.part, tt.total, got, tt.want)
		}
	}
	if FormatBasisPoints(3333) != "33.33" || FormatBasisPoints(10000) != "100.00" {
		t.Error("FormatBasisPoints mismatch")
	}
}

func TestMulPercent(t *testing.T) {
	if got := MulPercent(big.NewInt(1000), 5); got.Int64() != 50 {
		t.Errorf("MulPercent(1000, 5) = %s", got)
	}
	if got := MulPercent(big.NewInt(20), 120); got.Int64() != 24 {
		t.Errorf("MulPercent(20, 120) = %s", got)
	}
}

func TestHexToBytes32(t *testing.T) {
	h := "0x" + "ab" + "00000000000000000000000000000000000000000000000000000000000000"
	b, err := HexToBytes32(h)
	if err != nil {
		t.Fatalf("HexToBytes32: %v", err)
	}
	if b[0] != 0xab {
		t.Errorf("first byte = %x", b[0])
	}
	if _, err := HexToBytes32("0xabcd"); err == nil {
		t.Error("expected error for short input")
	}
	if BytesToHex(b[:1]) != "0xab" {
		t.Errorf("BytesToHex = %s", BytesToHex(b[:1]))
	}
}
