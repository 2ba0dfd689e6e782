package ident

import (
	"regexp"
	"strings"
	"testing"
)

func TestNewMAC(t *testing.T) {
	t.Run("unicast and locally administered for 10000 samples", func(t *testing.T) {
		for i := 0; i < 10000; i++ {
			m := NewMAC()
			if m[0]&0x01 != 0 {
				t.Fatalf("sample %d: multicast bit set in %s", i, m)
			}
			if m[0]&0x02 == 0 {
				t.Fatalf("sample %d: locally-administered bit clear in %s", i, m)
			}
		}
	})

	t.Run("string format", func(t *testing.T) {
		format := regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)
		for i := 0; i < 100; i++ {
			s := NewMAC().String()
			if !format.MatchString(s) {
				t.Fatalf("malformed MAC string %q", s)
			}
		}
	})

	t.Run("values vary between calls", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			seen[NewMAC().String()] = true
		}
		if len(seen) < 99 {
			t.Errorf("got %d distinct MACs in 100 draws, want ~100", len(seen))
		}
	})
}

func TestNewIMEI(t *testing.T) {
	t.Run("fifteen decimal digits with valid checksum", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			imei := NewIMEI()
			if len(imei) != 15 {
				t.Fatalf("IMEI %q has length %d, want 15", imei, len(imei))
			}
			for _, c := range imei {
				if c < '0' || c > '9' {
					t.Fatalf("IMEI %q contains non-digit %q", imei, c)
				}
			}
			check, err := LuhnCheckDigit(imei[:14])
			if err != nil {
				t.Fatalf("LuhnCheckDigit(%q): %v", imei[:14], err)
			}
			if int(imei[14]-'0') != check {
				t.Fatalf("IMEI %q check digit %c, want %d", imei, imei[14], check)
			}
		}
	})

	t.Run("round-trips through ValidateIMEI", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			imei := NewIMEI()
			if !ValidateIMEI(imei) {
				t.Fatalf("generated IMEI %q failed validation", imei)
			}
		}
	})

	t.Run("curated TAC pool is actually used", func(t *testing.T) {
		hits := 0
		for i := 0; i < 500; i++ {
			imei := NewIMEI()
			for _, tac := range commonTACs {
				if strings.HasPrefix(imei, tac) {
					hits++
					break
				}
			}
		}
		// 70% weighting; anything within a wide band is fine.
		if hits < 250 || hits > 450 {
			t.Errorf("curated TAC hit count %d of 500, want roughly 350", hits)
		}
	})
}

func TestNewIMEISeeded(t *testing.T) {
	t.Run("same IMSI yields identical IMEI", func(t *testing.T) {
		const imsi = "310260123456789"
		a := NewIMEISeeded(imsi)
		b := NewIMEISeeded(imsi)
		if a != b {
			t.Errorf("seeded generation not deterministic: %q vs %q", a, b)
		}
		if !ValidateIMEI(a) {
			t.Errorf("seeded IMEI %q failed validation", a)
		}
	})

	t.Run("different IMSIs yield different IMEIs", func(t *testing.T) {
		a := NewIMEISeeded("310260000000001")
		b := NewIMEISeeded("310260000000002")
		if a == b {
			t.Errorf("distinct seeds produced identical IMEI %q", a)
		}
	})
}

func TestLuhnCheckDigit(t *testing.T) {
	t.Run("rejects non-digits", func(t *testing.T) {
		if _, err := LuhnCheckDigit("1234abc"); err == nil {
			t.Error("expected error for non-digit input")
		}
	})

	t.Run("rejects empty input", func(t *testing.T) {
		if _, err := LuhnCheckDigit(""); err == nil {
			t.Error("expected error for empty input")
		}
	})
}

func TestValidateIMEI(t *testing.T) {
	t.Run("rejects wrong length", func(t *testing.T) {
		if ValidateIMEI("1234567890123") {
			t.Error("accepted 13-digit string")
		}
		if ValidateIMEI("1234567890123456") {
			t.Error("accepted 16-digit string")
		}
	})

	t.Run("rejects non-digit content", func(t *testing.T) {
		if ValidateIMEI("35709505123456x") {
			t.Error("accepted IMEI with trailing letter")
		}
	})

	t.Run("rejects every mutated check digit", func(t *testing.T) {
		imei := NewIMEI()
		for d := byte('0'); d <= '9'; d++ {
			if d == imei[14] {
				continue
			}
			mutated := imei[:14] + string(d)
			if ValidateIMEI(mutated) {
				t.Errorf("accepted mutated IMEI %q (original %q)", mutated, imei)
			}
		}
	})
}
