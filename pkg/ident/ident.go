// Package ident generates replacement network identifiers: random
// locally-administered unicast MAC addresses and Luhn-valid IMEIs.
// Generation is pure: nothing here touches hardware or configuration.
package ident

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
)

// MAC is a 48-bit hardware address. Values produced by NewMAC always have
// the multicast bit clear and the locally-administered bit set.
type MAC [6]byte

// String formats the address as six colon-separated lowercase hex pairs.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5])
}

// NewMAC returns a random unicast MAC with the locally-administered bit
// set, so it can never collide with a vendor-assigned block.
func NewMAC() MAC {
	var m MAC
	if _, err := crand.Read(m[:]); err != nil {
		// crypto/rand only fails if the kernel entropy device is broken;
		// fall back to the seeded math/rand source rather than panic.
		r := rand.Uint64()
		binary.BigEndian.PutUint32(m[0:4], uint32(r>>32))
		binary.BigEndian.PutUint16(m[4:6], uint16(r))
	}
	m[0] &^= 0x01 // clear multicast bit
	m[0] |= 0x02  // set locally-administered bit
	return m
}

// commonTACs holds real-world Type Allocation Codes for popular handset
// models. Using a plausible TAC keeps a rewritten IMEI from standing out
// in carrier-side equipment registers.
var commonTACs = []string{
	"35709505", // Samsung
	"35332910", // Apple
	"35881505", // Huawei
	"35925407", // Xiaomi
	"35411402", // LG
	"35312706", // Nokia
	"35844206", // Motorola
	"35850905", // Sony
	"35929005", // Google
}

// NewIMEI returns a random 15-digit IMEI whose final digit satisfies the
// Luhn checksum. The TAC is drawn from the curated pool 70% of the time
// and fully random otherwise.
func NewIMEI() string {
	return generateIMEI(rand.New(rand.NewSource(cryptoSeed())))
}

// NewIMEISeeded derives the IMEI deterministically from the SIM's IMSI:
// the same SIM always yields the same IMEI. This trades freshness for a
// stable per-SIM identity and is an explicit caller choice; use NewIMEI
// for an unpredictable value.
func NewIMEISeeded(imsi string) string {
	h := fnv.New64a()
	h.Write([]byte(imsi))
	return generateIMEI(rand.New(rand.NewSource(int64(h.Sum64()))))
}

func generateIMEI(r *rand.Rand) string {
	var tac string
	if r.Float64() < 0.7 {
		tac = commonTACs[r.Intn(len(commonTACs))]
	} else {
		tac = randomDigits(r, 8)
	}

	base := tac + randomDigits(r, 6)
	check, _ := LuhnCheckDigit(base)
	return base + string(rune('0'+check))
}

func randomDigits(r *rand.Rand, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + r.Intn(10)))
	}
	return b.String()
}

func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return rand.Int63()
	}
	return int64(binary.BigEndian.Uint64(buf[:]))
}

// LuhnCheckDigit computes the Luhn check digit over a string of decimal
// digits: walking from the rightmost digit, every digit at an odd index
// from the right is doubled, values above 9 are reduced by 9, and the
// check digit brings the total to a multiple of ten.
func LuhnCheckDigit(digits string) (int, error) {
	if digits == "" {
		return 0, fmt.Errorf("ident: empty digit string")
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("ident: non-digit character %q at index %d", c, i)
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		double = !double
		sum += d
	}
	return (10 - sum%10) % 10, nil
}

// ValidateIMEI reports whether s is exactly 15 decimal digits with a
// correct Luhn check digit.
func ValidateIMEI(s string) bool {
	if len(s) != 15 {
		return false
	}
	check, err := LuhnCheckDigit(s[:14])
	if err != nil {
		return false
	}
	last := s[14]
	if last < '0' || last > '9' {
		return false
	}
	return int(last-'0') == check
}
