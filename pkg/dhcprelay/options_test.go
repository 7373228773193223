package dhcprelay

import (
	"encoding/binary"
	"testing"
)

func opt(code, length uint16, value []byte) []byte {
	b := make([]byte, 4+len(value))
	binary.BigEndian.PutUint16(b[0:2], code)
	binary.BigEndian.PutUint16(b[2:4], length)
	copy(b[4:], value)
	return b
}

func TestForEachOption(t *testing.T) {
	t.Run("walks options in order", func(t *testing.T) {
		buf := append(opt(1, 2, []byte{0xaa, 0xbb}), opt(9, 1, []byte{0xcc})...)

		var codes []uint16
		var lengths []int
		forEachOption(buf, func(code uint16, value []byte, _ int) bool {
			codes = append(codes, code)
			lengths = append(lengths, len(value))
			return true
		})

		if len(codes) != 2 || codes[0] != 1 || codes[1] != 9 {
			t.Fatalf("codes = %v, want [1 9]", codes)
		}
		if lengths[0] != 2 || lengths[1] != 1 {
			t.Fatalf("lengths = %v, want [2 1]", lengths)
		}
	})

	t.Run("zero-length option yields empty value and advances", func(t *testing.T) {
		buf := append(opt(7, 0, nil), opt(8, 1, []byte{0x01})...)

		var codes []uint16
		forEachOption(buf, func(code uint16, value []byte, _ int) bool {
			if code == 7 && len(value) != 0 {
				t.Errorf("option 7 value length = %d, want 0", len(value))
			}
			codes = append(codes, code)
			return true
		})

		if len(codes) != 2 {
			t.Fatalf("walked %d options, want 2", len(codes))
		}
	})

	t.Run("length past end stops without yielding", func(t *testing.T) {
		buf := append(opt(1, 1, []byte{0x01}), opt(2, 0xffff, []byte{0x02})...)

		var codes []uint16
		forEachOption(buf, func(code uint16, _ []byte, _ int) bool {
			codes = append(codes, code)
			return true
		})

		if len(codes) != 1 || codes[0] != 1 {
			t.Fatalf("codes = %v, want [1]", codes)
		}
	})

	t.Run("truncated header stops silently", func(t *testing.T) {
		forEachOption([]byte{0x00, 0x01, 0x00}, func(uint16, []byte, int) bool {
			t.Fatal("yielded option from truncated header")
			return true
		})
	})

	t.Run("no read past end for arbitrary input", func(t *testing.T) {
		// Adversarial lengths at every offset of a 64 KB buffer; the
		// walker must stay in bounds (a violation panics the test).
		buf := make([]byte, 64*1024)
		for i := range buf {
			buf[i] = byte(i * 31)
		}
		for start := 0; start < 64; start++ {
			forEachOption(buf[start:], func(_ uint16, value []byte, _ int) bool {
				_ = value
				return true
			})
		}
	})

	t.Run("callback can stop iteration", func(t *testing.T) {
		buf := append(opt(1, 0, nil), opt(2, 0, nil)...)
		count := 0
		forEachOption(buf, func(uint16, []byte, int) bool {
			count++
			return false
		})
		if count != 1 {
			t.Fatalf("walked %d options, want 1", count)
		}
	})
}
