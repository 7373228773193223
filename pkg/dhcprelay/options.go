package dhcprelay

import (
	"encoding/binary"

	"github.com/insomniacslk/dhcp/dhcpv6"
)

// Message types and option codes, aliased from the dhcpv6 library's
// typed constants to the raw widths the buffer code works in.
const (
	msgSolicit      = uint8(dhcpv6.MessageTypeSolicit)
	msgAdvertise    = uint8(dhcpv6.MessageTypeAdvertise)
	msgReply        = uint8(dhcpv6.MessageTypeReply)
	msgRebind       = uint8(dhcpv6.MessageTypeRebind)
	msgReconfigure  = uint8(dhcpv6.MessageTypeReconfigure)
	msgRelayForward = uint8(dhcpv6.MessageTypeRelayForward)
	msgRelayReply   = uint8(dhcpv6.MessageTypeRelayReply)

	optClientID    = uint16(dhcpv6.OptionClientID)
	optServerID    = uint16(dhcpv6.OptionServerID)
	optIANA        = uint16(dhcpv6.OptionIANA)
	optAuth        = uint16(dhcpv6.OptionAuth)
	optRelayMsg    = uint16(dhcpv6.OptionRelayMsg)
	optInterfaceID = uint16(dhcpv6.OptionInterfaceID)
	optDNSServers  = uint16(dhcpv6.OptionDNSRecursiveNameServer)
	optStatusCode  = uint16(dhcpv6.OptionStatusCode)
)

// forEachOption walks the big-endian option TLVs in b, calling fn with
// each option's code, value and the value's offset within b. A header
// or value that would run past the end of the buffer terminates the
// walk; a zero-length option is yielded as an empty value. fn returning
// false stops iteration.
func forEachOption(b []byte, fn func(code uint16, value []byte, valueOff int) bool) {
	off := 0
	for off+4 <= len(b) {
		code := binary.BigEndian.Uint16(b[off : off+2])
		length := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
		if off+4+length > len(b) {
			return
		}
		if !fn(code, b[off+4:off+4+length], off+4) {
			return
		}
		off += 4 + length
	}
}

// appendOption appends one TLV to b.
func appendOption(b []byte, code uint16, value []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], code)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b = append(b, hdr[:]...)
	return append(b, value...)
}
