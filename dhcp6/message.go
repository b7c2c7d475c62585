package dhcp6

import (
	"encoding/binary"
	"net"

	"github.com/irai/netaddr"
)

// Message is a DHCPv6 packet held as a raw byte slice with accessor
// methods, the same memory-mapped pattern dhcp4.Message and the
// teacher's ARP type use.
type Message []byte

func (m Message) Type() uint8 { return m[0] }

// XID returns the 24-bit transaction id (RFC 3315 section 6).
func (m Message) XID() uint32 {
	return uint32(m[1])<<16 | uint32(m[2])<<8 | uint32(m[3])
}

func (m Message) Options() []byte { return m[HeaderLen:] }

// Marshal builds a complete DHCPv6 message: 1-byte type, 3-byte xid,
// then opts verbatim (already TLV-encoded).
func Marshal(msgType uint8, xid uint32, opts []byte) Message {
	buf := make([]byte, HeaderLen+len(opts))
	buf[0] = msgType
	buf[1] = byte(xid >> 16)
	buf[2] = byte(xid >> 8)
	buf[3] = byte(xid)
	copy(buf[HeaderLen:], opts)
	return Message(buf)
}

// Parse validates buf's minimum length and returns it as a Message.
func Parse(buf []byte) (Message, error) {
	if len(buf) < HeaderLen {
		return nil, netaddr.ErrInvalidMessage
	}
	return Message(buf), nil
}

// Options is a decoded option-code -> raw-value map. DHCPv6 options
// may repeat (e.g. multiple IA_NA); ParseOptions keeps only the first
// occurrence of each code for the top-level scalar options this client
// reads directly, and the caller re-walks the raw buffer with
// ParseAllOptions when every occurrence matters (IA_NA).
type Options map[uint16][]byte

// ParseOptions walks buf as a sequence of {2-byte code, 2-byte length,
// value} TLVs. A truncated option yields ErrInvalidOption.
func ParseOptions(buf []byte) (Options, error) {
	opts := make(Options)
	all, err := ParseAllOptions(buf)
	if err != nil {
		return nil, err
	}
	for _, o := range all {
		if _, exists := opts[o.Code]; !exists {
			opts[o.Code] = o.Value
		}
	}
	return opts, nil
}

// RawOption is one decoded TLV, code+value, preserving duplicates.
type RawOption struct {
	Code  uint16
	Value []byte
}

// ParseAllOptions walks buf and returns every option in order,
// including repeated codes (needed for multiple IA_NA per message).
func ParseAllOptions(buf []byte) ([]RawOption, error) {
	var all []RawOption
	for i := 0; i < len(buf); {
		if i+4 > len(buf) {
			return nil, netaddr.ErrInvalidOption
		}
		code := binary.BigEndian.Uint16(buf[i : i+2])
		n := int(binary.BigEndian.Uint16(buf[i+2 : i+4]))
		if i+4+n > len(buf) {
			return nil, netaddr.ErrInvalidOption
		}
		all = append(all, RawOption{Code: code, Value: buf[i+4 : i+4+n]})
		i += 4 + n
	}
	return all, nil
}

// optionsBuilder accumulates encoded TLV options in insertion order.
type optionsBuilder struct {
	buf []byte
}

func (b *optionsBuilder) add(code uint16, value []byte) {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint16(hdr[0:2], code)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	b.buf = append(b.buf, hdr...)
	b.buf = append(b.buf, value...)
}

func (b *optionsBuilder) addUint16(code uint16, v uint16) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	b.add(code, buf)
}

func (b *optionsBuilder) build() []byte {
	return append([]byte{}, b.buf...)
}

// IAAddr is a parsed IA Address sub-option (RFC 3315 section 22.6):
// {128-bit address, preferred lifetime, valid lifetime, sub-options}.
type IAAddr struct {
	Address           net.IP
	PreferredLifetime uint32
	ValidLifetime     uint32
	SubOptions        []byte
}

// ParseIAAddr decodes an IA Address sub-option payload. Rejects
// preferred > valid (spec section 4.2 "IA_NA parsing").
func ParseIAAddr(buf []byte) (IAAddr, error) {
	if len(buf) < 24 {
		return IAAddr{}, netaddr.ErrInvalidOption
	}
	a := IAAddr{
		Address:           net.IP(append([]byte{}, buf[0:16]...)),
		PreferredLifetime: binary.BigEndian.Uint32(buf[16:20]),
		ValidLifetime:     binary.BigEndian.Uint32(buf[20:24]),
		SubOptions:        buf[24:],
	}
	if a.PreferredLifetime > a.ValidLifetime {
		return IAAddr{}, netaddr.ErrInvalidOption
	}
	return a, nil
}

func (a IAAddr) Marshal() []byte {
	buf := make([]byte, 24+len(a.SubOptions))
	copy(buf[0:16], a.Address.To16())
	binary.BigEndian.PutUint32(buf[16:20], a.PreferredLifetime)
	binary.BigEndian.PutUint32(buf[20:24], a.ValidLifetime)
	copy(buf[24:], a.SubOptions)
	return buf
}

// IANA is a parsed IA_NA option (RFC 3315 section 22.4): {IAID, T1,
// T2, sub-options}, with the first nested IA Address sub-option
// extracted for convenience.
type IANA struct {
	IAID       uint32
	T1         uint32
	T2         uint32
	SubOptions []byte
	Addr       *IAAddr // first valid nested IA Address, if any
}

// ParseIANA decodes an IA_NA option payload. Rejects T1 > T2 when
// T2 > 0 (spec section 4.2). When the server omitted T1/T2 (both
// zero) and a nested address was found, derives T1 = preferred/2,
// T2 = T1 + T1/2.
func ParseIANA(buf []byte) (IANA, error) {
	if len(buf) < 12 {
		return IANA{}, netaddr.ErrInvalidOption
	}
	ia := IANA{
		IAID:       binary.BigEndian.Uint32(buf[0:4]),
		T1:         binary.BigEndian.Uint32(buf[4:8]),
		T2:         binary.BigEndian.Uint32(buf[8:12]),
		SubOptions: buf[12:],
	}
	if ia.T1 > ia.T2 && ia.T2 > 0 {
		return IANA{}, netaddr.ErrInvalidOption
	}

	subs, err := ParseAllOptions(ia.SubOptions)
	if err != nil {
		return IANA{}, netaddr.ErrInvalidOption
	}
	for _, s := range subs {
		if s.Code != OptIAAddr {
			continue
		}
		addr, err := ParseIAAddr(s.Value)
		if err != nil {
			// spec section 7: a single invalid sub-option is
			// discarded, iteration continues.
			continue
		}
		ia.Addr = &addr
		break
	}

	if ia.T1 == 0 && ia.T2 == 0 && ia.Addr != nil {
		ia.T1 = ia.Addr.PreferredLifetime / 2
		ia.T2 = ia.T1 + ia.T1/2
	}
	return ia, nil
}

func (ia IANA) Marshal() []byte {
	buf := make([]byte, 12+len(ia.SubOptions))
	binary.BigEndian.PutUint32(buf[0:4], ia.IAID)
	binary.BigEndian.PutUint32(buf[4:8], ia.T1)
	binary.BigEndian.PutUint32(buf[8:12], ia.T2)
	copy(buf[12:], ia.SubOptions)
	return buf
}

// ElapsedTime encodes the time since the first message of the current
// exchange in hundredths of a second, capped at 0xFFFF (spec section
// 4.2 "Elapsed-Time").
func ElapsedTime(sinceMS uint32) uint16 {
	hundredths := sinceMS / 10
	if hundredths > 0xFFFF {
		return 0xFFFF
	}
	return uint16(hundredths)
}

// parseDNSServers decodes a DNS Servers option payload (RFC 3646): a
// sequence of 16-byte IPv6 addresses.
func parseDNSServers(buf []byte) []net.IP {
	var out []net.IP
	for i := 0; i+16 <= len(buf); i += 16 {
		out = append(out, net.IP(append([]byte{}, buf[i:i+16]...)))
	}
	return out
}
