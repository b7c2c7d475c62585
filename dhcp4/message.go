package dhcp4

import (
	"encoding/binary"
	"net"

	"github.com/irai/netaddr"
)

// Message is a BOOTP/DHCP packet held as a raw byte slice with
// accessor methods over its fixed fields, the same memory-mapped
// pattern as the teacher's ARP type: no intermediate struct, no
// allocation beyond the backing slice itself.
type Message []byte

func (m Message) Op() uint8          { return m[0] }
func (m Message) HType() uint8       { return m[1] }
func (m Message) HLen() uint8        { return m[2] }
func (m Message) Hops() uint8        { return m[3] }
func (m Message) XID() uint32        { return binary.BigEndian.Uint32(m[4:8]) }
func (m Message) Secs() uint16       { return binary.BigEndian.Uint16(m[8:10]) }
func (m Message) Flags() uint16      { return binary.BigEndian.Uint16(m[10:12]) }
func (m Message) Broadcast() bool    { return m.Flags()&BroadcastFlag != 0 }
func (m Message) CIAddr() net.IP     { return net.IP(m[12:16]) }
func (m Message) YIAddr() net.IP     { return net.IP(m[16:20]) }
func (m Message) SIAddr() net.IP     { return net.IP(m[20:24]) }
func (m Message) GIAddr() net.IP     { return net.IP(m[24:28]) }
func (m Message) CHAddr() net.HardwareAddr {
	return net.HardwareAddr(m[28 : 28+m.HLen()])
}
func (m Message) MagicCookie() uint32 { return binary.BigEndian.Uint32(m[236:240]) }
func (m Message) Options() []byte     { return m[240:] }

// Marshal builds a complete BOOTP message with the fixed header set
// from its arguments and opts appended (pre-encoded, terminated with
// End) after the magic cookie, padded to at least MinPaddedLen bytes
// as RFC 2131 section 2 requires for some relays/servers.
func Marshal(op uint8, xid uint32, secs uint16, broadcast bool, ciaddr, yiaddr net.IP, chaddr net.HardwareAddr, opts []byte) Message {
	buf := make([]byte, FixedHeaderLen+4+len(opts))
	buf[0] = op
	buf[1] = HTypeEthernet
	buf[2] = HLenEthernet
	binary.BigEndian.PutUint32(buf[4:8], xid)
	binary.BigEndian.PutUint16(buf[8:10], secs)
	if broadcast {
		binary.BigEndian.PutUint16(buf[10:12], BroadcastFlag)
	}
	if ciaddr != nil {
		copy(buf[12:16], ciaddr.To4())
	}
	if yiaddr != nil {
		copy(buf[16:20], yiaddr.To4())
	}
	copy(buf[28:28+len(chaddr)], chaddr)
	binary.BigEndian.PutUint32(buf[236:240], MagicCookie)
	copy(buf[240:], opts)

	if len(buf) < MinPaddedLen {
		padded := make([]byte, MinPaddedLen)
		copy(padded, buf)
		buf = padded
	}
	return Message(buf)
}

// Parse validates buf's length and magic cookie and returns it as a
// Message. It does not validate option contents - that happens in the
// FSM, which needs state context to decide what's acceptable.
func Parse(buf []byte) (Message, error) {
	if len(buf) < FixedHeaderLen+4+1 || len(buf) > MaxMessageLen {
		return nil, netaddr.ErrInvalidMessage
	}
	m := Message(buf)
	if m.MagicCookie() != MagicCookie {
		return nil, netaddr.ErrInvalidMessage
	}
	return m, nil
}

// Options is a decoded option-code -> raw-value map, built by walking
// the TLV area up to the End(255) tag. Pad(0) bytes between options
// are skipped per RFC 2132 section 3.1.
type Options map[uint8][]byte

// ParseOptions walks buf (the area following the magic cookie) and
// returns the option map. A truncated option (length byte claims more
// data than remains) yields ErrInvalidOption; a buffer that ends
// without an End tag yields ErrInvalidMessage.
func ParseOptions(buf []byte) (Options, error) {
	opts := make(Options)
	for i := 0; i < len(buf); {
		code := buf[i]
		if code == OptEnd {
			return opts, nil
		}
		if code == 0 {
			i++
			continue
		}
		if i+1 >= len(buf) {
			return nil, netaddr.ErrInvalidOption
		}
		n := int(buf[i+1])
		if i+2+n > len(buf) {
			return nil, netaddr.ErrInvalidOption
		}
		opts[code] = buf[i+2 : i+2+n]
		i += 2 + n
	}
	return nil, netaddr.ErrInvalidMessage // no End tag found
}

// optionsBuilder accumulates encoded TLV options in insertion order,
// finishing with End(255) when built.
type optionsBuilder struct {
	buf []byte
}

func (b *optionsBuilder) add(code uint8, value []byte) {
	b.buf = append(b.buf, code, uint8(len(value)))
	b.buf = append(b.buf, value...)
}

func (b *optionsBuilder) addByte(code uint8, v uint8) {
	b.add(code, []byte{v})
}

func (b *optionsBuilder) addIPs(code uint8, ips []net.IP) {
	buf := make([]byte, 0, 4*len(ips))
	for _, ip := range ips {
		buf = append(buf, ip.To4()...)
	}
	b.add(code, buf)
}

func (b *optionsBuilder) addUint32(code uint8, v uint32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	b.add(code, buf)
}

func (b *optionsBuilder) build() []byte {
	return append(append([]byte{}, b.buf...), OptEnd)
}

// defaultParamRequestList is the minimum option set spec section 4.1
// requires a client to request.
var defaultParamRequestList = []byte{
	OptSubnetMask, OptRouter, OptDNSServer, OptInterfaceMTU,
	OptLeaseTime, OptRenewalT1, OptRebindingT2,
}
