package slaac

import (
	"encoding/binary"
	"net"

	"github.com/irai/netaddr"
)

// Option is a single NDP option in TLV form: type (1 byte), length in
// units of 8 octets (1 byte), then (length*8 - 2) bytes of data.
// Grounded on the accessor-method-over-raw-bytes pattern used
// throughout the teacher's wire types (e.g. its ARP type).
type Option []byte

func (o Option) Type() uint8  { return o[0] }
func (o Option) Len8() uint8  { return o[1] }
func (o Option) Bytes() int   { return int(o[1]) * 8 }
func (o Option) Data() []byte { return o[2:o.Bytes()] }

// ParseOptions walks a concatenated options buffer, validating that
// every option's length field is non-zero (RFC 4861 section 4.6: a
// zero length is a protocol violation, not an empty option) and that
// it does not run past the end of buf.
func ParseOptions(buf []byte) ([]Option, error) {
	var opts []Option
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, netaddr.ErrInvalidOption
		}
		n := int(buf[1]) * 8
		if n == 0 || n > len(buf) {
			return nil, netaddr.ErrInvalidOption
		}
		opts = append(opts, Option(buf[:n]))
		buf = buf[n:]
	}
	return opts, nil
}

// PrefixInformation is the decoded RFC 4861 section 4.6.2 option used
// to carry the on-link prefix and autonomous-configuration flag that
// drives GLOBAL-ADDR-DAD.
type PrefixInformation struct {
	PrefixLength      uint8
	OnLink            bool
	Autonomous        bool
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            net.IP
}

// ParsePrefixInformation decodes opt, which must have Type() ==
// OptPrefixInformation and carry the full 32-byte option body.
func ParsePrefixInformation(opt Option) (PrefixInformation, error) {
	var pi PrefixInformation
	if opt.Type() != OptPrefixInformation || opt.Bytes() != 32 {
		return pi, netaddr.ErrInvalidOption
	}
	d := opt.Data()
	pi.PrefixLength = d[0]
	pi.OnLink = d[1]&PrefixFlagOnLink != 0
	pi.Autonomous = d[1]&PrefixFlagAutonomous != 0
	pi.ValidLifetime = binary.BigEndian.Uint32(d[2:6])
	pi.PreferredLifetime = binary.BigEndian.Uint32(d[6:10])
	pi.Prefix = net.IP(append([]byte(nil), d[14:30]...))
	return pi, nil
}

// Marshal encodes pi as a 32-byte NDP prefix information option.
func (pi PrefixInformation) Marshal() Option {
	buf := make([]byte, 32)
	buf[0] = OptPrefixInformation
	buf[1] = 4 // 32 bytes / 8
	buf[2] = pi.PrefixLength
	var flags uint8
	if pi.OnLink {
		flags |= PrefixFlagOnLink
	}
	if pi.Autonomous {
		flags |= PrefixFlagAutonomous
	}
	buf[3] = flags
	binary.BigEndian.PutUint32(buf[4:8], pi.ValidLifetime)
	binary.BigEndian.PutUint32(buf[8:12], pi.PreferredLifetime)
	copy(buf[16:32], pi.Prefix.To16())
	return Option(buf)
}

// RecursiveDNSServer is the decoded RFC 8106 RDNSS option.
type RecursiveDNSServer struct {
	Lifetime uint32
	Servers  []net.IP
}

func ParseRecursiveDNSServer(opt Option) (RecursiveDNSServer, error) {
	var r RecursiveDNSServer
	if opt.Type() != OptRDNSS {
		return r, netaddr.ErrInvalidOption
	}
	d := opt.Data()
	if len(d) < 6 || (len(d)-6)%16 != 0 {
		return r, netaddr.ErrInvalidOption
	}
	r.Lifetime = binary.BigEndian.Uint32(d[2:6])
	for off := 6; off+16 <= len(d); off += 16 {
		r.Servers = append(r.Servers, net.IP(append([]byte(nil), d[off:off+16]...)))
	}
	return r, nil
}

func (r RecursiveDNSServer) Marshal() Option {
	n8 := 1 + len(r.Servers)*2
	buf := make([]byte, n8*8)
	buf[0] = OptRDNSS
	buf[1] = uint8(n8)
	binary.BigEndian.PutUint32(buf[4:8], r.Lifetime)
	for i, s := range r.Servers {
		copy(buf[8+i*16:8+i*16+16], s.To16())
	}
	return Option(buf)
}

// LinkLayerAddress is the decoded source/target link-layer address
// option (RFC 4861 section 4.6.1).
type LinkLayerAddress net.HardwareAddr

func ParseLinkLayerAddress(opt Option) (LinkLayerAddress, error) {
	if opt.Type() != OptSourceLinkLayerAddr && opt.Type() != OptTargetLinkLayerAddr {
		return nil, netaddr.ErrInvalidOption
	}
	d := opt.Data()
	if len(d) < 6 {
		return nil, netaddr.ErrInvalidOption
	}
	return LinkLayerAddress(append([]byte(nil), d[:6]...)), nil
}

func (l LinkLayerAddress) Marshal(optType uint8) Option {
	buf := make([]byte, 8)
	buf[0] = optType
	buf[1] = 1
	copy(buf[2:8], l)
	return Option(buf)
}

// MTUOption is the decoded RFC 4861 section 4.6.4 MTU option.
type MTUOption uint32

func ParseMTUOption(opt Option) (MTUOption, error) {
	if opt.Type() != OptMTU || opt.Bytes() != 8 {
		return 0, netaddr.ErrInvalidOption
	}
	d := opt.Data()
	return MTUOption(binary.BigEndian.Uint32(d[2:6])), nil
}

func (m MTUOption) Marshal() Option {
	buf := make([]byte, 8)
	buf[0] = OptMTU
	buf[1] = 1
	binary.BigEndian.PutUint32(buf[4:8], uint32(m))
	return Option(buf)
}

// RouterSolicitation is the ICMPv6 RS message body following the
// 4-byte ICMPv6 header (type/code/checksum): a 4-byte reserved field
// followed by options. The ICMPv6 header itself is produced by the
// NDPTransport collaborator (golang.org/x/net/ipv6 computes/validates
// the checksum over the IPv6 pseudo-header), matching the teacher's
// icmp6 boundary of owning message bodies but not framing.
type RouterSolicitation []byte

// MarshalRouterSolicitation builds an RS body, optionally including a
// source link-layer address option.
func MarshalRouterSolicitation(srcLL net.HardwareAddr) RouterSolicitation {
	buf := make([]byte, 4)
	if len(srcLL) == 6 {
		buf = append(buf, LinkLayerAddress(srcLL).Marshal(OptSourceLinkLayerAddr)...)
	}
	return RouterSolicitation(buf)
}

// RouterAdvertisement is the ICMPv6 RA message body: CurHopLimit (1),
// flags (1), Router Lifetime (2), Reachable Time (4), Retrans Timer
// (4), then options.
type RouterAdvertisement []byte

func (ra RouterAdvertisement) CurHopLimit() uint8    { return ra[0] }
func (ra RouterAdvertisement) Managed() bool         { return ra[1]&FlagManaged != 0 }
func (ra RouterAdvertisement) Other() bool           { return ra[1]&FlagOther != 0 }
func (ra RouterAdvertisement) RouterLifetime() uint16 { return binary.BigEndian.Uint16(ra[2:4]) }
func (ra RouterAdvertisement) ReachableTime() uint32  { return binary.BigEndian.Uint32(ra[4:8]) }
func (ra RouterAdvertisement) RetransTimer() uint32   { return binary.BigEndian.Uint32(ra[8:12]) }
func (ra RouterAdvertisement) Options() ([]Option, error) {
	if len(ra) < 12 {
		return nil, netaddr.ErrInvalidMessage
	}
	return ParseOptions(ra[12:])
}

// ParseRouterAdvertisement validates buf is long enough to be an RA
// body and wraps it. The teacher's icmp6 RA-handling code was retrieved
// with its unmarshal body stripped; this rebuilds it from RFC 4861
// section 4.2's wire layout, which icmp6.go's ProcessPacket call site
// already implied by name.
func ParseRouterAdvertisement(buf []byte) (RouterAdvertisement, error) {
	if len(buf) < 12 {
		return nil, netaddr.ErrInvalidMessage
	}
	return RouterAdvertisement(buf), nil
}

// NeighborSolicitation is the ICMPv6 NS message body: 4-byte reserved
// field, 16-byte target address, then options.
type NeighborSolicitation []byte

func (ns NeighborSolicitation) Target() net.IP { return net.IP(ns[4:20]) }
func (ns NeighborSolicitation) Options() ([]Option, error) {
	if len(ns) < 20 {
		return nil, netaddr.ErrInvalidMessage
	}
	return ParseOptions(ns[20:])
}

func MarshalNeighborSolicitation(target net.IP, srcLL net.HardwareAddr) NeighborSolicitation {
	buf := make([]byte, 20)
	copy(buf[4:20], target.To16())
	if len(srcLL) == 6 {
		buf = append(buf, LinkLayerAddress(srcLL).Marshal(OptSourceLinkLayerAddr)...)
	}
	return NeighborSolicitation(buf)
}

func ParseNeighborSolicitation(buf []byte) (NeighborSolicitation, error) {
	if len(buf) < 20 {
		return nil, netaddr.ErrInvalidMessage
	}
	return NeighborSolicitation(buf), nil
}

// NeighborAdvertisement is the ICMPv6 NA message body: flags (1 byte)
// + 3 reserved bytes, 16-byte target address, then options.
type NeighborAdvertisement []byte

const (
	naFlagRouter    = 0x80
	naFlagSolicited = 0x40
	naFlagOverride  = 0x20
)

func (na NeighborAdvertisement) Router() bool    { return na[0]&naFlagRouter != 0 }
func (na NeighborAdvertisement) Solicited() bool { return na[0]&naFlagSolicited != 0 }
func (na NeighborAdvertisement) Override() bool  { return na[0]&naFlagOverride != 0 }
func (na NeighborAdvertisement) Target() net.IP  { return net.IP(na[4:20]) }

func ParseNeighborAdvertisement(buf []byte) (NeighborAdvertisement, error) {
	if len(buf) < 20 {
		return nil, netaddr.ErrInvalidMessage
	}
	return NeighborAdvertisement(buf), nil
}

func MarshalNeighborAdvertisement(target net.IP, router, solicited, override bool) NeighborAdvertisement {
	buf := make([]byte, 20)
	var flags uint8
	if router {
		flags |= naFlagRouter
	}
	if solicited {
		flags |= naFlagSolicited
	}
	if override {
		flags |= naFlagOverride
	}
	buf[0] = flags
	copy(buf[4:20], target.To16())
	return NeighborAdvertisement(buf)
}
