// Package slaac implements the IPv6 Stateless Address Autoconfiguration
// engine: link-local address formation, duplicate address detection,
// Router Solicitation/Advertisement, and global address configuration
// per RFC 4862 and RFC 4861. The engine never touches a socket
// directly - it calls out through the netaddr.NDPTransport
// collaborator interface, the same boundary the teacher's icmp6
// package drew between protocol state and packet.Handler transport.
package slaac

import "time"

// ICMPv6 message types (RFC 4861 section 4).
const (
	TypeRouterSolicitation    = 133
	TypeRouterAdvertisement   = 134
	TypeNeighborSolicitation  = 135
	TypeNeighborAdvertisement = 136
)

// NDP option types (RFC 4861 section 4.6, RFC 4861 RDNSS extension
// RFC 8106).
const (
	OptSourceLinkLayerAddr = 1
	OptTargetLinkLayerAddr = 2
	OptPrefixInformation   = 3
	OptMTU                 = 5
	OptRDNSS               = 25
)

// RA flags (RFC 4861 section 4.2).
const (
	FlagManaged = 0x80
	FlagOther   = 0x40
)

// Prefix information option flags (RFC 4861 section 4.6.2).
const (
	PrefixFlagOnLink  = 0x80
	PrefixFlagAutonomous = 0x40
)

// Timing constants (RFC 4861 section 10, RFC 4862 section 5.1).
const (
	MaxRtrSolicitations     = 3
	RtrSolicitationInterval = 4 * time.Second
	MaxRtrSolicitationDelay = 1 * time.Second

	DupAddrDetectTransmits = 1
	RetransTimerDefault    = 1 * time.Second

	// MaxMulticastSolicit is RFC 4861's MAX_MULTICAST_SOLICIT. The
	// engine does not use it: DAD probing is bounded by
	// DupAddrDetectTransmits.
	MaxMulticastSolicit = 3
)
