package netaddr

import "net"

// UDPReceiveFunc is the UDP receive callback signature from spec
// section 6: (interface, ip-pseudo-header src, udp src port, buffer,
// offset). Registered once per engine lifecycle against a well-known
// client port, matching the teacher's one-registration-per-handler
// Attach(engine) convention (icmp6.Attach, arp.New).
type UDPReceiveFunc func(iface *Interface, srcIP net.IP, srcPort int, buf []byte, offset int)

// UDPTransport is the external collaborator spec section 6 names for
// UDP send/receive. The stack's UDP/IP layer is out of scope (spec
// section 1); engines only ever see this interface, the same
// boundary icmp6.Attach(engine *packet.Handler) draws around the
// teacher's own Ethernet/IP framing.
type UDPTransport interface {
	// SendDatagram transmits buf from srcPort to dstIP:dstPort with
	// the given TTL/hop-limit. A transient allocation failure must be
	// reported as an error satisfying errors.Is(err, ErrWouldBlock).
	// The engines do not treat it specially: a failed send is logged or
	// ignored, still counts as a transmission, and the message goes out
	// again only at the next retransmission timeout.
	SendDatagram(iface *Interface, srcPort int, dstIP net.IP, dstPort int, buf []byte, ttl uint8) error

	// RegisterReceiver installs fn as the receive callback for port,
	// replacing any previous registration. Call with fn == nil to
	// unregister (engine deinit).
	RegisterReceiver(port int, fn UDPReceiveFunc) error
}

// NDPTransport is the external collaborator spec section 6 names for
// Router/Neighbor Solicitation transmission and duplicate-address
// detection feedback. ARP/NDP/ICMPv6 transport primitives themselves
// are out of scope (spec section 1); SLAAC only ever calls through
// this interface.
type NDPTransport interface {
	// SendNeighborSolicitation transmits an NS for target from iface.
	// If multicast is true the destination is the solicited-node
	// multicast address for target; otherwise it is unicast to target
	// (used for reachability probing, not DAD).
	SendNeighborSolicitation(iface *Interface, target net.IP, multicast bool) error

	// SendRouterSolicitation transmits an RS from iface to the
	// all-routers multicast address.
	SendRouterSolicitation(iface *Interface) error

	// DuplicateDetected reports whether a duplicate was observed for
	// a tentative address under DAD probing. The NDP subsystem owns
	// probe transmission and duplicate detection (spec section 4.3);
	// SLAAC only polls this flag between probe intervals.
	DuplicateDetected(iface *Interface, tentative net.IP) bool
}

// ARPConflictNotifier is the external collaborator an ARP layer (out
// of scope, spec section 1) can use to report a conflict on an
// offered DHCPv4 address, so the engine can send a Decline (spec
// section 4.1 "Decline", Open Question 2). This module defines only
// the call surface; it does not implement ARP itself, and no engine
// implements NotifyConflict: dhcp4.Client exposes Decline(net.IP)
// instead, which an implementation of this interface can call.
type ARPConflictNotifier interface {
	// NotifyConflict is called by the ARP collaborator when it
	// observes another host already using ip.
	NotifyConflict(ip net.IP)
}
