package netio

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/irai/netaddr"
	"github.com/irai/netaddr/slaac"
)

// allRoutersMulticast is the RFC 4291 all-routers multicast address.
var allRoutersMulticast = net.ParseIP("ff02::2")

// NDPConn is a netaddr.NDPTransport backed by a raw ICMPv6 socket via
// golang.org/x/net/ipv6.PacketConn, which owns hop-limit and checksum
// computation over the IPv6 pseudo-header - the same library the
// teacher's icmp6 package imports, here used through the socket layer
// instead of the teacher's own manual Ethernet/IP6 framing, since that
// framing is out of scope for this module.
type NDPConn struct {
	pc *ipv6.PacketConn

	mu         sync.Mutex
	duplicates map[string]bool
}

// NewNDPConn opens a raw ICMPv6 socket and wraps it for NDP use. It
// joins the all-nodes multicast group on ifi (not the all-routers
// group) so traffic addressed to that group is received. Of the
// received messages only Neighbor Advertisements are acted on, by
// recording their target as a duplicate; Router Advertisements are
// read and discarded.
func NewNDPConn(ifi *net.Interface) (*NDPConn, error) {
	c, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, err
	}
	pc := c.IPv6PacketConn()

	var f ipv6.ICMPFilter
	f.SetAll(true)
	f.Accept(ipv6.ICMPTypeRouterAdvertisement)
	f.Accept(ipv6.ICMPTypeNeighborAdvertisement)
	f.Accept(ipv6.ICMPTypeNeighborSolicitation)
	if err := pc.SetICMPFilter(&f); err != nil {
		c.Close()
		return nil, err
	}
	if err := pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagSrc|ipv6.FlagDst, true); err != nil {
		c.Close()
		return nil, err
	}

	allNodes := net.ParseIP("ff02::1")
	if err := pc.JoinGroup(ifi, &net.IPAddr{IP: allNodes}); err != nil {
		log.WithError(err).Debug("netio: JoinGroup all-nodes failed")
	}

	n := &NDPConn{pc: pc, duplicates: make(map[string]bool)}
	go n.readLoop()
	return n, nil
}

func (n *NDPConn) readLoop() {
	buf := make([]byte, 1500)
	for {
		nread, _, src, err := n.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		n.handle(buf[:nread], src)
	}
}

func (n *NDPConn) handle(buf []byte, src net.Addr) {
	if len(buf) < 4 {
		return
	}
	msgType := buf[0]
	body := buf[4:]

	switch int(msgType) {
	case slaac.TypeNeighborAdvertisement:
		na, err := slaac.ParseNeighborAdvertisement(body)
		if err != nil {
			return
		}
		n.mu.Lock()
		n.duplicates[na.Target().String()] = true
		n.mu.Unlock()
	}
}

// SendNeighborSolicitation implements netaddr.NDPTransport.
func (n *NDPConn) SendNeighborSolicitation(iface *netaddr.Interface, target net.IP, multicast bool) error {
	ns := slaac.MarshalNeighborSolicitation(target, iface.MAC)
	dst := target
	if multicast {
		dst = solicitedNodeMulticast(target)
	}
	return n.send(slaac.TypeNeighborSolicitation, ns, dst)
}

// SendRouterSolicitation implements netaddr.NDPTransport.
func (n *NDPConn) SendRouterSolicitation(iface *netaddr.Interface) error {
	rs := slaac.MarshalRouterSolicitation(iface.MAC)
	return n.send(slaac.TypeRouterSolicitation, rs, allRoutersMulticast)
}

func (n *NDPConn) send(icmpType int, body []byte, dst net.IP) error {
	msg := make([]byte, 4+len(body))
	msg[0] = byte(icmpType)
	copy(msg[4:], body)

	hopLimit := 64
	if dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast() || dst.IsMulticast() {
		hopLimit = 255
	}
	cm := &ipv6.ControlMessage{HopLimit: hopLimit}
	_, err := n.pc.WriteTo(msg, cm, &net.IPAddr{IP: dst})
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Temporary() {
			return netaddr.ErrWouldBlock
		}
	}
	return err
}

// DuplicateDetected implements netaddr.NDPTransport: reports (and
// clears) whether a Neighbor Advertisement for tentative was observed
// since the last probe.
func (n *NDPConn) DuplicateDetected(iface *netaddr.Interface, tentative net.IP) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	dup := n.duplicates[tentative.String()]
	delete(n.duplicates, tentative.String())
	return dup
}

// solicitedNodeMulticast forms the RFC 4291 section 2.7.1 solicited-
// node multicast address ff02::1:ffXX:XXXX for target.
func solicitedNodeMulticast(target net.IP) net.IP {
	t := target.To16()
	m := net.ParseIP("ff02::1:ff00:0")
	copy(m[13:16], t[13:16])
	return m
}
