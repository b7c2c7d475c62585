package dhcp4

import (
	"net"
	"sync"
	"testing"

	"github.com/irai/netaddr"
)

type fakeClock struct {
	mu  sync.Mutex
	now uint32
}

func (c *fakeClock) NowMillis() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(ms uint32) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

type fakeRand struct{}

func (fakeRand) Uint32() uint32              { return 0x12345678 }
func (fakeRand) IntRange(lo, hi int32) int32 { return lo }

type fakeUDP struct {
	mu       sync.Mutex
	receiver netaddr.UDPReceiveFunc
	sent     []Message
}

func (f *fakeUDP) RegisterReceiver(port int, fn netaddr.UDPReceiveFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = fn
	return nil
}

func (f *fakeUDP) SendDatagram(iface *netaddr.Interface, srcPort int, dstIP net.IP, dstPort int, buf []byte, ttl uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, Message(cp))
	return nil
}

func (f *fakeUDP) deliver(iface *netaddr.Interface, buf []byte) {
	f.mu.Lock()
	fn := f.receiver
	f.mu.Unlock()
	if fn != nil {
		fn(iface, net.ParseIP("192.0.2.1"), ServerPort, buf, 0)
	}
}

func (f *fakeUDP) lastSent() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func newTestClient(t *testing.T) (*Client, *fakeClock, *fakeUDP, *netaddr.Interface) {
	t.Helper()
	iface := netaddr.NewInterface("eth0", net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, 1)
	iface.SetLinkState(netaddr.LinkUp)
	clock := &fakeClock{now: 10000}
	udp := &fakeUDP{}
	c, err := NewClient(Settings{Iface: iface}, udp, clock, fakeRand{})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, clock, udp, iface
}

func buildOffer(xid uint32, mac net.HardwareAddr) Message {
	var b optionsBuilder
	b.addByte(OptMessageType, MsgTypeOffer)
	b.addIPs(OptServerIdentifier, []net.IP{net.ParseIP("192.0.2.1")})
	b.addIPs(OptRouter, []net.IP{net.ParseIP("192.0.2.1")})
	b.add(OptSubnetMask, net.IPv4Mask(255, 255, 255, 0))
	b.addIPs(OptDNSServer, []net.IP{net.ParseIP("192.0.2.53")})
	b.addUint32(OptLeaseTime, 600)
	opts := b.build()
	return Marshal(BootReply, xid, 0, false, nil, net.ParseIP("192.0.2.10"), mac, opts)
}

func buildAck(xid uint32, mac net.HardwareAddr, lease uint32) Message {
	var b optionsBuilder
	b.addByte(OptMessageType, MsgTypeAck)
	b.addIPs(OptServerIdentifier, []net.IP{net.ParseIP("192.0.2.1")})
	b.addIPs(OptRouter, []net.IP{net.ParseIP("192.0.2.1")})
	b.add(OptSubnetMask, net.IPv4Mask(255, 255, 255, 0))
	b.addIPs(OptDNSServer, []net.IP{net.ParseIP("192.0.2.53")})
	b.addUint32(OptLeaseTime, lease)
	opts := b.build()
	return Marshal(BootReply, xid, 0, false, nil, net.ParseIP("192.0.2.10"), mac, opts)
}

func TestDHCPv4HappyPath(t *testing.T) {
	c, clock, udp, iface := newTestClient(t)
	c.Start()

	if err := c.Tick(); err != nil { // INIT -> SELECTING
		t.Fatalf("Tick() error = %v", err)
	}
	clock.advance(InitDelayMS + 1)
	if err := c.Tick(); err != nil { // SELECTING: sends Discover
		t.Fatalf("Tick() error = %v", err)
	}
	if c.GetState() != Selecting {
		t.Fatalf("state = %v, want Selecting", c.GetState())
	}
	sent := udp.lastSent()
	if sent == nil {
		t.Fatal("no Discover sent")
	}

	xid := sent.XID()
	offer := buildOffer(xid, iface.MAC)
	udp.deliver(iface, offer)

	if c.GetState() != Requesting {
		t.Fatalf("state = %v, want Requesting after Offer", c.GetState())
	}

	clock.advance(1)
	if err := c.Tick(); err != nil { // REQUESTING: sends Request
		t.Fatalf("Tick() error = %v", err)
	}
	sent = udp.lastSent()
	if sent == nil {
		t.Fatal("no Request sent")
	}

	ack := buildAck(xid, iface.MAC, 600)
	udp.deliver(iface, ack)

	if c.GetState() != Bound {
		t.Fatalf("state = %v, want Bound after Ack, got %v", c.GetState(), c.GetState())
	}
	v4 := iface.IPv4()
	if !v4.Addr.Equal(net.ParseIP("192.0.2.10")) {
		t.Errorf("Addr = %s, want 192.0.2.10", v4.Addr)
	}
	if !v4.DefaultGateway.Equal(net.ParseIP("192.0.2.1")) {
		t.Errorf("DefaultGateway = %s, want 192.0.2.1", v4.DefaultGateway)
	}
	if len(v4.DNSServers) != 1 || !v4.DNSServers[0].Equal(net.ParseIP("192.0.2.53")) {
		t.Errorf("DNSServers = %v, want [192.0.2.53]", v4.DNSServers)
	}
	if c.t1 != 300 || c.t2 != 525 {
		t.Errorf("T1/T2 = %d/%d, want 300/525", c.t1, c.t2)
	}
}

func TestDHCPv4NakDuringRenewResetsToInit(t *testing.T) {
	c, clock, udp, iface := newTestClient(t)
	c.Start()
	c.Tick()
	clock.advance(InitDelayMS + 1)
	c.Tick()
	sent := udp.lastSent()
	xid := sent.XID()
	udp.deliver(iface, buildOffer(xid, iface.MAC))
	clock.advance(1)
	c.Tick()
	udp.deliver(iface, buildAck(xid, iface.MAC, 600))
	if c.GetState() != Bound {
		t.Fatalf("precondition failed: state = %v, want Bound", c.GetState())
	}

	clock.advance(300*1000 + 1)
	c.Tick() // BOUND -> RENEWING
	if c.GetState() != Renewing {
		t.Fatalf("state = %v, want Renewing", c.GetState())
	}
	clock.advance(1)
	c.Tick() // sends renew request

	var nak optionsBuilder
	nak.addByte(OptMessageType, MsgTypeNak)
	nakMsg := Marshal(BootReply, c.xid, 0, false, nil, nil, iface.MAC, nak.build())
	udp.deliver(iface, nakMsg)

	if c.GetState() != Init {
		t.Fatalf("state = %v, want Init after Nak", c.GetState())
	}
	if iface.IPv4().Address != netaddr.AddrInvalid {
		t.Errorf("address state = %v, want Invalid", iface.IPv4().Address)
	}
}

func TestDHCPv4DeclineReturnsToInit(t *testing.T) {
	c, clock, udp, iface := newTestClient(t)
	c.Start()
	c.Tick()
	clock.advance(InitDelayMS + 1)
	c.Tick()
	sent := udp.lastSent()
	xid := sent.XID()
	udp.deliver(iface, buildOffer(xid, iface.MAC))
	clock.advance(1)
	c.Tick()
	udp.deliver(iface, buildAck(xid, iface.MAC, 600))

	if err := c.Decline(net.ParseIP("192.0.2.10")); err != nil {
		t.Fatalf("Decline() error = %v", err)
	}
	if c.GetState() != Init {
		t.Fatalf("state = %v, want Init after Decline", c.GetState())
	}
	declineMsg := udp.lastSent()
	opts, err := ParseOptions(declineMsg.Options())
	if err != nil {
		t.Fatalf("ParseOptions() error = %v", err)
	}
	if opts[OptMessageType][0] != MsgTypeDecline {
		t.Errorf("message type = %d, want Decline", opts[OptMessageType][0])
	}
}

func TestDHCPv4InitStaysWhileLinkDown(t *testing.T) {
	iface := netaddr.NewInterface("eth0", net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, 1)
	clock := &fakeClock{now: 10000}
	udp := &fakeUDP{}
	c, err := NewClient(Settings{Iface: iface}, udp, clock, fakeRand{})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	c.Start()

	if err := c.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	clock.advance(InitDelayMS + 1)
	if err := c.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if c.GetState() != Init {
		t.Fatalf("state = %v, want Init while link is down", c.GetState())
	}
	if len(udp.sent) != 0 {
		t.Errorf("sent %d datagrams while link is down, want 0", len(udp.sent))
	}

	iface.SetLinkState(netaddr.LinkUp)
	if err := c.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if c.GetState() != Selecting {
		t.Fatalf("state = %v, want Selecting once link comes up", c.GetState())
	}
}

func TestDHCPv4StopStartNoTransitionsWhileStopped(t *testing.T) {
	c, clock, udp, _ := newTestClient(t)
	c.Start()
	c.Tick()
	c.Stop()

	clock.advance(InitDelayMS + 1000)
	c.Tick()
	if c.GetState() != Init {
		t.Fatalf("state = %v, want Init while stopped", c.GetState())
	}
	if len(udp.sent) != 0 {
		t.Errorf("sent %d datagrams while stopped, want 0", len(udp.sent))
	}
}
