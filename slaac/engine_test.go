package slaac

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

func (fakeRand) Uint32() uint32             { return 0 }
func (fakeRand) IntRange(lo, hi int32) int32 { return lo }

type fakeNDP struct {
	mu         sync.Mutex
	duplicates map[string]bool
	nsSent     int
	rsSent     int
}

func newFakeNDP() *fakeNDP {
	return &fakeNDP{duplicates: make(map[string]bool)}
}

func (f *fakeNDP) SendNeighborSolicitation(iface *netaddr.Interface, target net.IP, multicast bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nsSent++
	return nil
}

func (f *fakeNDP) SendRouterSolicitation(iface *netaddr.Interface) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rsSent++
	return nil
}

func (f *fakeNDP) DuplicateDetected(iface *netaddr.Interface, tentative net.IP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duplicates[tentative.String()]
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *fakeNDP) {
	t.Helper()
	iface := netaddr.NewInterface("eth0", net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, 1)
	iface.SetLinkState(netaddr.LinkUp)
	clock := &fakeClock{now: 1000}
	ndp := newFakeNDP()
	e, err := NewEngine(Settings{Iface: iface, DupAddrDetectTransmits: 1, MaxRtrSolicitations: 3}, clock, fakeRand{}, ndp)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e, clock, ndp
}

func TestEngineInitFormsLinkLocal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if e.State() != LinkLocalAddrDAD {
		t.Fatalf("state = %v, want LinkLocalAddrDAD", e.State())
	}
	v6 := e.settings.Iface.IPv6()
	if v6.LinkLocalState != netaddr.AddrTentative {
		t.Errorf("LinkLocalState = %v, want Tentative", v6.LinkLocalState)
	}
	if v6.LinkLocal == nil {
		t.Fatal("LinkLocal address not set")
	}
}

func TestEngineLinkLocalDADSuccessEntersRouterSolicit(t *testing.T) {
	e, clock, ndp := newTestEngine(t)
	e.Start()
	e.Tick() // INIT -> LINK-LOCAL-ADDR-DAD

	clock.advance(1100)
	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if ndp.nsSent != 1 {
		t.Fatalf("nsSent = %d, want 1", ndp.nsSent)
	}
	if e.State() != LinkLocalAddrDAD {
		t.Fatalf("state = %v, want still LinkLocalAddrDAD after first NS", e.State())
	}

	clock.advance(1100)
	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if e.State() != RouterSolicit {
		t.Fatalf("state = %v, want RouterSolicit", e.State())
	}
	v6 := e.settings.Iface.IPv6()
	if v6.LinkLocalState != netaddr.AddrPreferred {
		t.Errorf("LinkLocalState = %v, want Preferred", v6.LinkLocalState)
	}
}

func TestEngineDuplicateLinkLocalEntersDADFailure(t *testing.T) {
	e, clock, ndp := newTestEngine(t)
	e.Start()
	e.Tick() // INIT -> LINK-LOCAL-ADDR-DAD
	v6 := e.settings.Iface.IPv6()
	ndp.duplicates[v6.LinkLocal.String()] = true

	clock.advance(1100)
	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if e.State() != DADFailure {
		t.Fatalf("state = %v, want DADFailure", e.State())
	}
	v6 = e.settings.Iface.IPv6()
	if v6.LinkLocalState != netaddr.AddrInvalid {
		t.Errorf("LinkLocalState = %v, want Invalid", v6.LinkLocalState)
	}
}

func TestEngineRouterSolicitExhaustionEntersNoRouter(t *testing.T) {
	e, clock, ndp := newTestEngine(t)
	e.Start()
	e.Tick() // INIT -> LINK-LOCAL-ADDR-DAD
	clock.advance(1100)
	e.Tick() // NS #1
	clock.advance(1100)
	e.Tick() // DAD done -> ROUTER-SOLICIT, delay scheduled with IntRange(lo)==lo==0

	for i := 0; i < 4; i++ {
		clock.advance(int32AsUint32(RtrSolicitationInterval.Milliseconds()))
		e.Tick()
	}
	if e.State() != NoRouter {
		t.Fatalf("state = %v, want NoRouter, rsSent=%d", e.State(), ndp.rsSent)
	}
}

func int32AsUint32(v int64) uint32 { return uint32(v) }

func TestEngineRouterAdvertisementFormsGlobalAddr(t *testing.T) {
	e, clock, ndp := newTestEngine(t)
	e.Start()
	e.Tick() // INIT -> LINK-LOCAL-ADDR-DAD
	clock.advance(1100)
	e.Tick()
	clock.advance(1100)
	e.Tick() // now RouterSolicit

	pi := PrefixInformation{
		PrefixLength:      64,
		OnLink:            true,
		Autonomous:        true,
		ValidLifetime:     2592000,
		PreferredLifetime: 604800,
		Prefix:            net.ParseIP("2001:db8:1::"),
	}
	buf := make([]byte, 12)
	buf[0] = 64
	ra, err := ParseRouterAdvertisement(append(buf, pi.Marshal()...))
	if err != nil {
		t.Fatalf("ParseRouterAdvertisement() error = %v", err)
	}
	e.OnRouterAdvertisement(ra)

	if e.State() != GlobalAddrDAD {
		t.Fatalf("state = %v, want GlobalAddrDAD", e.State())
	}
	v6 := e.settings.Iface.IPv6()
	if v6.GlobalState != netaddr.AddrTentative {
		t.Errorf("GlobalState = %v, want Tentative", v6.GlobalState)
	}
	if v6.Global == nil {
		t.Fatal("Global address not formed")
	}

	clock.advance(1100)
	e.Tick()
	if ndp.nsSent < 2 {
		t.Errorf("expected NS sent for global DAD, nsSent=%d", ndp.nsSent)
	}

	clock.advance(1100)
	e.Tick()
	if e.State() != Configured {
		t.Fatalf("state = %v, want Configured", e.State())
	}
}

func TestEngineInitStaysWhileLinkDown(t *testing.T) {
	iface := netaddr.NewInterface("eth0", net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, 1)
	clock := &fakeClock{now: 1000}
	ndp := newFakeNDP()
	e, err := NewEngine(Settings{Iface: iface, DupAddrDetectTransmits: 1, MaxRtrSolicitations: 3}, clock, fakeRand{}, ndp)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.Start()

	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if e.State() != Init {
		t.Fatalf("state = %v, want Init while link is down", e.State())
	}
	v6 := e.settings.Iface.IPv6()
	if v6.LinkLocal != nil {
		t.Errorf("LinkLocal = %s, want unset while link is down", v6.LinkLocal)
	}

	iface.SetLinkState(netaddr.LinkUp)
	if err := e.Tick(); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if e.State() != LinkLocalAddrDAD {
		t.Fatalf("state = %v, want LinkLocalAddrDAD once link comes up", e.State())
	}
}

func TestEngineOnLinkChangeDownStopsEngine(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Start()
	if err := e.OnLinkChange(false); err != nil {
		t.Fatalf("OnLinkChange(false) error = %v", err)
	}
	if e.State() != Init {
		t.Fatalf("state = %v, want Init", e.State())
	}
}
