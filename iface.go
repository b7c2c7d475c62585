package netaddr

import (
	"net"
	"sync"
)

// AddrState is the tagged address-slot state from spec section 3.
// Addresses in Tentative state MUST NOT be used as source addresses.
type AddrState int

const (
	AddrInvalid AddrState = iota
	AddrTentative
	AddrPreferred
	AddrValid
)

func (s AddrState) String() string {
	switch s {
	case AddrInvalid:
		return "invalid"
	case AddrTentative:
		return "tentative"
	case AddrPreferred:
		return "preferred"
	case AddrValid:
		return "valid"
	default:
		return "unknown"
	}
}

// LinkState mirrors the physical/logical link carrier state that
// drives OnLinkChange in all three engines.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkUp
)

// IPv4Config is the interface's current IPv4 configuration, owned by
// Interface and mutated only through its setters (spec section 5,
// "Shared resources").
type IPv4Config struct {
	Address AddrState
	Addr    net.IP
	Mask    net.IPMask
	// Routers holds every Router option value a DHCPv4 Ack carried;
	// DefaultGateway is always Routers[0] when non-empty. Spec's Open
	// Question notes only the first value is used for the gateway -
	// kept unchanged, but the full list is retained (SPEC_FULL.md
	// section 9) for forward compatibility.
	Routers        []net.IP
	DefaultGateway net.IP
	DNSServers     []net.IP
	MTU            uint16
}

// IPv6Config is the interface's current IPv6 configuration: link-local
// and global addresses, the SLAAC-derived prefix, DNS, MTU and the
// NDP reachable/retransmit timers used to pace DAD.
type IPv6Config struct {
	LinkLocalState AddrState
	LinkLocal      net.IP
	GlobalState    AddrState
	Global         net.IP
	Prefix         net.IPNet
	DNSServers     []net.IP
	MTU            uint16
	HopLimit       uint8
	ReachableMS    uint32
	RetransMS      uint32
}

// Interface is the binding point spec section 3 describes: one
// network interface, referenced by exactly one instance of each
// engine. Ownership follows the "strict parenting rule" of the Design
// Notes (cyclic interface<->engine back-references): Interface owns
// engines; engines hold a non-owning back-reference to the Interface
// whose validity is bounded by Stop+deinit. Generalizes the teacher's
// Session (a mutex-guarded table of every LAN host) down to the state
// of the single local interface the stack runs on.
type Interface struct {
	mu sync.RWMutex

	Name string
	MAC  net.HardwareAddr
	ID   uint32 // interface id, used to derive IA identifiers
	Link LinkState

	v4 IPv4Config
	v6 IPv6Config
}

// NewInterface constructs an Interface bound to the given name/MAC.
// id is the IA identifier seed (spec section 3).
func NewInterface(name string, mac net.HardwareAddr, id uint32) *Interface {
	return &Interface{Name: name, MAC: CopyMAC(mac), ID: id}
}

func (i *Interface) SetLinkState(s LinkState) {
	i.mu.Lock()
	i.Link = s
	i.mu.Unlock()
}

func (i *Interface) LinkState() LinkState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.Link
}

// IPv4 returns a copy of the current IPv4 configuration.
func (i *Interface) IPv4() IPv4Config {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.v4
}

// IPv6 returns a copy of the current IPv6 configuration.
func (i *Interface) IPv6() IPv6Config {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.v6
}

// SetHostAddr assigns the IPv4 host address and its slot state (spec
// section 6, external interface setHostAddr).
func (i *Interface) SetHostAddr(addr net.IP, state AddrState) {
	i.mu.Lock()
	i.v4.Addr = CopyIP(addr)
	i.v4.Address = state
	i.mu.Unlock()
}

// InvalidateIPv4 tears down the IPv4 address, matching the invariant
// "the interface's IPv4 address is Invalid whenever the DHCPv4 engine
// is not in {BOUND, RENEWING, REBINDING}".
func (i *Interface) InvalidateIPv4() {
	i.mu.Lock()
	i.v4 = IPv4Config{}
	i.mu.Unlock()
}

func (i *Interface) SetSubnetMask(mask net.IPMask) {
	i.mu.Lock()
	i.v4.Mask = mask
	i.mu.Unlock()
}

func (i *Interface) SetMTU(mtu uint16) {
	i.mu.Lock()
	i.v4.MTU = mtu
	i.mu.Unlock()
}

// SetDefaultGateway records the full router list; routers[0] becomes
// DefaultGateway, matching the Open Question's documented behavior.
func (i *Interface) SetDefaultGateway(routers []net.IP) {
	i.mu.Lock()
	i.v4.Routers = routers
	if len(routers) > 0 {
		i.v4.DefaultGateway = routers[0]
	} else {
		i.v4.DefaultGateway = nil
	}
	i.mu.Unlock()
}

func (i *Interface) SetDNSServers(servers []net.IP) {
	i.mu.Lock()
	i.v4.DNSServers = servers
	i.mu.Unlock()
}

// SetLinkLocalAddr assigns the IPv6 link-local address and its DAD
// slot state. An address in Tentative state has no associated default
// route (spec section 3 invariant) - enforced by callers never
// reading LinkLocal for routing decisions while LinkLocalState is
// AddrTentative.
func (i *Interface) SetLinkLocalAddr(addr net.IP, state AddrState) {
	i.mu.Lock()
	i.v6.LinkLocal = CopyIP(addr)
	i.v6.LinkLocalState = state
	i.mu.Unlock()
}

func (i *Interface) SetGlobalAddr(addr net.IP, state AddrState) {
	i.mu.Lock()
	i.v6.Global = CopyIP(addr)
	i.v6.GlobalState = state
	i.mu.Unlock()
}

func (i *Interface) InvalidateGlobalAddr() {
	i.mu.Lock()
	i.v6.Global = nil
	i.v6.GlobalState = AddrInvalid
	i.v6.Prefix = net.IPNet{}
	i.mu.Unlock()
}

func (i *Interface) SetPrefix(prefix net.IPNet) {
	i.mu.Lock()
	i.v6.Prefix = prefix
	i.mu.Unlock()
}

func (i *Interface) SetIPv6DNSServers(servers []net.IP) {
	i.mu.Lock()
	i.v6.DNSServers = servers
	i.mu.Unlock()
}

func (i *Interface) SetIPv6MTU(mtu uint16) {
	i.mu.Lock()
	i.v6.MTU = mtu
	i.mu.Unlock()
}
