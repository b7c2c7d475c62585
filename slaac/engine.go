package slaac

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/irai/netaddr"
)

// State is a SLAAC engine state per spec section 4.3.
type State uint8

const (
	Init State = iota
	LinkLocalAddrDAD
	RouterSolicit
	GlobalAddrDAD
	Configured
	NoRouter
	DADFailure
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case LinkLocalAddrDAD:
		return "LINK-LOCAL-ADDR-DAD"
	case RouterSolicit:
		return "ROUTER-SOLICIT"
	case GlobalAddrDAD:
		return "GLOBAL-ADDR-DAD"
	case Configured:
		return "CONFIGURED"
	case NoRouter:
		return "NO-ROUTER"
	case DADFailure:
		return "DAD-FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Settings configures an Engine, matching spec section 3's SLAAC
// context field list. Zero-value fields are replaced by
// GetDefaultSettings' defaults in NewEngine, mirroring
// Session.Config's clamping-in-constructor pattern.
type Settings struct {
	Iface *netaddr.Interface

	MinRtrSolicitationDelay  int32 // milliseconds
	MaxRtrSolicitationDelay  int32 // milliseconds
	RtrSolicitationInterval  int32 // milliseconds
	MaxRtrSolicitations      int
	DupAddrDetectTransmits   int
	ManualDNSConfig          bool

	// OnRouterAdvertisement, if set, is invoked with the raw RA body
	// whenever one is processed, after the engine applies its own
	// prefix/DNS extraction - the RA-parse callback spec section 3
	// names as a settings field.
	OnRouterAdvertisement func(ra RouterAdvertisement)
}

// GetDefaultSettings returns the RFC 4861/4862 defaults.
func GetDefaultSettings() Settings {
	return Settings{
		MinRtrSolicitationDelay: 0,
		MaxRtrSolicitationDelay: int32(MaxRtrSolicitationDelay.Milliseconds()),
		RtrSolicitationInterval: int32(RtrSolicitationInterval.Milliseconds()),
		MaxRtrSolicitations:     MaxRtrSolicitations,
		DupAddrDetectTransmits:  DupAddrDetectTransmits,
	}
}

// Engine runs the SLAAC state machine for a single interface. The
// zero value is not usable; construct with NewEngine.
type Engine struct {
	mu sync.Mutex

	settings Settings
	clock    netaddr.Clock
	rand     netaddr.RandSource
	ndp      netaddr.NDPTransport

	running bool
	state   State

	timestamp uint32
	timeout   uint32
	rtCount   int

	tentative    net.IP
	probingGlobal bool

	dadNotify func(State)
}

// NewEngine constructs an Engine. settings.Iface, clock, rnd, and ndp
// must be non-nil.
func NewEngine(settings Settings, clock netaddr.Clock, rnd netaddr.RandSource, ndp netaddr.NDPTransport) (*Engine, error) {
	if settings.Iface == nil || clock == nil || rnd == nil || ndp == nil {
		return nil, netaddr.ErrInvalidParameter
	}
	def := GetDefaultSettings()
	if settings.MaxRtrSolicitationDelay <= 0 {
		settings.MaxRtrSolicitationDelay = def.MaxRtrSolicitationDelay
	}
	if settings.RtrSolicitationInterval <= 0 {
		settings.RtrSolicitationInterval = def.RtrSolicitationInterval
	}
	if settings.MaxRtrSolicitations <= 0 {
		settings.MaxRtrSolicitations = def.MaxRtrSolicitations
	}
	if settings.DupAddrDetectTransmits <= 0 {
		settings.DupAddrDetectTransmits = def.DupAddrDetectTransmits
	}
	return &Engine{settings: settings, clock: clock, rand: rnd, ndp: ndp, state: Init}, nil
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnStateChange registers fn to be invoked (outside the engine lock,
// per the two-phase callback contract) with the current state at the
// end of every running Tick whose timeout has elapsed, whether or not
// that Tick changed the state. Transitions made by
// OnRouterAdvertisement or OnLinkChange do not invoke fn.
func (e *Engine) OnStateChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dadNotify = fn
}

// Start marks the engine running from Init; the link-local address is
// only formed once Tick observes the interface's link up (spec
// section 4.3, INIT: "on link-up").
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
	e.state = Init
	return nil
}

// Stop halts the engine and resets its state to INIT;
// OnLinkChange(false) does the same.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.state = Init
}

func (e *Engine) enterInitLocked() error {
	mac := e.settings.Iface.MAC
	eui, err := netaddr.MACToEUI64(mac)
	if err != nil {
		return err
	}
	e.tentative = netaddr.LinkLocalAddr(eui)
	e.probingGlobal = false
	e.settings.Iface.SetLinkLocalAddr(e.tentative, netaddr.AddrTentative)
	e.rtCount = 0
	e.timestamp = e.clock.NowMillis()
	e.timeout = e.timestamp
	e.transitionLocked(LinkLocalAddrDAD)
	return nil
}

func (e *Engine) transitionLocked(s State) {
	if e.state == s {
		return
	}
	log.WithFields(log.Fields{"from": e.state, "to": s}).Debug("slaac: state transition")
	e.state = s
}

// Tick must be called periodically (e.g. every 100ms) to drive
// timer-based retransmission and timeout logic, mirroring the
// teacher's own tick-driven engines.
func (e *Engine) Tick() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	now := e.clock.NowMillis()
	if netaddr.TimeBefore(now, e.timeout) {
		e.mu.Unlock()
		return nil
	}

	var cb func(State)
	var cbArg State
	switch e.state {
	case Init:
		if e.settings.Iface.LinkState() == netaddr.LinkUp {
			if err := e.enterInitLocked(); err != nil {
				e.mu.Unlock()
				return err
			}
		}
	case LinkLocalAddrDAD, GlobalAddrDAD:
		e.tickDADLocked()
	case RouterSolicit:
		e.tickRouterSolicitLocked()
	case NoRouter:
		// passive: remains until an RA arrives via OnReceive.
	case DADFailure, Configured:
		// terminal/steady states: nothing to retransmit.
	}
	if e.dadNotify != nil {
		cb = e.dadNotify
		cbArg = e.state
	}
	e.mu.Unlock()

	if cb != nil {
		cb(cbArg)
	}
	return nil
}

func (e *Engine) tickDADLocked() {
	if e.ndp.DuplicateDetected(e.settings.Iface, e.tentative) {
		if e.probingGlobal {
			e.settings.Iface.InvalidateGlobalAddr()
		} else {
			e.settings.Iface.SetLinkLocalAddr(nil, netaddr.AddrInvalid)
		}
		e.transitionLocked(DADFailure)
		return
	}
	if e.rtCount >= e.settings.DupAddrDetectTransmits {
		if e.probingGlobal {
			e.settings.Iface.SetGlobalAddr(e.tentative, netaddr.AddrPreferred)
			e.transitionLocked(Configured)
			return
		}
		e.settings.Iface.SetLinkLocalAddr(e.tentative, netaddr.AddrPreferred)
		delay := e.settings.MinRtrSolicitationDelay
		if e.settings.MaxRtrSolicitationDelay > e.settings.MinRtrSolicitationDelay {
			delay += e.rand.IntRange(0, e.settings.MaxRtrSolicitationDelay-e.settings.MinRtrSolicitationDelay)
		}
		e.timeout = uint32(int64(e.clock.NowMillis()) + int64(delay))
		e.rtCount = 0
		e.transitionLocked(RouterSolicit)
		return
	}
	if err := e.ndp.SendNeighborSolicitation(e.settings.Iface, e.tentative, true); err != nil {
		log.WithError(err).Debug("slaac: NS send failed")
	}
	e.rtCount++
	e.timeout = uint32(int64(e.clock.NowMillis()) + int64(e.retransMillis()))
}

func (e *Engine) retransMillis() int32 {
	if v6 := e.settings.Iface.IPv6(); v6.RetransMS > 0 {
		return int32(v6.RetransMS)
	}
	return int32(RetransTimerDefault.Milliseconds())
}

func (e *Engine) tickRouterSolicitLocked() {
	if e.rtCount >= e.settings.MaxRtrSolicitations {
		e.transitionLocked(NoRouter)
		return
	}
	if err := e.ndp.SendRouterSolicitation(e.settings.Iface); err != nil {
		log.WithError(err).Debug("slaac: RS send failed")
	}
	e.rtCount++
	e.timeout = uint32(int64(e.clock.NowMillis()) + int64(e.settings.RtrSolicitationInterval))
}

// OnRouterAdvertisement processes a received RA per spec section 4.3:
// valid only in ROUTER-SOLICIT or NO-ROUTER. Extracts the first
// Prefix Information option meeting the Autonomous/length/lifetime
// criteria and begins GLOBAL-ADDR-DAD.
func (e *Engine) OnRouterAdvertisement(ra RouterAdvertisement) {
	e.mu.Lock()

	if e.state != RouterSolicit && e.state != NoRouter {
		e.mu.Unlock()
		return
	}

	opts, err := ra.Options()
	if err != nil {
		e.mu.Unlock()
		return
	}

	linkLocalPrefix := net.IPNet{IP: net.ParseIP("fe80::"), Mask: net.CIDRMask(64, 128)}
	var chosen *PrefixInformation
	var dns *RecursiveDNSServer
	for _, opt := range opts {
		switch opt.Type() {
		case OptPrefixInformation:
			pi, err := ParsePrefixInformation(opt)
			if err != nil {
				continue
			}
			if !pi.Autonomous || pi.PrefixLength != 64 || pi.ValidLifetime == 0 || pi.PreferredLifetime > pi.ValidLifetime {
				continue
			}
			if linkLocalPrefix.Contains(pi.Prefix) {
				continue
			}
			if chosen == nil {
				p := pi
				chosen = &p
			}
		case OptRDNSS:
			if e.settings.ManualDNSConfig {
				continue
			}
			r, err := ParseRecursiveDNSServer(opt)
			if err == nil && dns == nil {
				d := r
				dns = &d
			}
		}
	}

	cb := e.settings.OnRouterAdvertisement

	if chosen == nil {
		e.mu.Unlock()
		if cb != nil {
			cb(ra)
		}
		return
	}

	eui, err := netaddr.MACToEUI64(e.settings.Iface.MAC)
	if err != nil {
		e.mu.Unlock()
		return
	}
	global := netaddr.GlobalAddr(chosen.Prefix, eui)
	e.tentative = global
	e.probingGlobal = true
	e.settings.Iface.SetPrefix(net.IPNet{IP: chosen.Prefix, Mask: net.CIDRMask(64, 128)})
	e.settings.Iface.SetGlobalAddr(global, netaddr.AddrTentative)
	if dns != nil {
		e.settings.Iface.SetIPv6DNSServers(dns.Servers)
	}
	e.rtCount = 0
	e.timestamp = e.clock.NowMillis()
	e.timeout = e.timestamp
	e.transitionLocked(GlobalAddrDAD)
	e.mu.Unlock()

	if cb != nil {
		cb(ra)
	}
}

// OnLinkChange reinitializes the engine on link up, marking it running
// and forming the link-local address at once, and stops it on link
// down, resetting the state to INIT. Unlike the DHCPv4/DHCPv6 clients,
// which stay running across a link down, it starts the engine on link
// up even if it was not running.
func (e *Engine) OnLinkChange(up bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !up {
		e.running = false
		e.state = Init
		return nil
	}
	e.running = true
	return e.enterInitLocked()
}
