package dhcp4

import (
	"encoding/binary"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/irai/netaddr"
)

// State is a DHCPv4 client state per spec section 4.1.
type State uint8

const (
	Init State = iota
	Selecting
	Requesting
	InitReboot
	Rebooting
	Bound
	Renewing
	Rebinding
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Selecting:
		return "SELECTING"
	case Requesting:
		return "REQUESTING"
	case InitReboot:
		return "INIT-REBOOT"
	case Rebooting:
		return "REBOOTING"
	case Bound:
		return "BOUND"
	case Renewing:
		return "RENEWING"
	case Rebinding:
		return "REBINDING"
	default:
		return "UNKNOWN"
	}
}

// Settings configures a Client, matching spec section 3's DHCPv4
// client context settings field list.
type Settings struct {
	Iface *netaddr.Interface

	Hostname        string
	RapidCommit     bool
	ManualDNSConfig bool

	// UserTimeoutMS is an advisory deadline, milliseconds since
	// configStart, after which OnTimeout fires at most once per
	// acquisition attempt.
	UserTimeoutMS int32
	OnTimeout     func()

	OnLinkChange  func(up bool)
	OnStateChange func(State)
}

// GetDefaultSettings returns the spec section 4.1 getDefaultSettings
// values: no hostname override, no rapid commit, DNS from server,
// timeout disabled.
func GetDefaultSettings() Settings {
	return Settings{}
}

// Client runs the DHCPv4 client state machine for a single interface.
// The zero value is not usable; construct with Init.
type Client struct {
	mu sync.Mutex

	settings Settings
	udp      netaddr.UDPTransport
	clock    netaddr.Clock
	rand     netaddr.RandSource

	running bool
	state   State

	timestamp         uint32
	timeout           uint32
	retransmitTimeout uint32
	retransmitCount   int
	configStartTime   uint32
	leaseStartTime    uint32
	timeoutEventFired bool

	xid            uint32
	offeredAddr    net.IP
	serverIP       net.IP
	leaseTime      uint32
	t1, t2         uint32
	hadPriorLease  bool
}

// NewClient validates settings and registers the client's UDP receive
// callback on ClientPort, per spec section 4.1's init operation.
func NewClient(settings Settings, udp netaddr.UDPTransport, clock netaddr.Clock, rnd netaddr.RandSource) (*Client, error) {
	if settings.Iface == nil || udp == nil || clock == nil || rnd == nil {
		return nil, netaddr.ErrInvalidParameter
	}
	if settings.Hostname == "" {
		settings.Hostname = settings.Iface.Name
	}
	if len(settings.Hostname) > MaxHostname {
		settings.Hostname = settings.Hostname[:MaxHostname]
	}

	c := &Client{settings: settings, udp: udp, clock: clock, rand: rnd, state: Init}
	if err := udp.RegisterReceiver(ClientPort, c.onReceive); err != nil {
		return nil, netaddr.ErrOutOfResources
	}
	return c, nil
}

// Deinit unregisters the UDP receive callback. Callers must Stop
// before Deinit.
func (c *Client) Deinit() error {
	return c.udp.RegisterReceiver(ClientPort, nil)
}

// Start sets running and resets state to INIT, under the mutex.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.state = Init
}

// Stop clears running and resets state to INIT. The lease fields are
// left in place, but Start re-enters INIT, so the next acquisition
// begins with DISCOVER rather than INIT-REBOOT.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.state = Init
}

// GetState returns a snapshot of the current state under the mutex.
func (c *Client) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnLinkChange re-arms the state machine on a link transition (spec
// section 4.1). On link down the IPv4 address is invalidated if
// running.
func (c *Client) OnLinkChange(up bool) {
	c.mu.Lock()

	if !up {
		if c.running {
			c.settings.Iface.InvalidateIPv4()
		}
		c.mu.Unlock()
		c.notifyLinkChange(up)
		return
	}

	if c.running {
		if c.state >= InitReboot && c.hadPriorLease {
			c.state = InitReboot
		} else {
			c.state = Init
		}
	}
	c.mu.Unlock()
	c.notifyLinkChange(up)
}

func (c *Client) notifyLinkChange(up bool) {
	if c.settings.OnLinkChange != nil {
		c.settings.OnLinkChange(up)
	}
}

func (c *Client) notifyStateChange(s State) {
	if c.settings.OnStateChange != nil {
		c.settings.OnStateChange(s)
	}
}

func (c *Client) transitionLocked(s State) {
	if c.state == s {
		return
	}
	log.WithFields(log.Fields{"from": c.state, "to": s}).Debug("dhcp4: state transition")
	c.state = s
}

// Tick advances the FSM; it must be invoked periodically (spec
// section 4.1, e.g. every ~200ms).
func (c *Client) Tick() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	now := c.clock.NowMillis()

	c.maybeFireTimeoutLocked(now)

	if netaddr.TimeBefore(now, c.timeout) {
		c.mu.Unlock()
		return nil
	}

	var changed State
	var notify bool
	switch c.state {
	case Init:
		if c.settings.Iface.LinkState() == netaddr.LinkUp {
			c.enterInitLocked(now)
		}
	case Selecting:
		c.tickSelectingLocked(now)
	case Requesting:
		c.tickRequestingOrRebootingLocked(now, false)
	case InitReboot:
		if c.settings.Iface.LinkState() == netaddr.LinkUp {
			c.enterInitRebootLocked(now)
		}
	case Rebooting:
		c.tickRequestingOrRebootingLocked(now, true)
	case Bound:
		c.tickBoundLocked(now)
	case Renewing:
		c.tickRenewingLocked(now, false)
	case Rebinding:
		c.tickRenewingLocked(now, true)
	default:
		log.WithField("state", c.state).Warn("dhcp4: tick on unrecognized state, resetting")
		c.state = Init
	}
	changed = c.state
	notify = c.settings.OnStateChange != nil
	c.mu.Unlock()

	if notify {
		c.notifyStateChange(changed)
	}
	return nil
}

func (c *Client) maybeFireTimeoutLocked(now uint32) {
	if c.settings.UserTimeoutMS <= 0 || c.timeoutEventFired {
		return
	}
	if c.state == Bound || c.state == Renewing || c.state == Rebinding {
		return
	}
	if netaddr.TimeAfter(now, c.configStartTime+uint32(c.settings.UserTimeoutMS)) {
		c.timeoutEventFired = true
		cb := c.settings.OnTimeout
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
		c.mu.Lock()
	}
}

func (c *Client) enterInitLocked(now uint32) {
	delay := c.rand.IntRange(0, InitDelayMS)
	c.configStartTime = now
	c.timeoutEventFired = false
	c.timeout = uint32(int64(now) + int64(delay))
	c.transitionLocked(Selecting)
}

func (c *Client) enterInitRebootLocked(now uint32) {
	delay := c.rand.IntRange(0, InitDelayMS)
	c.configStartTime = now
	c.timeoutEventFired = false
	c.timeout = uint32(int64(now) + int64(delay))
	c.transitionLocked(Rebooting)
}

func (c *Client) backoff(rt uint32, initRT, maxRT uint32) uint32 {
	if rt == 0 {
		return initRT
	}
	next := rt * 2
	if next > maxRT {
		next = maxRT
	}
	return next
}

func (c *Client) tickSelectingLocked(now uint32) {
	if c.retransmitCount == 0 {
		c.xid = c.rand.Uint32()
		c.retransmitTimeout = DiscoverInitRTMS
	} else {
		c.retransmitTimeout = c.backoff(c.retransmitTimeout, DiscoverInitRTMS, DiscoverMaxRTMS)
	}
	c.sendDiscover(now)
	c.retransmitCount++
	c.timestamp = now
	jitter := netaddr.RandSym(c.rand, RandFactorMS)
	c.timeout = uint32(int64(now) + int64(c.retransmitTimeout) + int64(jitter))
}

func (c *Client) sendDiscover(now uint32) {
	var b optionsBuilder
	b.addByte(OptMessageType, MsgTypeDiscover)
	if c.settings.Hostname != "" {
		b.add(OptHostName, []byte(c.settings.Hostname))
	}
	if c.settings.RapidCommit {
		b.add(OptRapidCommit, nil)
	}
	b.add(OptParameterRequestList, defaultParamRequestList)

	secs := elapsedSeconds(c.configStartTime, now)
	msg := Marshal(BootRequest, c.xid, secs, true, nil, nil, c.settings.Iface.MAC, b.build())
	c.sendBroadcast(msg)
}

func (c *Client) sendBroadcast(msg Message) {
	dst := net.IPv4bcast
	if err := c.udp.SendDatagram(c.settings.Iface, ClientPort, dst, ServerPort, msg, IPv4DefaultTTL); err != nil {
		log.WithError(err).Debug("dhcp4: send failed")
	}
}

func elapsedSeconds(start, now uint32) uint16 {
	d := now - start
	secs := d / 1000
	if secs > 0xFFFF {
		secs = 0xFFFF
	}
	return uint16(secs)
}

func (c *Client) tickRequestingOrRebootingLocked(now uint32, rebooting bool) {
	if c.retransmitCount >= RequestMaxRC {
		c.offeredAddr = nil
		c.serverIP = nil
		c.transitionLocked(Init)
		return
	}
	if c.retransmitCount == 0 {
		c.retransmitTimeout = RequestInitRTMS
	} else {
		c.retransmitTimeout = c.backoff(c.retransmitTimeout, RequestInitRTMS, RequestMaxRTMS)
	}
	c.sendRequest(now, rebooting)
	c.retransmitCount++
	c.timestamp = now
	jitter := netaddr.RandSym(c.rand, RandFactorMS)
	c.timeout = uint32(int64(now) + int64(c.retransmitTimeout) + int64(jitter))
}

func (c *Client) sendRequest(now uint32, rebooting bool) {
	var b optionsBuilder
	b.addByte(OptMessageType, MsgTypeRequest)
	if c.settings.Hostname != "" {
		b.add(OptHostName, []byte(c.settings.Hostname))
	}
	if !rebooting && c.serverIP != nil {
		b.addIPs(OptServerIdentifier, []net.IP{c.serverIP})
	}
	if c.offeredAddr != nil {
		b.addIPs(OptRequestedIPAddress, []net.IP{c.offeredAddr})
	}
	b.add(OptParameterRequestList, defaultParamRequestList)

	secs := elapsedSeconds(c.configStartTime, now)
	msg := Marshal(BootRequest, c.xid, secs, true, nil, nil, c.settings.Iface.MAC, b.build())
	c.sendBroadcast(msg)
}

func (c *Client) tickBoundLocked(now uint32) {
	if c.t1 == 0xFFFFFFFF {
		return
	}
	if uint64(now-c.leaseStartTime) >= uint64(c.t1)*1000 {
		c.configStartTime = now
		c.retransmitCount = 0
		c.retransmitTimeout = 0
		c.transitionLocked(Renewing)
	}
}

func (c *Client) tickRenewingLocked(now uint32, rebind bool) {
	boundary := c.t2
	if rebind {
		boundary = c.leaseTime
	}
	if boundary != 0xFFFFFFFF {
		deadline := c.leaseStartTime + uint32(uint64(boundary)*1000)
		if netaddr.TimeAfter(now, deadline) || now == deadline {
			if rebind {
				c.settings.Iface.InvalidateIPv4()
				c.offeredAddr = nil
				c.hadPriorLease = false
				c.timeout = now
				c.transitionLocked(Init)
				return
			}
			c.timeout = now
			c.transitionLocked(Rebinding)
			c.retransmitCount = 0
			return
		}
	}

	first := c.retransmitCount == 0
	if first {
		c.xid = c.rand.Uint32()
	}
	c.sendRenewRequest(now, rebind)
	c.retransmitCount++
	c.timestamp = now

	if boundary == 0xFFFFFFFF {
		c.timeout = uint32(int64(now) + int64(RequestInitRTMS))
		return
	}
	deadline := c.leaseStartTime + uint32(uint64(boundary)*1000)
	remaining := deadline - now
	to := remaining
	if to > 2*RequestMinDelayMS {
		to /= 2
	}
	c.timeout = uint32(int64(now) + int64(to))
}

func (c *Client) sendRenewRequest(now uint32, broadcast bool) {
	var b optionsBuilder
	b.addByte(OptMessageType, MsgTypeRequest)
	if c.settings.Hostname != "" {
		b.add(OptHostName, []byte(c.settings.Hostname))
	}
	b.add(OptParameterRequestList, defaultParamRequestList)

	secs := elapsedSeconds(c.configStartTime, now)
	msg := Marshal(BootRequest, c.xid, secs, broadcast, c.settings.Iface.IPv4().Addr, nil, c.settings.Iface.MAC, b.build())
	if broadcast {
		c.sendBroadcast(msg)
		return
	}
	if err := c.udp.SendDatagram(c.settings.Iface, ClientPort, c.serverIP, ServerPort, msg, IPv4DefaultTTL); err != nil {
		log.WithError(err).Debug("dhcp4: unicast renew send failed")
	}
}

// onReceive is the UDP receive callback registered on ClientPort.
func (c *Client) onReceive(iface *netaddr.Interface, srcIP net.IP, srcPort int, buf []byte, offset int) {
	if offset > 0 && offset <= len(buf) {
		buf = buf[offset:]
	}
	if len(buf) < FixedHeaderLen+4+1 || len(buf) > MaxMessageLen {
		return
	}
	msg, err := Parse(buf)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	if msg.Op() != BootReply || msg.HType() != HTypeEthernet || msg.HLen() != HLenEthernet {
		return
	}
	if msg.XID() != c.xid {
		return
	}
	if msg.CHAddr().String() != c.settings.Iface.MAC.String() {
		return
	}

	opts, err := ParseOptions(msg.Options())
	if err != nil {
		return
	}
	mt, ok := opts[OptMessageType]
	if !ok || len(mt) != 1 {
		return
	}

	switch c.state {
	case Selecting:
		if mt[0] != MsgTypeOffer {
			return
		}
		c.handleOfferLocked(msg, opts)
	case Requesting, Rebooting, Renewing, Rebinding:
		switch mt[0] {
		case MsgTypeAck:
			c.handleAckLocked(msg, opts)
		case MsgTypeNak:
			c.handleNakLocked()
		}
	}
}

func (c *Client) handleOfferLocked(msg Message, opts Options) {
	if msg.YIAddr().Equal(net.IPv4zero) {
		return
	}
	sid, ok := opts[OptServerIdentifier]
	if !ok || len(sid) != 4 {
		return
	}
	c.offeredAddr = append(net.IP{}, msg.YIAddr()...)
	c.serverIP = net.IP(sid)
	c.retransmitCount = 0
	c.retransmitTimeout = 0
	c.timeout = c.clock.NowMillis()
	c.transitionLocked(Requesting)
}

func (c *Client) handleAckLocked(msg Message, opts Options) {
	sid, hasSID := opts[OptServerIdentifier]
	if (c.state == Requesting || c.state == Renewing) && c.serverIP != nil {
		if !hasSID || len(sid) != 4 || !net.IP(sid).Equal(c.serverIP) {
			return
		}
	}

	leaseBuf, ok := opts[OptLeaseTime]
	if !ok || len(leaseBuf) != 4 {
		return
	}
	leaseTime := binary.BigEndian.Uint32(leaseBuf)

	var t1, t2 uint32
	if leaseTime == 0xFFFFFFFF {
		t1, t2 = 0xFFFFFFFF, 0xFFFFFFFF
	} else {
		t1 = leaseTime / 2
		t2 = leaseTime * 7 / 8
		if v, ok := opts[OptRenewalT1]; ok && len(v) == 4 {
			t1 = binary.BigEndian.Uint32(v)
		}
		if v, ok := opts[OptRebindingT2]; ok && len(v) == 4 {
			t2 = binary.BigEndian.Uint32(v)
		}
	}

	if mask, ok := opts[OptSubnetMask]; ok && len(mask) == 4 {
		c.settings.Iface.SetSubnetMask(net.IPMask(mask))
	}
	if routers, ok := opts[OptRouter]; ok && len(routers)%4 == 0 && len(routers) > 0 {
		var list []net.IP
		for i := 0; i+4 <= len(routers); i += 4 {
			list = append(list, net.IP(routers[i:i+4]))
		}
		c.settings.Iface.SetDefaultGateway(list)
	}
	if !c.settings.ManualDNSConfig {
		if dns, ok := opts[OptDNSServer]; ok && len(dns)%4 == 0 {
			var list []net.IP
			for i := 0; i+4 <= len(dns) && len(list) < MaxDNSServers; i += 4 {
				list = append(list, net.IP(dns[i:i+4]))
			}
			c.settings.Iface.SetDNSServers(list)
		}
	}
	if mtu, ok := opts[OptInterfaceMTU]; ok && len(mtu) == 2 {
		c.settings.Iface.SetMTU(binary.BigEndian.Uint16(mtu))
	}

	addr := append(net.IP{}, msg.YIAddr()...)
	c.settings.Iface.SetHostAddr(addr, netaddr.AddrValid)
	c.leaseStartTime = c.clock.NowMillis()
	c.leaseTime = leaseTime
	c.t1, c.t2 = t1, t2
	c.offeredAddr = addr
	if hasSID && len(sid) == 4 {
		c.serverIP = net.IP(append([]byte{}, sid...))
	}
	c.hadPriorLease = true
	c.timeout = c.clock.NowMillis()
	c.transitionLocked(Bound)
}

func (c *Client) handleNakLocked() {
	c.settings.Iface.InvalidateIPv4()
	c.offeredAddr = nil
	c.serverIP = nil
	c.hadPriorLease = false
	c.timeout = c.clock.NowMillis()
	c.transitionLocked(Init)
}

// Decline constructs and broadcasts a one-shot DHCPDECLINE for
// conflictIP, then returns the state machine to INIT (spec section
// 4.1 "Decline", SPEC_FULL.md section 9). The caller (an ARP
// conflict-detection collaborator) invokes this when it observes
// another host already using an address this client was offered or
// holds.
func (c *Client) Decline(conflictIP net.IP) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b optionsBuilder
	b.addByte(OptMessageType, MsgTypeDecline)
	if c.serverIP != nil {
		b.addIPs(OptServerIdentifier, []net.IP{c.serverIP})
	}
	b.addIPs(OptRequestedIPAddress, []net.IP{conflictIP})

	now := c.clock.NowMillis()
	secs := elapsedSeconds(c.configStartTime, now)
	msg := Marshal(BootRequest, c.xid, secs, true, nil, nil, c.settings.Iface.MAC, b.build())
	c.sendBroadcast(msg)

	c.settings.Iface.InvalidateIPv4()
	c.offeredAddr = nil
	c.serverIP = nil
	c.hadPriorLease = false
	c.timeout = now
	c.transitionLocked(Init)
	return nil
}
