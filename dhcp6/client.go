package dhcp6

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/irai/netaddr"
	"github.com/sirupsen/logrus"
)

// allDHCPRelayAgentsAndServers is the DHCPv6 multicast destination
// (RFC 3315 section 5.1), spec section 6.
var allDHCPRelayAgentsAndServers = net.ParseIP("ff02::1:2")

// State is the DHCPv6 client FSM state (spec section 3/4.2).
type State int

const (
	Init State = iota
	Solicit
	Request
	InitConfirm
	Confirm
	Bound
	Renew
	Rebind
	Decline
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Solicit:
		return "SOLICIT"
	case Request:
		return "REQUEST"
	case InitConfirm:
		return "INIT-CONFIRM"
	case Confirm:
		return "CONFIRM"
	case Bound:
		return "BOUND"
	case Renew:
		return "RENEW"
	case Rebind:
		return "REBIND"
	case Decline:
		return "DECLINE"
	default:
		return "UNKNOWN"
	}
}

// Settings configures a Client (spec section 3, parallel to dhcp4's
// settings shape).
type Settings struct {
	Iface           *netaddr.Interface
	RapidCommit     bool
	ManualDNSConfig bool
	FQDN            string
	UserTimeoutMS   int32

	OnTimeout     func()
	OnLinkChange  func(up bool)
	OnStateChange func(State)
}

// GetDefaultSettings returns the zero-value defaults: no rapid
// commit, DNS from server, no FQDN, no user timeout.
func GetDefaultSettings() Settings {
	return Settings{}
}

// Client is the DHCPv6 client context (spec section 3).
type Client struct {
	mu sync.Mutex

	settings Settings
	udp      netaddr.UDPTransport
	ndp      netaddr.NDPTransport
	clock    netaddr.Clock
	rand     netaddr.RandSource

	running bool
	state   State

	timestamp uint32
	timeout   uint32

	retransmitCount   int
	retransmitTimeout int64 // current RT in ms, per-exchange

	xid        uint32 // 24-bit
	clientDUID []byte
	serverDUID []byte
	serverIP   net.IP
	// serverPreference is -1 until an Advertise has been accepted.
	serverPreference int

	offeredAddr net.IP
	t1          uint32
	t2          uint32
	preferredLifetime uint32
	validLifetime     uint32

	configStartTime   uint32
	exchangeStartTime uint32
	leaseStartTime    uint32

	timeoutEventFired bool
}

// NewClient validates settings and constructs a Client registered as
// the UDP receive callback target for ClientPort (spec section 3
// "Lifecycle").
func NewClient(settings Settings, udp netaddr.UDPTransport, ndp netaddr.NDPTransport, clock netaddr.Clock, rnd netaddr.RandSource) (*Client, error) {
	if settings.Iface == nil || udp == nil || ndp == nil || clock == nil || rnd == nil {
		return nil, netaddr.ErrInvalidParameter
	}
	duid, err := netaddr.NewDUIDLL(settings.Iface.MAC)
	if err != nil {
		return nil, err
	}
	c := &Client{
		settings:         settings,
		udp:              udp,
		ndp:              ndp,
		clock:            clock,
		rand:             rnd,
		state:            Init,
		clientDUID:       duid,
		serverPreference: -1,
	}
	if err := udp.RegisterReceiver(ClientPort, c.onReceive); err != nil {
		return nil, err
	}
	return c, nil
}

// Deinit unregisters the UDP receive callback (spec section 3
// "destroyed by explicit deinit").
func (c *Client) Deinit() error {
	return c.udp.RegisterReceiver(ClientPort, nil)
}

func (c *Client) Start() {
	c.mu.Lock()
	c.running = true
	c.state = Init
	c.mu.Unlock()
}

func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	c.state = Init
	c.mu.Unlock()
}

func (c *Client) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) transitionLocked(s State) {
	if c.state != s {
		logrus.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("dhcp6: state transition")
	}
	c.state = s
}

func (c *Client) notifyStateChange(s State) {
	if c.settings.OnStateChange != nil {
		c.settings.OnStateChange(s)
	}
}

// OnLinkChange invalidates the global address on link down, matching
// dhcp4's shape; on link up it re-enters CONFIRM when a prior lease is
// held, else INIT.
func (c *Client) OnLinkChange(up bool) error {
	c.mu.Lock()
	if !up {
		c.settings.Iface.InvalidateGlobalAddr()
		c.retransmitCount = 0
		if c.state >= InitConfirm && c.offeredAddr != nil {
			c.transitionLocked(InitConfirm)
		} else {
			c.transitionLocked(Init)
		}
		c.mu.Unlock()
		c.notifyLinkChange(up)
		return nil
	}
	if c.running {
		c.retransmitCount = 0
		if c.state >= InitConfirm && c.offeredAddr != nil {
			c.transitionLocked(InitConfirm)
		} else {
			c.transitionLocked(Init)
		}
	}
	s := c.state
	c.mu.Unlock()
	c.notifyLinkChange(up)
	c.notifyStateChange(s)
	return nil
}

func (c *Client) notifyLinkChange(up bool) {
	if c.settings.OnLinkChange != nil {
		c.settings.OnLinkChange(up)
	}
}

// Tick advances the FSM; must be invoked periodically (spec section
// 4.2 "tick").
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

	switch c.state {
	case Init:
		if c.settings.Iface.LinkState() == netaddr.LinkUp {
			c.enterDelayedLocked(now, Solicit)
		}
	case Solicit:
		c.tickSolicitLocked(now)
	case Request:
		c.tickRequestLocked(now)
	case InitConfirm:
		if c.settings.Iface.LinkState() == netaddr.LinkUp {
			c.enterDelayedLocked(now, Confirm)
		}
	case Confirm:
		c.tickConfirmLocked(now)
	case Bound:
		c.tickBoundLocked(now)
	case Renew:
		c.tickRenewLocked(now)
	case Rebind:
		c.tickRebindLocked(now)
	case Decline:
		c.tickDeclineLocked(now)
	default:
		logrus.WithField("state", c.state).Warn("dhcp6: tick on unrecognized state, resetting")
		c.transitionLocked(Init)
	}
	s := c.state
	c.mu.Unlock()
	c.notifyStateChange(s)
	return nil
}

func (c *Client) maybeFireTimeoutLocked(now uint32) {
	if c.settings.UserTimeoutMS <= 0 || c.timeoutEventFired {
		return
	}
	if int32(now-c.configStartTime) < c.settings.UserTimeoutMS {
		return
	}
	c.timeoutEventFired = true
	if c.settings.OnTimeout != nil {
		c.mu.Unlock()
		c.settings.OnTimeout()
		c.mu.Lock()
	}
}

func (c *Client) enterDelayedLocked(now uint32, next State) {
	delay := uint32(c.rand.IntRange(0, SolMaxDelayMS))
	c.configStartTime = now
	c.timeoutEventFired = false
	c.timeout = now + delay
	c.transitionLocked(next)
}

func (c *Client) newXID() uint32 {
	return c.rand.Uint32() & 0x00FFFFFF
}

// advanceRT applies the spec section 4.2 retransmission algebra: the
// first transmit uses IRT + rand(IRT); subsequent transmits use
// min(2*RT, MRT) + rand(RT).
func (c *Client) advanceRT(p retransParams) int64 {
	if c.retransmitCount == 0 {
		c.retransmitTimeout = p.IRT + netaddr.RandFraction(c.rand, p.IRT)
	} else {
		rt := 2 * c.retransmitTimeout
		if p.MRT > 0 && rt > p.MRT {
			rt = p.MRT
		}
		c.retransmitTimeout = rt + netaddr.RandFraction(c.rand, rt)
	}
	if c.retransmitTimeout < 0 {
		c.retransmitTimeout = 0
	}
	return c.retransmitTimeout
}

// exchangeExhausted reports whether MRC or MRD has been exceeded.
func (c *Client) exchangeExhausted(now uint32, p retransParams) bool {
	if p.MRC > 0 && c.retransmitCount >= p.MRC {
		return true
	}
	if p.MRD > 0 && int32(now-c.exchangeStartTime) >= int32(p.MRD) {
		return true
	}
	return false
}

func (c *Client) tickSolicitLocked(now uint32) {
	if c.retransmitCount == 0 {
		c.serverPreference = -1
		c.serverDUID = nil
		c.xid = c.newXID()
		c.exchangeStartTime = now
		c.ndp.SendRouterSolicitation(c.settings.Iface)
	}
	c.sendSolicit(now)
	c.advanceRT(solicitParams)
	c.retransmitCount++
	c.timestamp = now
	c.timeout = now + uint32(c.retransmitTimeout)
}

func (c *Client) sendSolicit(now uint32) {
	var b optionsBuilder
	b.add(OptClientID, c.clientDUID)
	if c.settings.RapidCommit {
		b.add(OptRapidCommit, nil)
	}
	b.add(OptElapsedTime, elapsedBytes(now, c.exchangeStartTime))
	msg := Marshal(MsgSolicit, c.xid, b.build())
	c.sendMulticast(msg)
}

func elapsedBytes(now, start uint32) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, ElapsedTime(now-start))
	return buf
}

func (c *Client) sendMulticast(msg Message) {
	c.udp.SendDatagram(c.settings.Iface, ClientPort, allDHCPRelayAgentsAndServers, ServerPort, msg, 0)
}

func (c *Client) sendUnicast(msg Message, dst net.IP) {
	c.udp.SendDatagram(c.settings.Iface, ClientPort, dst, ServerPort, msg, 0)
}

// buildIANA constructs the client's single IA_NA, embedding addr (if
// non-nil) as a nested IA Address sub-option (used by Request and
// Confirm).
func (c *Client) buildIANA(addr net.IP) []byte {
	var subs optionsBuilder
	if addr != nil {
		ia := IAAddr{Address: addr, PreferredLifetime: c.preferredLifetime, ValidLifetime: c.validLifetime}
		subs.add(OptIAAddr, ia.Marshal())
	}
	ia := IANA{IAID: c.settings.Iface.ID, T1: c.t1, T2: c.t2, SubOptions: subs.build()}
	return ia.Marshal()
}

func (c *Client) buildORO() []byte {
	return append([]byte{}, requestedOptions...)
}

func (c *Client) buildFQDN() []byte {
	if c.settings.FQDN == "" {
		return nil
	}
	return append([]byte{0}, []byte(c.settings.FQDN)...)
}

// tickRequestLocked drives REQUEST's send/backoff/give-up cycle (spec
// section 4.2 "REQUEST").
func (c *Client) tickRequestLocked(now uint32) {
	if c.retransmitCount == 0 {
		c.xid = c.newXID()
		c.exchangeStartTime = now
	}
	if c.exchangeExhausted(now, requestParams) {
		c.retransmitCount = 0
		c.transitionLocked(Init)
		return
	}
	var b optionsBuilder
	b.add(OptClientID, c.clientDUID)
	b.add(OptServerID, c.serverDUID)
	b.add(OptIANA, c.buildIANA(c.offeredAddr))
	b.add(OptORO, c.buildORO())
	b.add(OptElapsedTime, elapsedBytes(now, c.exchangeStartTime))
	if fqdn := c.buildFQDN(); fqdn != nil {
		b.add(OptFQDN, fqdn)
	}
	msg := Marshal(MsgRequest, c.xid, b.build())
	c.sendMulticast(msg)

	c.advanceRT(requestParams)
	c.retransmitCount++
	c.timestamp = now
	c.timeout = now + uint32(c.retransmitTimeout)
}

func (c *Client) tickConfirmLocked(now uint32) {
	if c.retransmitCount == 0 {
		c.xid = c.newXID()
		c.exchangeStartTime = now
	}
	if c.exchangeExhausted(now, confirmParams) {
		c.retransmitCount = 0
		c.transitionLocked(Init)
		return
	}
	var b optionsBuilder
	b.add(OptClientID, c.clientDUID)
	b.add(OptIANA, c.buildIANA(c.offeredAddr))
	b.add(OptElapsedTime, elapsedBytes(now, c.exchangeStartTime))
	msg := Marshal(MsgConfirm, c.xid, b.build())
	c.sendMulticast(msg)

	c.advanceRT(confirmParams)
	c.retransmitCount++
	c.timestamp = now
	c.timeout = now + uint32(c.retransmitTimeout)
}

func (c *Client) tickBoundLocked(now uint32) {
	if c.t1 == 0xFFFFFFFF {
		return
	}
	if int32(now-c.leaseStartTime) >= int32(c.t1)*1000 {
		c.configStartTime = now
		c.retransmitCount = 0
		c.timeout = now
		c.transitionLocked(Renew)
	}
}

func (c *Client) tickRenewLocked(now uint32) {
	if int32(now-c.leaseStartTime) >= int32(c.t2)*1000 {
		c.retransmitCount = 0
		c.timeout = now
		c.transitionLocked(Rebind)
		return
	}
	if c.retransmitCount == 0 {
		c.xid = c.newXID()
		c.exchangeStartTime = now
	}
	var b optionsBuilder
	b.add(OptClientID, c.clientDUID)
	b.add(OptServerID, c.serverDUID)
	b.add(OptIANA, c.buildIANA(c.offeredAddr))
	b.add(OptORO, c.buildORO())
	b.add(OptElapsedTime, elapsedBytes(now, c.exchangeStartTime))
	msg := Marshal(MsgRenew, c.xid, b.build())
	if c.serverIP != nil {
		// Unicast to the recorded server (spec section 4.2 "RENEW").
		c.sendUnicast(msg, c.serverIP)
	} else {
		c.sendMulticast(msg)
	}

	c.advanceRT(renewParams)
	c.retransmitCount++
	c.timestamp = now
	c.timeout = now + uint32(c.retransmitTimeout)
}

func (c *Client) tickRebindLocked(now uint32) {
	if int32(now-c.leaseStartTime) >= int32(c.validLifetime)*1000 {
		c.settings.Iface.InvalidateGlobalAddr()
		c.offeredAddr = nil
		c.serverDUID = nil
		c.timeout = now
		c.transitionLocked(Init)
		return
	}
	if c.retransmitCount == 0 {
		c.xid = c.newXID()
		c.exchangeStartTime = now
	}
	var b optionsBuilder
	b.add(OptClientID, c.clientDUID)
	b.add(OptIANA, c.buildIANA(c.offeredAddr))
	b.add(OptORO, c.buildORO())
	b.add(OptElapsedTime, elapsedBytes(now, c.exchangeStartTime))
	msg := Marshal(MsgRebind, c.xid, b.build())
	c.sendMulticast(msg)

	c.advanceRT(rebindParams)
	c.retransmitCount++
	c.timestamp = now
	c.timeout = now + uint32(c.retransmitTimeout)
}

func (c *Client) tickDeclineLocked(now uint32) {
	if c.exchangeExhausted(now, declineParams) {
		c.settings.Iface.InvalidateGlobalAddr()
		c.offeredAddr = nil
		c.timeout = now
		c.transitionLocked(Init)
		return
	}
	if c.retransmitCount == 0 {
		c.xid = c.newXID()
		c.exchangeStartTime = now
	}
	var b optionsBuilder
	b.add(OptClientID, c.clientDUID)
	b.add(OptServerID, c.serverDUID)
	b.add(OptIANA, c.buildIANA(c.offeredAddr))
	msg := Marshal(MsgDecline, c.xid, b.build())
	c.sendMulticast(msg)

	c.advanceRT(declineParams)
	c.retransmitCount++
	c.timestamp = now
	c.timeout = now + uint32(c.retransmitTimeout)
}

// Decline starts a one-shot Decline transmit series (MRC=5) for the
// currently held address, e.g. when the SLAAC/NDP DAD collaborator
// reports a conflict on it (spec section 4.2 "DECLINE"). After the
// series completes the client returns to INIT.
func (c *Client) Decline() error {
	c.mu.Lock()
	if c.offeredAddr == nil {
		c.mu.Unlock()
		return netaddr.ErrInvalidParameter
	}
	c.retransmitCount = 0
	c.timeout = c.clock.NowMillis()
	c.transitionLocked(Decline)
	s := c.state
	c.mu.Unlock()
	c.notifyStateChange(s)
	return nil
}

// onReceive is the UDP callback registered on ClientPort (spec
// section 4.2 "onReceive").
func (c *Client) onReceive(iface *netaddr.Interface, srcIP net.IP, srcPort int, buf []byte, offset int) {
	if offset > 0 && offset <= len(buf) {
		buf = buf[offset:]
	}
	msg, err := Parse(buf)
	if err != nil {
		return
	}
	opts, err := ParseOptions(msg.Options())
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.XID() != c.xid {
		return
	}
	cid, ok := opts[OptClientID]
	if !ok || string(cid) != string(c.clientDUID) {
		return
	}

	switch msg.Type() {
	case MsgAdvertise:
		if c.state == Solicit {
			c.handleAdvertiseLocked(msg, opts, srcIP)
		}
	case MsgReply:
		switch c.state {
		case Solicit:
			c.handleRapidReplyLocked(msg, opts, srcIP)
		case Request, Renew:
			c.handleReplyLocked(msg, opts, srcIP, true)
		case Confirm, Rebind:
			c.handleReplyLocked(msg, opts, srcIP, false)
		}
	}
}

// validateServerOption checks Server-Id presence/length/non-zero and
// a Status Code option (if present) that must not be NoAddrsAvail
// (spec section 4.2 "Advertise validation").
func validateServerOption(opts Options) ([]byte, bool) {
	sid, ok := opts[OptServerID]
	if !ok || len(sid) == 0 || len(sid) > DUIDMaxSize {
		return nil, false
	}
	if sc, ok := opts[OptStatusCode]; ok && len(sc) >= 2 {
		if binary.BigEndian.Uint16(sc[0:2]) == StatusNoAddrsAvail {
			return nil, false
		}
	}
	return sid, true
}

// handleAdvertiseLocked implements spec section 4.2 SOLICIT's
// Advertise acceptance: track the highest-preference Advertise seen;
// a Preference=255 or arrival after retransmitCount>1 short-circuits
// to REQUEST immediately.
func (c *Client) handleAdvertiseLocked(msg Message, opts Options, srcIP net.IP) {
	sid, ok := validateServerOption(opts)
	if !ok {
		return
	}
	pref := 0
	if p, hasPref := opts[optPreference]; hasPref && len(p) == 1 {
		pref = int(p[0])
	}

	// Track the best Advertise seen so far; an equal-or-worse
	// preference still counts as a valid arrival for the
	// retransmit-count trigger below, it just doesn't replace the
	// recorded best offer.
	if pref > c.serverPreference {
		c.serverPreference = pref
		c.serverDUID = append([]byte{}, sid...)
		c.serverIP = netaddr.CopyIP(srcIP)

		if iana, ok := opts[OptIANA]; ok {
			if ia, err := ParseIANA(iana); err == nil && ia.Addr != nil {
				c.offeredAddr = ia.Addr.Address
				c.preferredLifetime = ia.Addr.PreferredLifetime
				c.validLifetime = ia.Addr.ValidLifetime
				c.t1 = ia.T1
				c.t2 = ia.T2
			}
		}
	}

	if c.serverDUID == nil {
		return
	}
	if pref == 255 || c.retransmitCount > 1 {
		c.retransmitCount = 0
		c.timeout = c.clock.NowMillis()
		c.transitionLocked(Request)
	}
}

// handleRapidReplyLocked implements the rapid-commit short-circuit
// (spec section 4.2 "If rapid-commit is enabled and a Reply with a
// Rapid-Commit option arrives, short-circuit to BOUND").
func (c *Client) handleRapidReplyLocked(msg Message, opts Options, srcIP net.IP) {
	if !c.settings.RapidCommit {
		return
	}
	if _, ok := opts[OptRapidCommit]; !ok {
		return
	}
	c.commitReplyLocked(msg, opts, srcIP)
}

// handleReplyLocked implements spec section 4.2 "Reply validation"
// and "Address commit". requireServerMatch is set for REQUEST/RENEW
// (server-Id must byte-match); CONFIRM/REBIND skip that check.
func (c *Client) handleReplyLocked(msg Message, opts Options, srcIP net.IP, requireServerMatch bool) {
	if requireServerMatch {
		sid, ok := opts[OptServerID]
		if !ok || string(sid) != string(c.serverDUID) {
			return
		}
	} else if _, ok := validateServerOption(opts); !ok {
		return
	}
	c.commitReplyLocked(msg, opts, srcIP)
}

// commitReplyLocked performs the actual IA_NA scan, address/DNS
// commit and BOUND transition shared by the rapid-commit and normal
// Reply paths. Iterates IA_NA options and commits the first one that
// parses successfully (spec section 9 Open Question: behavior with
// multiple valid IA_NAs is under-specified; this client takes the
// first).
func (c *Client) commitReplyLocked(msg Message, opts Options, srcIP net.IP) {
	all, err := ParseAllOptions(msg.Options())
	if err != nil {
		return
	}
	var committed *IANA
	for _, o := range all {
		if o.Code != OptIANA {
			continue
		}
		ia, err := ParseIANA(o.Value)
		if err != nil || ia.Addr == nil {
			continue
		}
		committed = &ia
		break
	}
	if committed == nil {
		return
	}

	if sid, ok := opts[OptServerID]; ok {
		c.serverDUID = append([]byte{}, sid...)
	}
	c.serverIP = netaddr.CopyIP(srcIP)
	if !c.settings.ManualDNSConfig {
		if dns, ok := opts[OptDNSServers]; ok {
			c.settings.Iface.SetIPv6DNSServers(parseDNSServers(dns))
		}
	}

	now := c.clock.NowMillis()
	c.offeredAddr = committed.Addr.Address
	c.t1 = committed.T1
	c.t2 = committed.T2
	c.preferredLifetime = committed.Addr.PreferredLifetime
	c.validLifetime = committed.Addr.ValidLifetime
	c.leaseStartTime = now
	c.retransmitCount = 0
	c.timeout = now
	c.settings.Iface.SetGlobalAddr(committed.Addr.Address, netaddr.AddrValid)
	c.transitionLocked(Bound)
}

// optPreference is RFC 3315's Preference option (code 7); kept local
// since no other component needs it.
const optPreference = 7
