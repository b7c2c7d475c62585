// Package dhcp6 implements the IPv6 DHCP client state machine (RFC
// 3315) over the same netaddr.UDPTransport boundary dhcp4 uses, bound
// to the client port 546.
package dhcp6

// DHCPv6 message types (RFC 3315 section 5.3).
const (
	MsgSolicit            = 1
	MsgAdvertise          = 2
	MsgRequest            = 3
	MsgConfirm            = 4
	MsgRenew              = 5
	MsgRebind             = 6
	MsgReply              = 7
	MsgRelease            = 8
	MsgDecline            = 9
	MsgReconfigure        = 10
	MsgInformationRequest = 11
)

// Option codes this client recognizes (RFC 3315 section 22).
const (
	OptClientID     = 1
	OptServerID     = 2
	OptIANA         = 3
	OptIAAddr       = 5
	OptORO          = 6
	OptElapsedTime  = 8
	OptStatusCode   = 13
	OptRapidCommit  = 14
	OptDNSServers   = 23
	OptDomainList   = 24
	OptFQDN         = 39
)

// Status codes (RFC 3315 section 24.4).
const (
	StatusSuccess      = 0
	StatusUnspecFail   = 1
	StatusNoAddrsAvail = 2
)

const (
	ClientPort = 546
	ServerPort = 547
)

// HeaderLen is the fixed 4-byte message header: 1-byte type, 3-byte xid.
const HeaderLen = 4

// DUIDMaxSize bounds a parsed Client-Id/Server-Id option so a
// malformed or hostile option cannot force an unbounded allocation.
const DUIDMaxSize = 32

// Per-exchange retransmission parameters (spec section 4.2 table),
// named IRT/MRT/MRC/MRD per RFC 3315 section 14.
type retransParams struct {
	IRT int64 // initial retransmission time, ms
	MRT int64 // max retransmission time, ms (0 = no cap)
	MRC int    // max retransmission count (0 = no cap)
	MRD int64  // max retransmission duration, ms (0 = no cap)
}

var (
	solicitParams = retransParams{IRT: 1000, MRT: 120000, MRC: 0, MRD: 0}
	requestParams = retransParams{IRT: 1000, MRT: 30000, MRC: 10, MRD: 0}
	confirmParams = retransParams{IRT: 1000, MRT: 4000, MRC: 0, MRD: 10000}
	renewParams   = retransParams{IRT: 10000, MRT: 600000, MRC: 0, MRD: 0} // bounded by T2
	rebindParams  = retransParams{IRT: 10000, MRT: 600000, MRC: 0, MRD: 0} // bounded by valid lifetime
	declineParams = retransParams{IRT: 1000, MRT: 0, MRC: 5, MRD: 0}
)

// SolMaxDelayMS bounds the initial random delay before the first
// Solicit is sent (RFC 3315 section 5.5, "SOL_MAX_DELAY").
const SolMaxDelayMS = 1000

// requestedOptions is the fixed Option Request Option payload (spec
// section 4.2): two-byte option codes, back to back.
var requestedOptions = []byte{
	0, OptDNSServers,
	0, OptDomainList,
	0, OptFQDN,
}
