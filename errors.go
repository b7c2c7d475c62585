// Package netaddr implements the dynamic host-address acquisition core
// of an embedded TCP/IP stack: DHCPv4 and DHCPv6 clients plus the
// IPv6 SLAAC engine, bound to a single network interface each.
package netaddr

import "errors"

// Sentinel errors shared by the root package and the dhcp4, dhcp6 and
// slaac engine packages, so callers can errors.Is across engines.
var (
	ErrInvalidParameter = errors.New("netaddr: invalid parameter")
	ErrOutOfResources   = errors.New("netaddr: out of resources")
	ErrInvalidMessage   = errors.New("netaddr: invalid message")
	ErrInvalidOption    = errors.New("netaddr: invalid option")
	ErrNoResponse       = errors.New("netaddr: no response")
	ErrNotRunning       = errors.New("netaddr: engine not running")
	ErrWouldBlock       = errors.New("netaddr: send would block")
)
