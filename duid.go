package netaddr

import "net"

// DUIDMaxSize bounds the DUID byte length (spec section 3: "Maximum
// DUID size is bounded by configuration").
const DUIDMaxSize = 32

// DUID link-layer type constants (RFC 3315 section 9).
const (
	duidTypeLL           = 3
	hardwareTypeEthernet = 1
)

// NewDUIDLL builds a DUID-LL client identifier: 2-byte type (3),
// 2-byte hardware type (1, Ethernet), 6-byte link-layer address -
// spec section 3's only supported DUID form.
func NewDUIDLL(mac net.HardwareAddr) ([]byte, error) {
	if len(mac) != 6 {
		return nil, ErrInvalidParameter
	}
	b := make([]byte, 4+6)
	b[0] = 0
	b[1] = duidTypeLL
	b[2] = 0
	b[3] = hardwareTypeEthernet
	copy(b[4:], mac)
	return b, nil
}
