package netaddr

import "net"

// MACToEUI64 forms a 64-bit EUI-64 interface identifier from a 48-bit
// MAC address per spec section 4.3: insert 0xFFFE in the middle, then
// invert the Universal/Local bit of the first byte.
func MACToEUI64(mac net.HardwareAddr) (eui [8]byte, err error) {
	if len(mac) != 6 {
		return eui, ErrInvalidParameter
	}
	eui[0] = mac[0] ^ 0x02
	eui[1] = mac[1]
	eui[2] = mac[2]
	eui[3] = 0xff
	eui[4] = 0xfe
	eui[5] = mac[3]
	eui[6] = mac[4]
	eui[7] = mac[5]
	return eui, nil
}

// LinkLocalAddr builds the fe80::/64 link-local address for the given
// EUI-64 interface identifier.
func LinkLocalAddr(eui [8]byte) net.IP {
	ip := make(net.IP, 16)
	ip[0], ip[1] = 0xfe, 0x80
	copy(ip[8:], eui[:])
	return ip
}

// GlobalAddr builds a global address from a /64 prefix and an EUI-64
// interface identifier (spec section 4.3, GLOBAL-ADDR-DAD).
func GlobalAddr(prefix net.IP, eui [8]byte) net.IP {
	ip := make(net.IP, 16)
	copy(ip[:8], prefix.To16()[:8])
	copy(ip[8:], eui[:])
	return ip
}
