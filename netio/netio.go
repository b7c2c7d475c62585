// Package netio provides default, OS-socket-backed implementations of
// the external collaborator interfaces defined in the root netaddr
// package (netaddr.UDPTransport, netaddr.NDPTransport,
// netaddr.RandSource). The engines never depend on this package
// directly - they take the interfaces as constructor arguments,
// mirroring the teacher's icmp6.Attach(engine *packet.Handler)
// boundary between protocol logic and transport.
package netio

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irai/netaddr"
)

// UDPConn is a netaddr.UDPTransport backed by a single net.UDPConn
// per bound local port, with a process-wide registration table keyed
// by port - spec section 5, "Shared resources: the UDP receive-
// callback table (keyed by local port) is shared process-wide".
// Grounded on session.go's Session.ReadFrom retry-on-temporary-error
// loop.
type UDPConn struct {
	mu        sync.Mutex
	conns     map[int]*net.UDPConn
	receivers map[int]netaddr.UDPReceiveFunc
}

// NewUDPConn returns an empty UDPConn ready to register receivers.
func NewUDPConn() *UDPConn {
	return &UDPConn{
		conns:     make(map[int]*net.UDPConn),
		receivers: make(map[int]netaddr.UDPReceiveFunc),
	}
}

// RegisterReceiver implements netaddr.UDPTransport. It opens (or
// closes, if fn is nil) a UDP listener on port and starts a read loop
// goroutine that dispatches to fn.
func (u *UDPConn) RegisterReceiver(port int, fn netaddr.UDPReceiveFunc) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if fn == nil {
		if c, ok := u.conns[port]; ok {
			c.Close()
			delete(u.conns, port)
		}
		delete(u.receivers, port)
		return nil
	}

	if _, exists := u.conns[port]; exists {
		return fmt.Errorf("netio: port %d already registered: %w", port, netaddr.ErrOutOfResources)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("netio: listen udp %d: %w", port, err)
	}
	u.conns[port] = conn
	u.receivers[port] = fn

	go u.readLoop(port, conn)
	return nil
}

// readLoop mirrors session.go's ReadFrom: retry on temporary errors,
// return (goroutine exits) on anything else - typically conn.Close().
func (u *UDPConn) readLoop(port int, conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.WithField("port", port).WithError(err).Debug("netio: temporary read error")
				continue
			}
			return
		}

		u.mu.Lock()
		fn := u.receivers[port]
		u.mu.Unlock()
		if fn == nil {
			continue
		}
		// iface/offset are left to the caller's registration closure;
		// the OS socket layer does not know which Interface a UDP
		// datagram logically belongs to on a multi-homed host, so
		// callers typically wrap fn to bind the interface themselves.
		fn(nil, addr.IP, addr.Port, buf[:n], 0)
	}
}

// SendDatagram implements netaddr.UDPTransport.
func (u *UDPConn) SendDatagram(iface *netaddr.Interface, srcPort int, dstIP net.IP, dstPort int, buf []byte, ttl uint8) error {
	u.mu.Lock()
	conn, ok := u.conns[srcPort]
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("netio: no listener on port %d: %w", srcPort, netaddr.ErrInvalidParameter)
	}

	dst := &net.UDPAddr{IP: dstIP, Port: dstPort}
	if _, err := conn.WriteToUDP(buf, dst); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Temporary() {
			return fmt.Errorf("netio: %w: %v", netaddr.ErrWouldBlock, err)
		}
		return err
	}
	return nil
}

// LinkWatcher polls the OS interface's carrier flag on a ticker and
// propagates transitions to a bound Interface, grounded on session.go's
// "monitor the nic" ticker+closeChan goroutine (monitorNICFrequency)
// and arp/handler.go's net.InterfaceByName(name) lookup. No netlink or
// ethtool library appears anywhere in the retrieved pack to drive
// carrier events off instead, so this polls stdlib
// net.Interface.Flags&net.FlagUp.
type LinkWatcher struct {
	name      string
	iface     *netaddr.Interface
	interval  time.Duration
	onChange  func(up bool)
	closeChan chan struct{}
}

// NewLinkWatcher constructs a watcher for the OS interface ifName,
// bound to iface. onChange, if non-nil, is invoked whenever the
// observed carrier state changes - callers fan it out to each
// engine's OnLinkChange.
func NewLinkWatcher(ifName string, iface *netaddr.Interface, interval time.Duration, onChange func(up bool)) *LinkWatcher {
	return &LinkWatcher{
		name:      ifName,
		iface:     iface,
		interval:  interval,
		onChange:  onChange,
		closeChan: make(chan struct{}),
	}
}

// Start begins polling in a background goroutine.
func (w *LinkWatcher) Start() {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		last := w.iface.LinkState()
		for {
			select {
			case <-ticker.C:
				up, err := w.poll()
				if err != nil {
					log.WithError(err).Debug("netio: link poll failed")
					continue
				}
				state := netaddr.LinkDown
				if up {
					state = netaddr.LinkUp
				}
				if state == last {
					continue
				}
				last = state
				w.iface.SetLinkState(state)
				if w.onChange != nil {
					w.onChange(up)
				}
			case <-w.closeChan:
				return
			}
		}
	}()
}

// Stop ends the polling goroutine.
func (w *LinkWatcher) Stop() {
	close(w.closeChan)
}

func (w *LinkWatcher) poll() (bool, error) {
	ifi, err := net.InterfaceByName(w.name)
	if err != nil {
		return false, err
	}
	return ifi.Flags&net.FlagUp != 0, nil
}

// Rand is a netaddr.RandSource backed by math/rand. Statistical
// uniformity is sufficient per spec section 6; cryptographic strength
// is explicitly not required.
type Rand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewRand(seed int64) *Rand {
	return &Rand{r: rand.New(rand.NewSource(seed))}
}

func (rs *Rand) Uint32() uint32 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.r.Uint32()
}

func (rs *Rand) IntRange(lo, hi int32) int32 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if hi <= lo {
		return lo
	}
	return lo + rs.r.Int31n(hi-lo+1)
}
