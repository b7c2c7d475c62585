package netio

import (
	"net"
	"testing"
	"time"

	"github.com/irai/netaddr"
)

func TestUDPConnSendReceiveRoundTrip(t *testing.T) {
	u := NewUDPConn()
	defer u.RegisterReceiver(51680, nil)
	defer u.RegisterReceiver(51681, nil)

	received := make(chan []byte, 1)
	if err := u.RegisterReceiver(51681, func(iface *netaddr.Interface, srcIP net.IP, srcPort int, buf []byte, offset int) {
		cp := append([]byte(nil), buf...)
		received <- cp
	}); err != nil {
		t.Fatalf("RegisterReceiver() error = %v", err)
	}
	if err := u.RegisterReceiver(51680, func(*netaddr.Interface, net.IP, int, []byte, int) {}); err != nil {
		t.Fatalf("RegisterReceiver() error = %v", err)
	}

	payload := []byte("hello")
	if err := u.SendDatagram(nil, 51680, net.ParseIP("127.0.0.1"), 51681, payload, 64); err != nil {
		t.Fatalf("SendDatagram() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Errorf("received %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestUDPConnDuplicateRegisterFails(t *testing.T) {
	u := NewUDPConn()
	defer u.RegisterReceiver(51682, nil)
	if err := u.RegisterReceiver(51682, func(*netaddr.Interface, net.IP, int, []byte, int) {}); err != nil {
		t.Fatalf("first RegisterReceiver() error = %v", err)
	}
	if err := u.RegisterReceiver(51682, func(*netaddr.Interface, net.IP, int, []byte, int) {}); err == nil {
		t.Error("expected error registering an already-bound port")
	}
}

func TestSolicitedNodeMulticast(t *testing.T) {
	target := net.ParseIP("fe80::234:56ff:fe78:9abc")
	got := solicitedNodeMulticast(target)
	want := net.ParseIP("ff02::1:ff78:9abc")
	if !got.Equal(want) {
		t.Errorf("solicitedNodeMulticast() = %s, want %s", got, want)
	}
}

func TestRandIntRange(t *testing.T) {
	r := NewRand(1)
	for i := 0; i < 1000; i++ {
		v := r.IntRange(10, 20)
		if v < 10 || v > 20 {
			t.Fatalf("IntRange(10,20) = %d, out of bounds", v)
		}
	}
}

func TestRandIntRangeDegenerate(t *testing.T) {
	r := NewRand(1)
	if v := r.IntRange(5, 5); v != 5 {
		t.Errorf("IntRange(5,5) = %d, want 5", v)
	}
	if v := r.IntRange(9, 5); v != 9 {
		t.Errorf("IntRange(9,5) = %d, want 9 (lo returned when hi<=lo)", v)
	}
}
