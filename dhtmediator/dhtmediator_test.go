package dhtmediator

import (
	"net"
	"testing"

	"github.com/anacrolix/dht/v2/krpc"

	"github.com/cvsouth/hsoverlay/hsid"
)

func TestToSockAddrConvertsIPv4(t *testing.T) {
	na := krpc.NodeAddr{IP: net.ParseIP("203.0.113.7"), Port: 6881}
	sa, err := toSockAddr(na)
	if err != nil {
		t.Fatalf("toSockAddr: %v", err)
	}
	if sa.IP != [4]byte{203, 0, 113, 7} || sa.Port != 6881 {
		t.Fatalf("sock addr = %+v", sa)
	}
}

func TestToSockAddrRejectsIPv6(t *testing.T) {
	na := krpc.NodeAddr{IP: net.ParseIP("2001:db8::1"), Port: 6881}
	if _, err := toSockAddr(na); err == nil {
		t.Fatal("expected an error for an ipv6 peer address")
	}
}

func TestInfohashMatchesLookupIdBytes(t *testing.T) {
	var id hsid.LookupId
	for i := range id {
		id[i] = byte(i)
	}
	ih := infohash(id)
	if [20]byte(id) != ih {
		t.Fatal("infohash conversion should preserve bytes")
	}
}

func TestDefaultBootstrapNodesNonEmpty(t *testing.T) {
	if len(DefaultBootstrapNodes) == 0 {
		t.Fatal("expected at least one default bootstrap node")
	}
}

func TestNewRejectsWhenNoBootstrapResolves(t *testing.T) {
	_, err := New(Config{Bootstrap: []string{"this-host-does-not-resolve.invalid:1"}})
	if err == nil {
		t.Fatal("expected an error when no bootstrap node resolves")
	}
}
