package tunnel

import (
	"sync"
	"testing"
	"time"

	"github.com/cvsouth/hsoverlay/wire"
)

func TestCreateCircuitFiresReadyWithGoalHops(t *testing.T) {
	r := New(nil)
	r.SetBuildLatency(0)

	done := make(chan *Circuit, 1)
	id, err := r.CreateCircuit(3, RoleData, wire.SockAddr{Port: 9}, nil, nil, func(c *Circuit) { done <- c })
	if err != nil {
		t.Fatalf("create circuit: %v", err)
	}

	select {
	case c := <-done:
		if c.ID != id {
			t.Fatalf("ready fired for %d, want %d", c.ID, id)
		}
		if len(c.Hops) != 3 {
			t.Fatalf("hops = %d, want 3", len(c.Hops))
		}
	case <-time.After(time.Second):
		t.Fatal("ready callback never fired")
	}

	if _, ok := r.Circuit(id); !ok {
		t.Fatal("circuit should be registered after build")
	}
}

func TestCreateCircuitPinsRequiredExit(t *testing.T) {
	r := New(nil)
	r.SetBuildLatency(0)

	exit := PathHop{NodeID: [20]byte{9, 9, 9}}
	done := make(chan *Circuit, 1)
	_, err := r.CreateCircuit(2, RoleIP, wire.SockAddr{Port: 9}, &exit, nil, func(c *Circuit) { done <- c })
	if err != nil {
		t.Fatalf("create circuit: %v", err)
	}

	c := <-done
	last, ok := c.LastHop()
	if !ok {
		t.Fatal("circuit should have a last hop")
	}
	if last.NodeID != exit.NodeID {
		t.Fatal("last hop should be the pinned required exit")
	}
}

// TestRemoveCircuitClearsAllTables is spec.md §8 invariant 2: on
// remove_circuit(cid), no surviving table entry references cid.
func TestRemoveCircuitClearsAllTables(t *testing.T) {
	r := New(nil)
	r.SetBuildLatency(0)

	id, _ := r.CreateCircuit(1, RoleData, wire.SockAddr{Port: 9}, nil, nil, func(*Circuit) {})
	time.Sleep(10 * time.Millisecond)

	r.AddExitSocket(id, wire.SockAddr{Port: 1})
	r.SetRelayRoute(id, RelayRoute{CircuitID: id, Peer: wire.SockAddr{Port: 2}})

	r.RemoveCircuit(id, "test teardown")

	if _, ok := r.Circuit(id); ok {
		t.Fatal("circuit entry should be gone")
	}
	if _, ok := r.ExitSocket(id); ok {
		t.Fatal("exit socket entry should be gone")
	}
	if _, ok := r.RelayRoute(id); ok {
		t.Fatal("relay route entry should be gone")
	}
}

func TestSelectMatchesGoalHops(t *testing.T) {
	r := New(nil)
	r.SetBuildLatency(0)

	var wg sync.WaitGroup
	wg.Add(2)
	var threeHop uint32
	r.CreateCircuit(1, RoleData, wire.SockAddr{Port: 9}, nil, nil, func(c *Circuit) { wg.Done() })
	r.CreateCircuit(3, RoleData, wire.SockAddr{Port: 9}, nil, nil, func(c *Circuit) { threeHop = c.ID; wg.Done() })
	wg.Wait()

	c, err := r.Select(nil, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if c.ID != threeHop {
		t.Fatalf("select returned %d, want the 3-hop circuit %d", c.ID, threeHop)
	}
}

func TestSelectErrorsWhenNoneMatch(t *testing.T) {
	r := New(nil)
	if _, err := r.Select(nil, 5); err == nil {
		t.Fatal("expected an error with no circuits registered")
	}
}

func TestContextStringDistinguishesSocketAndCircuit(t *testing.T) {
	if FromSocket().String() != "socket" {
		t.Fatal("FromSocket should stringify as socket")
	}
	if FromCircuit(7).String() != "circuit_7" {
		t.Fatal("FromCircuit(7) should stringify as circuit_7")
	}
	if _, ok := FromSocket().CircuitID(); ok {
		t.Fatal("FromSocket should not report a circuit id")
	}
	if id, ok := FromCircuit(7).CircuitID(); !ok || id != 7 {
		t.Fatal("FromCircuit(7) should report circuit id 7")
	}
}

func TestLoopbackNetworkDeliversSendCellAndTunnelOut(t *testing.T) {
	net := NewLoopbackNetwork()
	a := wire.SockAddr{IP: [4]byte{127, 0, 0, 1}, Port: 1}
	b := wire.SockAddr{IP: [4]byte{127, 0, 0, 1}, Port: 2}

	received := make(chan struct {
		ctx  Context
		from wire.SockAddr
	}, 2)
	net.Register(b, func(ctx Context, from wire.SockAddr, data []byte) {
		received <- struct {
			ctx  Context
			from wire.SockAddr
		}{ctx, from}
	})

	c := &Circuit{ID: 42, SockAddr: b}
	if err := SendCell(net, a, c, 11, []byte("hi")); err != nil {
		t.Fatalf("send cell: %v", err)
	}

	select {
	case msg := <-received:
		if id, ok := msg.ctx.CircuitID(); !ok || id != 42 {
			t.Fatal("expected FromCircuit(42)")
		}
		if msg.from != a {
			t.Fatal("from address should be the sender")
		}
	case <-time.After(time.Second):
		t.Fatal("send cell never delivered")
	}

	if err := TunnelOut(net, a, b, 15, []byte("out")); err != nil {
		t.Fatalf("tunnel out: %v", err)
	}
	select {
	case msg := <-received:
		if _, ok := msg.ctx.CircuitID(); ok {
			t.Fatal("tunnel out should arrive tagged FromSocket")
		}
	case <-time.After(time.Second):
		t.Fatal("tunnel out never delivered")
	}
}

func TestLoopbackNetworkErrorsForUnknownAddr(t *testing.T) {
	net := NewLoopbackNetwork()
	err := net.Send(wire.SockAddr{Port: 99}, wire.SockAddr{Port: 1}, FromSocket(), []byte("x"))
	if err == nil {
		t.Fatal("expected an error sending to an unregistered address")
	}
}
