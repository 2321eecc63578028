package tunnel

import (
	"fmt"
	"sync"
	"time"

	"github.com/cvsouth/hsoverlay/wire"
)

// Receiver is how a node's dispatcher is handed an inbound packet, tagged
// with the Context discriminator spec.md §9 calls for.
type Receiver func(ctx Context, from wire.SockAddr, data []byte)

// Network is the minimal send/receive surface the substrate needs; it
// exists so the reference Registry doesn't have to know whether delivery
// happens over real UDP sockets or an in-memory bus.
type Network interface {
	Register(addr wire.SockAddr, recv Receiver)
	Send(to, from wire.SockAddr, ctx Context, data []byte) error
}

// LoopbackNetwork is an in-memory Network used by tests and by the demo
// binary when simulating several nodes in one process. Delivery happens on
// its own goroutine per send, so a receiver that turns around and sends a
// reply cannot deadlock against its caller.
type LoopbackNetwork struct {
	mu        sync.RWMutex
	receivers map[wire.SockAddr]Receiver
}

// NewLoopbackNetwork creates an empty in-memory network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{receivers: make(map[wire.SockAddr]Receiver)}
}

func (n *LoopbackNetwork) Register(addr wire.SockAddr, recv Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[addr] = recv
}

func (n *LoopbackNetwork) Send(to, from wire.SockAddr, ctx Context, data []byte) error {
	n.mu.RLock()
	recv, ok := n.receivers[to]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("loopback network: no receiver registered for %s", to)
	}
	cp := append([]byte(nil), data...)
	go recv(ctx, from, cp)
	return nil
}

// SendCell implements the substrate's send_cell contract (spec.md §6) from
// the perspective of the node that originated circuit c: the payload is
// delivered to whoever terminates c, tagged FromCircuit(c.ID).
func SendCell(net Network, from wire.SockAddr, c *Circuit, opcode uint8, payload []byte) error {
	pkt := wire.Packet{Opcode: opcode, GlobalTime: uint64(time.Now().UnixNano()), Payload: payload}
	return net.Send(c.SockAddr, from, FromCircuit(c.ID), pkt.Marshal())
}

// SendCellViaExit is the mirror of SendCell from the terminal-hop side: a
// node holding es replies back along the same circuit id to the node that
// built it (e.g. intro-established, rendezvous-established, linked-e2e,
// and the intro point's relayed key-request toward the seeder).
func SendCellViaExit(net Network, from wire.SockAddr, es *ExitSocket, opcode uint8, payload []byte) error {
	pkt := wire.Packet{Opcode: opcode, GlobalTime: uint64(time.Now().UnixNano()), Payload: payload}
	return net.Send(es.Peer, from, FromCircuit(es.CircuitID), pkt.Marshal())
}

// TunnelOut implements the substrate's tunnel_data contract (spec.md §6)
// for the common case: payload exits the circuit entirely and is
// delivered to dest as a bare UDP datagram, arriving tagged FromSocket.
// The engine uses it for key-request, key-response, create-e2e and
// created-e2e between a downloader and an introduction point; dht-response
// goes back through its circuit via SendCellViaExit instead.
func TunnelOut(net Network, from wire.SockAddr, dest wire.SockAddr, opcode uint8, payload []byte) error {
	pkt := wire.Packet{Opcode: opcode, GlobalTime: uint64(time.Now().UnixNano()), Payload: payload}
	return net.Send(dest, from, FromSocket(), pkt.Marshal())
}
