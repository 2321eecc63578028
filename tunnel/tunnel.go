// Package tunnel is the reference implementation of the two external
// contracts spec.md §6 calls out as owned by the onion-tunnel substrate:
// the circuit registry (typed circuits keyed by a 32-bit id, their roles,
// exit sockets, and the relay table) and delivery of cells to/through
// those circuits. The hidden-service engine in package engine only ever
// calls the operations this package exposes — it never reaches into how a
// circuit's hops are actually built or encrypted, matching spec.md §1's
// scoping of the tunnel community as an external collaborator.
package tunnel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/hscrypto"
	"github.com/cvsouth/hsoverlay/wire"
)

// Role is a circuit's purpose, spec.md §3.
type Role int

const (
	RoleData Role = iota
	RoleIP
	RoleRP
	RoleRendezvous
)

func (r Role) String() string {
	switch r {
	case RoleIP:
		return "IP"
	case RoleRP:
		return "RP"
	case RoleRendezvous:
		return "RENDEZVOUS"
	default:
		return "DATA"
	}
}

// PathHop is one hop of a circuit's path, spec.md §3's Hop type restricted
// to what survives after key agreement completes (public_key, node_id);
// the transient dh_secret/dh_first_part fields only ever exist on the
// initiator's side of an in-flight end-to-end exchange, which the engine
// tracks itself (e2eRequestEntry.Hop in package engine) rather than storing
// on a path hop.
type PathHop struct {
	NodeID    [20]byte
	PublicKey [32]byte
}

// Circuit is owned by the registry; spec.md §3.
type Circuit struct {
	ID           uint32
	SockAddr     wire.SockAddr
	GoalHops     int
	Role         Role
	Hops         []PathHop
	HsSessionKeys *hscrypto.SessionKeys
	RequiredExit *PathHop
	InfoHash     *hsid.LookupId
}

// LastHop returns the circuit's terminal hop, or false if it has none yet.
func (c *Circuit) LastHop() (PathHop, bool) {
	if len(c.Hops) == 0 {
		return PathHop{}, false
	}
	return c.Hops[len(c.Hops)-1], true
}

// ExitSocket is the per-circuit endpoint at the terminal hop that
// translates between circuit cells and raw UDP, spec.md glossary.
type ExitSocket struct {
	CircuitID uint32
	Enabled   bool
	Peer      wire.SockAddr
}

// RelayRoute is one direction of a spliced data path, spec.md §4.2 Phase E.
type RelayRoute struct {
	CircuitID  uint32
	Peer       wire.SockAddr
	Rendezvous bool
}

// RendezvousPoint tracks a seeder-initiated RP circuit awaiting its link,
// spec.md §3.
type RendezvousPoint struct {
	Circuit          *Circuit
	Cookie           [20]byte
	RPInfo           *RPInfo
	FinishedCallback func(*RendezvousPoint)
}

// RPInfo is (ip, port, pubkey) of the chosen rendezvous point, as recorded
// once rendezvous-established arrives.
type RPInfo struct {
	Addr      wire.SockAddr
	PublicKey [32]byte
}

// Context is the tagged dispatch discriminator spec.md §9 calls for in
// place of the original string-typed "circuit_<n>" marker: every inbound
// packet arrives either through a circuit this node terminates, or
// directly over the socket.
type Context struct {
	circuitID uint32
	fromCirc  bool
}

// FromCircuit tags a packet as having arrived through circuit id.
func FromCircuit(id uint32) Context { return Context{circuitID: id, fromCirc: true} }

// FromSocket tags a packet as having arrived directly over the UDP socket.
func FromSocket() Context { return Context{} }

// CircuitID returns the circuit id and true if this context is FromCircuit.
func (c Context) CircuitID() (uint32, bool) { return c.circuitID, c.fromCirc }

func (c Context) String() string {
	if c.fromCirc {
		return fmt.Sprintf("circuit_%d", c.circuitID)
	}
	return "socket"
}

// Registry is the substrate's circuit table, exit-socket table, and relay
// table (spec.md §6's circuits / exit_sockets / relay_from_to maps), plus
// circuit construction. It is safe for concurrent use; the engine itself
// is single-threaded, but circuit-build completions arrive from whatever
// goroutine is simulating that hop-by-hop latency.
type Registry struct {
	mu          sync.Mutex
	circuits    map[uint32]*Circuit
	exitSockets map[uint32]*ExitSocket
	relayFromTo map[uint32]RelayRoute
	logger      *slog.Logger

	// buildLatency lets tests and the demo binary control how long a
	// simulated circuit build takes before its callback fires.
	buildLatency time.Duration
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		circuits:     make(map[uint32]*Circuit),
		exitSockets:  make(map[uint32]*ExitSocket),
		relayFromTo:  make(map[uint32]RelayRoute),
		logger:       logger,
		buildLatency: time.Millisecond,
	}
}

// SetBuildLatency overrides the simulated circuit-build delay (tests may
// set this to 0).
func (r *Registry) SetBuildLatency(d time.Duration) { r.buildLatency = d }

func allocateCircuitID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("allocate circuit id: %w", err)
	}
	id := binary.BigEndian.Uint32(b[:])
	id |= 0x80000000 // MSB set, mirroring the teacher's circuit-id convention
	return id, nil
}

// CreateCircuit builds goalHops hops of role toward peer, optionally pinned
// to requiredExit and tagged with infoHash, and asynchronously invokes
// ready once built — mirroring the substrate contract's
// create_circuit(hops, role, callback, required_exit?, info_hash?) → cid
// (spec.md §6). peer is the real network address this circuit terminates
// at; the substrate's own hop-by-hop path selection is out of scope (spec
// §1), so the caller — which already knows which IP/RP/seeder it intends
// to reach — supplies it directly, and Circuit.SockAddr is later used by
// SendCell to reach that party. The returned id is valid immediately;
// ready fires later, on its own goroutine, so callers that must serialize
// with their own event loop (as engine does) need to re-post into it
// rather than mutate shared state directly from ready.
func (r *Registry) CreateCircuit(goalHops int, role Role, peer wire.SockAddr, requiredExit *PathHop, infoHash *hsid.LookupId, ready func(*Circuit)) (uint32, error) {
	id, err := allocateCircuitID()
	if err != nil {
		return 0, err
	}

	hops := make([]PathHop, goalHops)
	for i := range hops {
		pk, err := hscrypto.GenerateKey("curve25519")
		if err != nil {
			return 0, fmt.Errorf("create circuit: %w", err)
		}
		hops[i] = PathHop{NodeID: pk.NodeID, PublicKey: pk.Public.Key}
	}
	if requiredExit != nil && len(hops) > 0 {
		hops[len(hops)-1] = *requiredExit
	}

	c := &Circuit{
		ID:           id,
		SockAddr:     peer,
		GoalHops:     goalHops,
		Role:         role,
		Hops:         hops,
		RequiredExit: requiredExit,
		InfoHash:     infoHash,
	}

	r.mu.Lock()
	r.circuits[id] = c
	r.mu.Unlock()

	r.logger.Info("circuit build started", "circuit_id", id, "role", role, "hops", goalHops)
	go func() {
		if r.buildLatency > 0 {
			time.Sleep(r.buildLatency)
		}
		r.logger.Info("circuit built", "circuit_id", id, "role", role)
		ready(c)
	}()

	return id, nil
}

// Circuit returns the live circuit for id, or false.
func (r *Registry) Circuit(id uint32) (*Circuit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[id]
	return c, ok
}

// Circuits returns a snapshot of all live circuits matching filter (nil
// matches everything).
func (r *Registry) Circuits(filter func(*Circuit) bool) []*Circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Circuit
	for _, c := range r.circuits {
		if filter == nil || filter(c) {
			out = append(out, c)
		}
	}
	return out
}

// AddExitSocket registers circuit id as an exit socket delivering to peer,
// e.g. once establish-intro / establish-rendezvous arrives at the terminal
// hop.
func (r *Registry) AddExitSocket(id uint32, peer wire.SockAddr) *ExitSocket {
	r.mu.Lock()
	defer r.mu.Unlock()
	es := &ExitSocket{CircuitID: id, Enabled: true, Peer: peer}
	r.exitSockets[id] = es
	return es
}

// ExitSocket returns the exit socket for id, or false.
func (r *Registry) ExitSocket(id uint32) (*ExitSocket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	es, ok := r.exitSockets[id]
	return es, ok
}

// RemoveExitSocket disables and removes the exit socket for id — used when
// on_link_e2e splices it into a relay route (spec.md §4.2 Phase E).
// RemoveCircuit disables and drops a circuit's exit socket itself.
func (r *Registry) RemoveExitSocket(id uint32, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if es, ok := r.exitSockets[id]; ok {
		es.Enabled = false
		delete(r.exitSockets, id)
		r.logger.Info("exit socket removed", "circuit_id", id, "reason", reason)
	}
}

// SetRelayRoute installs cid's half of a bidirectional splice.
func (r *Registry) SetRelayRoute(cid uint32, route RelayRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayFromTo[cid] = route
}

// RelayRoute returns cid's relay route, or false.
func (r *Registry) RelayRoute(cid uint32) (RelayRoute, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.relayFromTo[cid]
	return route, ok
}

// RemoveCircuit tears a circuit down: the substrate's own bookkeeping plus
// (per spec.md invariant 2) every table entry that still names cid. The
// caller (engine) is responsible for scrubbing its own
// my_intro_points/my_download_points/request-cache references; this only
// owns the tables this package defines.
func (r *Registry) RemoveCircuit(id uint32, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if es, ok := r.exitSockets[id]; ok {
		es.Enabled = false
	}
	delete(r.circuits, id)
	delete(r.exitSockets, id)
	delete(r.relayFromTo, id)
	for from, route := range r.relayFromTo {
		if route.CircuitID == id {
			delete(r.relayFromTo, from)
		}
	}
	r.logger.Info("circuit removed", "circuit_id", id, "reason", reason)
}
