// Package engine implements the hidden-service engine of spec.md §4.2: the
// five-phase protocol (introduction-point establishment, DHT lookup, key
// exchange with peer exchange, end-to-end Diffie-Hellman and rendezvous,
// and circuit splicing) built on top of the tunnel substrate, the request
// cache, and the crypto primitives. Every table spec.md §3 and §5 calls
// engine-owned lives on the Engine value below; nothing here is a
// process-wide singleton, and every handler runs to completion holding the
// engine's single mutex before the next cell is dispatched — the single-
// threaded cooperative model spec.md §5 requires, implemented with a plain
// mutex rather than a hand-rolled actor loop, matching the teacher's own
// circuit.go (rmu/wmu guarding shared state rather than a channel-driven
// event loop).
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/hsoverlay/hscrypto"
	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/metrics"
	"github.com/cvsouth/hsoverlay/reqcache"
	"github.com/cvsouth/hsoverlay/tunnel"
	"github.com/cvsouth/hsoverlay/wire"
)

// DHTProvider is the external DHT collaborator spec.md §6 describes as
// lookup(info_hash, cb) / announce(info_hash); dhtmediator.Provider
// satisfies it. A nil DHTProvider is valid: DHT operations then log and
// no-op rather than fail the caller (spec.md §4.3). Lookup must invoke cb
// from a goroutine distinct from the call to Lookup itself — Lookup is
// called with the engine's lock held, so a synchronous callback would
// deadlock.
type DHTProvider interface {
	Lookup(ctx context.Context, lookup hsid.LookupId, cb func([]wire.SockAddr)) error
	Announce(ctx context.Context, lookup hsid.LookupId, port int) error
}

// serviceEntry is the engine's merged per-LookupId row: spec.md §3's hops,
// service_callbacks, and session_keys tables collapsed into one, since in
// practice every one of them is indexed identically. RegisterService and
// DownloadService each replace the whole row, so this node tracks a given
// service either as seeded or as downloaded, not both at once.
type serviceEntry struct {
	Hops       int
	Callback   func(wire.SockAddr)
	SessionKey *hscrypto.PrivateKey // non-nil iff this node seeds the service locally
}

type ipCircuitRecord struct {
	CircuitID uint32
	CreatedAt time.Time
}

type downloadPoint struct {
	InfoHash       hsid.LookupId
	Hops           int
	SeederSockAddr wire.SockAddr
}

type pexKey struct {
	Addr wire.SockAddr
	Key  [32]byte
}

type blacklistEntry struct {
	At   time.Time
	Addr wire.SockAddr
}

type e2eKey struct {
	InfoHash hsid.LookupId
	PeerPub  [32]byte
}

// blacklistWindow is the 60-second DHT rediscovery rate limit of spec.md §4.2/§8.
const blacklistWindow = 60 * time.Second

// Engine holds every table spec.md §5 names as engine-owned.
type Engine struct {
	mu sync.Mutex

	logger   *slog.Logger
	registry *tunnel.Registry
	net      tunnel.Network
	dht      DHTProvider
	self     wire.SockAddr
	cache    *reqcache.Cache
	clock    func() time.Time

	services           map[hsid.LookupId]*serviceEntry
	myIntroPoints      map[uint32][]hsid.LookupId
	infohashIPCircuits map[hsid.LookupId][]ipCircuitRecord

	introPointFor      map[hsid.LookupId]*tunnel.ExitSocket
	rendezvousPointFor map[[20]byte]*tunnel.ExitSocket

	myDownloadPoints   map[uint32]downloadPoint
	infohashRPCircuits map[hsid.LookupId][]uint32
	infohashPex        map[hsid.LookupId]map[pexKey]struct{}
	dhtBlacklist       map[hsid.LookupId][]blacklistEntry
	lastDHTLookup      map[hsid.LookupId]time.Time

	inflightE2E      map[e2eKey]struct{}
	rpLinkedPeers    map[e2eKey]uint32 // downloader-side: peers already mapped to an RP circuit, keyed by its id
	rendezvousPoints map[uint32]*tunnel.RendezvousPoint // seeder-side, keyed by the RP circuit's own id

	// rpCandidates are the addresses a seeder may ask to act as a
	// rendezvous point. Real path selection toward an arbitrary relay is
	// the tunnel substrate's job (spec §1, out of scope here); a seeder
	// wiring this engine supplies the peers it already knows can serve
	// the role, and the engine round-robins across them per e2e request.
	rpCandidates    []wire.SockAddr
	rpCandidateNext int
}

// SetRendezvousCandidates configures the pool of peers this engine may ask
// to build a rendezvous-point circuit toward when acting as a seeder.
func (e *Engine) SetRendezvousCandidates(addrs []wire.SockAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rpCandidates = append([]wire.SockAddr(nil), addrs...)
	e.rpCandidateNext = 0
}

func (e *Engine) nextRPCandidateLocked() (wire.SockAddr, bool) {
	if len(e.rpCandidates) == 0 {
		return wire.SockAddr{}, false
	}
	addr := e.rpCandidates[e.rpCandidateNext%len(e.rpCandidates)]
	e.rpCandidateNext++
	return addr, true
}

// Config configures a new Engine.
type Config struct {
	Registry *tunnel.Registry
	Net      tunnel.Network
	DHT      DHTProvider // optional
	Self     wire.SockAddr
	Logger   *slog.Logger
}

// New constructs an Engine and registers it as the receiver for cfg.Self on
// cfg.Net.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:   logger,
		registry: cfg.Registry,
		net:      cfg.Net,
		dht:      cfg.DHT,
		self:     cfg.Self,
		cache:    reqcache.New(logger),
		clock:    time.Now,

		services:           make(map[hsid.LookupId]*serviceEntry),
		myIntroPoints:      make(map[uint32][]hsid.LookupId),
		infohashIPCircuits: make(map[hsid.LookupId][]ipCircuitRecord),
		introPointFor:      make(map[hsid.LookupId]*tunnel.ExitSocket),
		rendezvousPointFor: make(map[[20]byte]*tunnel.ExitSocket),
		myDownloadPoints:   make(map[uint32]downloadPoint),
		infohashRPCircuits: make(map[hsid.LookupId][]uint32),
		infohashPex:        make(map[hsid.LookupId]map[pexKey]struct{}),
		dhtBlacklist:       make(map[hsid.LookupId][]blacklistEntry),
		lastDHTLookup:      make(map[hsid.LookupId]time.Time),
		inflightE2E:        make(map[e2eKey]struct{}),
		rpLinkedPeers:      make(map[e2eKey]uint32),
		rendezvousPoints:   make(map[uint32]*tunnel.RendezvousPoint),
	}
	if cfg.Net != nil {
		cfg.Net.Register(cfg.Self, e.Receive)
	}
	return e
}

// WithClock overrides the engine's notion of "now", for deterministic
// blacklist-expiry tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = now
	return e
}

// Receive is the tunnel.Receiver this engine registers on its Network: the
// dispatcher boundary spec.md §9 calls out, branching on the tagged
// Context rather than a string-typed "circuit_<n>" marker.
func (e *Engine) Receive(ctx tunnel.Context, from wire.SockAddr, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pkt, err := wire.Unmarshal(data)
	if err != nil {
		e.logger.Warn("dropping malformed packet", "from", from, "error", err)
		return
	}

	switch pkt.Opcode {
	case wire.OpEstablishIntro:
		e.onEstablishIntro(ctx, from, pkt.Payload)
	case wire.OpIntroEstablished:
		e.onIntroEstablished(ctx, from, pkt.Payload)
	case wire.OpKeyRequest:
		e.onKeyRequest(ctx, from, pkt.Payload)
	case wire.OpKeyResponse:
		e.onKeyResponse(ctx, from, pkt.Payload)
	case wire.OpEstablishRendezvous:
		e.onEstablishRendezvous(ctx, from, pkt.Payload)
	case wire.OpRendezvousEstablished:
		e.onRendezvousEstablished(ctx, from, pkt.Payload)
	case wire.OpCreateE2E:
		e.onCreateE2E(ctx, from, pkt.Payload)
	case wire.OpCreatedE2E:
		e.onCreatedE2E(ctx, from, pkt.Payload)
	case wire.OpLinkE2E:
		e.onLinkE2E(ctx, from, pkt.Payload)
	case wire.OpLinkedE2E:
		e.onLinkedE2E(ctx, from, pkt.Payload)
	case wire.OpDHTRequest:
		e.onDHTRequest(ctx, from, pkt.Payload)
	case wire.OpDHTResponse:
		e.onDHTResponse(ctx, from, pkt.Payload)
	default:
		e.logger.Warn("dropping packet with unknown opcode", "opcode", pkt.Opcode, "from", from)
	}
}

// RemoveCircuit tears a circuit down: defers to the substrate, then scrubs
// every engine-owned table referencing cid (spec.md §4.2 "Circuit
// teardown" and §8 invariant 2).
func (e *Engine) RemoveCircuit(cid uint32, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeCircuitLocked(cid, reason)
}

func (e *Engine) removeCircuitLocked(cid uint32, reason string) {
	e.registry.RemoveCircuit(cid, reason)

	for _, lookup := range e.myIntroPoints[cid] {
		recs := e.infohashIPCircuits[lookup]
		for i, r := range recs {
			if r.CircuitID == cid {
				e.infohashIPCircuits[lookup] = append(recs[:i], recs[i+1:]...)
				break
			}
		}
	}
	delete(e.myIntroPoints, cid)
	delete(e.myDownloadPoints, cid)
	delete(e.rendezvousPoints, cid)

	for lookup, es := range e.introPointFor {
		if es.CircuitID == cid {
			delete(e.introPointFor, lookup)
		}
	}
	for cookie, es := range e.rendezvousPointFor {
		if es.CircuitID == cid {
			delete(e.rendezvousPointFor, cookie)
		}
	}
	for key, id := range e.rpLinkedPeers {
		if id == cid {
			delete(e.rpLinkedPeers, key)
		}
	}

	for lookup, ids := range e.infohashRPCircuits {
		for i, id := range ids {
			if id == cid {
				e.infohashRPCircuits[lookup] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}

	n := e.cache.RemoveByPredicate(func(kind reqcache.Kind, value any) bool {
		return entryReferencesCircuit(kind, value, cid)
	})
	if n > 0 {
		e.logger.Info("pending requests cleared on circuit teardown", "circuit_id", cid, "cleared", n)
	}
}

// entryReferencesCircuit inspects a cache entry's circuit reference without
// the cache itself needing to know about engine-specific entry shapes.
func entryReferencesCircuit(kind reqcache.Kind, value any, cid uint32) bool {
	switch v := value.(type) {
	case ipRequestEntry:
		return v.Circuit.ID == cid
	case rpRequestEntry:
		return v.RP.Circuit.ID == cid
	case dhtRequestEntry:
		return v.Circuit.ID == cid
	case keyRequestEntry:
		return v.Circuit.ID == cid
	case keyRelayEntry:
		return v.RelayExit.CircuitID == cid
	case e2eRelayEntry:
		return v.RelayExit.CircuitID == cid
	case e2eRequestEntry:
		return v.Circuit.ID == cid
	case linkRequestEntry:
		return v.Circuit.ID == cid
	default:
		return false
	}
}

// backgroundCtx is the context passed to metrics recorders and DHT calls
// issued from inside a handler, which has no inbound request context of
// its own to inherit from.
func (e *Engine) backgroundCtx() context.Context { return context.Background() }

// pruneBlacklistLocked evicts entries older than blacklistWindow for
// lookup, lazily, per spec.md §5 ("Blacklist cleanup is lazy... on each
// on_dht_response").
func (e *Engine) pruneBlacklistLocked(lookup hsid.LookupId) {
	entries := e.dhtBlacklist[lookup]
	if len(entries) == 0 {
		return
	}
	now := e.clock()
	kept := entries[:0]
	for _, ent := range entries {
		if now.Sub(ent.At) < blacklistWindow {
			kept = append(kept, ent)
		}
	}
	if len(kept) == 0 {
		delete(e.dhtBlacklist, lookup)
		return
	}
	e.dhtBlacklist[lookup] = kept
}

func (e *Engine) isBlacklistedLocked(lookup hsid.LookupId, addr wire.SockAddr) bool {
	for _, ent := range e.dhtBlacklist[lookup] {
		if ent.Addr == addr {
			metrics.DHTBlacklistHit(e.backgroundCtx())
			return true
		}
	}
	return false
}

func (e *Engine) blacklistLocked(lookup hsid.LookupId, addr wire.SockAddr) {
	e.dhtBlacklist[lookup] = append(e.dhtBlacklist[lookup], blacklistEntry{At: e.clock(), Addr: addr})
}
