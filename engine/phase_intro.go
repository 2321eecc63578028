package engine

import (
	"fmt"

	"github.com/cvsouth/hsoverlay/hscrypto"
	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/metrics"
	"github.com/cvsouth/hsoverlay/reqcache"
	"github.com/cvsouth/hsoverlay/tunnel"
	"github.com/cvsouth/hsoverlay/wire"
)

// RegisterService publishes service as a seeder: generates its long-lived
// session keypair, stores the desired hop count and data-path callback,
// and builds one introduction-point circuit toward each address in
// introPeers, of length hops+1 (spec.md §4.2 Phase A — the extra hop keeps
// the IP from identifying the seeder). introPeers plays the role real path
// selection would in the full substrate: this engine does not choose
// relays itself (spec §1), so the caller supplies the concrete peers it
// wants built toward. cb is stored with the service but is not invoked for
// a seeded service: the engine calls a service callback only on the
// downloader side, when linked-e2e arrives (onLinkedE2E).
func (e *Engine) RegisterService(service hsid.ServiceId, hops int, introPeers []wire.SockAddr, cb func(wire.SockAddr)) error {
	key, err := hscrypto.GenerateKey("curve25519")
	if err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	lookup := hsid.Lookup(service)

	e.mu.Lock()
	e.services[lookup] = &serviceEntry{Hops: hops, Callback: cb, SessionKey: key}
	e.mu.Unlock()

	for _, peer := range introPeers {
		peer := peer
		_, err := e.registry.CreateCircuit(hops+1, tunnel.RoleIP, peer, nil, &lookup, func(c *tunnel.Circuit) {
			e.onIntroCircuitReady(c, lookup)
		})
		if err != nil {
			return fmt.Errorf("register service: create intro circuit toward %s: %w", peer, err)
		}
	}
	return nil
}

func (e *Engine) onIntroCircuitReady(c *tunnel.Circuit, lookup hsid.LookupId) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.myIntroPoints[c.ID] = append(e.myIntroPoints[c.ID], lookup)
	e.infohashIPCircuits[lookup] = append(e.infohashIPCircuits[lookup], ipCircuitRecord{CircuitID: c.ID, CreatedAt: e.clock()})

	id, err := e.cache.Add(reqcache.KindIPRequest, ipRequestEntry{Circuit: c, InfoHash: lookup})
	if err != nil {
		e.logger.Warn("register service: add IPRequest failed", "error", err)
		return
	}

	payload := wire.EstablishIntro{CircuitID: c.ID, Identifier: id, InfoHash: [20]byte(lookup)}.Marshal()
	if err := tunnel.SendCell(e.net, e.self, c, wire.OpEstablishIntro, payload); err != nil {
		e.logger.Warn("register service: send establish-intro failed", "error", err)
	}
}

// onEstablishIntro is the remote side acting as an introduction point:
// record intro_point_for[LookupId] and reply intro-established, then
// announce the service to the DHT.
func (e *Engine) onEstablishIntro(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeEstablishIntro(payload)
	if err != nil {
		e.logger.Warn("decode establish-intro failed", "error", err)
		return
	}
	cid, ok := ctx.CircuitID()
	if !ok {
		e.logger.Warn("establish-intro arrived outside a circuit, dropping")
		return
	}

	lookup := hsid.LookupId(msg.InfoHash)
	es := e.registry.AddExitSocket(cid, from)
	e.introPointFor[lookup] = es

	reply := wire.IntroEstablished{CircuitID: msg.CircuitID, Identifier: msg.Identifier}.Marshal()
	if err := tunnel.SendCellViaExit(e.net, e.self, es, wire.OpIntroEstablished, reply); err != nil {
		e.logger.Warn("establish-intro: reply failed", "error", err)
	}

	if e.dht != nil {
		if err := e.dht.Announce(e.backgroundCtx(), lookup, 0); err != nil {
			e.logger.Warn("establish-intro: dht announce failed", "lookup", lookup, "error", err)
		} else {
			metrics.DHTAnnounced(e.backgroundCtx())
		}
	} else {
		e.logger.Error("establish-intro: no dht provider configured, announce skipped", "lookup", lookup, "error", ErrDHTUnavailable)
	}
}

// onIntroEstablished is the seeder side popping its pending IPRequest.
func (e *Engine) onIntroEstablished(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeIntroEstablished(payload)
	if err != nil {
		e.logger.Warn("decode intro-established failed", "error", err)
		return
	}
	if _, ok := e.cache.Pop(reqcache.KindIPRequest, msg.Identifier); !ok {
		e.logger.Warn("intro-established: unknown identifier", "identifier", msg.Identifier, "error", ErrUnknownIdentifier)
		return
	}
	metrics.IntroPointEstablished(e.backgroundCtx())
}
