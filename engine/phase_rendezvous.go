package engine

import (
	"encoding/binary"

	"github.com/cvsouth/hsoverlay/hscrypto"
	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/metrics"
	"github.com/cvsouth/hsoverlay/reqcache"
	"github.com/cvsouth/hsoverlay/tunnel"
	"github.com/cvsouth/hsoverlay/wire"
)

// onEstablishRendezvous is the rendezvous point's side: it learns the
// seeder-facing exit socket for cid, records it under cookie awaiting a
// link, and reports its own address back as the chosen rendezvous address.
func (e *Engine) onEstablishRendezvous(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeEstablishRendezvous(payload)
	if err != nil {
		e.logger.Warn("decode establish-rendezvous failed", "error", err)
		return
	}
	cid, ok := ctx.CircuitID()
	if !ok {
		e.logger.Warn("establish-rendezvous arrived outside a circuit, dropping")
		return
	}

	es := e.registry.AddExitSocket(cid, from)
	e.rendezvousPointFor[msg.Cookie] = es

	reply := wire.RendezvousEstablished{CircuitID: msg.CircuitID, Identifier: msg.Identifier, RPAddr: e.self}.Marshal()
	if err := tunnel.SendCellViaExit(e.net, e.self, es, wire.OpRendezvousEstablished, reply); err != nil {
		e.logger.Warn("establish-rendezvous: reply failed", "error", err)
	}
}

// onRendezvousEstablished is the seeder side: it fills in rp_info on the
// pending RendezvousPoint and invokes its finished_callback, which
// produces the deferred created-e2e reply (spec.md §4.2 Phase D/E).
func (e *Engine) onRendezvousEstablished(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeRendezvousEstablished(payload)
	if err != nil {
		e.logger.Warn("decode rendezvous-established failed", "error", err)
		return
	}
	entryAny, ok := e.cache.Pop(reqcache.KindRPRequest, msg.Identifier)
	if !ok {
		return
	}
	entry := entryAny.(rpRequestEntry)

	lastHop, ok := entry.RP.Circuit.LastHop()
	if !ok {
		e.logger.Warn("rendezvous-established: RP circuit has no hops")
		return
	}
	entry.RP.RPInfo = &tunnel.RPInfo{Addr: msg.RPAddr, PublicKey: lastHop.PublicKey}

	if entry.RP.FinishedCallback != nil {
		entry.RP.FinishedCallback(entry.RP)
	}
}

// createLinkE2ELocked is the downloader's final Phase E step: it records
// this engine as having an open download point on rendezvousCircuit,
// attaches the derived session keys, registers a LinkRequest, and asks the
// rendezvous point to splice.
func (e *Engine) createLinkE2ELocked(rendezvousCircuit *tunnel.Circuit, cookie [20]byte, sessionKeys hscrypto.SessionKeys, lookup hsid.LookupId, seederSockAddr wire.SockAddr) {
	svc, ok := e.services[lookup]
	hops := 0
	if ok {
		hops = svc.Hops
	}

	rendezvousCircuit.HsSessionKeys = &sessionKeys
	e.myDownloadPoints[rendezvousCircuit.ID] = downloadPoint{InfoHash: lookup, Hops: hops, SeederSockAddr: seederSockAddr}
	e.infohashRPCircuits[lookup] = append(e.infohashRPCircuits[lookup], rendezvousCircuit.ID)

	id, err := e.cache.Add(reqcache.KindLinkRequest, linkRequestEntry{Circuit: rendezvousCircuit, InfoHash: lookup})
	if err != nil {
		e.logger.Warn("create link e2e: add LinkRequest failed", "error", err)
		return
	}

	payload := wire.LinkE2E{CircuitID: rendezvousCircuit.ID, Identifier: id, Cookie: cookie}.Marshal()
	if err := tunnel.SendCell(e.net, e.self, rendezvousCircuit, wire.OpLinkE2E, payload); err != nil {
		e.logger.Warn("create link e2e: send failed", "error", err)
	}
}

// onLinkE2E is the rendezvous point splicing the downloader's incoming
// circuit to the seeder's previously-established one sharing cookie.
func (e *Engine) onLinkE2E(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeLinkE2E(payload)
	if err != nil {
		e.logger.Warn("decode link-e2e failed", "error", err)
		return
	}
	cidIn, ok := ctx.CircuitID()
	if !ok {
		e.logger.Warn("link-e2e arrived outside a circuit, dropping")
		return
	}

	esIn := e.registry.AddExitSocket(cidIn, from)
	esOut, ok := e.rendezvousPointFor[msg.Cookie]
	if !ok {
		// S5: cookie not recognized; drop, no relay installed.
		e.logger.Warn("link-e2e: cookie not recognized", "error", ErrNotARendezvousPoint)
		metrics.LinkRejected(e.backgroundCtx())
		return
	}

	// spec.md §9: the source logs but proceeds when an exit socket is
	// already busy; this reimplementation rejects instead.
	if !esIn.Enabled || !esOut.Enabled {
		e.logger.Warn("link-e2e: exit socket already serving a data-plane circuit", "error", ErrExitSocketBusy)
		metrics.LinkRejected(e.backgroundCtx())
		return
	}

	e.registry.RemoveExitSocket(esIn.CircuitID, "spliced into rendezvous relay")
	e.registry.RemoveExitSocket(esOut.CircuitID, "spliced into rendezvous relay")
	delete(e.rendezvousPointFor, msg.Cookie)
	e.registry.SetRelayRoute(esIn.CircuitID, tunnel.RelayRoute{CircuitID: esOut.CircuitID, Peer: esOut.Peer, Rendezvous: true})
	e.registry.SetRelayRoute(esOut.CircuitID, tunnel.RelayRoute{CircuitID: esIn.CircuitID, Peer: esIn.Peer, Rendezvous: true})

	reply := wire.LinkedE2E{CircuitID: msg.CircuitID, Identifier: msg.Identifier}.Marshal()
	if err := tunnel.SendCellViaExit(e.net, e.self, esIn, wire.OpLinkedE2E, reply); err != nil {
		e.logger.Warn("link-e2e: reply failed", "error", err)
	}
	metrics.E2ECircuitCreated(e.backgroundCtx())
}

// onLinkedE2E is the downloader learning the data path is open: it invokes
// the service callback with the synthetic endpoint that lets upper layers
// address the spliced circuit as if it were a socket.
func (e *Engine) onLinkedE2E(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeLinkedE2E(payload)
	if err != nil {
		e.logger.Warn("decode linked-e2e failed", "error", err)
		return
	}
	entryAny, ok := e.cache.Pop(reqcache.KindLinkRequest, msg.Identifier)
	if !ok {
		return
	}
	entry := entryAny.(linkRequestEntry)

	svc, ok := e.services[entry.InfoHash]
	if !ok || svc.Callback == nil {
		return
	}
	svc.Callback(circuitEndpoint(msg.CircuitID))
}

// circuitEndpoint is circuit_id_to_ip(cid), CIRCUIT_ID_PORT (spec.md §4.2),
// expressed directly as a wire.SockAddr rather than round-tripping through
// a dotted-quad string.
func circuitEndpoint(cid uint32) wire.SockAddr {
	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], cid)
	return wire.SockAddr{IP: ip, Port: hsid.CircuitIDPort}
}
