package engine

import (
	"fmt"

	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/metrics"
	"github.com/cvsouth/hsoverlay/reqcache"
	"github.com/cvsouth/hsoverlay/tunnel"
	"github.com/cvsouth/hsoverlay/wire"
)

// DownloadService is the downloader-side entry point: it stores the hop
// count and data-path callback for service, builds an exit circuit toward
// exitPeer (the relay this engine will ask to perform DHT operations and
// carry the first key-request), and on completion starts Phase B.
func (e *Engine) DownloadService(service hsid.ServiceId, hops int, exitPeer wire.SockAddr, cb func(wire.SockAddr)) error {
	lookup := hsid.Lookup(service)

	e.mu.Lock()
	e.services[lookup] = &serviceEntry{Hops: hops, Callback: cb}
	e.mu.Unlock()

	_, err := e.registry.CreateCircuit(hops, tunnel.RoleData, exitPeer, nil, &lookup, func(c *tunnel.Circuit) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.doDHTLookupLocked(lookup)
	})
	return err
}

func (e *Engine) doDHTLookupLocked(lookup hsid.LookupId) {
	svc, ok := e.services[lookup]
	if !ok {
		e.logger.Warn("do dht lookup: service not registered locally", "lookup", lookup, "error", ErrNotServing)
		return
	}

	circuit, err := e.registry.Select(nil, svc.Hops)
	if err != nil {
		e.logger.Warn("do dht lookup: no circuit available", "lookup", lookup, "error", fmt.Errorf("%w: %v", ErrNoCircuitAvailable, err))
		return
	}

	id, err := e.cache.Add(reqcache.KindDHTRequest, dhtRequestEntry{Circuit: circuit, LookupID: lookup})
	if err != nil {
		e.logger.Warn("do dht lookup: add DHTRequest failed", "error", err)
		return
	}
	e.lastDHTLookup[lookup] = e.clock()

	payload := wire.DHTRequest{CircuitID: circuit.ID, Identifier: id, InfoHash: [20]byte(lookup)}.Marshal()
	if err := tunnel.SendCell(e.net, e.self, circuit, wire.OpDHTRequest, payload); err != nil {
		e.logger.Warn("do dht lookup: send cell failed", "error", err)
	}
}

// onDHTRequest runs at the exit of the circuit the requester selected: it
// learns the exit socket for this circuit if this is the first message
// seen on it, then forwards the lookup to the configured DHT provider.
func (e *Engine) onDHTRequest(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeDHTRequest(payload)
	if err != nil {
		e.logger.Warn("decode dht-request failed", "error", err)
		return
	}
	cid, ok := ctx.CircuitID()
	if !ok {
		e.logger.Warn("dht-request arrived outside a circuit, dropping")
		return
	}
	e.registry.AddExitSocket(cid, from)

	if e.dht == nil {
		e.logger.Error("dht-request: no dht provider configured", "lookup", hsid.LookupId(msg.InfoHash), "error", ErrDHTUnavailable)
		return
	}

	lookup := hsid.LookupId(msg.InfoHash)
	identifier := msg.Identifier
	stop := metrics.DHTLookupStarted(e.backgroundCtx())
	err = e.dht.Lookup(e.backgroundCtx(), lookup, func(peers []wire.SockAddr) {
		stop()
		e.mu.Lock()
		defer e.mu.Unlock()
		e.replyDHTResponseLocked(cid, identifier, lookup, peers)
	})
	if err != nil {
		e.logger.Warn("dht-request: lookup failed", "lookup", lookup, "error", err)
	}
}

// replyDHTResponseLocked tunnels the lookup result back to the requester,
// provided the exit socket for cid still exists — a late callback after
// teardown is a no-op (spec.md §5).
func (e *Engine) replyDHTResponseLocked(cid uint32, identifier uint32, lookup hsid.LookupId, peers []wire.SockAddr) {
	es, ok := e.registry.ExitSocket(cid)
	if !ok || !es.Enabled {
		return
	}
	payload := wire.DHTResponse{CircuitID: cid, Identifier: identifier, InfoHash: [20]byte(lookup), Peers: peers}.Marshal()
	if err := tunnel.SendCellViaExit(e.net, e.self, es, wire.OpDHTResponse, payload); err != nil {
		e.logger.Warn("dht-response: send failed", "error", err)
	}
}

// onDHTResponse validates the cache entry, prunes the stale part of the
// blacklist, filters out peers already tracked as download points or
// currently blacklisted, and issues a key-request toward every remaining
// peer — blacklisting each as it goes to rate-limit rediscovery.
func (e *Engine) onDHTResponse(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeDHTResponse(payload)
	if err != nil {
		e.logger.Warn("decode dht-response failed", "error", err)
		return
	}
	entryAny, ok := e.cache.Pop(reqcache.KindDHTRequest, msg.Identifier)
	if !ok {
		return
	}
	entry := entryAny.(dhtRequestEntry)
	lookup := entry.LookupID
	e.pruneBlacklistLocked(lookup)

	for _, peer := range msg.Peers {
		if e.isOwnDownloadPointLocked(peer) {
			continue
		}
		if e.isBlacklistedLocked(lookup, peer) {
			continue
		}
		e.blacklistLocked(lookup, peer)
		e.createKeyRequestLocked(lookup, peer)
	}
}

func (e *Engine) isOwnDownloadPointLocked(addr wire.SockAddr) bool {
	for _, dp := range e.myDownloadPoints {
		if dp.SeederSockAddr == addr {
			return true
		}
	}
	return false
}
