package engine

import (
	"fmt"

	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/reqcache"
	"github.com/cvsouth/hsoverlay/tunnel"
	"github.com/cvsouth/hsoverlay/wire"
)

// createKeyRequestLocked selects a circuit of length hops[s], registers a
// KeyRequest, and tunnels key-request{id, info_hash} directly to sockAddr
// (an introduction point for this service) over UDP — it crosses no
// circuit of its own, so the wire message carries no circuit id.
func (e *Engine) createKeyRequestLocked(lookup hsid.LookupId, sockAddr wire.SockAddr) {
	svc, ok := e.services[lookup]
	if !ok {
		e.logger.Warn("create key request: service not registered locally", "lookup", lookup, "error", ErrNotServing)
		return
	}
	circuit, err := e.registry.Select(nil, svc.Hops)
	if err != nil {
		e.logger.Warn("create key request: no circuit available", "lookup", lookup, "error", fmt.Errorf("%w: %v", ErrNoCircuitAvailable, err))
		return
	}

	id, err := e.cache.Add(reqcache.KindKeyRequest, keyRequestEntry{Circuit: circuit, SockAddr: sockAddr, InfoHash: lookup})
	if err != nil {
		e.logger.Warn("create key request: add KeyRequest failed", "error", err)
		return
	}

	payload := wire.KeyRequest{Identifier: id, InfoHash: [20]byte(lookup)}.Marshal()
	if err := tunnel.TunnelOut(e.net, e.self, sockAddr, wire.OpKeyRequest, payload); err != nil {
		e.logger.Warn("create key request: tunnel out failed", "error", err)
	}
}

// onKeyRequest arrives either directly over the socket (this node is an
// introduction point relaying toward the seeder) or through a circuit
// (this node IS the seeder, receiving the IP's relayed leg).
func (e *Engine) onKeyRequest(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeKeyRequest(payload)
	if err != nil {
		e.logger.Warn("decode key-request failed", "error", err)
		return
	}
	lookup := hsid.LookupId(msg.InfoHash)

	if cid, ok := ctx.CircuitID(); ok {
		e.onKeyRequestAtSeeder(cid, msg, lookup)
		return
	}
	e.onKeyRequestAtIntroPoint(from, msg, lookup)
}

func (e *Engine) onKeyRequestAtIntroPoint(from wire.SockAddr, msg wire.KeyRequest, lookup hsid.LookupId) {
	relayExit, ok := e.introPointFor[lookup]
	if !ok {
		e.logger.Warn("key-request: not an introduction point for this service", "lookup", lookup, "error", ErrNotAnIntroPoint)
		return
	}

	newID, err := e.cache.Add(reqcache.KindKeyRelay, keyRelayEntry{RelayExit: relayExit, OriginalID: msg.Identifier, ReturnAddr: from, InfoHash: lookup})
	if err != nil {
		e.logger.Warn("key-request relay: add KeyRelay failed", "error", err)
		return
	}

	payload := wire.KeyRequest{Identifier: newID, InfoHash: [20]byte(lookup)}.Marshal()
	if err := tunnel.SendCellViaExit(e.net, e.self, relayExit, wire.OpKeyRequest, payload); err != nil {
		e.logger.Warn("key-request relay: forward failed", "error", err)
	}
}

func (e *Engine) onKeyRequestAtSeeder(cid uint32, msg wire.KeyRequest, lookup hsid.LookupId) {
	circuit, ok := e.registry.Circuit(cid)
	if !ok {
		return
	}
	svc, ok := e.services[lookup]
	if !ok || svc.SessionKey == nil {
		return // NotServing: S4, no reply, no cache entry.
	}

	reply := wire.KeyResponse{
		Identifier: msg.Identifier,
		PublicKey:  svc.SessionKey.Public.Key,
		PexPeers:   e.pexSnapshotLocked(lookup, 50),
	}.Marshal()
	if err := tunnel.SendCell(e.net, e.self, circuit, wire.OpKeyResponse, reply); err != nil {
		e.logger.Warn("key-response: send failed", "error", err)
	}
}

// pexSnapshotLocked is always empty for a freshly registered service here:
// this engine only learns PEX entries as a downloader (infohash_pex), and a
// seeder's own table is never populated since it is the one other nodes
// contact, not the one discovering peers. It exists so on_key_request's
// reply shape matches the wire contract even when the set is empty, and so
// a future seeder-side PEX cache has a single insertion point.
func (e *Engine) pexSnapshotLocked(lookup hsid.LookupId, max int) []wire.PexPeer {
	peers := make([]wire.PexPeer, 0, len(e.infohashPex[lookup]))
	for key := range e.infohashPex[lookup] {
		peers = append(peers, wire.PexPeer{Addr: key.Addr, Key: key.Key})
		if len(peers) >= max {
			break
		}
	}
	return peers
}

// onKeyResponse arrives at the introduction point (the seeder-facing leg,
// circuit context) or at the original downloader (tunneled, socket
// context).
func (e *Engine) onKeyResponse(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeKeyResponse(payload)
	if err != nil {
		e.logger.Warn("decode key-response failed", "error", err)
		return
	}

	if _, ok := ctx.CircuitID(); ok {
		e.onKeyResponseAtIntroPoint(msg)
		return
	}
	e.onKeyResponseAtDownloader(from, msg)
}

func (e *Engine) onKeyResponseAtIntroPoint(msg wire.KeyResponse) {
	entryAny, ok := e.cache.Pop(reqcache.KindKeyRelay, msg.Identifier)
	if !ok {
		return
	}
	entry := entryAny.(keyRelayEntry)

	reply := wire.KeyResponse{Identifier: entry.OriginalID, PublicKey: msg.PublicKey, PexPeers: msg.PexPeers}.Marshal()
	if err := tunnel.TunnelOut(e.net, e.self, entry.ReturnAddr, wire.OpKeyResponse, reply); err != nil {
		e.logger.Warn("key-response relay: tunnel out failed", "error", err)
	}
}

func (e *Engine) onKeyResponseAtDownloader(from wire.SockAddr, msg wire.KeyResponse) {
	entryAny, ok := e.cache.Pop(reqcache.KindKeyRequest, msg.Identifier)
	if !ok {
		return
	}
	entry := entryAny.(keyRequestEntry)
	lookup := entry.InfoHash

	if e.infohashPex[lookup] == nil {
		e.infohashPex[lookup] = make(map[pexKey]struct{})
	}
	e.infohashPex[lookup][pexKey{Addr: entry.SockAddr, Key: msg.PublicKey}] = struct{}{}
	for _, p := range msg.PexPeers {
		e.infohashPex[lookup][pexKey{Addr: p.Addr, Key: p.Key}] = struct{}{}
	}

	for key := range e.infohashPex[lookup] {
		if _, linked := e.rpLinkedPeers[e2eKey{InfoHash: lookup, PeerPub: key.Key}]; linked {
			continue
		}
		e.createE2ELocked(entry.Circuit, key.Addr, lookup, key.Key)
	}
}
