package engine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/hsoverlay/hscrypto"
	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/reqcache"
	"github.com/cvsouth/hsoverlay/tunnel"
	"github.com/cvsouth/hsoverlay/wire"
)

// e2eWaitingOnRP is the context a seeder needs once its rendezvous-point
// circuit finishes, to answer the create-e2e that triggered it (spec.md
// §4.2 Phase D/E: "finished_callback ... proceeds with Phase D response").
type e2eWaitingOnRP struct {
	OriginalCircuit *tunnel.Circuit
	OriginalID      uint32
	FirstPart       [32]byte
	ServiceKey      *hscrypto.PrivateKey
}

// createE2ELocked is the downloader's Phase D entry point: it skips peers
// already mid-handshake (spec.md §9's explicit in-flight guard, replacing
// the source's structurally weak one), generates an ephemeral DH share,
// registers an E2ERequest, and tunnels create-e2e to peer.
func (e *Engine) createE2ELocked(circuit *tunnel.Circuit, peer wire.SockAddr, lookup hsid.LookupId, peerPub [32]byte) {
	key := e2eKey{InfoHash: lookup, PeerPub: peerPub}
	if _, inflight := e.inflightE2E[key]; inflight {
		return
	}
	e.inflightE2E[key] = struct{}{}

	hop, err := hscrypto.GenerateDiffieSecret()
	if err != nil {
		e.logger.Warn("create e2e: generate diffie secret failed", "error", err)
		delete(e.inflightE2E, key)
		return
	}
	identity, err := hscrypto.GenerateKey("curve25519")
	if err != nil {
		e.logger.Warn("create e2e: generate identity failed", "error", err)
		delete(e.inflightE2E, key)
		return
	}

	id, err := e.cache.Add(reqcache.KindE2ERequest, e2eRequestEntry{
		InfoHash:   lookup,
		Circuit:    circuit,
		Hop:        hop,
		SockAddr:   peer,
		ServicePub: peerPub,
	})
	if err != nil {
		e.logger.Warn("create e2e: add E2ERequest failed", "error", err)
		delete(e.inflightE2E, key)
		return
	}

	payload := wire.CreateE2E{
		Identifier:  id,
		InfoHash:    [20]byte(lookup),
		NodeID:      identity.NodeID,
		NodePub:     identity.Public.Key,
		DHFirstPart: hop.FirstPart,
	}.Marshal()
	if err := tunnel.TunnelOut(e.net, e.self, peer, wire.OpCreateE2E, payload); err != nil {
		e.logger.Warn("create e2e: tunnel out failed", "error", err)
	}
}

// onCreateE2E arrives tunneled at the introduction point (socket context,
// forwarded toward the seeder) or through a circuit at the seeder itself.
func (e *Engine) onCreateE2E(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeCreateE2E(payload)
	if err != nil {
		e.logger.Warn("decode create-e2e failed", "error", err)
		return
	}
	lookup := hsid.LookupId(msg.InfoHash)

	if cid, ok := ctx.CircuitID(); ok {
		e.onCreateE2EAtSeeder(cid, msg, lookup)
		return
	}
	e.onCreateE2EAtIntroPoint(from, msg, lookup)
}

func (e *Engine) onCreateE2EAtIntroPoint(from wire.SockAddr, msg wire.CreateE2E, lookup hsid.LookupId) {
	relayExit, ok := e.introPointFor[lookup]
	if !ok {
		e.logger.Warn("create-e2e: not an introduction point for this service", "lookup", lookup, "error", ErrNotAnIntroPoint)
		return
	}

	newID, err := e.cache.Add(reqcache.KindE2ERelay, e2eRelayEntry{RelayExit: relayExit, OriginalID: msg.Identifier, ReturnAddr: from, InfoHash: lookup})
	if err != nil {
		e.logger.Warn("create-e2e relay: add E2ERelay failed", "error", err)
		return
	}

	payload := wire.CreateE2E{
		Identifier:  newID,
		InfoHash:    msg.InfoHash,
		NodeID:      msg.NodeID,
		NodePub:     msg.NodePub,
		DHFirstPart: msg.DHFirstPart,
	}.Marshal()
	if err := tunnel.SendCellViaExit(e.net, e.self, relayExit, wire.OpCreateE2E, payload); err != nil {
		e.logger.Warn("create-e2e relay: forward failed", "error", err)
	}
}

func (e *Engine) onCreateE2EAtSeeder(cid uint32, msg wire.CreateE2E, lookup hsid.LookupId) {
	circuit, ok := e.registry.Circuit(cid)
	if !ok {
		return
	}
	svc, ok := e.services[lookup]
	if !ok || svc.SessionKey == nil {
		return
	}
	rpPeer, ok := e.nextRPCandidateLocked()
	if !ok {
		e.logger.Warn("create e2e: no rendezvous candidate configured", "lookup", lookup)
		return
	}

	var cookie [20]byte
	if _, err := rand.Read(cookie[:]); err != nil {
		e.logger.Warn("create e2e: generate cookie failed", "error", err)
		return
	}

	waiting := e2eWaitingOnRP{
		OriginalCircuit: circuit,
		OriginalID:      msg.Identifier,
		FirstPart:       msg.DHFirstPart,
		ServiceKey:      svc.SessionKey,
	}

	_, err := e.registry.CreateCircuit(svc.Hops, tunnel.RoleRP, rpPeer, nil, &lookup, func(rpCircuit *tunnel.Circuit) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.onRPCircuitReadyLocked(rpCircuit, cookie, waiting)
	})
	if err != nil {
		e.logger.Warn("create e2e: create RP circuit failed", "error", err)
	}
}

func (e *Engine) onRPCircuitReadyLocked(rpCircuit *tunnel.Circuit, cookie [20]byte, waiting e2eWaitingOnRP) {
	rp := &tunnel.RendezvousPoint{Circuit: rpCircuit, Cookie: cookie}
	rp.FinishedCallback = func(finished *tunnel.RendezvousPoint) {
		e.completeE2EResponseLocked(finished, waiting)
	}
	e.rendezvousPoints[rpCircuit.ID] = rp

	id, err := e.cache.Add(reqcache.KindRPRequest, rpRequestEntry{RP: rp})
	if err != nil {
		e.logger.Warn("create rendezvous point: add RPRequest failed", "error", err)
		return
	}

	payload := wire.EstablishRendezvous{CircuitID: rpCircuit.ID, Identifier: id, Cookie: cookie}.Marshal()
	if err := tunnel.SendCell(e.net, e.self, rpCircuit, wire.OpEstablishRendezvous, payload); err != nil {
		e.logger.Warn("create rendezvous point: send failed", "error", err)
	}
}

// completeE2EResponseLocked runs once rendezvous-established has filled in
// rp.RPInfo: it finishes the seeder's half of the DH exchange, encrypts the
// rendezvous info under the resulting session keys, and replies
// created-e2e back along the original circuit from the seeder.
func (e *Engine) completeE2EResponseLocked(rp *tunnel.RendezvousPoint, waiting e2eWaitingOnRP) {
	shared, Y, auth, err := hscrypto.GenerateDiffieSharedSecret(waiting.FirstPart, waiting.ServiceKey)
	if err != nil {
		e.logger.Warn("complete e2e: dh failed", "error", err)
		return
	}
	sessionKeys, err := hscrypto.GenerateSessionKeys(shared)
	if err != nil {
		e.logger.Warn("complete e2e: session keys failed", "error", err)
		return
	}

	plain := encodeRPInfo(rp.RPInfo.Addr, rp.RPInfo.PublicKey, rp.Cookie)
	enc, err := hscrypto.EncryptStr(plain, sessionKeys[hscrypto.ExitNode], sessionKeys[hscrypto.ExitNodeSalt])
	if err != nil {
		e.logger.Warn("complete e2e: encrypt rp info failed", "error", err)
		return
	}

	payload := wire.CreatedE2E{Identifier: waiting.OriginalID, Y: Y, AUTH: auth, RPInfoEnc: enc}.Marshal()
	if err := tunnel.SendCell(e.net, e.self, waiting.OriginalCircuit, wire.OpCreatedE2E, payload); err != nil {
		e.logger.Warn("complete e2e: send created-e2e failed", "error", err)
	}
}

// onCreatedE2E arrives through a circuit at the introduction point (the
// seeder-facing leg, forwarded onward) or tunneled at the downloader.
func (e *Engine) onCreatedE2E(ctx tunnel.Context, from wire.SockAddr, payload []byte) {
	msg, err := wire.DecodeCreatedE2E(payload)
	if err != nil {
		e.logger.Warn("decode created-e2e failed", "error", err)
		return
	}

	if _, ok := ctx.CircuitID(); ok {
		e.onCreatedE2EAtIntroPoint(msg)
		return
	}
	e.onCreatedE2EAtDownloader(msg)
}

func (e *Engine) onCreatedE2EAtIntroPoint(msg wire.CreatedE2E) {
	entryAny, ok := e.cache.Pop(reqcache.KindE2ERelay, msg.Identifier)
	if !ok {
		return
	}
	entry := entryAny.(e2eRelayEntry)

	reply := wire.CreatedE2E{Identifier: entry.OriginalID, Y: msg.Y, AUTH: msg.AUTH, RPInfoEnc: msg.RPInfoEnc}.Marshal()
	if err := tunnel.TunnelOut(e.net, e.self, entry.ReturnAddr, wire.OpCreatedE2E, reply); err != nil {
		e.logger.Warn("created-e2e relay: tunnel out failed", "error", err)
	}
}

func (e *Engine) onCreatedE2EAtDownloader(msg wire.CreatedE2E) {
	entryAny, ok := e.cache.Pop(reqcache.KindE2ERequest, msg.Identifier)
	if !ok {
		return
	}
	entry := entryAny.(e2eRequestEntry)
	delete(e.inflightE2E, e2eKey{InfoHash: entry.InfoHash, PeerPub: entry.ServicePub})

	shared, err := hscrypto.VerifyAndGenerateSharedSecret(entry.Hop, msg.Y, msg.AUTH, entry.ServicePub)
	if err != nil {
		// CryptoVerificationFailed (spec.md §7): the cache entry is already
		// popped and the in-flight mark cleared. Nothing is retried here; the
		// other PEX peers of this service were already sent their own
		// create-e2e by the same key-response loop.
		e.logger.Warn("created-e2e: verification failed", "error", fmt.Errorf("%w: %v", ErrCryptoVerificationFailed, err))
		return
	}
	sessionKeys, err := hscrypto.GenerateSessionKeys(shared)
	if err != nil {
		e.logger.Warn("created-e2e: session keys failed", "error", err)
		return
	}

	plain, err := hscrypto.DecryptStr(msg.RPInfoEnc, sessionKeys[hscrypto.ExitNode], sessionKeys[hscrypto.ExitNodeSalt])
	if err != nil {
		e.logger.Warn("created-e2e: decrypt rp info failed", "error", err)
		return
	}
	rpAddr, rpPub, cookie, err := decodeRPInfo(plain)
	if err != nil {
		e.logger.Warn("created-e2e: decode rp info failed", "error", err)
		return
	}

	requiredExit := tunnel.PathHop{PublicKey: rpPub}
	rendezvousCircuitID, err := e.registry.CreateCircuit(entry.Circuit.GoalHops+1, tunnel.RoleRendezvous, rpAddr, &requiredExit, &entry.InfoHash, func(rendezvousCircuit *tunnel.Circuit) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.createLinkE2ELocked(rendezvousCircuit, cookie, sessionKeys, entry.InfoHash, entry.SockAddr)
	})
	if err != nil {
		e.logger.Warn("created-e2e: create rendezvous circuit failed", "error", err)
		return
	}
	// spec.md §4.2 Phase C: this peer is now mapped to an RP circuit, so a
	// later key-response's PEX loop must not re-initiate Phase D for it.
	e.rpLinkedPeers[e2eKey{InfoHash: entry.InfoHash, PeerPub: entry.ServicePub}] = rendezvousCircuitID
}

// encodeRPInfo/decodeRPInfo serialize the (rp_addr, rp_pubkey, cookie)
// triple carried encrypted inside created-e2e's RPInfoEnc field.
func encodeRPInfo(addr wire.SockAddr, pub [32]byte, cookie [20]byte) []byte {
	b := make([]byte, 4+2+32+20)
	copy(b[0:4], addr.IP[:])
	binary.BigEndian.PutUint16(b[4:6], addr.Port)
	copy(b[6:38], pub[:])
	copy(b[38:58], cookie[:])
	return b
}

func decodeRPInfo(b []byte) (wire.SockAddr, [32]byte, [20]byte, error) {
	var addr wire.SockAddr
	var pub [32]byte
	var cookie [20]byte
	if len(b) < 58 {
		return addr, pub, cookie, fmt.Errorf("rp info: truncated")
	}
	copy(addr.IP[:], b[0:4])
	addr.Port = binary.BigEndian.Uint16(b[4:6])
	copy(pub[:], b[6:38])
	copy(cookie[:], b[38:58])
	return addr, pub, cookie, nil
}
