package engine

import (
	"github.com/cvsouth/hsoverlay/hscrypto"
	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/tunnel"
	"github.com/cvsouth/hsoverlay/wire"
)

// The following are the request-cache value shapes of spec.md §3's "Pending
// request cache entry" variants, one per reqcache.Kind this engine uses.

// ipRequestEntry backs reqcache.KindIPRequest: awaiting intro-established
// on a circuit this node is building toward an introduction point.
type ipRequestEntry struct {
	Circuit  *tunnel.Circuit
	InfoHash hsid.LookupId
}

// rpRequestEntry backs reqcache.KindRPRequest: awaiting rendezvous-
// established on a circuit this node is building toward a rendezvous point.
type rpRequestEntry struct {
	RP *tunnel.RendezvousPoint
}

// dhtRequestEntry backs reqcache.KindDHTRequest: awaiting dht-response
// sent back through the circuit the dht-request went out on.
type dhtRequestEntry struct {
	Circuit  *tunnel.Circuit
	LookupID hsid.LookupId
}

// keyRequestEntry backs reqcache.KindKeyRequest on the downloader side:
// awaiting key-response for a service it wants to reach.
type keyRequestEntry struct {
	Circuit  *tunnel.Circuit
	SockAddr wire.SockAddr
	InfoHash hsid.LookupId
}

// keyRelayEntry backs reqcache.KindKeyRelay on the introduction-point side:
// bridges the downloader-facing leg (tunneled key-request) to the
// seeder-facing leg (relayed through this node's IP exit socket) so the
// eventual key-response can be routed back to whoever asked.
type keyRelayEntry struct {
	RelayExit  *tunnel.ExitSocket
	OriginalID uint32
	ReturnAddr wire.SockAddr
	InfoHash   hsid.LookupId
}

// e2eRelayEntry backs reqcache.KindE2ERelay at the introduction point: the
// symmetric counterpart to keyRelayEntry that spec.md §9's open question
// calls for, so the create-e2e forwarding leg is correlated the same way
// key-request forwarding is instead of relying solely on the downloader's
// original id.
type e2eRelayEntry struct {
	RelayExit  *tunnel.ExitSocket
	OriginalID uint32
	ReturnAddr wire.SockAddr
	InfoHash   hsid.LookupId
}

// e2eRequestEntry backs reqcache.KindE2ERequest on the downloader side:
// awaiting created-e2e for an in-flight create-e2e it issued.
type e2eRequestEntry struct {
	InfoHash   hsid.LookupId
	Circuit    *tunnel.Circuit
	Hop        *hscrypto.DiffieHop
	SockAddr   wire.SockAddr
	ServicePub [32]byte
}

// linkRequestEntry backs reqcache.KindLinkRequest on the downloader side:
// awaiting linked-e2e after it asked the rendezvous point to splice.
type linkRequestEntry struct {
	Circuit  *tunnel.Circuit
	InfoHash hsid.LookupId
}
