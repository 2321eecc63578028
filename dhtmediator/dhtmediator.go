// Package dhtmediator is the reference implementation of the DHT provider
// contract spec.md §6 leaves external to the engine: lookup(info_hash, cb)
// and announce(info_hash). LookupId's 20 bytes are exactly the shape of a
// BitTorrent infohash, so the mainline DHT — the one real-world distributed
// hash table every machine on the pack already speaks — is a direct fit;
// no protocol translation layer is needed beyond wrapping its peer
// addresses as wire.SockAddr.
package dhtmediator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"

	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/wire"
)

// DefaultBootstrapNodes are well-known BitTorrent mainline DHT routers.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

const (
	defaultLookupTimeout   = 15 * time.Second
	defaultAnnounceTimeout = 15 * time.Second
	// BlacklistWindow matches spec.md §4.2's 60-second DHT blacklist cleanup.
	// Nothing in this package uses it; package engine applies its own
	// blacklistWindow to DHT peers it has already contacted.
	BlacklistWindow = 60 * time.Second
)

// Config configures a Provider.
type Config struct {
	// ListenPort is the local UDP port the DHT server binds. 0 picks an
	// ephemeral port.
	ListenPort int
	// Bootstrap overrides DefaultBootstrapNodes when non-empty.
	Bootstrap []string
	Logger    *slog.Logger
}

// Provider wraps a mainline DHT server as the engine's lookup/announce
// collaborator.
type Provider struct {
	server *dht.Server
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// New binds a UDP socket, resolves the bootstrap addresses (a DNS lookup for
// host names; New fails if none resolves), and starts a mainline DHT server.
// Bootstrapping into the routing table happens lazily on first
// Lookup/Announce call, not here.
func New(cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.ListenPort})
	if err != nil {
		return nil, fmt.Errorf("dhtmediator: bind udp: %w", err)
	}

	bootstrap := cfg.Bootstrap
	if len(bootstrap) == 0 {
		bootstrap = DefaultBootstrapNodes
	}
	var startingAddrs []dht.Addr
	for _, node := range bootstrap {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			logger.Warn("dht bootstrap node did not resolve", "node", node, "error", err)
			continue
		}
		startingAddrs = append(startingAddrs, dht.NewAddr(addr))
	}
	if len(startingAddrs) == 0 {
		conn.Close()
		return nil, fmt.Errorf("dhtmediator: no bootstrap nodes resolved")
	}

	serverCfg := dht.NewDefaultServerConfig()
	serverCfg.Conn = conn
	serverCfg.StartingNodes = func() ([]dht.Addr, error) { return startingAddrs, nil }

	server, err := dht.NewServer(serverCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dhtmediator: new server: %w", err)
	}

	return &Provider{server: server, logger: logger, running: true}, nil
}

// Close shuts the underlying DHT server and its socket down.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.server.Close()
}

// NumNodes reports the DHT routing table's current size, for health checks.
func (p *Provider) NumNodes() int { return p.server.NumNodes() }

func infohash(id hsid.LookupId) [20]byte { return [20]byte(id) }

// Lookup performs a get_peers query for lookup and invokes cb once with
// every peer address the query surfaced before its timeout elapses —
// spec.md §4.2's do_dht_lookup / do_raw_dht_lookup. cb is always invoked,
// even with an empty slice, so callers can drive a blacklist-on-miss policy
// uniformly.
func (p *Provider) Lookup(ctx context.Context, lookup hsid.LookupId, cb func([]wire.SockAddr)) error {
	ctx, cancel := context.WithTimeout(ctx, defaultLookupTimeout)

	announce, err := p.server.Announce(infohash(lookup), 0, false)
	if err != nil {
		cancel()
		return fmt.Errorf("dhtmediator: lookup %s: %w", lookup, err)
	}
	go func() {
		defer cancel()
		defer announce.Close()
		var peers []wire.SockAddr
		for {
			select {
			case <-ctx.Done():
				cb(peers)
				return
			case batch, ok := <-announce.Peers:
				if !ok {
					cb(peers)
					return
				}
				for _, na := range batch.Peers {
					if sa, err := toSockAddr(na); err == nil {
						peers = append(peers, sa)
					}
				}
			}
		}
	}()
	return nil
}

// Announce publishes this node's presence under lookup — spec.md §4.2's
// create_introduction_point announce step — without collecting peers.
func (p *Provider) Announce(ctx context.Context, lookup hsid.LookupId, port int) error {
	ctx, cancel := context.WithTimeout(ctx, defaultAnnounceTimeout)

	announce, err := p.server.Announce(infohash(lookup), port, true)
	if err != nil {
		cancel()
		return fmt.Errorf("dhtmediator: announce %s: %w", lookup, err)
	}
	go func() {
		defer cancel()
		defer announce.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-announce.Peers:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func toSockAddr(na krpc.NodeAddr) (wire.SockAddr, error) {
	ip4 := na.IP.To4()
	if ip4 == nil {
		return wire.SockAddr{}, fmt.Errorf("dhtmediator: non-ipv4 peer address %s", na.IP)
	}
	var sa wire.SockAddr
	copy(sa.IP[:], ip4)
	sa.Port = uint16(na.Port)
	return sa, nil
}
