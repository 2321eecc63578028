package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cvsouth/hsoverlay/dhtmediator"
	"github.com/cvsouth/hsoverlay/downloadproxy"
	"github.com/cvsouth/hsoverlay/engine"
	"github.com/cvsouth/hsoverlay/hscrypto"
	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/store"
	"github.com/cvsouth/hsoverlay/tunnel"
	"github.com/cvsouth/hsoverlay/wire"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var (
		listenAddr   = flag.String("listen", "127.0.0.1:7000", "address this node's engine answers protocol cells on")
		proxyAddr    = flag.String("proxy-addr", "127.0.0.1:9050", "address the SOCKS5 hidden-service resolver listens on")
		storeDir     = flag.String("store-dir", "hsnode-data", "directory for persisted service identity keys")
		dhtPort      = flag.Int("dht-port", 0, "UDP port for the mainline DHT server (0 picks an ephemeral port)")
		dhtBootstrap = flag.String("dht-bootstrap", "", "comma-separated bootstrap nodes, empty uses dhtmediator.DefaultBootstrapNodes")
		hops         = flag.Int("hops", 2, "hop count used for introduction-point and download circuits")
		exitPeer     = flag.String("exit-peer", "", "relay peer (ip:port) this node asks to perform DHT lookups and build circuits toward, required for downloads")
		introPeers   = flag.String("seed-intro-peers", "", "comma-separated ip:port list of peers to build introduction-point circuits toward; registering as a seeder is skipped if empty")
	)
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== hsoverlay node %s ===\n", Version)

	self, err := parseSockAddr(*listenAddr)
	if err != nil {
		fmt.Printf("bad -listen address: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Open(*storeDir)
	if err != nil {
		fmt.Printf("open identity store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	logKnownServices(db, logger)

	registry := tunnel.New(logger)
	net := tunnel.NewLoopbackNetwork()

	dht, err := dhtmediator.New(dhtmediator.Config{
		ListenPort: *dhtPort,
		Bootstrap:  splitNonEmpty(*dhtBootstrap),
		Logger:     logger,
	})
	if err != nil {
		fmt.Printf("start dht mediator: %v\n", err)
		os.Exit(1)
	}
	defer dht.Close()

	eng := engine.New(engine.Config{
		Registry: registry,
		Net:      net,
		DHT:      dht,
		Self:     self,
		Logger:   logger,
	})

	if peers := splitNonEmpty(*introPeers); len(peers) > 0 {
		registerSeeder(eng, db, peers, *hops, logger)
	}

	var exit wire.SockAddr
	if *exitPeer != "" {
		exit, err = parseSockAddr(*exitPeer)
		if err != nil {
			fmt.Printf("bad -exit-peer address: %v\n", err)
			os.Exit(1)
		}
	}

	proxy := &downloadproxy.Server{
		Addr:     *proxyAddr,
		Engine:   eng,
		ExitPeer: exit,
		Hops:     *hops,
		Logger:   logger,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = proxy.Close()
	}()

	fmt.Printf("Ready. Engine listening on %s, resolver on %s\n", self, *proxyAddr)
	fmt.Println("Use: curl --socks5-hostname " + *proxyAddr + " http://<service-id-hex>.hs")
	if err := proxy.ListenAndServe(); err != nil {
		fmt.Printf("downloadproxy server error: %v\n", err)
	}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("hsnode-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func logKnownServices(db *store.Store, logger *slog.Logger) {
	ids, err := db.ServiceIDs()
	if err != nil {
		logger.Warn("list known service ids failed", "error", err)
		return
	}
	for _, id := range ids {
		logger.Info("previously registered service found in store", "service", id)
	}
}

// registerSeeder derives a self-certifying ServiceId from a fresh Ed25519
// identity keypair (hsid.DeriveServiceID), persists a separately-generated
// curve25519 session key under that id via the store, and registers the
// service. RegisterService mints its own session key internally per call
// (spec.md §4.2 Phase A) rather than accepting one, so restart-to-restart
// identity continuity is only as durable as re-running with the same
// -seed-intro-peers set; the persisted key here records which ServiceId
// this node has claimed, not a key the engine will reuse automatically on
// a later run.
func registerSeeder(eng *engine.Engine, db *store.Store, introPeers []string, hops int, logger *slog.Logger) {
	identityPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		logger.Error("generate service identity key failed", "error", err)
		return
	}
	service, err := hsid.DeriveServiceID(identityPub)
	if err != nil {
		logger.Error("derive service id failed", "error", err)
		return
	}

	sessionKey, err := hscrypto.GenerateKey("curve25519")
	if err != nil {
		logger.Error("generate service session key failed", "error", err)
		return
	}
	if err := db.PutServiceKey(service, sessionKey); err != nil {
		logger.Warn("persist service session key failed", "service", service, "error", err)
	}

	peers := make([]wire.SockAddr, 0, len(introPeers))
	for _, p := range introPeers {
		addr, err := parseSockAddr(p)
		if err != nil {
			logger.Error("bad seed-intro-peers entry", "peer", p, "error", err)
			return
		}
		peers = append(peers, addr)
	}

	err = eng.RegisterService(service, hops, peers, func(endpoint wire.SockAddr) {
		logger.Info("rendezvous link up for seeded service", "service", service, "endpoint", endpoint)
	})
	if err != nil {
		logger.Error("register service failed", "service", service, "error", err)
		return
	}
	fmt.Printf("Seeding service %s (%d intro point peer(s))\n", service, len(peers))
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSockAddr parses "ipv4:port" into a wire.SockAddr; the wire format
// only carries IPv4 (spec.md §6), matching downloadproxy and socks before it.
func parseSockAddr(s string) (wire.SockAddr, error) {
	host, portStr, err := splitHostPortStrict(s)
	if err != nil {
		return wire.SockAddr{}, err
	}
	ip4, err := parseIPv4(host)
	if err != nil {
		return wire.SockAddr{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return wire.SockAddr{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	return wire.SockAddr{IP: ip4, Port: uint16(port)}, nil
}

func splitHostPortStrict(s string) (string, string, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("address %q missing port", s)
	}
	return s[:idx], s[idx+1:], nil
}

func parseIPv4(host string) ([4]byte, error) {
	var out [4]byte
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return out, fmt.Errorf("not an IPv4 address: %q", host)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return out, fmt.Errorf("not an IPv4 address: %q", host)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
