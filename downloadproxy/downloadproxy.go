// Package downloadproxy is a local SOCKS5 front door for hidden services,
// adapted from the teacher's plain SOCKS5-over-Tor-circuits proxy: a CONNECT
// to a "<hex-service-id>.hs" address triggers engine.DownloadService and
// replies with the synthetic circuit endpoint the engine's service callback
// produces once the rendezvous link is up, instead of dialing a real host.
// Relaying application bytes across that spliced circuit is out of scope —
// spec.md §1 excludes "file-transfer semantics above the rendezvous link" —
// so this package's job ends at resolving the address; an upstream caller
// that wants payload transfer supplies its own data path on top of the
// synthetic (ip, port) this returns.
package downloadproxy

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/wire"
)

const maxConns = 256

// hsSuffix marks an address as a hidden-service identifier rather than a
// regular host: "<40 hex chars>.hs".
const hsSuffix = ".hs"

// Resolver is the engine surface this package needs: DownloadService,
// adapted to a blocking call by the caller (see resolveService).
type Resolver interface {
	DownloadService(service hsid.ServiceId, hops int, exitPeer wire.SockAddr, cb func(wire.SockAddr)) error
}

// Server is a SOCKS5 proxy that resolves .hs addresses to hidden-service
// rendezvous endpoints via engine. It does not dial ordinary hosts: a CONNECT
// to any other address gets a command-not-supported reply, and there is no
// onion-routed path for non-hidden-service traffic in this package, unlike
// the teacher's Tor-backed general-purpose proxy.
type Server struct {
	Addr     string
	Engine   Resolver
	ExitPeer wire.SockAddr // relay this node asks to perform DHT/key lookups
	Hops     int
	Timeout  time.Duration // how long to wait for a service callback; default 30s
	Logger   *slog.Logger

	ln  net.Listener
	sem chan struct{}
}

// ListenAndServe starts the SOCKS5 server. As in the teacher's proxy, it
// refuses to bind anywhere but loopback: this is a local front door, not a
// service meant to be reachable from the network.
func (s *Server) ListenAndServe() error {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}

	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("downloadproxy server must bind to loopback address, got %s", host)
		}
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.sem = make(chan struct{}, maxConns)
	s.Logger.Info("downloadproxy listening", "addr", s.Addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		s.sem <- struct{}{}
		go func() {
			defer func() { <-s.sem }()
			s.handleConn(conn)
		}()
	}
}

// Close stops the proxy.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.Timeout + 30*time.Second))

	if err := doHandshake(conn); err != nil {
		s.Logger.Debug("handshake failed", "error", err)
		return
	}

	target, err := readConnect(conn)
	if err != nil {
		s.Logger.Debug("connect request failed", "error", err)
		return
	}

	host, _ := splitHostPort(target)
	if !strings.HasSuffix(strings.ToLower(host), hsSuffix) {
		s.Logger.Debug("downloadproxy only resolves .hs addresses", "target", target)
		sendReply(conn, 0x07, wire.SockAddr{})
		return
	}

	service, err := parseServiceAddr(host)
	if err != nil {
		s.Logger.Debug("bad hidden service address", "target", target, "error", err)
		sendReply(conn, 0x07, wire.SockAddr{})
		return
	}

	endpoint, err := s.resolveService(service)
	if err != nil {
		s.Logger.Warn("hidden service resolve failed", "service", service, "error", err)
		sendReply(conn, 0x04, wire.SockAddr{})
		return
	}

	s.Logger.Info("hidden service resolved", "service", service, "endpoint", endpoint)
	sendReply(conn, 0x00, endpoint)
}

// resolveService blocks until the engine's service callback fires (the
// rendezvous link is up) or Timeout elapses.
func (s *Server) resolveService(service hsid.ServiceId) (wire.SockAddr, error) {
	result := make(chan wire.SockAddr, 1)
	if err := s.Engine.DownloadService(service, s.Hops, s.ExitPeer, func(ep wire.SockAddr) {
		select {
		case result <- ep:
		default:
		}
	}); err != nil {
		return wire.SockAddr{}, fmt.Errorf("download service: %w", err)
	}

	select {
	case ep := <-result:
		return ep, nil
	case <-time.After(s.Timeout):
		return wire.SockAddr{}, fmt.Errorf("timed out waiting for rendezvous link")
	}
}

// parseServiceAddr decodes "<40 hex chars>.hs" into a ServiceId.
func parseServiceAddr(host string) (hsid.ServiceId, error) {
	var service hsid.ServiceId
	stem := strings.TrimSuffix(strings.ToLower(host), hsSuffix)
	raw, err := hex.DecodeString(stem)
	if err != nil {
		return service, fmt.Errorf("decode service id: %w", err)
	}
	if len(raw) != len(service) {
		return service, fmt.Errorf("service id must be %d bytes, got %d", len(service), len(raw))
	}
	copy(service[:], raw)
	return service, nil
}

func doHandshake(conn net.Conn) error {
	var buf [258]byte
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if buf[0] != 0x05 {
		return fmt.Errorf("unsupported SOCKS version: %d", buf[0])
	}
	nMethods := int(buf[1])
	if nMethods == 0 {
		return fmt.Errorf("no methods offered")
	}
	if _, err := io.ReadFull(conn, buf[:nMethods]); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	found := false
	for i := 0; i < nMethods; i++ {
		if buf[i] == 0x00 {
			found = true
			break
		}
	}
	if !found {
		_, _ = conn.Write([]byte{0x05, 0xFF})
		return fmt.Errorf("client does not offer no-auth method")
	}

	_, err := conn.Write([]byte{0x05, 0x00})
	return err
}

func readConnect(conn net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != 0x05 {
		return "", fmt.Errorf("bad version: %d", hdr[0])
	}
	if hdr[1] != 0x01 {
		sendReply(conn, 0x07, wire.SockAddr{})
		return "", fmt.Errorf("unsupported command: %d", hdr[1])
	}

	var host string
	switch hdr[3] {
	case 0x01:
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return "", err
		}
		host = net.IP(addr[:]).String()
	case 0x03:
		var lenBuf [1]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return "", err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", err
		}
		host = string(domain)
		if host == "" {
			return "", fmt.Errorf("empty domain name")
		}
	case 0x04:
		sendReply(conn, 0x08, wire.SockAddr{})
		return "", fmt.Errorf("IPv6 not supported")
	default:
		return "", fmt.Errorf("unknown address type: %d", hdr[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return fmt.Sprintf("%s:%d", host, port), nil
}

func splitHostPort(target string) (string, uint16) {
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return target, 0
	}
	host := target[:idx]
	var port uint16
	_, _ = fmt.Sscanf(target[idx+1:], "%d", &port)
	return host, port
}

// sendReply writes a SOCKS5 reply with bound address addr (the synthetic
// circuit endpoint on success, zero on failure).
func sendReply(conn net.Conn, rep byte, addr wire.SockAddr) {
	reply := make([]byte, 10)
	reply[0] = 0x05
	reply[1] = rep
	reply[2] = 0x00
	reply[3] = 0x01
	copy(reply[4:8], addr.IP[:])
	binary.BigEndian.PutUint16(reply[8:10], addr.Port)
	_, _ = conn.Write(reply)
}
