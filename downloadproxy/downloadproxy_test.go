package downloadproxy

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cvsouth/hsoverlay/hsid"
	"github.com/cvsouth/hsoverlay/wire"
)

func TestDoHandshakeValid(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- doHandshake(server) }()

	client.Write([]byte{0x05, 0x01, 0x00})

	buf := make([]byte, 2)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if buf[0] != 0x05 || buf[1] != 0x00 {
		t.Fatalf("unexpected response: %x", buf)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
}

func TestDoHandshakeNoAuthNotOffered(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- doHandshake(server) }()

	client.Write([]byte{0x05, 0x01, 0x02})

	buf := make([]byte, 2)
	io.ReadFull(client, buf)
	if buf[1] != 0xFF {
		t.Fatalf("expected 0xFF rejection, got %x", buf[1])
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected error for missing no-auth method")
	}
}

func TestReadConnectDomain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		target string
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		target, err := readConnect(server)
		ch <- result{target, err}
	}()

	service := make([]byte, 20)
	for i := range service {
		service[i] = byte(i)
	}
	domain := []byte(hsid.ServiceId(service[:20]).String() + hsSuffix)
	msg := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	msg = append(msg, domain...)
	msg = append(msg, 0x00, 0x50)
	client.Write(msg)

	r := <-ch
	if r.err != nil {
		t.Fatalf("readConnect failed: %v", r.err)
	}
}

func TestParseServiceAddr(t *testing.T) {
	var want hsid.ServiceId
	for i := range want {
		want[i] = byte(i)
	}
	host := fmt.Sprintf("%x%s", want[:], hsSuffix)

	got, err := parseServiceAddr(host)
	if err != nil {
		t.Fatalf("parseServiceAddr failed: %v", err)
	}
	if got != want {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestParseServiceAddrBadLength(t *testing.T) {
	if _, err := parseServiceAddr("ab" + hsSuffix); err == nil {
		t.Fatal("expected error for short service id")
	}
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		input    string
		wantHost string
		wantPort uint16
	}{
		{"example.com:80", "example.com", 80},
		{"example.com", "example.com", 0},
		{"1.2.3.4:9001", "1.2.3.4", 9001},
	}
	for _, tt := range tests {
		host, port := splitHostPort(tt.input)
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("splitHostPort(%q) = (%q, %d), want (%q, %d)",
				tt.input, host, port, tt.wantHost, tt.wantPort)
		}
	}
}

func TestSendReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	addr := wire.SockAddr{IP: [4]byte{1, 2, 3, 4}, Port: 1337}
	go sendReply(server, 0x00, addr)

	buf := make([]byte, 10)
	n, _ := io.ReadFull(client, buf)
	if n != 10 {
		t.Fatalf("expected 10 bytes, got %d", n)
	}
	if buf[4] != 1 || buf[5] != 2 || buf[6] != 3 || buf[7] != 4 {
		t.Fatalf("unexpected bound address in reply: %x", buf)
	}
}

func TestListenNonLoopbackRejected(t *testing.T) {
	s := &Server{Addr: "0.0.0.0:9060"}
	if err := s.ListenAndServe(); err == nil {
		s.Close()
		t.Fatal("expected error for non-loopback address")
	}
}

// fakeResolver resolves every DownloadService call immediately from a
// goroutine, matching the engine's own asynchronous callback contract.
type fakeResolver struct {
	endpoint wire.SockAddr
	err      error
}

func (f *fakeResolver) DownloadService(service hsid.ServiceId, hops int, exitPeer wire.SockAddr, cb func(wire.SockAddr)) error {
	if f.err != nil {
		return f.err
	}
	go cb(f.endpoint)
	return nil
}

func TestHandleConnResolvesHiddenService(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	var service hsid.ServiceId
	for i := range service {
		service[i] = byte(i + 1)
	}
	endpoint := wire.SockAddr{IP: [4]byte{10, 0, 0, 1}, Port: hsid.CircuitIDPort}

	s := &Server{
		Engine:  &fakeResolver{endpoint: endpoint},
		Timeout: time.Second,
	}

	done := make(chan struct{})
	go func() {
		s.handleConn(server)
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	buf := make([]byte, 2)
	io.ReadFull(client, buf)

	domain := []byte(fmt.Sprintf("%x%s", service[:], hsSuffix))
	msg := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	msg = append(msg, domain...)
	msg = append(msg, 0x00, 0x50)
	client.Write(msg)

	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	if reply[1] != 0x00 {
		t.Fatalf("expected success reply, got 0x%02x", reply[1])
	}
	if reply[4] != 10 || reply[5] != 0 || reply[6] != 0 || reply[7] != 1 {
		t.Fatalf("unexpected bound address: %x", reply)
	}

	<-done
}

func TestHandleConnRejectsNonHiddenServiceTarget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := &Server{Engine: &fakeResolver{}, Timeout: time.Second}

	done := make(chan struct{})
	go func() {
		s.handleConn(server)
		close(done)
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	buf := make([]byte, 2)
	io.ReadFull(client, buf)

	domain := []byte("example.com")
	msg := []byte{0x05, 0x01, 0x00, 0x03, byte(len(domain))}
	msg = append(msg, domain...)
	msg = append(msg, 0x00, 0x50)
	client.Write(msg)

	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	if reply[1] != 0x07 {
		t.Fatalf("expected command-not-supported reply, got 0x%02x", reply[1])
	}

	<-done
}

func TestResolveServiceTimeout(t *testing.T) {
	s := &Server{
		Engine:  &fakeResolver{err: nil},
		Timeout: 10 * time.Millisecond,
	}
	// A resolver whose callback never fires should time out rather than hang.
	s.Engine = &neverResolver{}
	if _, err := s.resolveService(hsid.ServiceId{}); err == nil {
		t.Fatal("expected timeout error")
	}
}

type neverResolver struct{}

func (neverResolver) DownloadService(service hsid.ServiceId, hops int, exitPeer wire.SockAddr, cb func(wire.SockAddr)) error {
	return nil
}
