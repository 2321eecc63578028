package main

import "testing"

func TestParseSockAddr(t *testing.T) {
	addr, err := parseSockAddr("10.0.0.5:7000")
	if err != nil {
		t.Fatalf("parseSockAddr failed: %v", err)
	}
	if addr.IP != [4]byte{10, 0, 0, 5} || addr.Port != 7000 {
		t.Fatalf("unexpected addr: %+v", addr)
	}
}

func TestParseSockAddrMissingPort(t *testing.T) {
	if _, err := parseSockAddr("10.0.0.5"); err == nil {
		t.Fatal("expected error for missing port")
	}
}

func TestParseSockAddrNotIPv4(t *testing.T) {
	if _, err := parseSockAddr("example.com:80"); err == nil {
		t.Fatal("expected error for non-IPv4 host")
	}
}

func TestParseIPv4OutOfRange(t *testing.T) {
	if _, err := parseIPv4("1.2.3.999"); err == nil {
		t.Fatal("expected error for out-of-range octet")
	}
}

func TestSplitNonEmpty(t *testing.T) {
	got := splitNonEmpty(" 1.2.3.4:80 , ,5.6.7.8:90")
	if len(got) != 2 || got[0] != "1.2.3.4:80" || got[1] != "5.6.7.8:90" {
		t.Fatalf("unexpected split result: %#v", got)
	}
}

func TestSplitNonEmptyEmpty(t *testing.T) {
	if got := splitNonEmpty(""); got != nil {
		t.Fatalf("expected nil for empty input, got %#v", got)
	}
}
