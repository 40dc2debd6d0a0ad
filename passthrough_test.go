package yuri

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPassthrough_Match(t *testing.T) {
	pt := NewPassthrough("pinned.example.com", "*.bank.example", " Upper.Example. ", "")

	tests := []struct {
		host string
		want bool
	}{
		{"pinned.example.com", true},
		{"pinned.example.com:443", true},
		{"PINNED.example.com", true},
		{"other.example.com", false},
		{"login.bank.example", true},
		{"a.b.bank.example", true},
		{"bank.example", false},
		{"notbank.example", false},
		{"upper.example", true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := pt.Match(tt.host); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestPassthrough_AddRemove(t *testing.T) {
	pt := NewPassthrough()
	if pt.Len() != 0 {
		t.Fatalf("Len = %d, want 0", pt.Len())
	}

	pt.Add("a.example")
	pt.Add("*.b.example")
	pt.Add("a.example")
	if pt.Len() != 2 {
		t.Errorf("Len = %d, want 2", pt.Len())
	}

	pt.Remove("*.b.example")
	if pt.Match("x.b.example") {
		t.Error("removed wildcard still matches")
	}
	pt.Remove("a.example")
	if pt.Len() != 0 {
		t.Errorf("Len = %d after removal", pt.Len())
	}
}

func TestPassthrough_NilMatch(t *testing.T) {
	var pt *Passthrough
	if pt.Match("example.com") {
		t.Error("nil passthrough matched")
	}
}

func TestProxy_PassthroughTunnel(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "direct")
	}))
	defer backend.Close()

	store := newMemStore()
	pipeline, _ := newTestPipeline(store, bodyRule("1", LocationResponse, "direct", "rewritten"))
	_, _, addr := newTestProxyWith(t, pipeline, func(p *Proxy) {
		p.Passthrough = NewPassthrough("127.0.0.1")
	})

	target := strings.TrimPrefix(backend.URL, "https://")
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_, _ = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT returned %d", resp.StatusCode)
	}

	// The origin's own certificate must be presented, not a minted leaf.
	pool := x509.NewCertPool()
	pool.AddCert(backend.Certificate())
	tlsConn := tls.Client(conn, &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake with origin: %v", err)
	}

	_, _ = fmt.Fprintf(tlsConn, "GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", target)
	out, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer func() { _ = out.Body.Close() }()
	body, _ := io.ReadAll(out.Body)
	if string(body) != "direct" {
		t.Errorf("body = %q, want untouched origin body", body)
	}
	if rec := store.get("ex-1"); rec != nil {
		t.Errorf("passthrough exchange was recorded: %+v", rec)
	}
}
