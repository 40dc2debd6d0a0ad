package yuri

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Passthrough lists hosts whose CONNECT tunnels are relayed byte for byte
// instead of being intercepted. Clients that pin certificates fail against
// a minted leaf, so their hosts belong here.
//
// Patterns are either an exact host ("api.example.com") or a wildcard
// suffix ("*.example.com") matching any subdomain but not the apex.
//
//	pt := yuri.NewPassthrough("*.apple.com", "pinned.example.com")
//	proxy.Passthrough = pt
type Passthrough struct {
	// Logger for passthrough events. If nil, passthrough is silent.
	Logger *slog.Logger

	mu    sync.RWMutex
	exact map[string]bool
	// wildcard suffixes, stored with the leading dot
	suffixes map[string]bool
}

// NewPassthrough creates a Passthrough holding the given patterns.
func NewPassthrough(patterns ...string) *Passthrough {
	pt := &Passthrough{
		exact:    make(map[string]bool),
		suffixes: make(map[string]bool),
	}
	for _, p := range patterns {
		pt.Add(p)
	}
	return pt
}

// Add registers a host pattern. Empty patterns are ignored.
// Add is safe for concurrent use.
func (pt *Passthrough) Add(pattern string) {
	pattern = normalizeHost(pattern)
	if pattern == "" {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
		pt.suffixes[suffix] = true
		return
	}
	pt.exact[pattern] = true
}

// Remove deletes a previously registered pattern.
// Remove is safe for concurrent use.
func (pt *Passthrough) Remove(pattern string) {
	pattern = normalizeHost(pattern)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
		delete(pt.suffixes, suffix)
		return
	}
	delete(pt.exact, pattern)
}

// Len returns the number of registered patterns.
func (pt *Passthrough) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.exact) + len(pt.suffixes)
}

// Match reports whether host, with or without a port, should bypass
// interception.
func (pt *Passthrough) Match(host string) bool {
	if pt == nil {
		return false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = normalizeHost(host)
	if host == "" {
		return false
	}

	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if pt.exact[host] {
		return true
	}
	for i := strings.IndexByte(host, '.'); i >= 0; i = indexDotFrom(host, i+1) {
		if pt.suffixes[host[i:]] {
			return true
		}
	}
	return false
}

func indexDotFrom(s string, from int) int {
	if from >= len(s) {
		return -1
	}
	i := strings.IndexByte(s[from:], '.')
	if i < 0 {
		return -1
	}
	return from + i
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// relay dials target and copies bytes in both directions until either
// side closes. client is closed on return.
func (pt *Passthrough) relay(ctx context.Context, client net.Conn, target string) {
	defer client.Close()

	d := net.Dialer{Timeout: 30 * time.Second}
	upstream, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		if pt.Logger != nil {
			pt.Logger.Warn("passthrough dial failed", "target", target, "error", err)
		}
		return
	}
	defer upstream.Close()

	if pt.Logger != nil {
		pt.Logger.Debug("passthrough tunnel", "target", target, "remote", client.RemoteAddr().String())
	}

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}
	go pipe(upstream, client)
	go pipe(client, upstream)
	<-done
	<-done
}
