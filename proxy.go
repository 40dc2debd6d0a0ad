package yuri

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long an intercepted TLS connection may sit
// between requests before it is closed.
const DefaultIdleTimeout = 30 * time.Second

// Proxy is an HTTP(S) intercepting proxy. Plain requests are forwarded
// directly; CONNECT tunnels are terminated with a leaf certificate from
// CertManager so the requests inside can be observed. Every exchange runs
// through Interceptor.
type Proxy struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:9090")
	Addr string

	// CertManager issues leaf certificates for intercepted hosts
	CertManager *CertManager

	// Interceptor observes and rewrites each exchange (optional)
	Interceptor Interceptor

	// Logger for proxy events
	Logger *slog.Logger

	// Transport for outbound requests (optional, uses NewUpstreamTransport if nil)
	Transport http.RoundTripper

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// Passthrough lists hosts tunneled without interception (optional)
	Passthrough *Passthrough

	// IdleTimeout bounds the wait for the next request on an intercepted
	// connection. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	mu  sync.Mutex
	srv *http.Server
}

// NewProxy creates a new intercepting proxy.
func NewProxy(addr string, cm *CertManager, ic Interceptor) *Proxy {
	return &Proxy{
		Addr:        addr,
		CertManager: cm,
		Interceptor: ic,
		Logger:      slog.Default(),
		Transport:   NewUpstreamTransport(UpstreamConfig{}),
	}
}

// ListenAndServe binds Addr and serves until Shutdown.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %w", ErrNetwork, p.Addr, err)
	}
	return p.Serve(listener)
}

// Serve accepts proxy connections on l until Shutdown.
func (p *Proxy) Serve(l net.Listener) error {
	p.logger().Info("proxy listening", "addr", l.Addr().String())
	err := p.server().Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the proxy. Hijacked CONNECT tunnels are not
// tracked by the server and finish on their own.
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.server().Shutdown(ctx)
}

// server returns the http.Server, creating it on first use so Shutdown
// before Serve still stops it.
func (p *Proxy) server() *http.Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv == nil {
		p.srv = &http.Server{
			Handler:           p,
			ReadHeaderTimeout: 30 * time.Second,
		}
	}
	return p.srv
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if r.URL.Host == "" {
		http.Error(w, "not a proxy request", http.StatusBadRequest)
		return
	}
	p.handleHTTP(w, r)
}

// handleConnect terminates a CONNECT tunnel with TLS and serves the
// requests inside it. Passthrough hosts are relayed untouched.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}
	p.logger().Debug("CONNECT", "host", r.Host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger().Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	_, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	if err != nil {
		p.logger().Error("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	if p.Passthrough.Match(r.Host) {
		target := r.Host
		if _, _, err := net.SplitHostPort(target); err != nil {
			target = net.JoinHostPort(target, "443")
		}
		p.Passthrough.relay(context.WithoutCancel(r.Context()), clientConn, target)
		return
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
		NextProtos: []string{"http/1.1"},
	}

	tlsClientConn := tls.Server(clientConn, tlsConfig)
	if err := tlsClientConn.HandshakeContext(r.Context()); err != nil {
		p.logger().Warn("TLS handshake with client", "error", err, "host", host)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		return
	}

	p.handleTLSConnection(context.WithoutCancel(r.Context()), tlsClientConn, r.Host)
}

// handleTLSConnection reads HTTP/1.1 requests from the decrypted tunnel
// until the client closes it or goes idle.
func (p *Proxy) handleTLSConnection(ctx context.Context, conn *tls.Conn, defaultHost string) {
	defer func() { _ = conn.Close() }()

	idle := p.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.logger().Debug("read request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		req = req.WithContext(ctx)
		req.RequestURI = ""
		if req.URL.Host == "" {
			req.URL.Host = req.Host
		}
		if req.URL.Host == "" {
			req.URL.Host = defaultHost
		}
		req.URL.Scheme = "https"
		if req.Host == "" {
			req.Host = defaultHost
		}

		resp := p.roundTrip(req)
		resp.ProtoMajor, resp.ProtoMinor = 1, 1
		resp.Proto = "HTTP/1.1"
		removeHopByHopHeaders(resp.Header)

		err = resp.Write(conn)
		_ = resp.Body.Close()
		if err != nil {
			p.logger().Debug("write response", "error", err)
			return
		}
		if req.Close || resp.Close {
			return
		}
	}
}

// handleHTTP forwards a plain (absolute-form) proxy request.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	p.logger().Debug("HTTP", "method", r.Method, "url", r.URL)

	req := r.Clone(r.Context())
	req.RequestURI = ""

	resp := p.roundTrip(req)
	defer func() { _ = resp.Body.Close() }()

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger().Debug("copy response body", "error", err, "url", r.URL)
	}
}

// roundTrip runs one exchange through the interceptor and upstream. An
// upstream failure becomes a 502 response, which the interceptor also sees
// so the exchange is still recorded.
func (p *Proxy) roundTrip(req *http.Request) *http.Response {
	if p.Interceptor != nil {
		req = p.Interceptor.OnRequest(req)
	}

	outReq := req.Clone(req.Context())
	removeHopByHopHeaders(outReq.Header)

	resp, err := p.transport().RoundTrip(outReq)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrNetwork, outReq.URL.Host, err)
		p.logger().Error("forward request", "error", err, "url", outReq.URL.String())
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(outReq.URL.Hostname())
		}
		resp = errorResponse(outReq, err)
	}

	if p.Interceptor != nil {
		resp = p.Interceptor.OnResponse(resp)
	}
	return resp
}

func (p *Proxy) transport() http.RoundTripper {
	if p.Transport != nil {
		return p.Transport
	}
	return http.DefaultTransport
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// errorResponse builds the 502 sent to the client when upstream fails.
func errorResponse(req *http.Request, err error) *http.Response {
	body := fmt.Sprintf("Proxy Error: %v", err)
	return &http.Response{
		Status:        "502 Bad Gateway",
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
