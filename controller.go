package yuri

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Controller is the administrative surface of the engine: it exports the
// authority certificate and starts or stops the intercepting proxy.
// At most one proxy runs at a time.
type Controller struct {
	// DataDir holds the authority files.
	DataDir string

	// ListenHost is the interface the proxy binds. Empty means 127.0.0.1.
	ListenHost string

	// Interceptor observes every proxied exchange.
	Interceptor Interceptor

	// Transport for upstream requests (optional).
	Transport http.RoundTripper

	// CertCacheSize bounds the leaf certificate cache.
	CertCacheSize int

	// IdleTimeout is handed to the proxy (optional).
	IdleTimeout time.Duration

	// Passthrough is handed to the proxy (optional).
	Passthrough *Passthrough

	// Logger for lifecycle events.
	Logger *slog.Logger

	// Metrics is handed to the proxy and certificate manager (optional).
	Metrics *Metrics

	mu      sync.Mutex
	proxy   *Proxy
	addr    net.Addr
	started time.Time
	done    chan struct{}
}

// NewController creates a Controller keeping its authority in dataDir.
func NewController(dataDir string, ic Interceptor) *Controller {
	return &Controller{
		DataDir:     dataDir,
		Interceptor: ic,
		Logger:      slog.Default(),
	}
}

// AuthorityCertificate returns the authority certificate PEM, creating the
// authority on first use.
func (c *Controller) AuthorityCertificate() (string, error) {
	a, err := EnsureAuthority(c.DataDir)
	if err != nil {
		return "", err
	}
	return a.ExportPublicCertificate(), nil
}

// Start binds the proxy on port and serves it in the background. Port 0
// picks a free port; the message names the port actually bound.
func (c *Controller) Start(port int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proxy != nil {
		return "", ErrAlreadyRunning
	}

	a, err := EnsureAuthority(c.DataDir)
	if err != nil {
		return "", err
	}
	cm, err := NewCertManager(a, c.CertCacheSize)
	if err != nil {
		return "", err
	}
	cm.Metrics = c.Metrics

	host := c.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: listen %s: %w", ErrNetwork, addr, err)
	}

	p := NewProxy(l.Addr().String(), cm, c.Interceptor)
	p.Logger = c.logger()
	p.Metrics = c.Metrics
	p.IdleTimeout = c.IdleTimeout
	p.Passthrough = c.Passthrough
	if c.Transport != nil {
		p.Transport = c.Transport
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Serve(l); err != nil {
			c.logger().Error("proxy stopped", "error", err)
		}
	}()

	c.proxy = p
	c.addr = l.Addr()
	c.started = time.Now()
	c.done = done

	bound := port
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		bound = tcp.Port
	}
	c.logger().Info("proxy started", "addr", c.addr.String())
	return fmt.Sprintf("Proxy started on %d", bound), nil
}

// Stop shuts the running proxy down. Stopping a stopped proxy is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	p, done := c.proxy, c.done
	c.proxy, c.addr, c.done = nil, nil, nil
	c.mu.Unlock()

	if p == nil {
		return nil
	}

	err := p.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	c.logger().Info("proxy stopped")
	return err
}

// Running reports whether a proxy is started.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxy != nil
}

// Addr returns the bound proxy address, or nil when stopped.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Uptime returns how long the proxy has been running.
func (c *Controller) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxy == nil {
		return 0
	}
	return time.Since(c.started)
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
