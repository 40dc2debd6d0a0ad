package yuri

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// UpstreamConfig configures the transport the proxy uses to reach origin
// servers. Zero values select the defaults noted on each field.
type UpstreamConfig struct {
	// InsecureSkipVerify disables verification of upstream certificates,
	// for debugging targets with self-signed certificates.
	InsecureSkipVerify bool

	// MaxIdleConns across all hosts. Zero means 200.
	MaxIdleConns int

	// MaxIdleConnsPerHost. Zero means 10.
	MaxIdleConnsPerHost int

	// IdleConnTimeout for pooled connections. Zero means 90 seconds.
	IdleConnTimeout time.Duration

	// DialTimeout for the TCP connection. Zero means 30 seconds.
	DialTimeout time.Duration

	// TLSHandshakeTimeout with the origin. Zero means 10 seconds.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout after the request is written. Zero means 60 seconds.
	ResponseHeaderTimeout time.Duration
}

// NewUpstreamTransport creates a pooled transport for forwarding
// intercepted requests. It never uses an environment proxy and never
// negotiates compression on the client's behalf, so the bytes the client
// receives are the bytes the origin sent (after rewriting).
func NewUpstreamTransport(cfg UpstreamConfig) *http.Transport {
	dialTimeout := orDuration(cfg.DialTimeout, 30*time.Second)

	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
		},
		MaxIdleConns:          orInt(cfg.MaxIdleConns, 200),
		MaxIdleConnsPerHost:   orInt(cfg.MaxIdleConnsPerHost, 10),
		IdleConnTimeout:       orDuration(cfg.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   orDuration(cfg.TLSHandshakeTimeout, 10*time.Second),
		ResponseHeaderTimeout: orDuration(cfg.ResponseHeaderTimeout, 60*time.Second),
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
	}
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
