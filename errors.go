package yuri

import "errors"

// Error classes returned by the engine. Callers test with errors.Is. The
// class and the concrete cause are both wrapped, so errors.Is and errors.As
// also reach the underlying error.
var (
	// ErrIO reports a filesystem failure while reading or writing
	// certificate material.
	ErrIO = errors.New("io error")

	// ErrCrypto reports a key or certificate generation/parsing failure.
	ErrCrypto = errors.New("crypto error")

	// ErrNetwork reports a listener bind or upstream connection failure.
	ErrNetwork = errors.New("network error")

	// ErrPersistence reports a store read or write failure.
	ErrPersistence = errors.New("persistence error")

	// ErrRule reports a malformed rewrite rule. The rule engine only logs
	// it and treats the rule as a no-op; RewriteRule.Validate returns it.
	ErrRule = errors.New("rule error")

	// ErrAlreadyRunning is returned by Controller.Start when the proxy is
	// already started.
	ErrAlreadyRunning = errors.New("proxy already running")

	// ErrNotFound is returned by store lookups that match no row.
	ErrNotFound = errors.New("not found")
)
