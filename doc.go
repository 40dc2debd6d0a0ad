// Package yuri is a local HTTP(S) interception engine. It terminates TLS
// with leaf certificates signed by a locally generated authority, runs
// every request and response through user-defined rewrite rules, records
// each exchange in SQLite and streams lifecycle events to observers.
//
// # Authority
//
// The authority is created once and reused from the data directory:
//
//	a, err := yuri.EnsureAuthority(dataDir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(a.ExportPublicCertificate()) // install in the client trust store
//
// # Pipeline
//
// A Pipeline is the Interceptor the proxy calls for every exchange. It
// rewrites the request, records it, forwards it, then rewrites and records
// the response:
//
//	store, _ := yuri.OpenStore("yuri.db", logger)
//	rules := yuri.NewRewriteEngine(yuri.RuleLoaderFunc(store.EnabledRules))
//	_ = rules.Load(ctx)
//
//	bus := yuri.NewEventBus()
//	pipeline := yuri.NewPipeline(rules, store, bus)
//
//	ctl := yuri.NewController(dataDir, pipeline)
//	msg, err := ctl.Start(9090)
//
// Responses are paired with their request by the exchange id the pipeline
// stores in the request context. Transports that lose the context fall
// back to first-in first-out pairing.
//
// # Rewrite Rules
//
// Rules are applied in load order, each to the output of the previous one.
// URL and body rules are regular expressions with $1 / ${name} expansion;
// header rules add, replace or delete a named header:
//
//	rules.Swap([]yuri.RewriteRule{{
//	    Enabled:      true,
//	    RuleType:     yuri.RuleTypeURL,
//	    Location:     yuri.LocationRequest,
//	    MatchPattern: `^http://`,
//	    ReplaceWith:  "https://",
//	}})
//
// A malformed rule never fails an exchange; it is logged and skipped.
// Bodies that are not UTF-8 are never rewritten. Compressed bodies (gzip,
// deflate, br, zstd) are decoded for rewriting and re-encoded afterwards.
//
// # Events
//
// The EventBus fans events out without blocking the proxy. Slow
// subscribers lose events rather than stall traffic:
//
//	sub := bus.Subscribe(100)
//	defer sub.Close()
//	for ev := range sub.C {
//	    fmt.Println(ev.Phase, ev.ID)
//	}
//
// # Admin API
//
// AdminAPI serves exchange lookups, rule management, proxy start/stop,
// the authority certificate, a WebSocket event stream at /ws/events,
// Prometheus metrics and health probes.
package yuri
