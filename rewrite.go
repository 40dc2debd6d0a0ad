package yuri

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
)

// RuleType selects what a rewrite rule transforms.
type RuleType string

const (
	RuleTypeURL    RuleType = "url"
	RuleTypeHeader RuleType = "header"
	RuleTypeBody   RuleType = "body"
)

// Location selects which side of an exchange a rule applies to.
type Location string

const (
	LocationRequest  Location = "request"
	LocationResponse Location = "response"
)

// Action is the header operation of a header rule. URL and body rules
// always perform a global replace and ignore it.
type Action string

const (
	ActionReplace Action = "replace"
	ActionAdd     Action = "add"
	ActionDelete  Action = "delete"
)

// RewriteRule is one configured transformation, persisted in the rewrites
// table.
type RewriteRule struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	RuleType RuleType `json:"rule_type"`

	// MatchPattern is a regex for url and body rules and a literal header
	// name for header rules.
	MatchPattern string `json:"match_pattern"`

	// ReplaceWith may reference capture groups ($1, ${name}).
	ReplaceWith string `json:"replace_with"`

	Location Location `json:"location"`
	Action   Action   `json:"action"`
}

// TableName implements gorm's tabler.
func (RewriteRule) TableName() string { return "rewrites" }

// Validate reports a rule the engine would treat as a no-op. The engine
// never calls it; it guards rules entering the store.
func (r *RewriteRule) Validate() error {
	switch r.Location {
	case LocationRequest, LocationResponse:
	default:
		return fmt.Errorf("%w: unknown location %q", ErrRule, r.Location)
	}

	switch r.RuleType {
	case RuleTypeHeader:
		if !httpguts.ValidHeaderFieldName(r.MatchPattern) {
			return fmt.Errorf("%w: invalid header name %q", ErrRule, r.MatchPattern)
		}
		switch r.Action {
		case ActionAdd, ActionReplace:
			if !httpguts.ValidHeaderFieldValue(r.ReplaceWith) {
				return fmt.Errorf("%w: invalid header value %q", ErrRule, r.ReplaceWith)
			}
		case ActionDelete:
		default:
			return fmt.Errorf("%w: unknown action %q", ErrRule, r.Action)
		}
	case RuleTypeURL, RuleTypeBody:
		if _, err := regexp.Compile(r.MatchPattern); err != nil {
			return fmt.Errorf("%w: invalid pattern %q: %w", ErrRule, r.MatchPattern, err)
		}
	default:
		return fmt.Errorf("%w: unknown rule type %q", ErrRule, r.RuleType)
	}
	return nil
}

// RuleLoader defines the interface for loading rewrite rules from a source.
type RuleLoader interface {
	// Load reads rules from the source in their stored order.
	Load(ctx context.Context) ([]RewriteRule, error)
}

// RuleLoaderFunc is a function adapter for RuleLoader.
type RuleLoaderFunc func(ctx context.Context) ([]RewriteRule, error)

// Load calls the underlying function to load rules.
func (f RuleLoaderFunc) Load(ctx context.Context) ([]RewriteRule, error) {
	return f(ctx)
}

// StaticLoader returns a fixed set of rules.
type StaticLoader struct {
	Rules []RewriteRule
}

// NewStaticLoader creates a loader with a fixed set of rules.
func NewStaticLoader(rules ...RewriteRule) *StaticLoader {
	return &StaticLoader{Rules: rules}
}

// Load implements RuleLoader.
func (l *StaticLoader) Load(context.Context) ([]RewriteRule, error) {
	return l.Rules, nil
}

// MultiLoader concatenates the rules of several loaders in order.
type MultiLoader struct {
	Loaders []RuleLoader
}

// NewMultiLoader creates a loader that combines rules from multiple sources.
func NewMultiLoader(loaders ...RuleLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements RuleLoader. Any failing source fails the whole load.
func (m *MultiLoader) Load(ctx context.Context) ([]RewriteRule, error) {
	var all []RewriteRule
	for i, loader := range m.Loaders {
		rules, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		all = append(all, rules...)
	}
	return all, nil
}

// ruleSnapshot is immutable once published.
type ruleSnapshot struct {
	rules    []RewriteRule
	compiled []*regexp.Regexp // parallel to rules; nil when not a regex rule or invalid
}

// RewriteEngine holds the current rule snapshot and applies it to URLs,
// headers and bodies. Readers never lock; Load and Swap replace the whole
// snapshot atomically, so a reader sees the old or the new set, never a mix.
//
// No apply method ever fails: a malformed pattern, header name or a
// non-UTF-8 body turns that single rule into a no-op.
type RewriteEngine struct {
	loader   RuleLoader
	snapshot atomic.Pointer[ruleSnapshot]

	// Logger for rule load diagnostics.
	Logger *slog.Logger

	// Metrics records rule counts and reloads (optional).
	Metrics *Metrics

	// OnReload is called after a successful load with the rule count.
	OnReload func(count int)

	// OnError is called when a load fails.
	OnError func(err error)
}

// NewRewriteEngine creates an engine backed by loader. The engine starts
// with an empty snapshot; call Load to populate it.
func NewRewriteEngine(loader RuleLoader) *RewriteEngine {
	e := &RewriteEngine{
		loader: loader,
		Logger: slog.Default(),
	}
	e.snapshot.Store(&ruleSnapshot{})
	return e
}

// Load reads all rules from the loader and swaps them in. On failure the
// current snapshot stays in place.
func (e *RewriteEngine) Load(ctx context.Context) error {
	if e.loader == nil {
		return nil
	}
	rules, err := e.loader.Load(ctx)
	if err != nil {
		err = fmt.Errorf("%w: load rewrite rules: %w", ErrPersistence, err)
		if e.Metrics != nil {
			e.Metrics.RecordRuleReloadError()
		}
		if e.OnError != nil {
			e.OnError(err)
		}
		return err
	}

	e.Swap(rules)

	if e.Metrics != nil {
		e.Metrics.RecordRuleReload()
	}
	if e.OnReload != nil {
		e.OnReload(len(rules))
	}
	return nil
}

// Swap publishes rules as the new snapshot. The slice is copied.
func (e *RewriteEngine) Swap(rules []RewriteRule) {
	snap := &ruleSnapshot{
		rules:    append([]RewriteRule(nil), rules...),
		compiled: make([]*regexp.Regexp, len(rules)),
	}
	for i := range snap.rules {
		r := &snap.rules[i]
		if r.RuleType == RuleTypeHeader {
			if !httpguts.ValidHeaderFieldName(r.MatchPattern) {
				e.logger().Warn("rewrite rule skipped",
					"id", r.ID, "error", fmt.Errorf("%w: invalid header name %q", ErrRule, r.MatchPattern))
			}
			continue
		}
		re, err := regexp.Compile(r.MatchPattern)
		if err != nil {
			e.logger().Warn("rewrite rule skipped",
				"id", r.ID, "error", fmt.Errorf("%w: invalid pattern %q: %w", ErrRule, r.MatchPattern, err))
			continue
		}
		snap.compiled[i] = re
	}

	e.snapshot.Store(snap)

	if e.Metrics != nil {
		e.Metrics.SetRuleCount(len(snap.rules))
	}
	e.logger().Info("rewrite rules loaded", "count", len(snap.rules))
}

// Rules returns a copy of the current snapshot's rules in load order.
func (e *RewriteEngine) Rules() []RewriteRule {
	return append([]RewriteRule(nil), e.snapshot.Load().rules...)
}

// Count returns the number of rules in the current snapshot.
func (e *RewriteEngine) Count() int {
	return len(e.snapshot.Load().rules)
}

// StartAutoReload starts a goroutine that reloads rules at the specified interval.
// Returns a cancel function to stop the reload goroutine.
func (e *RewriteEngine) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Load(ctx); err != nil {
					e.logger().Error("rewrite rule reload failed", "error", err)
				}
			}
		}
	}()

	return cancel
}

// ApplyURL runs every enabled url rule for loc over rawURL, each rule
// consuming the previous one's output.
func (e *RewriteEngine) ApplyURL(loc Location, rawURL string) string {
	snap := e.snapshot.Load()
	for i := range snap.rules {
		if !snap.selects(i, loc, RuleTypeURL) {
			continue
		}
		rawURL = snap.compiled[i].ReplaceAllString(rawURL, snap.rules[i].ReplaceWith)
	}
	return rawURL
}

// ApplyHeaders runs every enabled header rule for loc over h in place.
func (e *RewriteEngine) ApplyHeaders(loc Location, h http.Header) {
	snap := e.snapshot.Load()
	for i := range snap.rules {
		r := &snap.rules[i]
		if !r.Enabled || r.Location != loc || r.RuleType != RuleTypeHeader {
			continue
		}
		applyHeaderRule(h, r)
	}
}

// ApplyBody runs every enabled body rule for loc over body. Rules are
// skipped while the buffer is not valid UTF-8, so binary payloads come
// back byte-identical.
func (e *RewriteEngine) ApplyBody(loc Location, body []byte) []byte {
	snap := e.snapshot.Load()
	for i := range snap.rules {
		if !snap.selects(i, loc, RuleTypeBody) {
			continue
		}
		if !utf8.Valid(body) {
			continue
		}
		body = []byte(snap.compiled[i].ReplaceAllString(string(body), snap.rules[i].ReplaceWith))
	}
	return body
}

// HasRules reports whether any enabled rule of kind applies at loc.
func (e *RewriteEngine) HasRules(loc Location, kind RuleType) bool {
	snap := e.snapshot.Load()
	for i := range snap.rules {
		r := &snap.rules[i]
		if r.Enabled && r.Location == loc && r.RuleType == kind {
			return true
		}
	}
	return false
}

// ApplyRequestURL applies request-side url rules.
func (e *RewriteEngine) ApplyRequestURL(rawURL string) string {
	return e.ApplyURL(LocationRequest, rawURL)
}

// ApplyRequestHeaders applies request-side header rules.
func (e *RewriteEngine) ApplyRequestHeaders(h http.Header) {
	e.ApplyHeaders(LocationRequest, h)
}

// ApplyRequestBody applies request-side body rules.
func (e *RewriteEngine) ApplyRequestBody(body []byte) []byte {
	return e.ApplyBody(LocationRequest, body)
}

// ApplyResponseURL applies response-side url rules.
func (e *RewriteEngine) ApplyResponseURL(rawURL string) string {
	return e.ApplyURL(LocationResponse, rawURL)
}

// ApplyResponseHeaders applies response-side header rules.
func (e *RewriteEngine) ApplyResponseHeaders(h http.Header) {
	e.ApplyHeaders(LocationResponse, h)
}

// ApplyResponseBody applies response-side body rules.
func (e *RewriteEngine) ApplyResponseBody(body []byte) []byte {
	return e.ApplyBody(LocationResponse, body)
}

func (e *RewriteEngine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (s *ruleSnapshot) selects(i int, loc Location, kind RuleType) bool {
	r := &s.rules[i]
	return r.Enabled && r.Location == loc && r.RuleType == kind && s.compiled[i] != nil
}

func applyHeaderRule(h http.Header, r *RewriteRule) {
	name := r.MatchPattern
	if !httpguts.ValidHeaderFieldName(name) {
		return
	}

	switch r.Action {
	case ActionAdd:
		if httpguts.ValidHeaderFieldValue(r.ReplaceWith) {
			h.Add(name, r.ReplaceWith)
		}
	case ActionReplace:
		if httpguts.ValidHeaderFieldValue(r.ReplaceWith) {
			h.Set(name, r.ReplaceWith)
		}
	case ActionDelete:
		h.Del(name)
	}
}
