package yuri

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Interceptor is the extension point a TLS-terminating transport calls for
// every exchange: OnRequest before forwarding upstream and OnResponse
// before replying to the client. Implementations must not fail the
// exchange; they return the (possibly rewritten) message to forward.
//
// The transport must set resp.Request to the request OnRequest returned
// (http.Transport does) so the response can be paired with it.
type Interceptor interface {
	OnRequest(req *http.Request) *http.Request
	OnResponse(resp *http.Response) *http.Response
}

// Stage is a step in the life of one exchange.
type Stage string

const (
	StageNew               Stage = "new"
	StageRequestCaptured   Stage = "request_captured"
	StageRequestRewritten  Stage = "request_rewritten"
	StageForwarded         Stage = "forwarded"
	StageResponseCaptured  Stage = "response_captured"
	StageResponseRewritten Stage = "response_rewritten"
	StageRecorded          Stage = "recorded"
)

// DefaultStoreTimeout bounds each best-effort store write.
const DefaultStoreTimeout = 5 * time.Second

// Pipeline is the Interceptor that rewrites, records and announces every
// exchange. Store and event failures are logged and never reach the
// exchange.
type Pipeline struct {
	// Rewrites applies rewrite rules (optional).
	Rewrites *RewriteEngine

	// Store persists exchange records (optional).
	Store ExchangeStore

	// Events receives lifecycle events (optional).
	Events *EventBus

	// Correlator pairs responses with their exchange.
	Correlator *Correlator

	// Logger for pipeline diagnostics.
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes one entry per completed exchange (optional).
	AccessLog *AccessLogger

	// MaxBodySize caps how much of a body is buffered. Larger bodies are
	// forwarded untouched, recorded truncated and never rewritten.
	// Zero means no limit.
	MaxBodySize int64

	// StoreTimeout bounds each store write. Zero means DefaultStoreTimeout.
	StoreTimeout time.Duration

	newID func() string
}

// NewPipeline creates a Pipeline with a fresh Correlator.
func NewPipeline(rewrites *RewriteEngine, store ExchangeStore, events *EventBus) *Pipeline {
	return &Pipeline{
		Rewrites:   rewrites,
		Store:      store,
		Events:     events,
		Correlator: NewCorrelator(),
		Logger:     slog.Default(),
		newID:      uuid.NewString,
	}
}

// OnRequest implements Interceptor.
func (p *Pipeline) OnRequest(req *http.Request) *http.Request {
	id := p.id()
	start := time.Now()
	l := p.logger().With("exchange", id)
	l.Debug("exchange stage", "stage", StageRequestCaptured, "method", req.Method, "url", req.URL.String())

	if p.Rewrites != nil {
		p.rewriteRequestURL(req, l)
		p.Rewrites.ApplyRequestHeaders(req.Header)
	}

	body, whole, forward := p.bufferBody(req.Body, l)
	if whole {
		if out, changed := p.rewriteBody(LocationRequest, req.Header, body); changed {
			body, forward = out, nil
		}
	}
	if forward != nil {
		req.Body = forward
	} else {
		setRequestBody(req, body)
	}
	l.Debug("exchange stage", "stage", StageRequestRewritten)

	ex := &Exchange{
		ID:             id,
		Method:         req.Method,
		URL:            req.URL.String(),
		Protocol:       classifyProtocol(req.Header),
		RequestHeaders: req.Header.Clone(),
		RequestBody:    nilIfEmpty(body),
		Timestamp:      start.UnixMilli(),
	}

	if p.Store != nil {
		p.persist(req.Context(), l, "insert exchange", func(ctx context.Context) error {
			return p.Store.CreateExchange(ctx, ex)
		})
	}

	p.correlator().Push(Pending{ID: id, Method: ex.Method, URL: ex.URL, CapturedAt: start, RequestBytes: len(body)})

	p.publish(Event{ID: id, Method: ex.Method, URL: ex.URL, Phase: PhaseRequest})
	if p.Metrics != nil {
		p.Metrics.RecordExchange(ex.Protocol)
	}

	l.Debug("exchange stage", "stage", StageForwarded)
	return req.WithContext(WithExchangeID(req.Context(), id))
}

// OnResponse implements Interceptor.
func (p *Pipeline) OnResponse(resp *http.Response) *http.Response {
	l := p.logger()
	if p.Rewrites != nil {
		p.Rewrites.ApplyResponseHeaders(resp.Header)
	}

	body, whole, forward := p.bufferBody(resp.Body, l)
	if whole && responseHasBody(resp) {
		if out, changed := p.rewriteBody(LocationResponse, resp.Header, body); changed {
			body, forward = out, nil
		}
	}
	if forward != nil {
		resp.Body = forward
	} else {
		setResponseBody(resp, body)
	}

	pending, ok := p.claim(resp)
	if !ok {
		l.Warn("response without pending exchange", "status", resp.StatusCode)
		return resp
	}
	l = l.With("exchange", pending.ID)
	l.Debug("exchange stage", "stage", StageResponseRewritten, "status", resp.StatusCode)

	elapsed := time.Since(pending.CapturedAt)
	if p.Store != nil {
		update := ExchangeResponse{
			Status:   resp.StatusCode,
			Headers:  resp.Header.Clone(),
			Body:     nilIfEmpty(body),
			Duration: elapsed,
		}
		p.persist(requestContext(resp), l, "update exchange", func(ctx context.Context) error {
			return p.Store.UpdateExchangeResponse(ctx, pending.ID, update)
		})
	}

	status := resp.StatusCode
	p.publish(Event{ID: pending.ID, Status: &status, Phase: PhaseResponse})

	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(pending.Method, status, elapsed)
	}
	if p.AccessLog != nil {
		p.AccessLog.Log(AccessLogEntry{
			Timestamp:     pending.CapturedAt,
			ID:            pending.ID,
			Method:        pending.Method,
			URL:           pending.URL,
			StatusCode:    status,
			Duration:      elapsed,
			RequestBytes:  pending.RequestBytes,
			ResponseBytes: len(body),
		})
	}

	l.Debug("exchange stage", "stage", StageRecorded)
	return resp
}

// claim finds the exchange resp answers: by the id carried on its request,
// or, when the transport lost it, the oldest outstanding exchange.
func (p *Pipeline) claim(resp *http.Response) (Pending, bool) {
	if resp.Request != nil {
		if id, ok := ExchangeIDFromContext(resp.Request.Context()); ok {
			return p.correlator().Claim(id)
		}
	}
	return p.correlator().Pop()
}

func (p *Pipeline) rewriteRequestURL(req *http.Request, l *slog.Logger) {
	orig := req.URL.String()
	rewritten := p.Rewrites.ApplyRequestURL(orig)
	if rewritten == orig {
		return
	}
	u, err := url.Parse(rewritten)
	if err != nil {
		l.Warn("rewritten url discarded", "url", rewritten, "error", err)
		return
	}
	if u.Host != req.URL.Host {
		req.Host = u.Host
	}
	req.URL = u
	if p.Metrics != nil {
		p.Metrics.RecordRewrite(string(LocationRequest), string(RuleTypeURL))
	}
}

// rewriteBody applies body rules for loc, looking through any supported
// Content-Encoding. Decoding is capped at MaxBodySize. changed is false,
// and raw is returned, when no rule altered the body.
func (p *Pipeline) rewriteBody(loc Location, h http.Header, raw []byte) (body []byte, changed bool) {
	if p.Rewrites == nil || len(raw) == 0 || !p.Rewrites.HasRules(loc, RuleTypeBody) {
		return raw, false
	}

	enc := h.Get("Content-Encoding")
	decoded, ok := DecodeBody(enc, raw, p.MaxBodySize)
	if !ok {
		return raw, false
	}

	out := p.Rewrites.ApplyBody(loc, decoded)
	if bytes.Equal(out, decoded) {
		return raw, false
	}
	if p.Metrics != nil {
		p.Metrics.RecordRewrite(string(loc), string(RuleTypeBody))
	}

	if normalizeEncoding(enc) == EncodingIdentity {
		return out, true
	}
	if encoded, err := EncodeBody(enc, out); err == nil {
		return encoded, true
	}
	h.Del("Content-Encoding")
	return out, true
}

// bufferBody reads rc into memory and returns forward, a reader replaying
// the original bytes. When the body exceeds MaxBodySize it returns the
// buffered prefix and whole=false. A read error yields an empty body and a
// nil forward, so the caller must install a new one.
func (p *Pipeline) bufferBody(rc io.ReadCloser, l *slog.Logger) (buf []byte, whole bool, forward io.ReadCloser) {
	if rc == nil {
		return nil, true, http.NoBody
	}
	if rc == http.NoBody {
		return nil, true, rc
	}

	src := io.Reader(rc)
	if p.MaxBodySize > 0 {
		src = io.LimitReader(rc, p.MaxBodySize+1)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		l.Warn("body read failed, treating as empty", "error", err)
		_ = rc.Close()
		return nil, true, nil
	}

	if p.MaxBodySize > 0 && int64(len(data)) > p.MaxBodySize {
		return data[:p.MaxBodySize], false, &replayBody{
			Reader: io.MultiReader(bytes.NewReader(data), rc),
			Closer: rc,
		}
	}

	_ = rc.Close()
	return data, true, io.NopCloser(bytes.NewReader(data))
}

func (p *Pipeline) persist(parent context.Context, l *slog.Logger, op string, fn func(ctx context.Context) error) {
	timeout := p.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		l.Error("store write failed", "op", op, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordStoreError(op)
		}
	}
}

func (p *Pipeline) publish(ev Event) {
	if p.Events != nil {
		p.Events.Publish(ev)
	}
}

func (p *Pipeline) id() string {
	if p.newID == nil {
		return uuid.NewString()
	}
	return p.newID()
}

func (p *Pipeline) correlator() *Correlator {
	if p.Correlator == nil {
		p.Correlator = NewCorrelator()
	}
	return p.Correlator
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

type replayBody struct {
	io.Reader
	io.Closer
}

func requestContext(resp *http.Response) context.Context {
	if resp.Request != nil {
		return resp.Request.Context()
	}
	return context.Background()
}

func setRequestBody(req *http.Request, body []byte) {
	req.TransferEncoding = nil
	req.ContentLength = int64(len(body))
	if len(body) == 0 {
		req.Body = http.NoBody
		req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// responseHasBody reports whether resp may carry a body, and so whether
// its length headers are ours to set.
func responseHasBody(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	code := resp.StatusCode
	return code >= 200 && code != http.StatusNoContent && code != http.StatusNotModified
}

func setResponseBody(resp *http.Response, body []byte) {
	if !responseHasBody(resp) {
		resp.Body = http.NoBody
		return
	}
	resp.TransferEncoding = nil
	resp.Header.Del("Transfer-Encoding")
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if len(body) == 0 {
		resp.Body = http.NoBody
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
