package yuri

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "yuri.db"), slog.Default())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ExchangeLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ex := &Exchange{
		ID:             "ex-1",
		Method:         http.MethodPost,
		URL:            "https://example.com/api",
		Protocol:       ProtocolHTTP,
		RequestHeaders: http.Header{"Content-Type": {"application/json"}},
		RequestBody:    []byte(`{"a":1}`),
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := s.CreateExchange(ctx, ex); err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}

	got, err := s.GetExchange(ctx, "ex-1")
	if err != nil {
		t.Fatalf("GetExchange: %v", err)
	}
	if got.Complete() {
		t.Error("exchange complete before response")
	}
	if got.RequestHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("request headers = %v", got.RequestHeaders)
	}

	err = s.UpdateExchangeResponse(ctx, "ex-1", ExchangeResponse{
		Status:   http.StatusCreated,
		Headers:  http.Header{"X-Id": {"7"}},
		Body:     []byte("done"),
		Duration: 42 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("UpdateExchangeResponse: %v", err)
	}

	got, err = s.GetExchange(ctx, "ex-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ResponseStatus != http.StatusCreated || string(got.ResponseBody) != "done" || got.Duration != 42 {
		t.Errorf("response = %d %q %dms", got.ResponseStatus, got.ResponseBody, got.Duration)
	}
	if got.ResponseHeaders.Get("X-Id") != "7" {
		t.Errorf("response headers = %v", got.ResponseHeaders)
	}
	if got.Method != http.MethodPost || string(got.RequestBody) != `{"a":1}` {
		t.Error("request half changed by response update")
	}
}

func TestStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetExchange(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExchange err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateExchangeResponse(ctx, "missing", ExchangeResponse{Status: 200}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateExchangeResponse err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteRule(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteRule err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetProtoFile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetProtoFile err = %v, want ErrNotFound", err)
	}
}

func TestStore_RecentExchanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.CreateExchange(ctx, &Exchange{ID: id, Method: "GET", Timestamp: int64(1000 + i)}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.RecentExchanges(ctx, 2)
	if err != nil {
		t.Fatalf("RecentExchanges: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		t.Errorf("recent = %v", exchangeIDs(got))
	}
}

func exchangeIDs(exs []Exchange) []string {
	ids := make([]string, len(exs))
	for i := range exs {
		ids[i] = exs[i].ID
	}
	return ids
}

func TestStore_Rules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rules := []RewriteRule{
		{Name: "first", Enabled: true, RuleType: RuleTypeURL, MatchPattern: "a", ReplaceWith: "b", Location: LocationRequest},
		{Name: "off", Enabled: false, RuleType: RuleTypeURL, MatchPattern: "c", ReplaceWith: "d", Location: LocationRequest},
		{Name: "third", Enabled: true, RuleType: RuleTypeHeader, MatchPattern: "X-A", ReplaceWith: "1", Location: LocationResponse, Action: ActionAdd},
	}
	for i := range rules {
		if err := s.CreateRule(ctx, &rules[i]); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
		if rules[i].ID == "" {
			t.Fatal("CreateRule did not assign an id")
		}
	}

	all, err := s.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Name != "first" || all[2].Name != "third" {
		t.Errorf("ListRules order = %+v", all)
	}

	enabled, err := s.EnabledRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 2 || enabled[0].Name != "first" || enabled[1].Name != "third" {
		t.Errorf("EnabledRules = %+v", enabled)
	}
	if enabled[1].Action != ActionAdd || enabled[1].Location != LocationResponse {
		t.Errorf("rule fields not round-tripped: %+v", enabled[1])
	}

	if err := s.DeleteRule(ctx, rules[0].ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	all, _ = s.ListRules(ctx)
	if len(all) != 2 {
		t.Errorf("rules after delete = %d, want 2", len(all))
	}
}

func TestStore_RuleLoader(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := RewriteRule{Enabled: true, RuleType: RuleTypeURL, MatchPattern: `^http://`, ReplaceWith: "https://", Location: LocationRequest}
	if err := s.CreateRule(ctx, &rule); err != nil {
		t.Fatal(err)
	}

	e := NewRewriteEngine(RuleLoaderFunc(s.EnabledRules))
	if err := e.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := e.ApplyRequestURL("http://example.com"); got != "https://example.com" {
		t.Errorf("ApplyRequestURL = %q", got)
	}
}

func TestStore_ProtoFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &ProtoFile{Name: "svc.proto", Content: `syntax = "proto3";`}
	if err := s.CreateProtoFile(ctx, p); err != nil {
		t.Fatalf("CreateProtoFile: %v", err)
	}
	if p.ID == "" || p.AddedAt == 0 {
		t.Errorf("defaults not assigned: %+v", p)
	}

	got, err := s.GetProtoFile(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != p.Content {
		t.Errorf("content = %q", got.Content)
	}

	list, err := s.ListProtoFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "svc.proto" {
		t.Errorf("ListProtoFiles = %+v", list)
	}
}

func TestStore_Ping(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestStore_OpenFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing", "dir", "yuri.db")
	_, err := OpenStore(dir, nil)
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("err = %v, want ErrPersistence", err)
	}
}

func TestPipeline_SQLiteStore(t *testing.T) {
	s := openTestStore(t)
	p, _ := newTestPipeline(s)

	out := p.OnRequest(httptest.NewRequest(http.MethodPut, "http://example.com/item", strings.NewReader("payload")))
	p.OnResponse(textResponse(out, http.StatusAccepted, "queued"))

	id, _ := ExchangeIDFromContext(out.Context())
	got, err := s.GetExchange(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExchange: %v", err)
	}
	if !got.Complete() || got.ResponseStatus != http.StatusAccepted {
		t.Errorf("exchange = %+v", got)
	}
	if string(got.RequestBody) != "payload" || string(got.ResponseBody) != "queued" {
		t.Errorf("bodies = %q / %q", got.RequestBody, got.ResponseBody)
	}
}

func TestGormLogger_LogMode(t *testing.T) {
	l := NewGormLogger(slog.Default())
	quiet := l.LogMode(0)
	if quiet == l {
		t.Error("LogMode returned the receiver")
	}
	if l.LogLevel == 0 {
		t.Error("LogMode mutated the receiver")
	}
}
