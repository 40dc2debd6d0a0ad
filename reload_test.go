package yuri

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWatchReload(t *testing.T) {
	var calls atomic.Int32
	engine := NewRewriteEngine(RuleLoaderFunc(func(context.Context) ([]RewriteRule, error) {
		calls.Add(1)
		return []RewriteRule{urlRule("1", "old", "new")}, nil
	}))
	engine.Logger = quietLogger()

	sigCh := make(chan os.Signal, 1)
	reloader := watchReload(engine, sigCh, quietLogger())
	defer reloader.Cancel()

	sigCh <- syscall.SIGHUP
	waitFor(t, func() bool { return calls.Load() == 1 })
	waitFor(t, func() bool { return engine.Count() == 1 })

	if got := engine.ApplyRequestURL("http://old/"); got != "http://new/" {
		t.Errorf("rules not swapped in: %q", got)
	}
}

func TestWatchReload_Error(t *testing.T) {
	var calls atomic.Int32
	engine := NewRewriteEngine(RuleLoaderFunc(func(context.Context) ([]RewriteRule, error) {
		if calls.Add(1) > 1 {
			return nil, errors.New("store unavailable")
		}
		return []RewriteRule{urlRule("1", "a", "b")}, nil
	}))
	engine.Logger = quietLogger()
	if err := engine.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	reloader := watchReload(engine, sigCh, quietLogger())
	defer reloader.Cancel()

	sigCh <- syscall.SIGHUP
	waitFor(t, func() bool { return calls.Load() == 2 })

	if engine.Count() != 1 {
		t.Errorf("Count = %d, want previous snapshot kept", engine.Count())
	}
}

func TestWatchSIGHUP_Signal(t *testing.T) {
	var calls atomic.Int32
	engine := NewRewriteEngine(RuleLoaderFunc(func(context.Context) ([]RewriteRule, error) {
		calls.Add(1)
		return nil, nil
	}))
	engine.Logger = quietLogger()

	reloader := WatchSIGHUP(engine, quietLogger())
	defer reloader.Cancel()

	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitFor(t, func() bool { return calls.Load() > 0 })
}

func TestSIGHUPReloader_Cancel(t *testing.T) {
	engine := NewRewriteEngine(nil)
	reloader := watchReload(engine, make(chan os.Signal, 1), quietLogger())

	done := make(chan struct{})
	go func() {
		reloader.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return in time")
	}
}

func TestStartAutoReload(t *testing.T) {
	var calls atomic.Int32
	engine := NewRewriteEngine(RuleLoaderFunc(func(context.Context) ([]RewriteRule, error) {
		calls.Add(1)
		return nil, nil
	}))
	engine.Logger = quietLogger()

	cancel := engine.StartAutoReload(context.Background(), 10*time.Millisecond)
	waitFor(t, func() bool { return calls.Load() >= 2 })
	cancel()
}
