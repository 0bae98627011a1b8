package api

import (
	"testing"

	"github.com/valyala/fasthttp"

	"promisedb/pkg/apirate"
	"promisedb/pkg/docstore"
	"promisedb/pkg/fulfill"
	"promisedb/pkg/salvage"
)

func newTestCtx(path string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.SetRequestURI(path)
	ctx.Init(&req, nil, nil)
	return &ctx
}

func TestHealthzReportsOK(t *testing.T) {
	store, err := docstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	fulfiller := fulfill.New(store, fulfill.NewRegistry(), nil)
	salvager := salvage.New(store, fulfiller, nil)
	s := New(store, salvager, nil)

	handler := s.FastHTTPHandler()
	ctx := newTestCtx("/healthz")
	handler(ctx)

	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Body()) != "ok" {
		t.Fatalf("expected body \"ok\", got %q", ctx.Response.Body())
	}
}

func TestPromisesDueReportsZeroOnEmptyStore(t *testing.T) {
	store, err := docstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	fulfiller := fulfill.New(store, fulfill.NewRegistry(), nil)
	salvager := salvage.New(store, fulfiller, nil)
	s := New(store, salvager, nil)

	handler := s.FastHTTPHandler()
	ctx := newTestCtx("/admin/promises/due")
	handler(ctx)

	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Body()); got != `{"due":0}`+"\n" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestRateLimiterRejectsOverBurst(t *testing.T) {
	store, err := docstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	fulfiller := fulfill.New(store, fulfill.NewRegistry(), nil)
	salvager := salvage.New(store, fulfiller, nil)
	limiter := apirate.New(apirate.Limits{RPS: 1, Burst: 1})
	s := New(store, salvager, limiter)

	handler := s.FastHTTPHandler()

	first := newTestCtx("/healthz")
	handler(first)
	if first.Response.StatusCode() != 200 {
		t.Fatalf("expected first request to succeed, got %d", first.Response.StatusCode())
	}

	second := newTestCtx("/healthz")
	handler(second)
	if second.Response.StatusCode() != 429 {
		t.Fatalf("expected second request from the same address to be rate-limited, got %d", second.Response.StatusCode())
	}
}
