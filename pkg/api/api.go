// Package api is the admin HTTP front (SPEC_FULL.md §4.10): a liveness
// probe, Prometheus metrics, and a couple of operator endpoints over the
// salvager. Routing for the plain net/http surface (/metrics, /swagger)
// uses gorilla/mux; promisedb's own handlers use the donor's
// transport-agnostic pkg/httpx adapters. Everything is served over a
// single fasthttp listener, the way the donor's fasthttp entrypoint did,
// with net/http handlers bridged in via fasthttpadaptor.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"promisedb/pkg/apirate"
	"promisedb/pkg/docstore"
	"promisedb/pkg/httpx"
	"promisedb/pkg/metrics"
	"promisedb/pkg/promise"
	"promisedb/pkg/salvage"
)

// Server wires the admin HTTP front's dependencies.
type Server struct {
	store    *docstore.Store
	salvager *salvage.Salvager
	limiter  *apirate.Pool
}

// New returns a Server. limiter may be nil to disable rate limiting.
func New(store *docstore.Store, salvager *salvage.Salvager, limiter *apirate.Pool) *Server {
	return &Server{store: store, salvager: salvager, limiter: limiter}
}

// netHandler returns the net/http.Handler serving /metrics and /swagger.
func (s *Server) netHandler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)
	return r
}

// FastHTTPHandler returns the fasthttp.RequestHandler to pass to
// fasthttp.ListenAndServe. It dispatches promisedb's own endpoints through
// pkg/httpx and falls back to the net/http mux for everything else.
func (s *Server) FastHTTPHandler() fasthttp.RequestHandler {
	healthz := httpx.FastHTTPAdapter(s.withLimit(s.healthz))
	due := httpx.FastHTTPAdapter(s.withLimit(s.promisesDue))
	drain := httpx.FastHTTPAdapter(s.withLimit(s.promisesDrain))
	fallback := fasthttpadaptor.NewFastHTTPHandler(s.netHandler())

	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/healthz":
			healthz(ctx)
		case "/admin/promises/due":
			due(ctx)
		case "/admin/promises/drain":
			drain(ctx)
		default:
			fallback(ctx)
		}
	}
}

func (s *Server) withLimit(next httpx.HandlerFunc) httpx.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w httpx.ResponseWriter, r *httpx.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) healthz(w httpx.ResponseWriter, r *httpx.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) promisesDue(w httpx.ResponseWriter, r *httpx.Request) {
	n, err := promise.CountDue(r.Ctx, s.store)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_ = json.NewEncoder(buf).Encode(struct {
		Due int `json:"due"`
	}{Due: n})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) promisesDrain(w httpx.ResponseWriter, r *httpx.Request) {
	s.salvager.DrainOnce(r.Ctx)
	w.WriteHeader(http.StatusAccepted)
}
