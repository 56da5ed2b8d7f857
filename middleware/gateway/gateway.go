// Package gateway serves the HTTP admin API of the master: query submission
// and control, worker listing and metrics.
package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/linkflow/master"
	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/encoding"
	"github.com/linkflow/middleware/log"
)

// Backend is the control surface the gateway exposes.
type Backend interface {
	Submit(ctx context.Context, q *encoding.QueryEncoding) (middleware.SubQueryID, error)
	QueryStatus(id middleware.SubQueryID) (*master.QueryStatus, error)
	Await(ctx context.Context, id middleware.SubQueryID) error
	Kill(id middleware.SubQueryID) error
	Pause(ctx context.Context, id middleware.SubQueryID) error
	Resume(ctx context.Context, id middleware.SubQueryID) error
	History() ([]*master.QueryStatus, error)
	Workers() []master.WorkerInfo
}

type Options struct {
	Addr string
	// Backend may be nil on workers.
	Backend Backend
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// ShutdownTimeout bounds the drain of in flight requests.
	ShutdownTimeout time.Duration
}

// NewHandler routes the admin API to backend. A nil backend leaves only the
// health and metrics endpoints, which is what workers serve.
func NewHandler(backend Backend, gatherer prometheus.Gatherer) http.Handler {
	h := &handler{backend: backend, marshaler: defaultMarshaler}
	r := mux.NewRouter()
	r.Path("/healthz").Methods(http.MethodGet).HandlerFunc(h.health)
	if gatherer != nil {
		r.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if backend == nil {
		return r
	}
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Path("/queries").Methods(http.MethodPost).HandlerFunc(h.submit)
	api.Path("/queries").Methods(http.MethodGet).HandlerFunc(h.history)
	api.Path("/queries/{queryID}/{index}").Methods(http.MethodGet).HandlerFunc(h.status)
	api.Path("/queries/{queryID}/{index}").Methods(http.MethodDelete).HandlerFunc(h.kill)
	api.Path("/queries/{queryID}/{index}/pause").Methods(http.MethodPost).HandlerFunc(h.pause)
	api.Path("/queries/{queryID}/{index}/resume").Methods(http.MethodPost).HandlerFunc(h.resume)
	api.Path("/workers").Methods(http.MethodGet).HandlerFunc(h.workers)
	return r
}

// Run serves the admin API until ctx is done.
func Run(ctx context.Context, opts Options) error {
	if opts.Backend == nil && opts.Gatherer == nil {
		return errors.New("gateway with nothing to serve")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	lis, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "gateway listen on %s", opts.Addr)
	}
	srv := &http.Server{
		Handler:           NewHandler(opts.Backend, opts.Gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("gateway shutdown", zap.Error(err))
		}
	}()

	log.Info("gateway listening", zap.Stringer("addr", lis.Addr()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "gateway serve")
	}
	return nil
}
