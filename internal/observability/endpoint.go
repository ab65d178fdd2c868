package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/psgscore/internal/logger"
	"github.com/tphakala/psgscore/internal/observability/metrics"
)

// Endpoint serves /metrics on its own listener, for deployments that keep the
// scoring API private.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
}

// NewEndpoint creates an endpoint for listenAddress (e.g. "0.0.0.0:8090").
func NewEndpoint(listenAddress string, m *Metrics) *Endpoint {
	return &Endpoint{listenAddress: listenAddress, metrics: m}
}

// Start runs the HTTP server until quitChan is closed.
func (e *Endpoint) Start(wg *sync.WaitGroup, quitChan <-chan struct{}) {
	log := GetLogger()

	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	e.server = &http.Server{
		Addr:              e.listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Go(func() {
		log.Info("Telemetry endpoint starting", logger.String("address", e.listenAddress))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Telemetry HTTP server error", logger.Error(err))
		}
	})

	wg.Go(func() { e.gracefulShutdown(quitChan) })
}

// gracefulShutdown waits for the quit signal and shuts down the server.
func (e *Endpoint) gracefulShutdown(quitChan <-chan struct{}) {
	<-quitChan
	log := GetLogger()
	log.Info("Stopping telemetry server")
	ctx, cancel := context.WithTimeout(context.Background(), metrics.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		log.Error("Telemetry server shutdown error", logger.Error(err))
	}
}

// GetMetrics returns the Metrics instance served by this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
