package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"codeberg.org/mutker/nvfanctl/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	endpoint          = "/metrics"
	readHeaderTimeout = 5 * time.Second
)

// NewRegistry returns a registry holding the control state collector and
// the usual process and Go runtime collectors.
func NewRegistry(collector *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return registry
}

// Exporter serves a registry over HTTP.
type Exporter struct {
	server *http.Server
	logger logger.Logger
}

func NewExporter(listen string, gatherer prometheus.Gatherer, log logger.Logger) *Exporter {
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Exporter{
		server: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: log,
	}
}

// Run serves until Shutdown.
func (e *Exporter) Run() error {
	l, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return errors.New().Wrap(errors.ErrInitFailed, err)
	}

	e.logger.Info().Str("address", l.Addr().String()).Msg("Serving metrics")

	if err := e.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}
