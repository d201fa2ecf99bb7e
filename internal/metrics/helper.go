package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Helper holds the metrics recorded by the privileged helper.
type Helper struct {
	registry *Registry

	Requests       *CounterVec
	Failures       *CounterVec
	Certificates   *Counter
	AttestDuration *Histogram
	Clients        *Gauge
	Uptime         *Gauge

	started time.Time
}

// NewHelper registers the helper metrics on r.
func NewHelper(r *Registry) *Helper {
	if r == nil {
		r = NewRegistry("keyattestd")
	}
	return &Helper{
		registry:       r,
		Requests:       r.CounterVec("requests_total", "Requests handled by message type", "type"),
		Failures:       r.CounterVec("failures_total", "Failed requests by wire error code", "code"),
		Certificates:   r.Counter("certificates_issued_total", "Certificates returned in attestation chains"),
		AttestDuration: r.Histogram("attest_duration_seconds", "Time spent generating and attesting a key", nil),
		Clients:        r.Gauge("clients", "Connected clients"),
		Uptime:         r.Gauge("uptime_seconds", "Seconds since the helper started"),
		started:        time.Now(),
	}
}

// Registry returns the registry the metrics live in.
func (m *Helper) Registry() *Registry { return m.registry }

// Serve exposes /metrics on addr until ctx is cancelled. clients is polled
// on each scrape.
func (m *Helper) Serve(ctx context.Context, addr string, clients func() int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if clients != nil {
			m.Clients.Set(int64(clients()))
		}
		m.Uptime.Set(int64(time.Since(m.started).Seconds()))
		m.registry.HTTPHandler().ServeHTTP(w, req)
	}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
