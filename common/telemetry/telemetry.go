// Package telemetry serves the pprof profiling endpoints on a loopback
// port. Prometheus scraping lives on each service's own metrics handler.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/aetheriq/flowcore/common/logger"
)

// Telemetry owns the pprof listener
type Telemetry struct {
	log    *logger.Logger
	server *http.Server
}

// New creates the pprof server bound to localhost
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log: log,
		server: &http.Server{
			Addr:              fmt.Sprintf("localhost:%d", pprofPort),
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves pprof in the background. Failures are logged, never fatal.
func (t *Telemetry) Start(ctx context.Context) error {
	go func() {
		t.log.Info("pprof server starting", "addr", t.server.Addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Error("pprof server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the pprof listener down
func (t *Telemetry) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}
