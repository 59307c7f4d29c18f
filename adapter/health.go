/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srediag/plugin-dgram/api"
)

// DefaultGoroutineLimit fails liveness when the process leaks goroutines.
const DefaultGoroutineLimit = 10000

// HealthOptions configure NewHealthHandler.
type HealthOptions struct {
	// Registry receives the healthcheck status gauges. Nil skips them.
	Registry prometheus.Registerer
	// Namespace prefixes the gauges.
	Namespace string
	// GoroutineLimit adds a goroutine count liveness check when positive.
	GoroutineLimit int
}

// NewHealthHandler exposes h on /live and /ready.
func NewHealthHandler(h api.Health, o HealthOptions) healthcheck.Handler {
	var handler healthcheck.Handler
	if o.Registry != nil {
		handler = healthcheck.NewMetricsHandler(o.Registry, o.Namespace)
	} else {
		handler = healthcheck.NewHandler()
	}
	handler.AddLivenessCheck("loop", healthcheck.Check(h.Liveness))
	handler.AddReadinessCheck("transport", healthcheck.Check(h.Readiness))
	if o.GoroutineLimit > 0 {
		handler.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(o.GoroutineLimit))
	}
	return handler
}

// NewAdminMux routes the health endpoints and /metrics.
func NewAdminMux(health http.Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/live", health)
	mux.Handle("/ready", health)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// AdminServer serves an admin mux until its context is cancelled.
type AdminServer struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// ListenAdmin binds address. Serving starts with Serve.
func ListenAdmin(address string, handler http.Handler, log *zap.Logger) (*AdminServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &AdminServer{
		srv: &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log.Named("admin"),
	}, nil
}

// Addr is the bound address.
func (s *AdminServer) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks until ctx is done and then shuts the server down.
func (s *AdminServer) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.ln) }()
	s.log.Info("admin server listening", zap.Stringer("addr", s.ln.Addr()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
