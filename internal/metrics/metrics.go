// Package metrics exposes the agent's operational counters on an optional
// loopback debug listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Set bundles the agent's counters on a private registry.
type Set struct {
	registry *prometheus.Registry

	PollCycles       prometheus.Counter
	PollFailures     prometheus.Counter
	Updates          *prometheus.CounterVec
	DispatchFailures prometheus.Counter
	RelayAttempts    *prometheus.CounterVec
	RelaySuccesses   *prometheus.CounterVec
	RelayFailures    *prometheus.CounterVec
	BytesUploaded    prometheus.Counter
	SurveysReported  prometheus.Counter
}

// New creates a Set with all counters registered.
func New() *Set {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	s := &Set{
		registry: registry,
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_poll_cycles_total",
			Help: "Update poll cycles executed.",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_poll_failures_total",
			Help: "Poll cycles that failed before dispatch.",
		}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_updates_total",
			Help: "Server updates dispatched, by update type.",
		}, []string{"type"}),
		DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_dispatch_failures_total",
			Help: "Timeline handler dispatches that failed.",
		}),
		RelayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_relay_attempts_total",
			Help: "Result file relay attempts, by file kind.",
		}, []string{"kind"}),
		RelaySuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_relay_successes_total",
			Help: "Result files relayed successfully, by file kind.",
		}, []string{"kind"}),
		RelayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_relay_failures_total",
			Help: "Result file relays that failed and were restored, by file kind.",
		}, []string{"kind"}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_bytes_uploaded_total",
			Help: "Raw result bytes uploaded before encoding.",
		}),
		SurveysReported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_surveys_reported_total",
			Help: "Survey artifacts delivered.",
		}),
	}

	registry.MustRegister(
		s.PollCycles, s.PollFailures, s.Updates, s.DispatchFailures,
		s.RelayAttempts, s.RelaySuccesses, s.RelayFailures,
		s.BytesUploaded, s.SurveysReported,
	)
	return s
}

// Serve runs the debug listener until the context is cancelled. An empty
// addr disables the listener entirely.
func (s *Set) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	if addr == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("debug listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
