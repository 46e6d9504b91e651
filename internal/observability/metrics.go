// Package observability provides Prometheus metrics for monitoring the
// trading loop.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Loop metrics
	IterationsTotal     prometheus.Counter
	IterationErrors     *prometheus.CounterVec
	IterationDuration   prometheus.Histogram
	LastIterationOK     prometheus.Gauge
	OutcomesTotal       *prometheus.CounterVec
	ExchangeCallLatency *prometheus.HistogramVec

	// Order metrics
	OrdersTotal *prometheus.CounterVec

	// Position metrics
	PositionState *prometheus.GaugeVec
	RealizedToday *prometheus.GaugeVec
	Halted        *prometheus.GaugeVec

	// Persistence metrics
	PersistenceErrors *prometheus.CounterVec

	// Gateway metrics
	BreakerState prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on reg. A nil reg uses
// the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "spot_trader"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		IterationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Total number of loop iterations",
		}),
		IterationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "iteration_errors_total",
			Help:      "Iterations aborted by an error, by kind",
		}, []string{"kind"}),
		IterationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one loop iteration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		LastIterationOK: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "last_successful_iteration_timestamp",
			Help:      "Unix time of the last iteration that completed without error",
		}),
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "outcomes_total",
			Help:      "State machine outcomes by status and reason",
		}, []string{"strategy", "status", "reason"}),
		ExchangeCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "call_latency_seconds",
			Help:      "Exchange call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		OrdersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "orders_total",
			Help:      "Orders and cancels sent, by action",
		}, []string{"strategy", "action"}),
		PositionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "position_state",
			Help:      "0=flat, 1=pending entry, 2=open",
		}, []string{"strategy", "symbol"}),
		RealizedToday: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "realized_pnl_today",
			Help:      "Realized PnL since 00:00 UTC in quote currency",
		}, []string{"strategy", "symbol"}),
		Halted: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "entries_halted",
			Help:      "1 while the daily drawdown limit blocks new entries",
		}, []string{"strategy", "symbol"}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persistence_errors_total",
			Help:      "Failed state or ledger writes",
		}, []string{"target"}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "breaker_state",
			Help:      "0=closed, 1=half_open, 2=open",
		}),
	}
}

// RecordIteration records one loop iteration. errKind is empty on success.
func (m *Metrics) RecordIteration(d time.Duration, errKind string, now time.Time) {
	m.IterationsTotal.Inc()
	m.IterationDuration.Observe(d.Seconds())
	if errKind != "" {
		m.IterationErrors.WithLabelValues(errKind).Inc()
		return
	}
	m.LastIterationOK.Set(float64(now.Unix()))
}

// RecordOutcome counts a state machine outcome and the order it sent, if any.
func (m *Metrics) RecordOutcome(strategy, status, reason, action string) {
	m.OutcomesTotal.WithLabelValues(strategy, status, reason).Inc()
	if action != "" && action != "NONE" {
		m.OrdersTotal.WithLabelValues(strategy, action).Inc()
	}
}

// RecordExchangeCall observes the latency of one exchange call.
func (m *Metrics) RecordExchangeCall(operation string, d time.Duration) {
	m.ExchangeCallLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// SetPosition publishes the current position state code.
func (m *Metrics) SetPosition(strategy, symbol string, code int) {
	m.PositionState.WithLabelValues(strategy, symbol).Set(float64(code))
}

// SetRisk publishes today's realized PnL and the halt flag.
func (m *Metrics) SetRisk(strategy, symbol string, realized float64, halted bool) {
	m.RealizedToday.WithLabelValues(strategy, symbol).Set(realized)
	v := 0.0
	if halted {
		v = 1
	}
	m.Halted.WithLabelValues(strategy, symbol).Set(v)
}

// RecordPersistenceError counts a failed write to target ("state" or "ledger").
func (m *Metrics) RecordPersistenceError(target string) {
	m.PersistenceErrors.WithLabelValues(target).Inc()
}

// SetBreakerState publishes the gateway circuit state.
func (m *Metrics) SetBreakerState(code int) {
	m.BreakerState.Set(float64(code))
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
