// Package metrics grounds the ambient observability surface named in
// SPEC_FULL's Metrics section on the teacher's core/system_health_logging.go:
// a registry bundling typed counters/gauges plus a dedicated HTTP server
// exposing them via promhttp, swapped from the teacher's block-height/
// peer-count/supply gauges for the chat+billing domain's own signals.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder bundles every counter/gauge this service exposes under one
// prometheus.Registry, the same shape as the teacher's HealthLogger but with
// gauges/counters swapped for this domain's signals instead of chain height,
// peer count, and total supply.
type Recorder struct {
	registry *prometheus.Registry

	messagesSent      *prometheus.CounterVec
	streamErrors      *prometheus.CounterVec
	reservationDenied prometheus.Counter
	rotationsStarted  prometheus.Counter
	walletDebits      *prometheus.CounterVec
	walletDebitAmount *prometheus.CounterVec
	rateLimitDenied   *prometheus.CounterVec
	activeConnections prometheus.Gauge
	rateLimiterKeys   prometheus.Gauge
	streamLatency     *prometheus.HistogramVec
}

// New constructs a Recorder with every metric registered against a fresh
// registry, mirroring NewHealthLogger's pattern of creating-then-registering
// each gauge/counter in one place.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		messagesSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultchat",
			Name:      "messages_sent_total",
			Help:      "Number of messages committed, by funding source.",
		}, []string{"funding_source"}),
		streamErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultchat",
			Name:      "stream_errors_total",
			Help:      "Number of LLM stream failures, by classified cause.",
		}, []string{"cause"}),
		reservationDenied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vaultchat",
			Name:      "reservation_denied_total",
			Help:      "Number of speculative billing reservations denied for insufficient funds.",
		}),
		rotationsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vaultchat",
			Name:      "epoch_rotations_started_total",
			Help:      "Number of key-rotation epochs initiated after a member removal.",
		}),
		walletDebits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultchat",
			Name:      "wallet_debits_total",
			Help:      "Number of successful wallet debits, by wallet type.",
		}, []string{"wallet_type"}),
		walletDebitAmount: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultchat",
			Name:      "wallet_debit_ticks_total",
			Help:      "Sum of wallet debits in fixed-point ticks (1e-8 unit), by wallet type.",
		}, []string{"wallet_type"}),
		rateLimitDenied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaultchat",
			Name:      "rate_limit_denied_total",
			Help:      "Number of requests denied by the per-IP rate limiter, by route class.",
		}, []string{"route"}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultchat",
			Name:      "ws_active_connections",
			Help:      "Number of open WebSocket connections across all conversations.",
		}),
		rateLimiterKeys: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vaultchat",
			Name:      "rate_limiter_tracked_keys",
			Help:      "Number of distinct source IPs currently tracked by the rate limiter.",
		}),
		streamLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vaultchat",
			Name:      "stream_duration_seconds",
			Help:      "Wall-clock duration of an LLM stream from first token request to completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
	}

	return r
}

// MessageSent records a committed message, tagged by the resolved funding
// source (personal_balance, owner_balance, free_allowance) from §4.4.
func (r *Recorder) MessageSent(fundingSource string) {
	r.messagesSent.WithLabelValues(fundingSource).Inc()
}

// StreamError records an LLM stream failure classified by cause
// (provider_error, timeout, client_disconnect), matching the causes
// internal/streampipeline's classifyStreamErr distinguishes.
func (r *Recorder) StreamError(cause string) {
	r.streamErrors.WithLabelValues(cause).Inc()
}

// ReservationDenied records a speculative reservation denied for
// insufficient funds, ahead of any LLM call.
func (r *Recorder) ReservationDenied() {
	r.reservationDenied.Inc()
}

// RotationStarted records a key-rotation epoch initiated after a pending
// member removal was submitted for re-encryption.
func (r *Recorder) RotationStarted() {
	r.rotationsStarted.Inc()
}

// WalletDebit records a successful wallet debit, by wallet type
// (purchased, free_tier), and its magnitude in fixed-point ticks.
func (r *Recorder) WalletDebit(walletType string, ticks int64) {
	r.walletDebits.WithLabelValues(walletType).Inc()
	r.walletDebitAmount.WithLabelValues(walletType).Add(float64(ticks))
}

// RateLimitDenied records a request denied by the per-IP limiter, tagged by
// the route class it was denied on (access, send) per spec §4.7.
func (r *Recorder) RateLimitDenied(route string) {
	r.rateLimitDenied.WithLabelValues(route).Inc()
}

// SetActiveConnections reports the current count of open WebSocket
// connections, sampled by cmd/server's periodic collector from
// broadcast.Hub.
func (r *Recorder) SetActiveConnections(n int) {
	r.activeConnections.Set(float64(n))
}

// SetRateLimiterKeys reports the current number of tracked rate-limiter
// keys, sampled from ratelimit.IPLimiter.Len.
func (r *Recorder) SetRateLimiterKeys(n int) {
	r.rateLimiterKeys.Set(float64(n))
}

// ObserveStreamDuration records how long a completed stream took for the
// given model, for latency dashboards and alerting on slow providers.
func (r *Recorder) ObserveStreamDuration(model string, d time.Duration) {
	r.streamLatency.WithLabelValues(model).Observe(d.Seconds())
}

// Sampler is the subset of broadcast.Hub and ratelimit.IPLimiter a periodic
// collector needs to read gauge values from, kept narrow so tests can supply
// a fake without depending on the concrete types.
type Sampler interface {
	ActiveConnections() int
	RateLimiterKeys() int
}

// RunCollector periodically samples gauge-style metrics from sampler until
// ctx is cancelled, the same shape as the teacher's RunMetricsCollector
// ticker loop in core/system_health_logging.go.
func (r *Recorder) RunCollector(ctx context.Context, sampler Sampler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SetActiveConnections(sampler.ActiveConnections())
			r.SetRateLimiterKeys(sampler.RateLimiterKeys())
		}
	}
}

// Server exposes the registry over /metrics on its own listener, mirroring
// the teacher's StartMetricsServer/ShutdownMetricsServer split so the
// metrics port can be brought up and down independently of the main API
// listener.
func (r *Recorder) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}

// Shutdown gracefully stops a server returned by Server, giving in-flight
// scrapes up to the context's deadline to complete.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
