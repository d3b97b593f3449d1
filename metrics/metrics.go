// Package metrics exposes Prometheus counters for hoster API calls, download
// outcomes and bytes moved through the download and decryption phases.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"megafetch/internal"
)

const namespace = "megafetch"

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	apiCallsTotal      *prometheus.CounterVec
	apiCallDuration    *prometheus.HistogramVec
	outcomesTotal      *prometheus.CounterVec
	downloadedBytes    prometheus.Counter
	decryptedBytes     prometheus.Counter
	decryptionDuration prometheus.Histogram
	accountChecksTotal *prometheus.CounterVec
}

// NewMetrics creates a metrics instance on its own registry
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.NewRegistry())
}

func newMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		apiCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_calls_total",
				Help:      "Total number of hoster API calls",
			},
			[]string{"api", "result"},
		),
		apiCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_call_duration_seconds",
				Help:      "Hoster API call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"api"},
		),
		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_total",
				Help:      "Download outcomes signalled by hoster errors",
			},
			[]string{"outcome"},
		),
		downloadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Encrypted bytes written by the download engine",
		}),
		decryptedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypted_bytes_total",
			Help:      "Plaintext bytes produced by the file decryptor",
		}),
		decryptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decryption_duration_seconds",
			Help:      "Time spent decrypting one file",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		accountChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "account_checks_total",
				Help:      "Account status checks by result",
			},
			[]string{"result"},
		),
	}
}

// RecordAPICall records one hoster API call. A nil err counts as "ok",
// a hoster error is labelled with its outcome.
func (m *Metrics) RecordAPICall(api string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.apiCallsTotal.WithLabelValues(api, resultLabel(err)).Inc()
	m.apiCallDuration.WithLabelValues(api).Observe(duration.Seconds())
}

// RecordOutcome counts the outcome carried by err, if any
func (m *Metrics) RecordOutcome(err error) {
	if m == nil || err == nil {
		return
	}
	if hosterErr, ok := internal.AsHosterError(err); ok {
		m.outcomesTotal.WithLabelValues(hosterErr.Outcome.String()).Inc()
		return
	}
	m.outcomesTotal.WithLabelValues(internal.OutcomeFail.String()).Inc()
}

// AddDownloadedBytes adds n bytes written by the engine
func (m *Metrics) AddDownloadedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadedBytes.Add(float64(n))
}

// RecordDecryption records a finished decryption of n bytes
func (m *Metrics) RecordDecryption(n int64, duration time.Duration) {
	if m == nil {
		return
	}
	if n > 0 {
		m.decryptedBytes.Add(float64(n))
	}
	m.decryptionDuration.Observe(duration.Seconds())
}

// RecordAccountCheck counts an account check
func (m *Metrics) RecordAccountCheck(info *internal.AccountInfo, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.accountChecksTotal.WithLabelValues(resultLabel(err)).Inc()
	case info != nil && info.Premium:
		m.accountChecksTotal.WithLabelValues("premium").Inc()
	default:
		m.accountChecksTotal.WithLabelValues("free").Inc()
	}
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	internal.LogInfo("Metrics listening on http://%s/metrics", ln.Addr())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if hosterErr, ok := internal.AsHosterError(err); ok {
		return hosterErr.Outcome.String()
	}
	return "error"
}
