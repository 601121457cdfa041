package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swap_deployer"

// Metrics groups the collectors exported by the deployer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ChainHeight       prometheus.Gauge
	CursorHeight      prometheus.Gauge
	BlocksScanned     prometheus.Counter
	TransfersDetected prometheus.Counter
	Provisions        *prometheus.CounterVec
	RPCRetries        *prometheus.CounterVec
	DeadLetters       prometheus.Gauge
	PriceUpdates      prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		ChainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Usable chain head height reported by the node",
		}),
		CursorHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_height",
			Help:      "Last fully processed block height",
		}),
		BlocksScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_scanned_total",
			Help:      "Total number of blocks scanned for deposits",
		}),
		TransfersDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_detected_total",
			Help:      "Total number of confirmed deposits to the watched address",
		}),
		Provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisions_total",
			Help:      "Provisioning passes by result",
		}, []string{"result"}),
		RPCRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "RPC requests retried after a transport or response failure",
		}, []string{"method"}),
		DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters",
			Help:      "Provisioning passes waiting for a retry",
		}),
		PriceUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricer",
			Name:      "updates_total",
			Help:      "Staking price updates confirmed on chain",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ChainHeight,
		m.CursorHeight,
		m.BlocksScanned,
		m.TransfersDetected,
		m.Provisions,
		m.RPCRetries,
		m.DeadLetters,
		m.PriceUpdates,
	)
	return m
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetChainHeight(h uint64) {
	if m == nil {
		return
	}
	m.ChainHeight.Set(float64(h))
}

func (m *Metrics) SetCursor(h uint64) {
	if m == nil {
		return
	}
	m.CursorHeight.Set(float64(h))
}

func (m *Metrics) BlockScanned(transfers int) {
	if m == nil {
		return
	}
	m.BlocksScanned.Inc()
	m.TransfersDetected.Add(float64(transfers))
}

func (m *Metrics) ProvisionResult(result string) {
	if m == nil {
		return
	}
	m.Provisions.WithLabelValues(result).Inc()
}

func (m *Metrics) RPCRetry(method string) {
	if m == nil {
		return
	}
	m.RPCRetries.WithLabelValues(method).Inc()
}

func (m *Metrics) SetDeadLetters(n int) {
	if m == nil {
		return
	}
	m.DeadLetters.Set(float64(n))
}

func (m *Metrics) PriceUpdated() {
	if m == nil {
		return
	}
	m.PriceUpdates.Inc()
}
