package services

import (
	"github.com/feedloop/authorizer/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricNamespace = "authorizer"

	labelTokenType = "token_type"
	labelResult    = "result"
	labelLevel     = "level"
)

// Metrics holds the collectors updated by the engines. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	tokensProduced  *prometheus.CounterVec
	tokensVerified  *prometheus.CounterVec
	tokensRevoked   prometheus.Counter
	accessDecisions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tokensProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "token",
			Name:      "produced_total",
			Help:      "Number of tokens issued, by token type.",
		}, []string{labelTokenType}),
		tokensVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "token",
			Name:      "verified_total",
			Help:      "Number of token verifications, by token type and outcome.",
		}, []string{labelTokenType, labelResult}),
		tokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "token",
			Name:      "revoked_total",
			Help:      "Number of token headers removed by revocation.",
		}),
		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Number of access decisions, by deciding level and outcome.",
		}, []string{labelLevel, labelResult}),
	}
	reg.MustRegister(m.tokensProduced, m.tokensVerified, m.tokensRevoked, m.accessDecisions)
	return m
}

func (m *Metrics) tokenProduced(tokenType models.TokenType) {
	if m == nil {
		return
	}
	m.tokensProduced.WithLabelValues(string(tokenType)).Inc()
}

func (m *Metrics) tokenVerified(tokenType models.TokenType, granted bool) {
	if m == nil {
		return
	}
	m.tokensVerified.WithLabelValues(string(tokenType), grantedLabel(granted)).Inc()
}

func (m *Metrics) tokensRevokedAdd(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRevoked.Add(float64(n))
}

func (m *Metrics) accessDecided(level string, granted bool) {
	if m == nil {
		return
	}
	m.accessDecisions.WithLabelValues(level, grantedLabel(granted)).Inc()
}

func grantedLabel(granted bool) string {
	if granted {
		return "granted"
	}
	return "denied"
}
