package gate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for gate activity.
type Metrics struct {
	decisions   *prometheus.CounterVec
	validations *prometheus.CounterVec
	limited     *prometheus.CounterVec
}

// MustNewMetrics registers the gate collectors on reg. Registering twice on
// the same registry reuses the existing collectors.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	decisions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Skill action checks by outcome category.",
		},
		[]string{"skill", "outcome"},
	)
	validations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "gate",
			Name:      "validation_failures_total",
			Help:      "Configurations rejected by validation.",
		},
		[]string{"skill"},
	)
	limited := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "gate",
			Name:      "rate_limited_total",
			Help:      "Acquisitions denied by a rate limit.",
		},
		[]string{"skill", "credential_source"},
	)

	register := func(c *prometheus.CounterVec) *prometheus.CounterVec {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector.(*prometheus.CounterVec)
			}
			panic(err)
		}
		return c
	}
	return &Metrics{
		decisions:   register(decisions),
		validations: register(validations),
		limited:     register(limited),
	}
}

func (m *Metrics) observeDecision(skillName, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(skillName, outcome).Inc()
}

func (m *Metrics) observeValidationFailure(skillName string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(skillName).Inc()
}

func (m *Metrics) observeRateLimited(skillName, source string) {
	if m == nil {
		return
	}
	m.limited.WithLabelValues(skillName, source).Inc()
}
