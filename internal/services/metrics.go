package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 声誉引擎的业务指标。nil 接收者上的方法都是空操作
type Metrics struct {
	registry       *prometheus.Registry
	pointsAwarded  *prometheus.CounterVec
	badgesAwarded  *prometheus.CounterVec
	badgesRevoked  *prometheus.CounterVec
	mirrorRetries  prometheus.Counter
	recalcAccounts *prometheus.CounterVec
	inboxDelivered prometheus.Counter
	adminVerify    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pointsAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpath_points_awarded_total",
			Help: "Points credited to accounts, by source",
		}, []string{"source"}),
		badgesAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpath_badges_awarded_total",
			Help: "Badges awarded, by badge id",
		}, []string{"badge"}),
		badgesRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpath_badges_revoked_total",
			Help: "Badges revoked, by badge id",
		}, []string{"badge"}),
		mirrorRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devpath_leaderboard_mirror_retries_total",
			Help: "Failed leaderboard mirror retries",
		}),
		recalcAccounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpath_recalc_accounts_total",
			Help: "Accounts handled by bulk recalculation, by outcome",
		}, []string{"outcome"}),
		inboxDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devpath_inbox_items_delivered_total",
			Help: "Inbox items committed by the fan-out dispatcher",
		}),
		adminVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devpath_admin_verifications_total",
			Help: "Admin key verification attempts, by result",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.pointsAwarded,
		m.badgesAwarded,
		m.badgesRevoked,
		m.mirrorRetries,
		m.recalcAccounts,
		m.inboxDelivered,
		m.adminVerify,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PointsAwarded(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pointsAwarded.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) BadgeAwarded(badge string) {
	if m == nil {
		return
	}
	m.badgesAwarded.WithLabelValues(badge).Inc()
}

func (m *Metrics) BadgeRevoked(badge string) {
	if m == nil {
		return
	}
	m.badgesRevoked.WithLabelValues(badge).Inc()
}

func (m *Metrics) MirrorRetry() {
	if m == nil {
		return
	}
	m.mirrorRetries.Inc()
}

func (m *Metrics) RecalcFinished(sum RecalcSummary) {
	if m == nil {
		return
	}
	m.recalcAccounts.WithLabelValues("succeeded").Add(float64(sum.Succeeded))
	m.recalcAccounts.WithLabelValues("skipped").Add(float64(sum.Skipped))
	m.recalcAccounts.WithLabelValues("errored").Add(float64(sum.Errored))
}

func (m *Metrics) InboxDelivered(n int) {
	if m == nil {
		return
	}
	m.inboxDelivered.Add(float64(n))
}

func (m *Metrics) AdminVerify(result string) {
	if m == nil {
		return
	}
	m.adminVerify.WithLabelValues(result).Inc()
}
