package metrics

import (
	"strconv"
	"time"

	"github.com/amaumene/anidbarr/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "anidbarr"

var sessionStates = []models.SessionState{
	models.SessionUnauthenticated,
	models.SessionAuthenticating,
	models.SessionActive,
	models.SessionBanned,
	models.SessionExpired,
}

// Metrics holds the prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests          *prometheus.CounterVec
	retries           *prometheus.CounterVec
	timeouts          *prometheus.CounterVec
	cooldowns         prometheus.Counter
	bans              prometheus.Counter
	dropped           prometheus.Counter
	redials           prometheus.Counter
	sessionState      *prometheus.GaugeVec
	reconcileDuration prometheus.Histogram
	missingEpisodes   *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anidb",
			Name:      "packets_sent_total",
			Help:      "UDP request packets sent to AniDB, by command.",
		}, []string{"command"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anidb",
			Name:      "retries_total",
			Help:      "Request attempts retried after a timeout or transport failure.",
		}, []string{"command"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anidb",
			Name:      "request_timeouts_total",
			Help:      "Requests that failed after exhausting every attempt.",
		}, []string{"command"}),
		cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anidb",
			Name:      "rate_limit_cooldowns_total",
			Help:      "Process-wide cooldowns triggered by busy responses.",
		}),
		bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anidb",
			Name:      "bans_total",
			Help:      "Ban responses received from AniDB.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anidb",
			Name:      "dropped_datagrams_total",
			Help:      "Datagrams that matched no pending request.",
		}),
		redials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "anidb",
			Name:      "transport_redials_total",
			Help:      "Sockets reopened after a transport failure.",
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "anidb",
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "check_duration_seconds",
			Help:      "Time spent checking one anime folder.",
			Buckets:   prometheus.DefBuckets,
		}),
		missingEpisodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "missing_episodes",
			Help:      "Missing episodes per anime (closed ranges only).",
		}, []string{"anidb_id"}),
	}

	reg.MustRegister(
		m.requests, m.retries, m.timeouts, m.cooldowns, m.bans, m.dropped, m.redials,
		m.sessionState, m.reconcileDuration, m.missingEpisodes,
	)
	return m
}

func (m *Metrics) PacketSent(command string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command).Inc()
}

func (m *Metrics) Retry(command string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(command).Inc()
}

func (m *Metrics) RequestTimeout(command string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(command).Inc()
}

func (m *Metrics) Cooldown() {
	if m == nil {
		return
	}
	m.cooldowns.Inc()
}

func (m *Metrics) Ban() {
	if m == nil {
		return
	}
	m.bans.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Redial() {
	if m == nil {
		return
	}
	m.redials.Inc()
}

// SetSessionState flips the state gauge so exactly one state reads 1
func (m *Metrics) SetSessionState(state models.SessionState) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.sessionState.WithLabelValues(string(s)).Set(value)
	}
}

func (m *Metrics) ObserveCheck(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.Observe(d.Seconds())
}

func (m *Metrics) SetMissing(animeID, missing int) {
	if m == nil {
		return
	}
	m.missingEpisodes.WithLabelValues(strconv.Itoa(animeID)).Set(float64(missing))
}
